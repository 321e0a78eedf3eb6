package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(providerCallLatencyMs, pollFailuresTotal, pollTimersArmed, webhookDeliveriesTotal)
}

var providerCallLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "provider_call_latency_ms",
		Help:    "Provider API call latency distribution in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000},
	},
	[]string{"op", "success"},
)

var pollFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "poll_failures_total",
		Help: "Poll queries that failed and were re-armed with backoff.",
	},
)

var pollTimersArmed = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "poll_timers_armed",
		Help: "Number of jobs with a pending poll timer.",
	},
)

var webhookDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Inbound webhook deliveries, labeled by outcome (ok/rejected/ignored).",
	},
	[]string{"outcome"},
)

func ObserveProviderCall(op string, latencyMs int, success bool) {
	providerCallLatencyMs.WithLabelValues(norm(op), strconv.FormatBool(success)).Observe(float64(latencyMs))
}

func IncPollFailure()             { pollFailuresTotal.Inc() }
func SetPollTimersArmed(n int)    { pollTimersArmed.Set(float64(n)) }
func IncWebhook(outcome string)   { webhookDeliveriesTotal.WithLabelValues(norm(outcome)).Inc() }
