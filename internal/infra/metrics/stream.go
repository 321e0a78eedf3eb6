package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(streamSubscribers, streamDroppedTotal, runsTerminalTotal) }

var streamSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "stream_subscribers",
		Help: "Live broadcast subscribers currently connected.",
	},
)

var streamDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "stream_dropped_total",
		Help: "Broadcast messages dropped because a subscriber was too slow.",
	},
)

var runsTerminalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "automation_runs_terminal_total",
		Help: "Automation runs reaching a terminal status.",
	},
	[]string{"status"},
)

func IncStreamSubscribers()      { streamSubscribers.Inc() }
func DecStreamSubscribers()      { streamSubscribers.Dec() }
func IncStreamDropped()          { streamDroppedTotal.Inc() }
func IncRunTerminal(status string) { runsTerminalTotal.WithLabelValues(norm(status)).Inc() }
