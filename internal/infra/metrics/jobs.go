package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(jobDispatchesTotal, jobReconcilesTotal, jobRetriesTotal, staleEventsTotal, jobsTerminalTotal)
}

var jobDispatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_dispatches_total",
		Help: "Dispatch attempts against the compute provider, labeled by job type and reason.",
	},
	[]string{"type", "reason"},
)

var jobReconcilesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_reconciles_total",
		Help: "Reconciled status updates, labeled by event type.",
	},
	[]string{"event"},
)

var jobRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_retries_total",
		Help: "Provider-failure retries dispatched by the reconciler.",
	},
	[]string{"type"},
)

var staleEventsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "job_stale_events_total",
		Help: "Updates discarded because their provider job id was superseded.",
	},
)

var jobsTerminalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobs_terminal_total",
		Help: "Jobs reaching a terminal status.",
	},
	[]string{"type", "status"},
)

func IncDispatch(jobType, reason string)   { jobDispatchesTotal.WithLabelValues(norm(jobType), norm(reason)).Inc() }
func IncReconcile(event string)            { jobReconcilesTotal.WithLabelValues(norm(event)).Inc() }
func IncRetry(jobType string)              { jobRetriesTotal.WithLabelValues(norm(jobType)).Inc() }
func IncStaleEvent()                       { staleEventsTotal.Inc() }
func IncTerminal(jobType, status string)   { jobsTerminalTotal.WithLabelValues(norm(jobType), norm(status)).Inc() }
