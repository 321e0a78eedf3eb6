//go:build !integration

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// The collectors only show up on /metrics if MustRegister actually pushes
// them into the default registry the promhttp handler serves.
func TestMustRegister_ExposesCollectors(t *testing.T) {
	MustRegister()

	// Touch a counter vec so its family has at least one child.
	IncDispatch("generation", "initial")
	SetPollTimersArmed(3)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{"job_dispatches_total", "poll_timers_armed"} {
		if !found[name] {
			t.Fatalf("metric family %q not registered", name)
		}
	}
}

func TestMustRegister_Idempotent(t *testing.T) {
	// A second call must not panic with AlreadyRegisteredError.
	MustRegister()
	MustRegister()
}
