package adapter

import (
	"context"

	"storybook-orchestrator/internal/domain/model"
)

// Notifier pushes an out-of-band note when an automation run reaches a
// terminal state. Failures to notify are logged, never surfaced to the run.
type Notifier interface {
	NotifyRunFinished(ctx context.Context, run *model.AutomationRun) error
}
