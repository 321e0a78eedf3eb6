package notify

import (
	"context"

	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.Notifier = (*Noop)(nil)

type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (Noop) NotifyRunFinished(context.Context, *model.AutomationRun) error { return nil }
