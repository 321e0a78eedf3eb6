package repository

import (
	"context"

	"storybook-orchestrator/internal/domain/model"
)

type AutomationRunRepository interface {
	Save(ctx context.Context, tx Tx, run *model.AutomationRun) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.AutomationRun, error)
	// EnsureSubject creates the subject profile row if it does not exist yet
	// and returns its id either way.
	EnsureSubject(ctx context.Context, tx Tx, name string) (string, error)
}
