package repository

import (
	"context"

	"storybook-orchestrator/internal/domain/model"
)

type JobRepository interface {
	Save(ctx context.Context, tx Tx, job *model.Job) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Job, error)
	List(ctx context.Context, tx Tx, offset, limit int) ([]*model.Job, error)
}
