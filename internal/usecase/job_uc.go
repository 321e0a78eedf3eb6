package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storybook-orchestrator/internal/domain"
	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/repository"
)

// Compile-time check
var _ JobUseCase = (*jobUC)(nil)

type JobUseCase interface {
	// CreateGeneration creates a generation job record and dispatches the
	// first attempt.
	CreateGeneration(ctx context.Context, spec model.GenerationSpec) (*model.Job, error)
	// CreateTraining creates a fine-tune job record and dispatches the
	// first attempt.
	CreateTraining(ctx context.Context, spec model.TrainingSpec) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, offset, limit int) ([]*model.Job, error)
}

type jobUC struct {
	jobs       repository.JobRepository
	dispatcher Dispatcher
	log        *zerolog.Logger
}

func NewJobUseCase(jobs repository.JobRepository, dispatcher Dispatcher, logger *zerolog.Logger) *jobUC {
	l := logger.With().Str("component", "JobUC").Logger()
	return &jobUC{jobs: jobs, dispatcher: dispatcher, log: &l}
}

func (u *jobUC) CreateGeneration(ctx context.Context, spec model.GenerationSpec) (*model.Job, error) {
	if spec.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrInvalidArgument)
	}
	if spec.NumOutputs <= 0 {
		spec.NumOutputs = 1
	}
	job := &model.Job{
		ID:         uuid.NewString(),
		Type:       model.JobTypeGeneration,
		Status:     model.JobStatusPending,
		Generation: &spec,
		CreatedAt:  time.Now(),
	}
	return u.create(ctx, job)
}

func (u *jobUC) CreateTraining(ctx context.Context, spec model.TrainingSpec) (*model.Job, error) {
	if spec.ImagesZip == "" {
		return nil, fmt.Errorf("%w: images_zip is required", domain.ErrInvalidArgument)
	}
	job := &model.Job{
		ID:        uuid.NewString(),
		Type:      model.JobTypeTraining,
		Status:    model.JobStatusPending,
		Training:  &spec,
		CreatedAt: time.Now(),
	}
	return u.create(ctx, job)
}

func (u *jobUC) create(ctx context.Context, job *model.Job) (*model.Job, error) {
	if err := u.jobs.Save(ctx, nil, job); err != nil {
		return nil, err
	}
	if _, err := u.dispatcher.Dispatch(ctx, job.ID, model.ReasonInitial); err != nil {
		// The record survives with its error event; return it alongside
		// the error so the caller can decide whether a dispatch rejection
		// fails the whole request.
		saved, findErr := u.jobs.FindByID(ctx, nil, job.ID)
		if findErr != nil {
			return nil, err
		}
		return saved, err
	}
	return u.jobs.FindByID(ctx, nil, job.ID)
}

func (u *jobUC) Get(ctx context.Context, id string) (*model.Job, error) {
	return u.jobs.FindByID(ctx, nil, id)
}

func (u *jobUC) List(ctx context.Context, offset, limit int) ([]*model.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return u.jobs.List(ctx, nil, offset, limit)
}
