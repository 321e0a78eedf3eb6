package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"storybook-orchestrator/internal/domain"
	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
	"storybook-orchestrator/internal/domain/ports/repository"
	"storybook-orchestrator/internal/infra/metrics"
)

// Compile-time check
var _ Reconciler = (*reconcilerUC)(nil)

// successHandler is the job-type-specific hook for the terminal-success
// branch. Everything else in reconciliation is shared skeleton: staleness
// guard, progress merge, event handling, persist, broadcast.
type successHandler interface {
	// OnSucceeded finalizes a successful provider result on the job.
	// checkpoint persists and broadcasts intermediate state (used by the
	// ranked generation flow to surface the 90% pre-ranking stage).
	OnSucceeded(ctx context.Context, job *model.Job, payload *adapter.StatusPayload, checkpoint func(context.Context, *model.Job) error) error
}

type reconcilerUC struct {
	jobs       repository.JobRepository
	tm         repository.TransactionManager
	dispatcher Dispatcher
	scheduler  PollScheduler
	locks      Locker
	bus        Publisher
	handlers   map[model.JobType]successHandler

	maxAttempts int
	lockTTL     time.Duration
	log         *zerolog.Logger
}

func NewReconciler(
	jobs repository.JobRepository,
	tm repository.TransactionManager,
	dispatcher Dispatcher,
	scheduler PollScheduler,
	locks Locker,
	bus Publisher,
	provider adapter.ComputeProvider,
	storage adapter.ObjectStorage,
	evaluator adapter.ImageEvaluator,
	maxAttempts int,
	lockTTL time.Duration,
	logger *zerolog.Logger,
) *reconcilerUC {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	l := logger.With().Str("component", "Reconciler").Logger()
	return &reconcilerUC{
		jobs:       jobs,
		tm:         tm,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		locks:      locks,
		bus:        bus,
		handlers: map[model.JobType]successHandler{
			model.JobTypeGeneration: &generationSuccess{provider: provider, storage: storage, evaluator: evaluator, log: &l},
			model.JobTypeTraining:   &trainingSuccess{},
		},
		maxAttempts: maxAttempts,
		lockTTL:     lockTTL,
		log:         &l,
	}
}

// Reconcile applies one incoming status update to a job record. It is safe
// to invoke concurrently from the webhook handler and the poll timer for the
// same job: all mutation is keyed off the stored state read fresh under a
// per-job lock, never off a value captured earlier by the caller.
//
// A (nil, nil) return means the update was stale and discarded.
func (r *reconcilerUC) Reconcile(ctx context.Context, jobID string, payload *adapter.StatusPayload, eventType string) (*model.Job, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", domain.ErrInvalidArgument)
	}
	metrics.IncReconcile(eventType)

	lockKey := "reconcile:" + jobID
	token, err := r.locks.TryLock(ctx, lockKey, r.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockBusy, jobID)
	}
	defer func() { _ = r.locks.Unlock(ctx, lockKey, token) }()

	job, err := r.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}

	// Staleness guard: an update referencing a superseded provider id must
	// not mutate anything. A pending poll timer for that id is dead weight.
	if payload.ID != "" && payload.ID != job.ProviderJobID {
		metrics.IncStaleEvent()
		r.scheduler.Cancel(job.ID)
		r.log.Debug().Str("job_id", job.ID).Str("payload_id", payload.ID).
			Str("current_id", job.ProviderJobID).Msg("discarding stale event")
		return nil, nil
	}

	if job.Status.Terminal() {
		// Duplicate delivery after convergence; recomputing nothing is the
		// idempotent answer.
		return job, nil
	}

	// Progress merge happens for every event type before the type-specific
	// handling; a non-nil extraction can only move progress forward.
	if candidate := ExtractProgress(payload); candidate != nil {
		job.MergeProgress(*candidate)
	}

	switch eventType {
	case EventStart:
		job.Status = model.JobStatusProcessing
		if job.StartedAt == nil {
			now := time.Now()
			job.StartedAt = &now
		}
	case EventLogs:
		if payload.Logs != "" {
			added := job.AppendLogs(strings.Split(payload.Logs, "\n"), time.Now())
			if added > 0 {
				r.log.Trace().Str("job_id", job.ID).Int("lines", added).Msg("provider logs appended")
			}
			if candidate := ExtractLogProgress(payload.Logs); candidate != nil {
				job.MergeProgress(*candidate)
			}
		}
	case EventOutput:
		r.applyOutputEvent(job, payload)
	case EventCompleted:
		return r.completeTerminal(ctx, job, payload)
	case EventUpdate:
		// Progress merge above is the whole update.
	default:
		job.AppendEvent("info", fmt.Sprintf("unrecognized event type %q", eventType), nil)
	}

	if err := r.persist(ctx, job); err != nil {
		return nil, err
	}
	r.publish(job)
	return job, nil
}

// applyOutputEvent records output arrival and derives an interim progress
// estimate for multi-output generations.
func (r *reconcilerUC) applyOutputEvent(job *model.Job, payload *adapter.StatusPayload) {
	if job.Type != model.JobTypeGeneration {
		return
	}
	seen := len(payload.Output)
	job.AppendEvent("output", fmt.Sprintf("%d output(s) reported", seen), map[string]any{"outputs": seen})
	if job.Generation != nil && job.Generation.NumOutputs > 0 && seen > 0 {
		est := float64(seen) / float64(job.Generation.NumOutputs) * 100
		if est > 100 {
			est = 100
		}
		job.MergeProgress(est)
	}
}

// completeTerminal handles the provider's terminal report: success hooks per
// job type, or the bounded retry loop for failures.
func (r *reconcilerUC) completeTerminal(ctx context.Context, job *model.Job, payload *adapter.StatusPayload) (*model.Job, error) {
	if payload.Status == adapter.ProviderStatusSucceeded {
		handler := r.handlers[job.Type]
		if handler == nil {
			return nil, fmt.Errorf("%w: no success handler for job type %q", domain.ErrInvalidArgument, job.Type)
		}
		if err := handler.OnSucceeded(ctx, job, payload, func(ctx context.Context, j *model.Job) error {
			if err := r.persist(ctx, j); err != nil {
				return err
			}
			r.publish(j)
			return nil
		}); err != nil {
			// Partial success: whatever was already uploaded stays valid;
			// the job is failed with the specific reason so callers can
			// tell "no outputs" from "outputs produced, post-step failed".
			return r.failTerminal(ctx, job, err.Error())
		}
		job.Status = model.JobStatusSucceeded
		job.MergeProgress(100)
		if job.CompletedAt == nil {
			now := time.Now()
			job.CompletedAt = &now
		}
		job.AppendEvent("completed", "job succeeded", nil)
		r.scheduler.Cancel(job.ID)
		if err := r.persist(ctx, job); err != nil {
			return nil, err
		}
		metrics.IncTerminal(string(job.Type), string(job.Status))
		r.publish(job)
		return job, nil
	}

	// Provider-reported failure or cancellation.
	if job.Attempts < r.maxAttempts {
		job.AppendEvent("retry", fmt.Sprintf("provider reported %s; retrying (attempt %d of %d used)",
			payload.Status, job.Attempts, r.maxAttempts), map[string]any{"provider_status": payload.Status})
		if payload.Error != "" {
			job.AppendEvent("error", payload.Error, map[string]any{"stage": "provider"})
		}
		// Retry state must be durable before the dispatcher re-reads the
		// record for the next attempt.
		if err := r.persist(ctx, job); err != nil {
			return nil, err
		}
		r.publish(job)
		metrics.IncRetry(string(job.Type))

		if _, err := r.dispatcher.Dispatch(ctx, job.ID, model.ReasonRetry); err != nil {
			r.log.Error().Err(err).Str("job_id", job.ID).Msg("retry dispatch failed")
			// A poll-delivered failure already consumed its timer, so a
			// fresh arm is the only thing keeping the retry loop alive
			// until attempts run out.
			r.scheduler.Arm(job.ID, 0)
		}
		return r.jobs.FindByID(ctx, nil, job.ID)
	}

	msg := payload.Error
	if msg == "" {
		msg = fmt.Sprintf("provider reported terminal status %q", payload.Status)
	}
	return r.failTerminal(ctx, job, msg)
}

// failTerminal marks the job failed with the verbatim reason and stops the
// polling backstop.
func (r *reconcilerUC) failTerminal(ctx context.Context, job *model.Job, reason string) (*model.Job, error) {
	job.Status = model.JobStatusFailed
	job.Error = reason
	if job.CompletedAt == nil {
		now := time.Now()
		job.CompletedAt = &now
	}
	job.AppendEvent("failed", reason, nil)
	r.scheduler.Cancel(job.ID)
	if err := r.persist(ctx, job); err != nil {
		return nil, err
	}
	metrics.IncTerminal(string(job.Type), string(job.Status))
	r.publish(job)
	return job, nil
}

// persist writes all accumulated field/event/log changes in one update.
func (r *reconcilerUC) persist(ctx context.Context, job *model.Job) error {
	return r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return r.jobs.Save(ctx, tx, job)
	})
}

func (r *reconcilerUC) publish(job *model.Job) {
	cp := job.Clone()
	r.bus.Publish(TopicJobs, cp)
	r.bus.Publish(JobTopic(job.ID), cp)
}
