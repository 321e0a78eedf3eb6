package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"storybook-orchestrator/internal/domain"
	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
	"storybook-orchestrator/internal/domain/ports/repository"
	"storybook-orchestrator/internal/infra/metrics"
)

// Compile-time check
var _ Dispatcher = (*dispatcherUC)(nil)

// Provider event types we subscribe webhooks to.
var webhookEventsFilter = []string{EventStart, EventOutput, EventLogs, EventCompleted}

// DispatcherConfig is the slice of service configuration dispatch needs.
type DispatcherConfig struct {
	WebhookBaseURL string
	WebhookToken   string
	MaxAttempts    int
	DefaultVersion string
	TrainerVersion string
	TrainDest      string
	PollInterval   time.Duration
}

type dispatcherUC struct {
	jobs      repository.JobRepository
	provider  adapter.ComputeProvider
	scheduler PollScheduler
	bus       Publisher
	cfg       DispatcherConfig
	log       *zerolog.Logger
}

func NewDispatcher(
	jobs repository.JobRepository,
	provider adapter.ComputeProvider,
	scheduler PollScheduler,
	bus Publisher,
	cfg DispatcherConfig,
	logger *zerolog.Logger,
) *dispatcherUC {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	l := logger.With().Str("component", "Dispatcher").Logger()
	return &dispatcherUC{jobs: jobs, provider: provider, scheduler: scheduler, bus: bus, cfg: cfg, log: &l}
}

// Dispatch submits a new attempt for the job and arms the polling fallback.
// On provider rejection the job is NOT marked failed; an error event is
// recorded and the caller decides what the rejection means for its request.
func (d *dispatcherUC) Dispatch(ctx context.Context, jobID, reason string) (string, error) {
	if d.cfg.WebhookBaseURL == "" {
		// Configuration error: fatal, never retried.
		return "", fmt.Errorf("%w: provider.webhook_base_url", domain.ErrConfigMissing)
	}

	job, err := d.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return "", err
	}
	if job.Attempts >= d.cfg.MaxAttempts {
		return "", fmt.Errorf("%w: %d/%d", domain.ErrAttemptsExhausted, job.Attempts, d.cfg.MaxAttempts)
	}

	job.Attempts++
	job.AppendEvent("attempt", fmt.Sprintf("dispatch attempt %d (%s)", job.Attempts, reason), map[string]any{
		"attempt": job.Attempts,
		"reason":  reason,
	})

	req, err := d.buildSubmit(job)
	if err != nil {
		return "", err
	}

	providerID, submitErr := d.provider.Submit(ctx, req)
	if submitErr != nil {
		job.AppendEvent("error", submitErr.Error(), map[string]any{"stage": "dispatch"})
		if err := d.jobs.Save(ctx, nil, job); err != nil {
			d.log.Error().Err(err).Str("job_id", job.ID).Msg("persist after dispatch failure")
		}
		d.publish(job)
		return "", fmt.Errorf("provider submit: %w", submitErr)
	}

	// The new attempt supersedes any prior provider id; callbacks for the
	// old id will hit the staleness guard from here on.
	job.ProviderJobID = providerID
	job.Status = model.JobStatusPending
	job.Progress = 0
	job.Error = ""
	if err := d.jobs.Save(ctx, nil, job); err != nil {
		return "", err
	}

	metrics.IncDispatch(string(job.Type), reason)
	d.scheduler.Arm(job.ID, d.cfg.PollInterval)
	d.publish(job)

	d.log.Info().Str("job_id", job.ID).Str("provider_job_id", providerID).
		Str("reason", reason).Int("attempt", job.Attempts).Msg("job dispatched")
	return providerID, nil
}

func (d *dispatcherUC) buildSubmit(job *model.Job) (adapter.SubmitRequest, error) {
	webhookURL := fmt.Sprintf("%s/webhooks/%s/%s?token=%s",
		d.cfg.WebhookBaseURL, job.Type, job.ID, d.cfg.WebhookToken)

	req := adapter.SubmitRequest{
		JobType:      job.Type,
		WebhookURL:   webhookURL,
		EventsFilter: webhookEventsFilter,
	}

	switch job.Type {
	case model.JobTypeGeneration:
		if job.Generation == nil {
			return req, fmt.Errorf("%w: generation payload missing", domain.ErrInvalidArgument)
		}
		version := job.Generation.ModelVersion
		if version == "" {
			version = d.cfg.DefaultVersion
		}
		req.Version = version
		req.Input = map[string]any{
			"prompt":      job.Generation.Prompt,
			"num_outputs": job.Generation.NumOutputs,
		}
	case model.JobTypeTraining:
		if job.Training == nil {
			return req, fmt.Errorf("%w: training payload missing", domain.ErrInvalidArgument)
		}
		version := job.Training.BaseVersion
		if version == "" {
			version = d.cfg.TrainerVersion
		}
		req.Version = version
		req.Destination = d.cfg.TrainDest
		if req.Destination == "" {
			req.Destination = job.Training.ModelName
		}
		req.Input = map[string]any{
			"input_images": job.Training.ImagesZip,
			"trigger_word": job.Training.TriggerWord,
		}
	default:
		return req, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidArgument, job.Type)
	}
	return req, nil
}

func (d *dispatcherUC) publish(job *model.Job) {
	cp := job.Clone()
	d.bus.Publish(TopicJobs, cp)
	d.bus.Publish(JobTopic(job.ID), cp)
}
