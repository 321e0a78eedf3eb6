package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storybook-orchestrator/internal/domain"
	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
	"storybook-orchestrator/internal/domain/ports/repository"
	"storybook-orchestrator/internal/infra/metrics"
)

// Compile-time check
var _ AutomationUseCase = (*automationUC)(nil)

type AutomationUseCase interface {
	// StartRun kicks off the full pipeline: subject creation, input image
	// evaluation, fine-tune training and the downstream storybook
	// generation. It returns once the run record exists; the pipeline
	// advances in the background, driven by broadcast events.
	StartRun(ctx context.Context, input StartRunInput) (*model.AutomationRun, error)
	Get(ctx context.Context, id string) (*model.AutomationRun, error)
}

type StartRunInput struct {
	SubjectName string           `json:"subject_name"`
	Prompt      string           `json:"prompt"`
	InputImages []model.AssetRef `json:"input_images"`
	ImagesZip   string           `json:"images_zip"`
	Pages       int              `json:"pages"`
	// Override accepts input images even when the evaluator rejects them.
	Override bool `json:"override"`
}

// Broadcaster is the full pub/sub surface the orchestrator needs: it
// publishes run changes and watches job changes.
type Broadcaster interface {
	Publisher
	Subscriber
}

type automationUC struct {
	runs       repository.AutomationRunRepository
	jobs       repository.JobRepository
	dispatcher Dispatcher
	evaluator  adapter.ImageEvaluator
	storage    adapter.ObjectStorage
	notifier   adapter.Notifier
	bus        Broadcaster
	log        *zerolog.Logger
}

func NewAutomationUseCase(
	runs repository.AutomationRunRepository,
	jobs repository.JobRepository,
	dispatcher Dispatcher,
	evaluator adapter.ImageEvaluator,
	storage adapter.ObjectStorage,
	notifier adapter.Notifier,
	bus Broadcaster,
	logger *zerolog.Logger,
) *automationUC {
	l := logger.With().Str("component", "AutomationUC").Logger()
	return &automationUC{
		runs:       runs,
		jobs:       jobs,
		dispatcher: dispatcher,
		evaluator:  evaluator,
		storage:    storage,
		notifier:   notifier,
		bus:        bus,
		log:        &l,
	}
}

func (u *automationUC) StartRun(ctx context.Context, input StartRunInput) (*model.AutomationRun, error) {
	if input.SubjectName == "" {
		return nil, fmt.Errorf("%w: subject_name is required", domain.ErrInvalidArgument)
	}
	if len(input.InputImages) == 0 || input.ImagesZip == "" {
		return nil, fmt.Errorf("%w: input images are required", domain.ErrInvalidArgument)
	}
	if input.Pages <= 0 {
		input.Pages = 4
	}

	run := &model.AutomationRun{
		ID:          uuid.NewString(),
		SubjectName: input.SubjectName,
		Prompt:      input.Prompt,
		Status:      model.RunStatusCreatingUser,
		Progress:    model.FloorFor(model.RunStatusCreatingUser),
		Pages:       input.Pages,
		InputAssets: input.InputImages,
		CreatedAt:   time.Now(),
	}
	if err := u.runs.Save(ctx, nil, run); err != nil {
		return nil, err
	}
	u.publish(run)

	// Watch before any job is dispatched so no broadcast can be missed.
	ch, cancel := u.bus.Subscribe(64, TopicJobs)
	go u.watch(run.ID, ch, cancel)
	go u.launch(run.ID, input)

	return run, nil
}

func (u *automationUC) Get(ctx context.Context, id string) (*model.AutomationRun, error) {
	return u.runs.FindByID(ctx, nil, id)
}

// launch runs the synchronous front of the pipeline: subject creation, image
// evaluation and the training dispatch. Everything after that is driven by
// the watcher.
func (u *automationUC) launch(runID string, input StartRunInput) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancelCtx()

	run, err := u.runs.FindByID(ctx, nil, runID)
	if err != nil {
		u.log.Error().Err(err).Str("run_id", runID).Msg("launch: load run failed")
		return
	}

	subjectID, err := u.runs.EnsureSubject(ctx, nil, input.SubjectName)
	if err != nil {
		u.failRun(ctx, run, fmt.Sprintf("create subject: %v", err))
		return
	}
	run.SubjectID = subjectID
	u.advance(ctx, run, model.RunStatusUploadingImages, 0)

	for i, asset := range input.InputImages {
		verdict, err := u.evaluator.Evaluate(ctx, asset.URL)
		if err != nil {
			u.failRun(ctx, run, fmt.Sprintf("evaluate image %d: %v", i+1, err))
			u.cleanupAssets(ctx, input.InputImages)
			return
		}
		if !verdict.Accepted && !input.Override {
			u.failRun(ctx, run, fmt.Sprintf("image %d rejected: %s", i+1, verdict.Reason))
			u.cleanupAssets(ctx, input.InputImages)
			return
		}
	}

	trainingJob := &model.Job{
		ID:     uuid.NewString(),
		Type:   model.JobTypeTraining,
		Status: model.JobStatusPending,
		Training: &model.TrainingSpec{
			ModelName:   slugify(input.SubjectName),
			ImagesZip:   input.ImagesZip,
			TriggerWord: strings.ToUpper(slugify(input.SubjectName)),
		},
		CreatedAt: time.Now(),
	}
	if err := u.jobs.Save(ctx, nil, trainingJob); err != nil {
		u.failRun(ctx, run, fmt.Sprintf("create training job: %v", err))
		return
	}
	run.TrainingJobID = trainingJob.ID
	u.advance(ctx, run, model.RunStatusTraining, 0)

	if _, err := u.dispatcher.Dispatch(ctx, trainingJob.ID, model.ReasonAutomation); err != nil {
		u.failRun(ctx, run, fmt.Sprintf("dispatch training: %v", err))
		return
	}
}

// watch reacts to every job broadcast until the run goes terminal. Callbacks
// can fire many times per job; every handler re-reads the run and recomputes
// forward-only state, so re-invocation with unchanged input is a no-op.
func (u *automationUC) watch(runID string, ch <-chan Event, cancel func()) {
	defer cancel()
	for ev := range ch {
		job, ok := ev.Data.(*model.Job)
		if !ok {
			continue
		}
		if u.handleJobUpdate(runID, job) {
			return
		}
	}
}

// handleJobUpdate returns true once the run is terminal.
func (u *automationUC) handleJobUpdate(runID string, job *model.Job) bool {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelCtx()

	run, err := u.runs.FindByID(ctx, nil, runID)
	if err != nil {
		u.log.Error().Err(err).Str("run_id", runID).Msg("watch: load run failed")
		return false
	}
	if run.Status.Terminal() {
		return true
	}

	switch job.ID {
	case run.TrainingJobID:
		return u.onTrainingUpdate(ctx, run, job)
	case run.StorybookJobID:
		return u.onStorybookUpdate(ctx, run, job)
	}
	return false
}

func (u *automationUC) onTrainingUpdate(ctx context.Context, run *model.AutomationRun, job *model.Job) bool {
	switch job.Status {
	case model.JobStatusFailed, model.JobStatusCanceled:
		// The reconciler only reports these once retries are exhausted.
		u.failRun(ctx, run, job.Error)
		return true
	case model.JobStatusSucceeded:
		if run.StorybookJobID != "" {
			// Downstream generation already started concurrently.
			u.advance(ctx, run, model.RunStatusStorybook, 0)
			return false
		}
		u.advance(ctx, run, model.RunStatusStorybookPending, 0)
		u.startStorybook(ctx, run, job.TrainedVersion)
		return false
	default:
		u.advance(ctx, run, model.RunStatusTraining, job.Progress)
		return false
	}
}

func (u *automationUC) onStorybookUpdate(ctx context.Context, run *model.AutomationRun, job *model.Job) bool {
	switch job.Status {
	case model.JobStatusFailed, model.JobStatusCanceled:
		u.failRun(ctx, run, job.Error)
		return true
	case model.JobStatusSucceeded:
		u.completeRun(ctx, run)
		return true
	default:
		u.advance(ctx, run, model.RunStatusStorybook, job.Progress)
		return false
	}
}

func (u *automationUC) startStorybook(ctx context.Context, run *model.AutomationRun, trainedVersion string) {
	job := &model.Job{
		ID:     uuid.NewString(),
		Type:   model.JobTypeGeneration,
		Status: model.JobStatusPending,
		Generation: &model.GenerationSpec{
			Prompt:       run.Prompt,
			ModelVersion: trainedVersion,
			NumOutputs:   storybookPages(run),
			Ranked:       true,
			Subject:      run.SubjectName,
		},
		CreatedAt: time.Now(),
	}
	if err := u.jobs.Save(ctx, nil, job); err != nil {
		u.failRun(ctx, run, fmt.Sprintf("create storybook job: %v", err))
		return
	}
	run.StorybookJobID = job.ID
	u.advance(ctx, run, model.RunStatusStorybook, 0)

	if _, err := u.dispatcher.Dispatch(ctx, job.ID, model.ReasonAutomation); err != nil {
		u.failRun(ctx, run, fmt.Sprintf("dispatch storybook: %v", err))
	}
}

// advance moves the run forward (never backward) and merges the blended
// progress for the new state. Safe to call repeatedly with the same input.
func (u *automationUC) advance(ctx context.Context, run *model.AutomationRun, next model.RunStatus, jobProgress float64) {
	changed := false
	if run.Status != next && run.Status.CanAdvanceTo(next) {
		run.Status = next
		changed = true
	}
	if run.Status == next {
		if run.MergeProgress(model.BlendProgress(next, jobProgress)) {
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := u.runs.Save(ctx, nil, run); err != nil {
		u.log.Error().Err(err).Str("run_id", run.ID).Msg("persist run failed")
		return
	}
	u.publish(run)
}

func (u *automationUC) completeRun(ctx context.Context, run *model.AutomationRun) {
	if !run.Status.CanAdvanceTo(model.RunStatusCompleted) {
		return
	}
	run.Status = model.RunStatusCompleted
	run.MergeProgress(100)
	now := time.Now()
	run.CompletedAt = &now
	if err := u.runs.Save(ctx, nil, run); err != nil {
		u.log.Error().Err(err).Str("run_id", run.ID).Msg("persist completed run failed")
	}
	metrics.IncRunTerminal(string(run.Status))
	u.publish(run)
	u.notify(ctx, run)
	u.log.Info().Str("run_id", run.ID).Msg("automation run completed")
}

func (u *automationUC) failRun(ctx context.Context, run *model.AutomationRun, reason string) {
	if run.Status.Terminal() {
		return
	}
	run.Status = model.RunStatusFailed
	run.Error = reason
	now := time.Now()
	run.CompletedAt = &now
	if err := u.runs.Save(ctx, nil, run); err != nil {
		u.log.Error().Err(err).Str("run_id", run.ID).Msg("persist failed run failed")
	}
	metrics.IncRunTerminal(string(run.Status))
	u.publish(run)
	u.notify(ctx, run)
	u.log.Warn().Str("run_id", run.ID).Str("reason", reason).Msg("automation run failed")
}

func (u *automationUC) cleanupAssets(ctx context.Context, assets []model.AssetRef) {
	for _, a := range assets {
		if a.Key == "" {
			continue
		}
		if err := u.storage.Delete(ctx, a.Key); err != nil {
			u.log.Warn().Err(err).Str("key", a.Key).Msg("cleanup: delete asset failed")
		}
	}
}

func (u *automationUC) notify(ctx context.Context, run *model.AutomationRun) {
	if u.notifier == nil {
		return
	}
	if err := u.notifier.NotifyRunFinished(ctx, run); err != nil {
		u.log.Warn().Err(err).Str("run_id", run.ID).Msg("notify failed")
	}
}

func (u *automationUC) publish(run *model.AutomationRun) {
	cp := run.Clone()
	u.bus.Publish(TopicRuns, cp)
	u.bus.Publish(RunTopic(run.ID), cp)
}

func storybookPages(run *model.AutomationRun) int {
	if run.Pages > 0 {
		return run.Pages
	}
	return 4
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
