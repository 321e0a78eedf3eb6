//go:build !integration

package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"storybook-orchestrator/internal/domain"
	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
)

func newLogger() *zerolog.Logger { l := zerolog.Nop(); return &l }

type reconcilerFixture struct {
	jobs      *memJobRepo
	provider  *mockProvider
	scheduler *mockScheduler
	locks     *mockLocker
	bus       *mockBus
	storage   *mockStorage
	evaluator *mockEvaluator
	disp      Dispatcher
	rec       Reconciler
}

func newReconcilerFixture(maxAttempts int) *reconcilerFixture {
	f := &reconcilerFixture{
		jobs:      newMemJobRepo(),
		provider:  newMockProvider(),
		scheduler: &mockScheduler{},
		locks:     &mockLocker{},
		bus:       newMockBus(),
		storage:   newMockStorage(),
		evaluator: &mockEvaluator{},
	}
	f.disp = NewDispatcher(f.jobs, f.provider, f.scheduler, f.bus, DispatcherConfig{
		WebhookBaseURL: "https://hooks.example.com",
		WebhookToken:   "whsec",
		MaxAttempts:    maxAttempts,
		DefaultVersion: "gen-v1",
		TrainerVersion: "owner/trainer/versions/t1",
		TrainDest:      "owner/dest",
	}, newLogger())
	f.rec = NewReconciler(f.jobs, &mockTxManager{}, f.disp, f.scheduler, f.locks, f.bus,
		f.provider, f.storage, f.evaluator, maxAttempts, time.Second, newLogger())
	return f
}

func (f *reconcilerFixture) seedGeneration(t *testing.T, id string, numOutputs int, ranked bool) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:     id,
		Type:   model.JobTypeGeneration,
		Status: model.JobStatusPending,
		Generation: &model.GenerationSpec{
			Prompt:     "a heroic picture book page",
			NumOutputs: numOutputs,
			Ranked:     ranked,
			Subject:    "Milo",
		},
		CreatedAt: time.Now(),
	}
	if err := f.jobs.Save(context.Background(), nil, job); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return job
}

func (f *reconcilerFixture) dispatch(t *testing.T, id string) string {
	t.Helper()
	provID, err := f.disp.Dispatch(context.Background(), id, model.ReasonInitial)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return provID
}

func countEvents(job *model.Job, typ string) int {
	n := 0
	for _, e := range job.Events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestReconcile_RetryThenExhausted(t *testing.T) {
	f := newReconcilerFixture(2)
	f.provider.submitIDs = []string{"prov-1", "prov-2"}
	f.seedGeneration(t, "job-a", 1, false)
	ctx := context.Background()

	provID := f.dispatch(t, "job-a")
	if provID != "prov-1" {
		t.Fatalf("want prov-1, got %s", provID)
	}

	// First provider failure: one attempt left, expect a re-dispatch.
	got, err := f.rec.Reconcile(ctx, "job-a", &adapter.StatusPayload{
		ID: "prov-1", Status: adapter.ProviderStatusFailed, Error: "OOM on worker",
	}, EventCompleted)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Status != model.JobStatusPending {
		t.Fatalf("after retry want pending, got %s", got.Status)
	}
	if got.Attempts != 2 {
		t.Fatalf("want 2 attempts used, got %d", got.Attempts)
	}
	if got.ProviderJobID != "prov-2" {
		t.Fatalf("want superseding id prov-2, got %s", got.ProviderJobID)
	}
	if countEvents(got, "retry") != 1 {
		t.Fatalf("want 1 retry event, got %d", countEvents(got, "retry"))
	}

	// Second failure exhausts the budget: terminal failed, verbatim error.
	got, err = f.rec.Reconcile(ctx, "job-a", &adapter.StatusPayload{
		ID: "prov-2", Status: adapter.ProviderStatusFailed, Error: "CUDA error: device-side assert",
	}, EventCompleted)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Status != model.JobStatusFailed {
		t.Fatalf("want failed, got %s", got.Status)
	}
	if got.Error != "CUDA error: device-side assert" {
		t.Fatalf("error not verbatim: %q", got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if countEvents(got, "retry") != 1 {
		t.Fatalf("retry count grew past budget: %d", countEvents(got, "retry"))
	}
	if f.scheduler.cancelCount("job-a") == 0 {
		t.Fatal("poll timer not canceled on terminal failure")
	}
}

func TestReconcile_RetryDispatchFailureReArmsPolling(t *testing.T) {
	// A poll-delivered failure consumes its timer before Reconcile runs.
	// If the retry dispatch then fails transiently, the reconciler must
	// arm a new timer or nothing ever drives the job again.
	f := newReconcilerFixture(3)
	f.seedGeneration(t, "job-p", 1, false)
	ctx := context.Background()
	f.dispatch(t, "job-p")

	before := f.scheduler.armCount("job-p")
	f.provider.submitErr = errors.New("replicate: 503 service unavailable")

	got, err := f.rec.Reconcile(ctx, "job-p", &adapter.StatusPayload{
		ID: "prov-1", Status: adapter.ProviderStatusFailed, Error: "OOM on worker",
	}, EventCompleted)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Status.Terminal() {
		t.Fatalf("job should stay retryable, got %s", got.Status)
	}
	if f.scheduler.armCount("job-p") != before+1 {
		t.Fatalf("poll timer not re-armed after failed retry dispatch: %d arms before, %d after",
			before, f.scheduler.armCount("job-p"))
	}

	// The next poll-driven failure retries successfully once submits work.
	f.provider.submitErr = nil
	f.provider.submitIDs = []string{"prov-2"}
	got, err = f.rec.Reconcile(ctx, "job-p", &adapter.StatusPayload{
		ID: "prov-1", Status: adapter.ProviderStatusFailed, Error: "OOM on worker",
	}, EventCompleted)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.ProviderJobID != "prov-2" {
		t.Fatalf("want superseding id prov-2, got %s", got.ProviderJobID)
	}
}

func TestReconcile_ProgressNeverRegresses(t *testing.T) {
	f := newReconcilerFixture(2)
	f.seedGeneration(t, "job-b", 1, false)
	ctx := context.Background()
	f.dispatch(t, "job-b")

	if _, err := f.rec.Reconcile(ctx, "job-b", &adapter.StatusPayload{ID: "prov-1", Progress: fptr(0.10)}, EventUpdate); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, err := f.rec.Reconcile(ctx, "job-b", &adapter.StatusPayload{ID: "prov-1", Progress: fptr(0.04)}, EventUpdate)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Progress != 10 {
		t.Fatalf("progress regressed: want 10, got %.1f", got.Progress)
	}
}

func TestReconcile_RankedGenerationSuccess(t *testing.T) {
	f := newReconcilerFixture(2)
	f.evaluator.rank = &adapter.RankResult{WinnerIndex: 2, Scores: []float64{60, 70, 95, 50}, Reason: "best likeness"}
	f.seedGeneration(t, "job-c", 4, true)
	ctx := context.Background()
	f.dispatch(t, "job-c")

	outputs := []string{
		"https://out.example.com/0.png",
		"https://out.example.com/1.png",
		"https://out.example.com/2.png",
		"https://out.example.com/3.png",
	}
	got, err := f.rec.Reconcile(ctx, "job-c", &adapter.StatusPayload{
		ID: "prov-1", Status: adapter.ProviderStatusSucceeded, Output: outputs,
	}, EventCompleted)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Status != model.JobStatusSucceeded {
		t.Fatalf("want succeeded, got %s", got.Status)
	}
	if len(got.Assets) != 4 {
		t.Fatalf("want 4 assets, got %d", len(got.Assets))
	}
	if got.RankedAssetKey != "jobs/job-c/output-2.png" {
		t.Fatalf("wrong winner key: %s", got.RankedAssetKey)
	}
	if got.Progress != 100 {
		t.Fatalf("want 100, got %.1f", got.Progress)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if len(f.storage.objects) != 4 {
		t.Fatalf("want 4 stored objects, got %d", len(f.storage.objects))
	}

	// The 90% ranking checkpoint must have been published before terminal.
	sawCheckpoint := false
	f.bus.mu.Lock()
	for _, e := range f.bus.events {
		if j, ok := e.Data.(*model.Job); ok && j.ID == "job-c" && j.Progress == 90 && j.Status != model.JobStatusSucceeded {
			sawCheckpoint = true
		}
	}
	f.bus.mu.Unlock()
	if !sawCheckpoint {
		t.Fatal("ranking checkpoint at 90 was not broadcast")
	}
}

func TestReconcile_RankingFailureKeepsAssets(t *testing.T) {
	f := newReconcilerFixture(2)
	f.evaluator.rankErr = errors.New("vision provider down")
	f.seedGeneration(t, "job-r", 2, true)
	ctx := context.Background()
	f.dispatch(t, "job-r")

	got, err := f.rec.Reconcile(ctx, "job-r", &adapter.StatusPayload{
		ID: "prov-1", Status: adapter.ProviderStatusSucceeded,
		Output: []string{"https://out.example.com/0.png", "https://out.example.com/1.png"},
	}, EventCompleted)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Status != model.JobStatusFailed {
		t.Fatalf("want failed, got %s", got.Status)
	}
	if len(got.Assets) != 2 {
		t.Fatalf("assets dropped on ranking failure: %d", len(got.Assets))
	}
	if got.Error == "" || countEvents(got, "failed") != 1 {
		t.Fatalf("missing failure detail: error=%q", got.Error)
	}
}

func TestReconcile_StaleEventDiscarded(t *testing.T) {
	f := newReconcilerFixture(2)
	f.seedGeneration(t, "job-d", 1, false)
	ctx := context.Background()
	f.dispatch(t, "job-d")

	before, _ := f.jobs.FindByID(ctx, nil, "job-d")
	got, err := f.rec.Reconcile(ctx, "job-d", &adapter.StatusPayload{
		ID: "prov-OLD", Status: adapter.ProviderStatusFailed, Error: "stale failure",
	}, EventCompleted)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got != nil {
		t.Fatalf("stale event must yield nil, got %+v", got)
	}
	after, _ := f.jobs.FindByID(ctx, nil, "job-d")
	if after.Status != before.Status || after.Error != before.Error || len(after.Events) != len(before.Events) {
		t.Fatal("stale event mutated the job")
	}
	if f.scheduler.cancelCount("job-d") == 0 {
		t.Fatal("stale timer not canceled")
	}
}

func TestReconcile_TerminalJobIsIdempotent(t *testing.T) {
	f := newReconcilerFixture(2)
	f.seedGeneration(t, "job-e", 1, false)
	ctx := context.Background()
	f.dispatch(t, "job-e")

	first, err := f.rec.Reconcile(ctx, "job-e", &adapter.StatusPayload{
		ID: "prov-1", Status: adapter.ProviderStatusSucceeded, Output: []string{"https://out.example.com/0.png"},
	}, EventCompleted)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	second, err := f.rec.Reconcile(ctx, "job-e", &adapter.StatusPayload{
		ID: "prov-1", Status: adapter.ProviderStatusSucceeded, Output: []string{"https://out.example.com/0.png"},
	}, EventCompleted)
	if err != nil {
		t.Fatalf("duplicate reconcile: %v", err)
	}
	if len(second.Events) != len(first.Events) {
		t.Fatalf("duplicate delivery appended events: %d vs %d", len(second.Events), len(first.Events))
	}
	if len(f.storage.objects) != 1 {
		t.Fatalf("outputs re-processed: %d objects", len(f.storage.objects))
	}
}

func TestReconcile_LockBusy(t *testing.T) {
	f := newReconcilerFixture(2)
	f.locks.busy = true
	f.seedGeneration(t, "job-f", 1, false)
	f.dispatch(t, "job-f")

	f.locks.busy = true
	_, err := f.rec.Reconcile(context.Background(), "job-f", &adapter.StatusPayload{ID: "prov-1"}, EventUpdate)
	if !errors.Is(err, domain.ErrLockBusy) {
		t.Fatalf("want ErrLockBusy, got %v", err)
	}
}

func TestReconcile_LogDedupAndLogProgress(t *testing.T) {
	f := newReconcilerFixture(2)
	f.seedGeneration(t, "job-g", 1, false)
	ctx := context.Background()
	f.dispatch(t, "job-g")

	logs := "loading model\ntrain_step 15%"
	if _, err := f.rec.Reconcile(ctx, "job-g", &adapter.StatusPayload{ID: "prov-1", Logs: logs}, EventLogs); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, err := f.rec.Reconcile(ctx, "job-g", &adapter.StatusPayload{ID: "prov-1", Logs: logs}, EventLogs)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(got.Logs) != 2 {
		t.Fatalf("duplicate log lines stored: %d", len(got.Logs))
	}
	if got.Progress != 15 {
		t.Fatalf("log progress not applied: %.1f", got.Progress)
	}
}

func TestReconcile_StartSetsProcessingOnce(t *testing.T) {
	f := newReconcilerFixture(2)
	f.seedGeneration(t, "job-h", 1, false)
	ctx := context.Background()
	f.dispatch(t, "job-h")

	first, err := f.rec.Reconcile(ctx, "job-h", &adapter.StatusPayload{ID: "prov-1"}, EventStart)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if first.Status != model.JobStatusProcessing || first.StartedAt == nil {
		t.Fatalf("start event not applied: %+v", first)
	}
	started := *first.StartedAt

	second, err := f.rec.Reconcile(ctx, "job-h", &adapter.StatusPayload{ID: "prov-1"}, EventStart)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !second.StartedAt.Equal(started) {
		t.Fatal("started_at overwritten on duplicate start")
	}
}

func TestDispatch_AttemptBudgetAndRejection(t *testing.T) {
	t.Run("provider rejection keeps job alive", func(t *testing.T) {
		f := newReconcilerFixture(2)
		f.provider.submitErr = errors.New("quota exceeded")
		f.seedGeneration(t, "job-i", 1, false)

		_, err := f.disp.Dispatch(context.Background(), "job-i", model.ReasonInitial)
		if err == nil {
			t.Fatal("want submit error")
		}
		job, _ := f.jobs.FindByID(context.Background(), nil, "job-i")
		if job.Status == model.JobStatusFailed {
			t.Fatal("rejection must not fail the job")
		}
		if job.Attempts != 1 {
			t.Fatalf("rejected attempt must still count: %d", job.Attempts)
		}
		if countEvents(job, "error") != 1 {
			t.Fatalf("want 1 error event, got %d", countEvents(job, "error"))
		}
	})

	t.Run("exhausted budget refuses dispatch", func(t *testing.T) {
		f := newReconcilerFixture(1)
		f.seedGeneration(t, "job-j", 1, false)
		f.dispatch(t, "job-j")

		_, err := f.disp.Dispatch(context.Background(), "job-j", model.ReasonRetry)
		if !errors.Is(err, domain.ErrAttemptsExhausted) {
			t.Fatalf("want ErrAttemptsExhausted, got %v", err)
		}
	})

	t.Run("webhook url carries route and token", func(t *testing.T) {
		f := newReconcilerFixture(2)
		f.seedGeneration(t, "job-k", 1, false)
		f.dispatch(t, "job-k")

		if len(f.provider.submits) != 1 {
			t.Fatalf("want 1 submit, got %d", len(f.provider.submits))
		}
		want := "https://hooks.example.com/webhooks/generation/job-k?token=whsec"
		if got := f.provider.submits[0].WebhookURL; got != want {
			t.Fatalf("webhook url mismatch:\nwant %s\ngot  %s", want, got)
		}
	})
}
