package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storybook-orchestrator/internal/domain"
	"storybook-orchestrator/internal/domain/ports/adapter"
	"storybook-orchestrator/internal/domain/ports/repository"
	"storybook-orchestrator/internal/infra/metrics"
	"storybook-orchestrator/internal/infra/worker"
	"storybook-orchestrator/internal/usecase"
)

type armed struct {
	timer Timer
	delay time.Duration
}

// PollScheduler is the correctness backstop for the webhook channel: every
// dispatched job gets a per-job timer that re-queries provider status until a
// terminal state is reached or the timer is superseded. At most one pending
// timer exists per job; arming cancels any previous one.
//
// Backoff only grows on poll request failures (doubling up to the ceiling),
// never on successful non-terminal polls.
type PollScheduler struct {
	provider adapter.ComputeProvider
	jobs     repository.JobRepository
	pool     *worker.Pool
	clock    Clock
	log      *zerolog.Logger

	baseDelay time.Duration
	maxDelay  time.Duration

	mu     sync.Mutex
	timers map[string]armed

	rec usecase.Reconciler
}

func NewPollScheduler(
	provider adapter.ComputeProvider,
	jobs repository.JobRepository,
	pool *worker.Pool,
	clock Clock,
	baseDelay, maxDelay time.Duration,
	logger *zerolog.Logger,
) *PollScheduler {
	if baseDelay <= 0 {
		baseDelay = 15 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = 2 * time.Minute
	}
	l := logger.With().Str("component", "PollScheduler").Logger()
	return &PollScheduler{
		provider:  provider,
		jobs:      jobs,
		pool:      pool,
		clock:     clock,
		log:       &l,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		timers:    make(map[string]armed),
	}
}

// SetReconciler breaks the construction cycle: the reconciler needs the
// scheduler for Cancel and the scheduler needs the reconciler to apply poll
// results. Must be called before the first Arm.
func (s *PollScheduler) SetReconciler(rec usecase.Reconciler) { s.rec = rec }

// Arm schedules (or reschedules) the poll timer for a job.
func (s *PollScheduler) Arm(jobID string, delay time.Duration) {
	if delay <= 0 {
		delay = s.baseDelay
	}
	if delay > s.maxDelay {
		delay = s.maxDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[jobID]; ok {
		prev.timer.Stop()
	}
	t := s.clock.AfterFunc(delay, func() { s.fire(jobID) })
	s.timers[jobID] = armed{timer: t, delay: delay}
	metrics.SetPollTimersArmed(len(s.timers))
}

// Cancel clears the pending timer for a job, if any.
func (s *PollScheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[jobID]; ok {
		prev.timer.Stop()
		delete(s.timers, jobID)
		metrics.SetPollTimersArmed(len(s.timers))
	}
}

// fire runs on the timer goroutine; the actual poll goes through the worker
// pool so one slow provider call cannot starve other jobs' timers.
func (s *PollScheduler) fire(jobID string) {
	s.mu.Lock()
	lastDelay := s.baseDelay
	if a, ok := s.timers[jobID]; ok {
		lastDelay = a.delay
		delete(s.timers, jobID)
	}
	metrics.SetPollTimersArmed(len(s.timers))
	s.mu.Unlock()

	if err := s.pool.Submit(func(ctx context.Context) error {
		s.poll(ctx, jobID, lastDelay)
		return nil
	}); err != nil {
		// Pool saturated: try again one interval later rather than losing
		// the backstop entirely.
		s.log.Warn().Str("job_id", jobID).Err(err).Msg("poll submit rejected; re-arming")
		s.Arm(jobID, lastDelay)
	}
}

func (s *PollScheduler) poll(ctx context.Context, jobID string, lastDelay time.Duration) {
	job, err := s.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		if err != domain.ErrNotFound {
			s.log.Error().Err(err).Str("job_id", jobID).Msg("poll: load job failed")
			s.Arm(jobID, lastDelay)
		}
		return
	}
	if job.Status.Terminal() || job.ProviderJobID == "" {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	payload, err := s.provider.GetStatus(pollCtx, job.Type, job.ProviderJobID)
	if err != nil {
		// Transient channel error: double the delay up to the ceiling and
		// keep polling. Never a terminal job outcome.
		metrics.IncPollFailure()
		next := lastDelay * 2
		if next > s.maxDelay {
			next = s.maxDelay
		}
		s.log.Warn().Err(err).Str("job_id", jobID).Dur("next_delay", next).Msg("poll query failed; backing off")
		s.Arm(jobID, next)
		return
	}

	eventType := usecase.EventUpdate
	if adapter.ProviderTerminal(payload.Status) {
		eventType = usecase.EventCompleted
	}

	if _, err := s.rec.Reconcile(ctx, jobID, payload, eventType); err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("poll: reconcile failed")
	}

	if eventType != usecase.EventCompleted {
		// Successful non-terminal poll: delay resets to base.
		s.Arm(jobID, s.baseDelay)
	}
}
