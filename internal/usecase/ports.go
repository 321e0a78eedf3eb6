package usecase

import (
	"context"
	"time"

	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
)

// Webhook / poll event types fed into the reconciler. The poll channel only
// ever produces "update" and "completed"; the push channel can produce all
// of them.
const (
	EventStart     = "start"
	EventLogs      = "logs"
	EventOutput    = "output"
	EventUpdate    = "update"
	EventCompleted = "completed"
)

// Reconciler merges one incoming status update into a job record. A nil job
// with nil error means the update was stale and discarded.
type Reconciler interface {
	Reconcile(ctx context.Context, jobID string, payload *adapter.StatusPayload, eventType string) (*model.Job, error)
}

// PollScheduler owns the per-job poll timers.
type PollScheduler interface {
	Arm(jobID string, delay time.Duration)
	Cancel(jobID string)
}

// Dispatcher creates a new attempt against the compute provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID, reason string) (providerJobID string, err error)
}

// Locker serializes concurrent reconciles of the same job. The webhook
// handler and a poll timer can race back-to-back; mutations happen under a
// per-job lock keyed by job id.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// Broadcast topics. Per-entity topics take the form "job:<id>" / "run:<id>"
// so a watcher can follow a single record.
const (
	TopicJobs = "jobs"
	TopicRuns = "runs"
)

func JobTopic(id string) string { return "job:" + id }
func RunTopic(id string) string { return "run:" + id }

// Event is one broadcast message: a refreshed job or run record.
type Event struct {
	Topic string    `json:"topic"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

// Publisher is the slice of the broadcaster the use cases need.
type Publisher interface {
	Publish(topic string, data any)
}

// Subscriber is the watcher-facing slice of the broadcaster.
type Subscriber interface {
	Subscribe(buffer int, topics ...string) (<-chan Event, func())
}
