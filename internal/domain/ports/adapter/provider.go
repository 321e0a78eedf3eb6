package adapter

import (
	"context"
	"io"

	"storybook-orchestrator/internal/domain/model"
)

// Provider statuses as reported on the wire.
const (
	ProviderStatusStarting   = "starting"
	ProviderStatusProcessing = "processing"
	ProviderStatusSucceeded  = "succeeded"
	ProviderStatusFailed     = "failed"
	ProviderStatusCanceled   = "canceled"
)

// ProviderTerminal reports whether a raw provider status is terminal.
func ProviderTerminal(status string) bool {
	switch status {
	case ProviderStatusSucceeded, ProviderStatusFailed, ProviderStatusCanceled:
		return true
	}
	return false
}

// StatusPayload is the provider's job state as delivered by a webhook or a
// poll query. Both channels produce the same shape; the reconciler is
// channel-agnostic.
type StatusPayload struct {
	ID       string         `json:"id"`
	Status   string         `json:"status"`
	Event    string         `json:"event,omitempty"`
	Output   []string       `json:"output,omitempty"`
	Logs     string         `json:"logs,omitempty"`
	Error    string         `json:"error,omitempty"`
	Progress *float64       `json:"progress,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	Version  string         `json:"version,omitempty"`
}

// SubmitRequest carries everything the provider needs for one attempt.
type SubmitRequest struct {
	JobType      model.JobType
	WebhookURL   string
	EventsFilter []string
	// Generation
	Version string
	Input   map[string]any
	// Training
	Destination string
}

// ComputeProvider is the external compute service the engine dispatches
// generation and fine-tune jobs to.
type ComputeProvider interface {
	Submit(ctx context.Context, req SubmitRequest) (providerJobID string, err error)
	GetStatus(ctx context.Context, jobType model.JobType, providerJobID string) (*StatusPayload, error)
	Cancel(ctx context.Context, jobType model.JobType, providerJobID string) error
	// FetchOutput downloads one output artifact by the URL the provider
	// reported. The caller owns closing the reader.
	FetchOutput(ctx context.Context, url string) (io.ReadCloser, string, error)
}
