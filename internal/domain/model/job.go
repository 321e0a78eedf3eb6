package model

import "time"

type JobType string

const (
	JobTypeGeneration JobType = "generation"
	JobTypeTraining   JobType = "training"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether no further transitions follow this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// Dispatch attempt reasons recorded on "attempt" events.
const (
	ReasonInitial    = "initial"
	ReasonRetry      = "retry"
	ReasonAutomation = "automation"
)

type JobEvent struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
	At      time.Time      `json:"at"`
}

type JobLogLine struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type AssetRef struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// GenerationSpec is the generation-specific payload of a Job.
type GenerationSpec struct {
	Prompt       string `json:"prompt"`
	ModelVersion string `json:"model_version"`
	NumOutputs   int    `json:"num_outputs"`
	// Ranked jobs run an evaluator pass over the outputs and keep a winner
	// before the job is allowed to go terminal.
	Ranked  bool   `json:"ranked"`
	Subject string `json:"subject,omitempty"`
}

// TrainingSpec is the fine-tune-specific payload of a Job.
type TrainingSpec struct {
	ModelName   string `json:"model_name"`
	BaseVersion string `json:"base_version"`
	ImagesZip   string `json:"images_zip"`
	TriggerWord string `json:"trigger_word,omitempty"`
}

// Job is the durable record for one external computation request. It is
// mutated exclusively by the dispatcher and the reconciler; everyone else
// observes it through the broadcaster.
type Job struct {
	ID   string
	Type JobType

	// ProviderJobID is the provider's identifier for the current attempt.
	// Superseded on every dispatch; an incoming update carrying any other
	// id is stale and must be discarded.
	ProviderJobID string

	Attempts int
	Status   JobStatus
	Progress float64
	Events   []JobEvent
	Logs     []JobLogLine
	Error    string

	Generation *GenerationSpec
	Training   *TrainingSpec

	// Generation results
	Assets         []AssetRef
	RankedAssetKey string

	// Training result
	TrainedVersion string

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AppendEvent appends to the audit trail.
func (j *Job) AppendEvent(typ, message string, meta map[string]any) {
	j.Events = append(j.Events, JobEvent{Type: typ, Message: message, Meta: meta, At: time.Now()})
}

// AppendLogs appends raw provider log lines, skipping any line already stored
// verbatim. Returns the number of lines actually appended.
func (j *Job) AppendLogs(lines []string, at time.Time) int {
	seen := make(map[string]struct{}, len(j.Logs))
	for _, l := range j.Logs {
		seen[l.Message] = struct{}{}
	}
	added := 0
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		j.Logs = append(j.Logs, JobLogLine{Message: line, At: at})
		added++
	}
	return added
}

// Clone returns a copy safe to hand to broadcast subscribers while the
// original keeps being mutated.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Events = append([]JobEvent(nil), j.Events...)
	cp.Logs = append([]JobLogLine(nil), j.Logs...)
	cp.Assets = append([]AssetRef(nil), j.Assets...)
	if j.Generation != nil {
		g := *j.Generation
		cp.Generation = &g
	}
	if j.Training != nil {
		tr := *j.Training
		cp.Training = &tr
	}
	return &cp
}

// MergeProgress raises Progress to candidate if it is ahead; progress never
// regresses within one job identity.
func (j *Job) MergeProgress(candidate float64) bool {
	if candidate > j.Progress {
		j.Progress = candidate
		return true
	}
	return false
}
