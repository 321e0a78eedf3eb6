package model

import "time"

type RunStatus string

const (
	RunStatusCreatingUser     RunStatus = "creating_user"
	RunStatusUploadingImages  RunStatus = "uploading_images"
	RunStatusTraining         RunStatus = "training"
	RunStatusStorybookPending RunStatus = "storybook_pending"
	RunStatusStorybook        RunStatus = "storybook"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// runOrder gives the forward ordering of the pipeline states. failed is
// reachable from anywhere and is not part of the ordering.
var runOrder = map[RunStatus]int{
	RunStatusCreatingUser:     0,
	RunStatusUploadingImages:  1,
	RunStatusTraining:         2,
	RunStatusStorybookPending: 3,
	RunStatusStorybook:        4,
	RunStatusCompleted:        5,
}

// CanAdvanceTo reports whether moving from the current status to next is a
// forward transition. Transitions into failed are always allowed from
// non-terminal states; backward moves never are.
func (s RunStatus) CanAdvanceTo(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == RunStatusFailed {
		return true
	}
	return runOrder[next] >= runOrder[s]
}

// AutomationRun composes a training job and its downstream storybook
// generation into one pipeline. It owns references to the jobs it watches and
// never mutates them; it only reacts to their broadcast events.
type AutomationRun struct {
	ID          string
	SubjectID   string
	SubjectName string
	Prompt      string
	Status      RunStatus
	Progress    float64
	Error       string
	Pages       int

	InputAssets    []AssetRef
	TrainingJobID  string
	StorybookJobID string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Clone returns a copy safe to hand to broadcast subscribers.
func (r *AutomationRun) Clone() *AutomationRun {
	cp := *r
	cp.InputAssets = append([]AssetRef(nil), r.InputAssets...)
	return &cp
}

// MergeProgress raises Progress to candidate if it is ahead; the run's
// progress is non-decreasing across the whole pipeline.
func (r *AutomationRun) MergeProgress(candidate float64) bool {
	if candidate > r.Progress {
		r.Progress = candidate
		return true
	}
	return false
}

// Progress floors per state. Within training and storybook the floor is
// interpolated toward the next floor by the watched job's own progress.
var runProgressFloor = map[RunStatus]float64{
	RunStatusCreatingUser:     5,
	RunStatusUploadingImages:  10,
	RunStatusTraining:         20,
	RunStatusStorybookPending: 65,
	RunStatusStorybook:        70,
	RunStatusCompleted:        100,
}

// FloorFor returns the progress floor owned by a state.
func FloorFor(s RunStatus) float64 { return runProgressFloor[s] }

// BlendProgress maps a run state plus the watched job's 0-100 progress to the
// run's overall progress. The result is clamped so it can never fall below
// the state's own floor and never exceed the next state's floor.
func BlendProgress(s RunStatus, jobProgress float64) float64 {
	floor := runProgressFloor[s]
	var next float64
	switch s {
	case RunStatusTraining:
		next = runProgressFloor[RunStatusStorybookPending]
	case RunStatusStorybook:
		next = runProgressFloor[RunStatusCompleted]
	default:
		return floor
	}
	if jobProgress < 0 {
		jobProgress = 0
	}
	if jobProgress > 100 {
		jobProgress = 100
	}
	return floor + (next-floor)*jobProgress/100
}
