package adapter

import "context"

// Verdict is the evaluator's judgement of a single input image.
type Verdict struct {
	Accepted bool    `json:"accepted"`
	Score    float64 `json:"score"` // 0-100
	Reason   string  `json:"reason,omitempty"`
}

// RankResult orders a set of candidate images against a prompt and subject.
type RankResult struct {
	// WinnerIndex indexes into the image list passed to Rank.
	WinnerIndex int       `json:"winner_index"`
	Scores      []float64 `json:"scores"`
	Reason      string    `json:"reason,omitempty"`
}

// ImageEvaluator is the black-box vision scoring collaborator. It has no side
// effects on job state; the reconciler decides what to store.
type ImageEvaluator interface {
	Evaluate(ctx context.Context, imageURL string) (*Verdict, error)
	Rank(ctx context.Context, imageURLs []string, prompt, subject string) (*RankResult, error)
}
