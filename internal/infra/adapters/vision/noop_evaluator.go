package vision

import (
	"context"

	"storybook-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.ImageEvaluator = (*NoopEvaluator)(nil)

// NoopEvaluator accepts everything and picks the first candidate. Used when
// no vision provider is configured.
type NoopEvaluator struct{}

func NewNoopEvaluator() *NoopEvaluator { return &NoopEvaluator{} }

func (NoopEvaluator) Evaluate(_ context.Context, _ string) (*adapter.Verdict, error) {
	return &adapter.Verdict{Accepted: true, Score: 100}, nil
}

func (NoopEvaluator) Rank(_ context.Context, imageURLs []string, _, _ string) (*adapter.RankResult, error) {
	scores := make([]float64, len(imageURLs))
	for i := range scores {
		scores[i] = 100
	}
	return &adapter.RankResult{WinnerIndex: 0, Scores: scores}, nil
}
