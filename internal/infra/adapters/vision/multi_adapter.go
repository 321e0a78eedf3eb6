package vision

import (
	"context"

	"github.com/rs/zerolog"

	"storybook-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.ImageEvaluator = (*MultiEvaluator)(nil)

// MultiEvaluator tries each configured evaluator in order and returns the
// first answer. A provider outage degrades to the next one instead of
// stalling the pipeline.
type MultiEvaluator struct {
	chain []adapter.ImageEvaluator
	log   *zerolog.Logger
}

func NewMultiEvaluator(logger *zerolog.Logger, chain ...adapter.ImageEvaluator) *MultiEvaluator {
	l := logger.With().Str("component", "MultiEvaluator").Logger()
	return &MultiEvaluator{chain: chain, log: &l}
}

func (m *MultiEvaluator) Evaluate(ctx context.Context, imageURL string) (*adapter.Verdict, error) {
	var lastErr error
	for i, ev := range m.chain {
		v, err := ev.Evaluate(ctx, imageURL)
		if err == nil {
			return v, nil
		}
		lastErr = err
		m.log.Warn().Err(err).Int("evaluator", i).Msg("evaluate failed, trying next")
	}
	return nil, lastErr
}

func (m *MultiEvaluator) Rank(ctx context.Context, imageURLs []string, prompt, subject string) (*adapter.RankResult, error) {
	var lastErr error
	for i, ev := range m.chain {
		r, err := ev.Rank(ctx, imageURLs, prompt, subject)
		if err == nil {
			return r, nil
		}
		lastErr = err
		m.log.Warn().Err(err).Int("evaluator", i).Msg("rank failed, trying next")
	}
	return nil, lastErr
}
