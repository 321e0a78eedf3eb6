package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
)

// progressPreRanking is where a ranked generation parks while the evaluator
// picks a winner; only the ranking outcome moves it to 100.
const progressPreRanking = 90

// generationSuccess persists a succeeded generation's output artifacts and,
// for ranked jobs, runs the evaluator pass before the job may go terminal.
type generationSuccess struct {
	provider  adapter.ComputeProvider
	storage   adapter.ObjectStorage
	evaluator adapter.ImageEvaluator
	log       *zerolog.Logger
}

func (h *generationSuccess) OnSucceeded(ctx context.Context, job *model.Job, payload *adapter.StatusPayload, checkpoint func(context.Context, *model.Job) error) error {
	if len(payload.Output) == 0 {
		return fmt.Errorf("provider reported success with no outputs")
	}

	assets, err := h.storeOutputs(ctx, job, payload.Output)
	if err != nil {
		return err
	}
	job.Assets = assets
	job.AppendEvent("assets", fmt.Sprintf("%d artifact(s) stored", len(assets)), map[string]any{"count": len(assets)})

	ranked := job.Generation != nil && job.Generation.Ranked
	if !ranked {
		job.MergeProgress(100)
		return nil
	}

	// Ranking still pending: surface the 90% stage to subscribers before
	// the (potentially slow) evaluator call.
	job.MergeProgress(progressPreRanking)
	job.AppendEvent("ranking", fmt.Sprintf("ranking %d candidate(s)", len(assets)), nil)
	if err := checkpoint(ctx, job); err != nil {
		return err
	}

	urls := make([]string, len(assets))
	for i, a := range assets {
		urls[i] = a.URL
	}
	result, err := h.evaluator.Rank(ctx, urls, job.Generation.Prompt, job.Generation.Subject)
	if err != nil {
		// Uploaded assets stay valid outputs; the job fails with the
		// ranking-specific reason. Re-running the whole generation would
		// re-spend provider compute for outputs that already exist.
		return fmt.Errorf("ranking failed: %w", err)
	}
	if result.WinnerIndex < 0 || result.WinnerIndex >= len(assets) {
		return fmt.Errorf("ranking returned out-of-range winner index %d", result.WinnerIndex)
	}
	job.RankedAssetKey = assets[result.WinnerIndex].Key
	job.AppendEvent("ranked", fmt.Sprintf("winner %s", job.RankedAssetKey), map[string]any{
		"winner_index": result.WinnerIndex,
		"reason":       result.Reason,
	})
	job.MergeProgress(100)
	return nil
}

// storeOutputs downloads each provider output and re-homes it in object
// storage. Transfers run in parallel but results keep output order.
func (h *generationSuccess) storeOutputs(ctx context.Context, job *model.Job, outputs []string) ([]model.AssetRef, error) {
	assets := make([]model.AssetRef, len(outputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, outputURL := range outputs {
		g.Go(func() error {
			body, contentType, err := h.provider.FetchOutput(gctx, outputURL)
			if err != nil {
				return fmt.Errorf("fetch output %d: %w", i, err)
			}
			defer body.Close()

			key := fmt.Sprintf("jobs/%s/output-%d%s", job.ID, i, extensionFor(contentType))
			url, err := h.storage.Upload(gctx, key, contentType, body)
			if err != nil {
				return fmt.Errorf("upload output %d: %w", i, err)
			}
			assets[i] = model.AssetRef{Key: key, URL: url}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return assets, nil
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "jpeg"):
		return ".jpg"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	case strings.Contains(contentType, "zip"):
		return ".zip"
	default:
		return ".png"
	}
}

// trainingSuccess records the fine-tuned model version the provider produced.
type trainingSuccess struct{}

func (h *trainingSuccess) OnSucceeded(ctx context.Context, job *model.Job, payload *adapter.StatusPayload, _ func(context.Context, *model.Job) error) error {
	version := payload.Version
	if version == "" && len(payload.Output) > 0 {
		version = payload.Output[0]
	}
	if version == "" {
		return fmt.Errorf("training succeeded but no model version reported")
	}
	job.TrainedVersion = version
	job.AppendEvent("trained", fmt.Sprintf("model version %s", version), nil)
	job.MergeProgress(100)
	return nil
}
