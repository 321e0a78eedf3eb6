package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/genai"

	"storybook-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.ImageEvaluator = (*GeminiEvaluator)(nil)

// GeminiEvaluator scores images with the official SDK. Image bytes are
// inlined because the Gemini API does not fetch arbitrary HTTP URLs.
type GeminiEvaluator struct {
	client   *genai.Client
	model    string
	minScore float64
	fetch    *http.Client
}

func NewGeminiEvaluator(ctx context.Context, apiKey, model string, minScore float64) (*GeminiEvaluator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if minScore <= 0 {
		minScore = 60
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiEvaluator{
		client:   c,
		model:    model,
		minScore: minScore,
		fetch:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (g *GeminiEvaluator) Evaluate(ctx context.Context, imageURL string) (*adapter.Verdict, error) {
	text, err := g.generate(ctx, evaluatePrompt, []string{imageURL})
	if err != nil {
		return nil, err
	}
	var out struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &out); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	return &adapter.Verdict{
		Accepted: out.Score >= g.minScore,
		Score:    out.Score,
		Reason:   out.Reason,
	}, nil
}

func (g *GeminiEvaluator) Rank(ctx context.Context, imageURLs []string, prompt, subject string) (*adapter.RankResult, error) {
	if len(imageURLs) == 0 {
		return nil, errors.New("no images to rank")
	}
	instr := fmt.Sprintf(rankPromptFmt, len(imageURLs), prompt, subject)
	text, err := g.generate(ctx, instr, imageURLs)
	if err != nil {
		return nil, err
	}
	var out adapter.RankResult
	if err := json.Unmarshal([]byte(stripFences(text)), &out); err != nil {
		return nil, fmt.Errorf("decode rank result: %w", err)
	}
	if out.WinnerIndex < 0 || out.WinnerIndex >= len(imageURLs) {
		return nil, fmt.Errorf("winner index %d out of range", out.WinnerIndex)
	}
	return &out, nil
}

func (g *GeminiEvaluator) generate(ctx context.Context, instruction string, imageURLs []string) (string, error) {
	parts := []*genai.Part{{Text: instruction}}
	for _, u := range imageURLs {
		data, mime, err := g.fetchImage(ctx, u)
		if err != nil {
			return "", err
		}
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{Data: data, MIMEType: mime},
		})
	}
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("gemini: empty response")
	}
	if t := resp.Candidates[0].Content.Parts[0].Text; t != "" {
		return t, nil
	}
	return "", errors.New("gemini: no text part")
}

func (g *GeminiEvaluator) fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := g.fetch.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch image http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, "", err
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return data, mime, nil
}
