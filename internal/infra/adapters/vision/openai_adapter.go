package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storybook-orchestrator/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.ImageEvaluator = (*OpenAIEvaluator)(nil)

// OpenAIEvaluator scores images with the Chat Completions API using
// image_url content parts. The model is instructed to answer with a bare
// JSON object so the reply can be decoded directly.
type OpenAIEvaluator struct {
	apiKey   string
	base     string
	model    string
	minScore float64
	client   *http.Client
}

func NewOpenAIEvaluator(apiKey, model string, minScore float64) (*OpenAIEvaluator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if minScore <= 0 {
		minScore = 60
	}
	return &OpenAIEvaluator{
		apiKey:   apiKey,
		base:     "https://api.openai.com/v1",
		model:    model,
		minScore: minScore,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

const evaluatePrompt = `You are judging whether a photo is usable for fine-tuning a
personalized image model. Score 0-100 for: a single clearly visible subject,
sharp focus, good lighting, no heavy occlusion. Answer with JSON only:
{"score": <number>, "reason": "<short reason>"}`

func (o *OpenAIEvaluator) Evaluate(ctx context.Context, imageURL string) (*adapter.Verdict, error) {
	content, err := o.chat(ctx, evaluatePrompt, []string{imageURL})
	if err != nil {
		return nil, err
	}
	var out struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	return &adapter.Verdict{
		Accepted: out.Score >= o.minScore,
		Score:    out.Score,
		Reason:   out.Reason,
	}, nil
}

const rankPromptFmt = `You are picking the best of %d generated images for the prompt
%q featuring the subject %q. Score each image 0-100 for prompt fidelity,
subject likeness and overall quality. Answer with JSON only:
{"winner_index": <0-based index>, "scores": [<number>, ...], "reason": "<short reason>"}`

func (o *OpenAIEvaluator) Rank(ctx context.Context, imageURLs []string, prompt, subject string) (*adapter.RankResult, error) {
	if len(imageURLs) == 0 {
		return nil, errors.New("no images to rank")
	}
	instr := fmt.Sprintf(rankPromptFmt, len(imageURLs), prompt, subject)
	content, err := o.chat(ctx, instr, imageURLs)
	if err != nil {
		return nil, err
	}
	var out adapter.RankResult
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return nil, fmt.Errorf("decode rank result: %w", err)
	}
	if out.WinnerIndex < 0 || out.WinnerIndex >= len(imageURLs) {
		return nil, fmt.Errorf("winner index %d out of range", out.WinnerIndex)
	}
	return &out, nil
}

func (o *OpenAIEvaluator) chat(ctx context.Context, instruction string, imageURLs []string) (string, error) {
	parts := []map[string]any{{"type": "text", "text": instruction}}
	for _, u := range imageURLs {
		parts = append(parts, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": u},
		})
	}
	reqBody := map[string]any{
		"model": o.model,
		"messages": []map[string]any{
			{"role": "user", "content": parts},
		},
	}

	b, _ := json.Marshal(reqBody)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, o.base+"/chat/completions", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("openai http %d", resp.StatusCode)
	}

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	for _, c := range payload.Choices {
		if c.Message.Content != "" {
			return c.Message.Content, nil
		}
	}
	return "", errors.New("no choice content")
}

// stripFences tolerates models that wrap JSON in a markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
