package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
	"storybook-orchestrator/internal/infra/metrics"
)

var _ adapter.ComputeProvider = (*Client)(nil)

// Client talks to the Replicate HTTP API: predictions for generation jobs
// and trainings for fine-tune jobs.
type Client struct {
	token   string
	baseURL string
	client  *http.Client
}

func NewClient(token, baseURL string, timeout time.Duration) (*Client, error) {
	if token == "" {
		return nil, errors.New("provider token empty")
	}
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// wireJob mirrors the API's prediction/training object. Output is a string
// for trainings and either a string or a list for predictions, so it is
// decoded leniently.
type wireJob struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output"`
	Logs    string          `json:"logs"`
	Error   any             `json:"error"`
	Version string          `json:"version"`
	Metrics map[string]any  `json:"metrics"`
}

func (c *Client) Submit(ctx context.Context, req adapter.SubmitRequest) (string, error) {
	var (
		path string
		body map[string]any
	)
	switch req.JobType {
	case model.JobTypeTraining:
		// Version carries the full trainer path, "owner/name/versions/id".
		path = fmt.Sprintf("/models/%s/trainings", req.Version)
		body = map[string]any{
			"destination": req.Destination,
			"input":       req.Input,
		}
	default:
		path = "/predictions"
		body = map[string]any{
			"version": req.Version,
			"input":   req.Input,
		}
	}
	if req.WebhookURL != "" {
		body["webhook"] = req.WebhookURL
		body["webhook_events_filter"] = req.EventsFilter
	}

	start := time.Now()
	out, err := c.post(ctx, path, body)
	metrics.ObserveProviderCall("submit", int(time.Since(start).Milliseconds()), err == nil)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("provider returned no job id")
	}
	return out.ID, nil
}

func (c *Client) GetStatus(ctx context.Context, jobType model.JobType, providerJobID string) (*adapter.StatusPayload, error) {
	path := "/predictions/" + providerJobID
	if jobType == model.JobTypeTraining {
		path = "/trainings/" + providerJobID
	}

	start := time.Now()
	out, err := c.get(ctx, path)
	metrics.ObserveProviderCall("status", int(time.Since(start).Milliseconds()), err == nil)
	if err != nil {
		return nil, err
	}
	return toPayload(out), nil
}

func (c *Client) Cancel(ctx context.Context, jobType model.JobType, providerJobID string) error {
	path := "/predictions/" + providerJobID + "/cancel"
	if jobType == model.JobTypeTraining {
		path = "/trainings/" + providerJobID + "/cancel"
	}
	start := time.Now()
	_, err := c.post(ctx, path, map[string]any{})
	metrics.ObserveProviderCall("cancel", int(time.Since(start).Milliseconds()), err == nil)
	return err
}

func (c *Client) FetchOutput(ctx context.Context, url string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, "", fmt.Errorf("fetch output http %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) (*wireJob, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) (*wireJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*wireJob, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Detail != "" {
			return nil, fmt.Errorf("provider http %d: %s", resp.StatusCode, apiErr.Detail)
		}
		return nil, fmt.Errorf("provider http %d", resp.StatusCode)
	}

	var out wireJob
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// toPayload normalizes a wire object into the channel-agnostic status shape.
func toPayload(w *wireJob) *adapter.StatusPayload {
	p := &adapter.StatusPayload{
		ID:      w.ID,
		Status:  w.Status,
		Logs:    w.Logs,
		Metrics: w.Metrics,
		Version: w.Version,
	}
	if w.Error != nil {
		p.Error = fmt.Sprintf("%v", w.Error)
	}
	p.Output = decodeOutput(w.Output)
	return p
}

func decodeOutput(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}
