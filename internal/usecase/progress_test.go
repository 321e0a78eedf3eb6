//go:build !integration

package usecase

import (
	"testing"

	"storybook-orchestrator/internal/domain/ports/adapter"
)

func fptr(v float64) *float64 { return &v }

func TestExtractProgress(t *testing.T) {
	cases := []struct {
		name    string
		payload *adapter.StatusPayload
		want    *float64
	}{
		{"nil payload", nil, nil},
		{"empty payload", &adapter.StatusPayload{}, nil},
		{"direct fraction scales to percent", &adapter.StatusPayload{Progress: fptr(0.42)}, fptr(42)},
		{"direct percent passes through", &adapter.StatusPayload{Progress: fptr(73.5)}, fptr(73.5)},
		{"exact 1.0 reads as fractional done", &adapter.StatusPayload{Progress: fptr(1.0)}, fptr(100)},
		{"direct over 100 clamps", &adapter.StatusPayload{Progress: fptr(140)}, fptr(100)},
		{"negative clamps to zero", &adapter.StatusPayload{Progress: fptr(-3)}, fptr(0)},
		{
			"step metrics ratio",
			&adapter.StatusPayload{Metrics: map[string]any{"step": float64(250), "total_steps": float64(1000)}},
			fptr(25),
		},
		{
			"images metrics ratio",
			&adapter.StatusPayload{Metrics: map[string]any{"images_generated": 3, "images_expected": 4}},
			fptr(75),
		},
		{
			"zero total yields nothing",
			&adapter.StatusPayload{Metrics: map[string]any{"step": float64(5), "total_steps": float64(0)}},
			nil,
		},
		{
			"string metric values parse",
			&adapter.StatusPayload{Metrics: map[string]any{"current": "1", "total": "2"}},
			fptr(50),
		},
		{
			"logs fallback",
			&adapter.StatusPayload{Logs: "flux_train_step 120/1000 12%"},
			fptr(12),
		},
		{
			"direct field wins over metrics",
			&adapter.StatusPayload{
				Progress: fptr(0.5),
				Metrics:  map[string]any{"step": float64(9), "total_steps": float64(10)},
			},
			fptr(50),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractProgress(tc.payload)
			if (got == nil) != (tc.want == nil) {
				t.Fatalf("want %v, got %v", tc.want, got)
			}
			if got != nil && *got != *tc.want {
				t.Fatalf("want %.1f, got %.1f", *tc.want, *got)
			}
		})
	}
}

func TestExtractLogProgress(t *testing.T) {
	t.Run("latest step line wins", func(t *testing.T) {
		logs := "train_step 10%\nsome chatter\ntrain_step 35%"
		got := ExtractLogProgress(logs)
		if got == nil || *got != 35 {
			t.Fatalf("want 35, got %v", got)
		}
	})

	t.Run("percent on unrecognized line is ignored", func(t *testing.T) {
		logs := "loading weights 80%\ndownloading 90%"
		if got := ExtractLogProgress(logs); got != nil {
			t.Fatalf("want nil, got %v", *got)
		}
	})

	t.Run("epoch marker counts", func(t *testing.T) {
		got := ExtractLogProgress("Epoch 2/10: 20.5%")
		if got == nil || *got != 20.5 {
			t.Fatalf("want 20.5, got %v", got)
		}
	})

	t.Run("no logs", func(t *testing.T) {
		if got := ExtractLogProgress(""); got != nil {
			t.Fatalf("want nil, got %v", *got)
		}
	})
}
