package usecase

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"storybook-orchestrator/internal/domain/ports/adapter"
)

// Known "current / total" key pairs inside a provider metrics object.
var metricPairs = [][2]string{
	{"step", "total_steps"},
	{"current", "total"},
	{"images_generated", "images_expected"},
	{"predict_time", "total_time"},
}

// ExtractProgress maps a raw provider payload to a normalized 0-100 progress
// value, or nil when the payload carries no usable signal. nil means "no
// update", never "no progress": callers must not treat it as zero.
//
// Pure and channel-agnostic: both the webhook path and the poll path call it
// with the same payload shape.
func ExtractProgress(p *adapter.StatusPayload) *float64 {
	if p == nil {
		return nil
	}
	if p.Progress != nil {
		v := *p.Progress
		// Values up to and including 1.0 are read as the 0-1 scale, so an
		// exact 1.0 means done, not 1%. Providers that report percentages
		// send integers well above 1 for anything past the first tick; a
		// true 1% on that scale is indistinguishable here and accepted as
		// the cost of the cheaper rule.
		if v <= 1.0 {
			v *= 100
		}
		return clampRound(v)
	}
	if len(p.Metrics) > 0 {
		for _, pair := range metricPairs {
			cur, okCur := metricNumber(p.Metrics, pair[0])
			total, okTotal := metricNumber(p.Metrics, pair[1])
			if okCur && okTotal && total > 0 {
				return clampRound(cur / total * 100)
			}
		}
	}
	if p.Logs != "" {
		return ExtractLogProgress(p.Logs)
	}
	return nil
}

// Markers recognizing a training-step line in raw provider logs.
var logStepMarkers = []string{"flux_train", "train_step", "step:", "epoch"}

var logPercentRe = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)

// ExtractLogProgress scans raw log text in reverse line order for a
// percentage token on a recognizable training-step line; the first match
// from the end (most recent) wins.
func ExtractLogProgress(logs string) *float64 {
	lines := strings.Split(logs, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !hasStepMarker(line) {
			continue
		}
		m := logPercentRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		return clampRound(v)
	}
	return nil
}

func hasStepMarker(line string) bool {
	l := strings.ToLower(line)
	for _, marker := range logStepMarkers {
		if strings.Contains(l, marker) {
			return true
		}
	}
	return false
}

func metricNumber(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// clampRound clips to [0,100] and rounds to one decimal.
func clampRound(v float64) *float64 {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	v = math.Round(v*10) / 10
	return &v
}
