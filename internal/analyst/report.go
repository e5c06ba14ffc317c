package analyst

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Signal is an analyst's directional call.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalHold Signal = "HOLD"
	SignalSell Signal = "SELL"
)

// ParseSignal normalises common spellings to a Signal.
func ParseSignal(s string) (Signal, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "STRONG_BUY", "STRONG BUY", "LONG", "BULLISH":
		return SignalBuy, nil
	case "SELL", "STRONG_SELL", "STRONG SELL", "SHORT", "BEARISH":
		return SignalSell, nil
	case "HOLD", "NEUTRAL":
		return SignalHold, nil
	}
	return "", fmt.Errorf("unknown signal %q", s)
}

// ErrNoJSON means a model reply contained no JSON object.
var ErrNoJSON = errors.New("no JSON object in reply")

// Report is the payload produced by an analyst worker.
type Report struct {
	Worker     string         `json:"worker"`
	Target     string         `json:"target"`
	Signal     Signal         `json:"signal"`
	Confidence float64        `json:"confidence"`
	Text       string         `json:"summary"`
	Highlights []string       `json:"highlights,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// Summary implements worker.Summarizer.
func (r *Report) Summary() string {
	return fmt.Sprintf("%s (%.2f): %s", r.Signal, r.Confidence, r.Text)
}

// ParseReport extracts a report from a model reply. Code fences and
// surrounding prose are tolerated. Confidence is clamped to [0, 1].
func ParseReport(workerName, target, content string) (*Report, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	var wire struct {
		Signal     string         `json:"signal"`
		Confidence float64        `json:"confidence"`
		Summary    string         `json:"summary"`
		Highlights []string       `json:"highlights"`
		Metrics    map[string]any `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	sig, err := ParseSignal(wire.Signal)
	if err != nil {
		return nil, err
	}
	return &Report{
		Worker:     workerName,
		Target:     target,
		Signal:     sig,
		Confidence: clamp(wire.Confidence),
		Text:       strings.TrimSpace(wire.Summary),
		Highlights: wire.Highlights,
		Metrics:    wire.Metrics,
	}, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, ErrNoJSON
	}
	return []byte(content[start : end+1]), nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
