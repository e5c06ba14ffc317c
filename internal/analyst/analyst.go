package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/nuka-analyst/internal/provider"
	"github.com/nidhogg/nuka-analyst/internal/worker"
	"go.uber.org/zap"
)

// Completer sends a completion on behalf of a named caller.
// *provider.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, caller string, req *provider.Request) (*provider.Response, error)
}

// Config describes one LLM-backed analyst.
type Config struct {
	Name        string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Analyst is a Worker that asks an LLM for a Report.
type Analyst struct {
	cfg    Config
	llm    Completer
	logger *zap.Logger
}

var _ worker.Worker = (*Analyst)(nil)

// New creates an analyst. An empty prompt falls back to the built-in
// prompt for the name, if there is one.
func New(cfg Config, llm Completer, logger *zap.Logger) *Analyst {
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt(cfg.Name)
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	return &Analyst{cfg: cfg, llm: llm, logger: logger}
}

// Name returns the worker name.
func (a *Analyst) Name() string { return a.cfg.Name }

// Analyze implements worker.Worker.
func (a *Analyst) Analyze(ctx context.Context, targetID string, in worker.Input) (any, error) {
	resp, err := a.llm.Complete(ctx, a.cfg.Name, &provider.Request{
		Model:       a.cfg.Model,
		System:      a.cfg.Prompt + "\n\n" + reportFormat,
		Messages:    []provider.Message{{Role: "user", Content: buildPrompt(targetID, in)}},
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", a.cfg.Name, err)
	}
	report, err := ParseReport(a.cfg.Name, targetID, resp.Content)
	if err != nil {
		a.logger.Debug("unparseable reply", zap.String("worker", a.cfg.Name), zap.String("content", resp.Content))
		return nil, fmt.Errorf("%s reply: %w", a.cfg.Name, err)
	}
	return report, nil
}

const reportFormat = `Reply with one JSON object:
{"signal": "BUY|HOLD|SELL", "confidence": 0.0-1.0, "summary": "...", "highlights": ["..."], "metrics": {}}`

func buildPrompt(targetID string, in worker.Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbol: %s\n", targetID)
	if len(in.Context) > 0 {
		data, err := json.Marshal(in.Context)
		if err == nil {
			fmt.Fprintf(&sb, "Context: %s\n", data)
		}
	}
	if len(in.Upstream) > 0 {
		sb.WriteString("\nFindings from other analysts:\n")
		names := make([]string, 0, len(in.Upstream))
		for name := range in.Upstream {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&sb, "- %s: %s\n", name, describe(in.Upstream[name]))
		}
	}
	return sb.String()
}

func describe(v any) string {
	if s, ok := v.(worker.Summarizer); ok {
		return s.Summary()
	}
	return fmt.Sprint(v)
}

var defaultPrompts = map[string]string{
	"fundamental": "You are a fundamental equity analyst. Assess valuation, earnings quality, balance sheet strength and growth.",
	"technical":   "You are a technical analyst. Assess trend, momentum, support and resistance levels and volume.",
	"sentiment":   "You are a market sentiment analyst. Assess investor mood from social media, forums and analyst ratings.",
	"news":        "You are a news analyst. Assess recent announcements, filings and press coverage for price impact.",
	"risk":        "You are a risk analyst. Assess downside scenarios, volatility, leverage and concentration risk.",
	"macro":       "You are a macro analyst. Assess how rates, policy and the sector cycle affect this company.",
}

// DefaultPrompt returns the built-in system prompt for a well-known
// analyst name, or a generic one.
func DefaultPrompt(name string) string {
	if p, ok := defaultPrompts[name]; ok {
		return p
	}
	return fmt.Sprintf("You are the %s analyst on an equity research team.", name)
}

// DefaultNames lists the analysts with built-in prompts.
func DefaultNames() []string {
	names := make([]string, 0, len(defaultPrompts))
	for n := range defaultPrompts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
