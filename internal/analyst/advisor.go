package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/nuka-analyst/internal/provider"
	"github.com/nidhogg/nuka-analyst/internal/worker"
	"go.uber.org/zap"
)

// ErrNoReports means none of the aggregated payloads was a Report.
var ErrNoReports = errors.New("no analyst reports to aggregate")

// Advice is the final recommendation for a target.
type Advice struct {
	Target       string             `json:"target"`
	Signal       Signal             `json:"signal"`
	Confidence   float64            `json:"confidence"`
	Rationale    string             `json:"rationale"`
	Votes        map[Signal]float64 `json:"votes"`
	Contributors []string           `json:"contributors"`
}

// Summary implements worker.Summarizer.
func (a *Advice) Summary() string {
	return fmt.Sprintf("%s %s (%.2f)", a.Target, a.Signal, a.Confidence)
}

// reports picks the Report payloads out of results, sorted by worker.
func reports(results map[string]any) []*Report {
	out := make([]*Report, 0, len(results))
	for name, v := range results {
		var r *Report
		switch p := v.(type) {
		case *Report:
			r = p
		case Report:
			r = &p
		default:
			continue
		}
		if r.Worker == "" {
			cp := *r
			cp.Worker = name
			r = &cp
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

// VotingAdvisor is an Aggregator that picks the signal with the highest
// total confidence. Ties go to HOLD, then BUY.
type VotingAdvisor struct {
	name string
	// MinConfidence drops reports below this confidence from the vote.
	MinConfidence float64
}

var _ worker.Aggregator = (*VotingAdvisor)(nil)

// NewVotingAdvisor creates a voting aggregator.
func NewVotingAdvisor(name string) *VotingAdvisor {
	if name == "" {
		name = "advisor"
	}
	return &VotingAdvisor{name: name}
}

func (v *VotingAdvisor) Name() string { return v.name }

// Aggregate implements worker.Aggregator.
func (v *VotingAdvisor) Aggregate(ctx context.Context, targetID string, results map[string]any) (any, error) {
	return v.vote(targetID, reports(results))
}

var tieOrder = []Signal{SignalHold, SignalBuy, SignalSell}

func (v *VotingAdvisor) vote(targetID string, rs []*Report) (*Advice, error) {
	votes := map[Signal]float64{SignalBuy: 0, SignalHold: 0, SignalSell: 0}
	var total float64
	var contributors, lines []string
	for _, r := range rs {
		if r.Confidence < v.MinConfidence {
			continue
		}
		votes[r.Signal] += r.Confidence
		total += r.Confidence
		contributors = append(contributors, r.Worker)
		lines = append(lines, fmt.Sprintf("%s: %s", r.Worker, r.Summary()))
	}
	if len(contributors) == 0 {
		return nil, ErrNoReports
	}

	best := tieOrder[0]
	for _, s := range tieOrder[1:] {
		if votes[s] > votes[best] {
			best = s
		}
	}
	conf := 0.0
	if total > 0 {
		conf = votes[best] / total
	}
	return &Advice{
		Target:       targetID,
		Signal:       best,
		Confidence:   conf,
		Rationale:    strings.Join(lines, "\n"),
		Votes:        votes,
		Contributors: contributors,
	}, nil
}

// LLMAdvisor is an Aggregator that asks an LLM to weigh the reports. The
// confidence-weighted tally is included in the prompt and in the Advice.
type LLMAdvisor struct {
	name   string
	prompt string
	model  string
	llm    Completer
	tally  *VotingAdvisor
	logger *zap.Logger
}

var _ worker.Aggregator = (*LLMAdvisor)(nil)

const defaultAdvisorPrompt = "You are the lead portfolio advisor. Weigh the analyst reports below and give one recommendation."

// NewLLMAdvisor creates an LLM-backed aggregator.
func NewLLMAdvisor(name, prompt, model string, llm Completer, logger *zap.Logger) *LLMAdvisor {
	if name == "" {
		name = "advisor"
	}
	if prompt == "" {
		prompt = defaultAdvisorPrompt
	}
	return &LLMAdvisor{
		name:   name,
		prompt: prompt,
		model:  model,
		llm:    llm,
		tally:  NewVotingAdvisor(name),
		logger: logger,
	}
}

func (a *LLMAdvisor) Name() string { return a.name }

// Aggregate implements worker.Aggregator.
func (a *LLMAdvisor) Aggregate(ctx context.Context, targetID string, results map[string]any) (any, error) {
	rs := reports(results)
	tally, err := a.tally.vote(targetID, rs)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("marshal reports: %w", err)
	}
	user := fmt.Sprintf("Symbol: %s\nReports: %s\nConfidence-weighted votes: BUY=%.2f HOLD=%.2f SELL=%.2f",
		targetID, data, tally.Votes[SignalBuy], tally.Votes[SignalHold], tally.Votes[SignalSell])

	resp, err := a.llm.Complete(ctx, a.name, &provider.Request{
		Model:    a.model,
		System:   a.prompt + "\n\n" + adviceFormat,
		Messages: []provider.Message{{Role: "user", Content: user}},
		JSON:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("advisor completion: %w", err)
	}

	raw, err := extractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("advisor reply: %w", err)
	}
	var wire struct {
		Signal     string  `json:"signal"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode advice: %w", err)
	}
	sig, err := ParseSignal(wire.Signal)
	if err != nil {
		return nil, fmt.Errorf("advisor reply: %w", err)
	}
	if sig != tally.Signal {
		a.logger.Info("advisor overrode vote",
			zap.String("target", targetID),
			zap.String("vote", string(tally.Signal)),
			zap.String("advice", string(sig)))
	}
	return &Advice{
		Target:       targetID,
		Signal:       sig,
		Confidence:   clamp(wire.Confidence),
		Rationale:    strings.TrimSpace(wire.Rationale),
		Votes:        tally.Votes,
		Contributors: tally.Contributors,
	}, nil
}

const adviceFormat = `Reply with one JSON object:
{"signal": "BUY|HOLD|SELL", "confidence": 0.0-1.0, "rationale": "..."}`
