package worker

import (
	"context"
	"time"
)

// Input is what a worker receives besides the target id.
type Input struct {
	// Context holds task-level side inputs visible to every worker.
	Context map[string]any
	// Upstream holds successful payloads of the worker's declared
	// dependencies that were part of the same task. Failed dependencies
	// are absent.
	Upstream map[string]any
}

// Worker analyzes one target and returns an opaque payload.
type Worker interface {
	Analyze(ctx context.Context, targetID string, in Input) (any, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, targetID string, in Input) (any, error)

func (f WorkerFunc) Analyze(ctx context.Context, targetID string, in Input) (any, error) {
	return f(ctx, targetID, in)
}

// Aggregator combines the valid result set into a final payload.
type Aggregator interface {
	Name() string
	Aggregate(ctx context.Context, targetID string, results map[string]any) (any, error)
}

type aggregatorFunc struct {
	name string
	fn   func(ctx context.Context, targetID string, results map[string]any) (any, error)
}

// AggregatorFunc wraps fn as a named Aggregator.
func AggregatorFunc(name string, fn func(ctx context.Context, targetID string, results map[string]any) (any, error)) Aggregator {
	return &aggregatorFunc{name: name, fn: fn}
}

func (a *aggregatorFunc) Name() string { return a.name }

func (a *aggregatorFunc) Aggregate(ctx context.Context, targetID string, results map[string]any) (any, error) {
	return a.fn(ctx, targetID, results)
}

// Summarizer is implemented by payloads that can describe themselves in
// one line. The orchestrator uses it to derive key metrics.
type Summarizer interface {
	Summary() string
}

// Kind tags a Result.
type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Failure describes a failed invocation.
type Failure struct {
	Worker    string    `json:"worker"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	TimedOut  bool      `json:"timed_out,omitempty"`
}

// Result is the outcome of one invocation: a payload or a failure, never both.
type Result struct {
	Kind    Kind          `json:"kind"`
	Worker  string        `json:"worker"`
	Payload any           `json:"payload,omitempty"`
	Failure *Failure      `json:"failure,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Success builds a successful Result.
func Success(name string, payload any, elapsed time.Duration) Result {
	return Result{Kind: KindSuccess, Worker: name, Payload: payload, Elapsed: elapsed}
}

// Failed builds a failed Result from err.
func Failed(name string, err error, elapsed time.Duration, timedOut bool) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Kind:   KindFailure,
		Worker: name,
		Failure: &Failure{
			Worker:    name,
			Message:   msg,
			Timestamp: time.Now(),
			TimedOut:  timedOut,
		},
		Elapsed: elapsed,
	}
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Kind == KindSuccess }
