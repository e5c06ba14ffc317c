package orchestrator

import (
	"fmt"

	"github.com/nidhogg/nuka-analyst/internal/registry"
	"github.com/nidhogg/nuka-analyst/internal/task"
)

// InvalidTaskError reports a malformed task; see task.InvalidTaskError.
type InvalidTaskError = task.InvalidTaskError

// RegistryError reports an unknown or misregistered worker; see registry.RegistryError.
type RegistryError = registry.RegistryError

// WorkerError is a single worker's failed invocation. It never escapes
// Orchestrate; it is folded into the outcome as an omission.
type WorkerError struct {
	Worker   string
	TimedOut bool
	Err      error
}

func (e *WorkerError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("worker %s timed out: %v", e.Worker, e.Err)
	}
	return fmt.Sprintf("worker %s failed: %v", e.Worker, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// NoValidResultsError means every requested worker failed or timed out.
type NoValidResultsError struct {
	TargetID string
	Failed   []string
}

func (e *NoValidResultsError) Error() string {
	return fmt.Sprintf("no valid results for %s: all %d workers failed %v", e.TargetID, len(e.Failed), e.Failed)
}

// AggregationError means the terminal aggregation step failed.
type AggregationError struct {
	Aggregator string
	Err        error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation by %s failed: %v", e.Aggregator, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }
