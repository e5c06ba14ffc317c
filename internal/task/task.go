package task

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InvalidTaskError reports a malformed task. It is raised before any
// worker is dispatched.
type InvalidTaskError struct {
	Reason string
}

func (e *InvalidTaskError) Error() string {
	return fmt.Sprintf("invalid task: %s", e.Reason)
}

// Overrides are optional per-request settings.
type Overrides struct {
	WorkerTimeouts map[string]time.Duration `json:"worker_timeouts,omitempty"`
	WorkerTimeout  time.Duration            `json:"worker_timeout,omitempty"` // applies to every worker without an entry above
	OverallTimeout time.Duration            `json:"overall_timeout,omitempty"`
	Priority       int                      `json:"priority,omitempty"`
}

// Task describes one orchestration request. It cannot be changed after
// New returns; accessors hand out copies.
type Task struct {
	id        string
	targetID  string
	workers   []string
	context   map[string]any
	createdAt time.Time
	overrides Overrides
}

// Option configures a Task at construction.
type Option func(*Task)

// WithID sets an explicit task id instead of a random one.
func WithID(id string) Option {
	return func(t *Task) { t.id = id }
}

// WithContext merges side inputs visible to every worker.
func WithContext(ctx map[string]any) Option {
	return func(t *Task) { maps.Copy(t.context, ctx) }
}

// WithValue sets one side input.
func WithValue(key string, v any) Option {
	return func(t *Task) { t.context[key] = v }
}

// WithWorkerTimeout overrides the timeout of a single worker.
func WithWorkerTimeout(name string, d time.Duration) Option {
	return func(t *Task) {
		if t.overrides.WorkerTimeouts == nil {
			t.overrides.WorkerTimeouts = make(map[string]time.Duration)
		}
		t.overrides.WorkerTimeouts[name] = d
	}
}

// WithDefaultWorkerTimeout overrides the timeout of every worker that has
// no specific override.
func WithDefaultWorkerTimeout(d time.Duration) Option {
	return func(t *Task) { t.overrides.WorkerTimeout = d }
}

// WithOverallTimeout bounds the whole dispatch.
func WithOverallTimeout(d time.Duration) Option {
	return func(t *Task) { t.overrides.OverallTimeout = d }
}

// WithPriority records the request priority.
func WithPriority(p int) Option {
	return func(t *Task) { t.overrides.Priority = p }
}

// New builds a task for targetID. Worker names are trimmed and
// deduplicated in order.
func New(targetID string, workers []string, opts ...Option) *Task {
	t := &Task{
		id:        uuid.New().String(),
		targetID:  strings.TrimSpace(targetID),
		context:   make(map[string]any),
		createdAt: time.Now(),
	}
	seen := make(map[string]bool, len(workers))
	for _, w := range workers {
		w = strings.TrimSpace(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		t.workers = append(t.workers, w)
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Validate checks the task before dispatch.
func (t *Task) Validate() error {
	if t == nil {
		return &InvalidTaskError{Reason: "task is nil"}
	}
	if t.targetID == "" {
		return &InvalidTaskError{Reason: "target id is blank"}
	}
	if len(t.workers) == 0 {
		return &InvalidTaskError{Reason: "no workers enabled"}
	}
	if t.overrides.OverallTimeout < 0 || t.overrides.WorkerTimeout < 0 {
		return &InvalidTaskError{Reason: "negative timeout override"}
	}
	for name, d := range t.overrides.WorkerTimeouts {
		if d < 0 {
			return &InvalidTaskError{Reason: fmt.Sprintf("negative timeout for worker %s", name)}
		}
	}
	return nil
}

func (t *Task) ID() string           { return t.id }
func (t *Task) TargetID() string     { return t.targetID }
func (t *Task) CreatedAt() time.Time { return t.createdAt }
func (t *Task) Workers() []string    { return slices.Clone(t.workers) }

// Context returns a copy of the side inputs.
func (t *Task) Context() map[string]any { return maps.Clone(t.context) }

// Overrides returns a copy of the request overrides.
func (t *Task) Overrides() Overrides {
	o := t.overrides
	o.WorkerTimeouts = maps.Clone(o.WorkerTimeouts)
	return o
}

// WorkerTimeout resolves the override for name, if any.
func (t *Task) WorkerTimeout(name string) (time.Duration, bool) {
	if d, ok := t.overrides.WorkerTimeouts[name]; ok && d > 0 {
		return d, true
	}
	if t.overrides.WorkerTimeout > 0 {
		return t.overrides.WorkerTimeout, true
	}
	return 0, false
}
