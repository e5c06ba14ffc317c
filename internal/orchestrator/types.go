package orchestrator

import (
	"fmt"
	"time"

	"github.com/nidhogg/nuka-analyst/internal/worker"
)

// State is a step of one orchestration call.
type State string

const (
	StateCreated     State = "CREATED"
	StateValidated   State = "VALIDATED"
	StateDispatched  State = "DISPATCHED"
	StateAwaiting    State = "AWAITING"
	StateTimedOut    State = "TIMED_OUT"
	StateAllComplete State = "ALL_COMPLETE"
	StateAggregating State = "AGGREGATING"
	StateSuccess     State = "SUCCESS"
	StateFailure     State = "FAILURE"
)

// validTransitions defines the allowed state transitions. FAILURE is
// reachable from every non-terminal state.
var validTransitions = map[State][]State{
	StateCreated:     {StateValidated, StateFailure},
	StateValidated:   {StateDispatched, StateFailure},
	StateDispatched:  {StateAwaiting, StateFailure},
	StateAwaiting:    {StateTimedOut, StateAllComplete, StateFailure},
	StateTimedOut:    {StateAggregating, StateFailure},
	StateAllComplete: {StateAggregating, StateFailure},
	StateAggregating: {StateSuccess, StateFailure},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to State) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// lifecycle tracks the states visited by one call.
type lifecycle struct {
	states []State
}

func newLifecycle() *lifecycle {
	return &lifecycle{states: []State{StateCreated}}
}

func (l *lifecycle) current() State { return l.states[len(l.states)-1] }

func (l *lifecycle) advance(to State) {
	if err := Transition(l.current(), to); err != nil {
		panic(err)
	}
	l.states = append(l.states, to)
}

// fail moves to FAILURE unless the call already ended.
func (l *lifecycle) fail() {
	switch l.current() {
	case StateSuccess, StateFailure:
		return
	}
	l.states = append(l.states, StateFailure)
}

func (l *lifecycle) path() []State {
	return append([]State(nil), l.states...)
}

// Status is the final status of an outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Summary counts succeeded and failed workers.
type Summary struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Success   []string `json:"success"`
	Failures  []string `json:"failures"`
}

// Outcome is the record of one orchestration call. It must not be
// modified after Orchestrate returns it.
type Outcome struct {
	TaskID      string                     `json:"task_id"`
	TargetID    string                     `json:"target_id"`
	Status      Status                     `json:"status"`
	Results     map[string]worker.Result   `json:"results"`
	Failures    map[string]*worker.Failure `json:"failures,omitempty"`
	Advice      any                        `json:"advice,omitempty"`
	KeyMetrics  map[string]any             `json:"key_metrics,omitempty"`
	Summary     Summary                    `json:"summary"`
	SuccessRate float64                    `json:"success_rate"`
	Duration    time.Duration              `json:"duration"`
	TimedOut    bool                       `json:"timed_out,omitempty"`
	Error       string                     `json:"error,omitempty"`
	States      []State                    `json:"states"`
	CreatedAt   time.Time                  `json:"created_at"`
	CompletedAt time.Time                  `json:"completed_at"`
}

// Succeeded reports whether the outcome is SUCCESS.
func (o *Outcome) Succeeded() bool { return o != nil && o.Status == StatusSuccess }
