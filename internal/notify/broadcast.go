package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/nuka-analyst/internal/orchestrator"
	"go.uber.org/zap"
)

// Record tracks a sent notification for history.
type Record struct {
	Message *Message  `json:"message"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
	Failed  []string  `json:"failed,omitempty"`
}

// Broadcaster fans outcomes out to every notifier. It is an
// orchestrator.OutcomeListener.
type Broadcaster struct {
	notifiers []Notifier
	// FailuresOnly suppresses notifications for SUCCESS outcomes.
	FailuresOnly bool
	maxHistory   int

	mu      sync.Mutex
	history []Record
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster over the given notifiers.
func NewBroadcaster(logger *zap.Logger, notifiers ...Notifier) *Broadcaster {
	return &Broadcaster{
		notifiers:  notifiers,
		maxHistory: 100,
		logger:     logger,
	}
}

// Len returns the number of notifiers.
func (b *Broadcaster) Len() int { return len(b.notifiers) }

// OnOutcome implements orchestrator.OutcomeListener.
func (b *Broadcaster) OnOutcome(ctx context.Context, out *orchestrator.Outcome) error {
	if b.FailuresOnly && out.Succeeded() {
		return nil
	}
	return b.Send(ctx, Format(out))
}

// Send delivers msg to every notifier. One failing platform does not
// stop the others.
func (b *Broadcaster) Send(ctx context.Context, msg *Message) error {
	if len(b.notifiers) == 0 {
		return nil
	}
	rec := Record{Message: msg, SentAt: time.Now()}
	var errs []error
	for _, n := range b.notifiers {
		rec.Targets = append(rec.Targets, n.Platform())
		if err := n.Notify(ctx, msg); err != nil {
			b.logger.Warn("notify failed",
				zap.String("platform", n.Platform()),
				zap.String("task", msg.TaskID),
				zap.Error(err))
			rec.Failed = append(rec.Failed, n.Platform())
			errs = append(errs, fmt.Errorf("%s: %w", n.Platform(), err))
		}
	}

	b.mu.Lock()
	b.history = append(b.history, rec)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	b.mu.Unlock()

	return errors.Join(errs...)
}

// History returns up to limit recent records, oldest first.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Record(nil), b.history[len(b.history)-limit:]...)
}

// Close closes every notifier.
func (b *Broadcaster) Close() error {
	var errs []error
	for _, n := range b.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
