package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType names a lifecycle event on the bus.
type EventType string

const (
	EventTaskStart      EventType = "task_start"
	EventTaskComplete   EventType = "task_complete"
	EventWorkerStart    EventType = "worker_start"
	EventWorkerComplete EventType = "worker_complete"
	EventWorkerError    EventType = "worker_error"
	EventOutcome        EventType = "outcome"
)

// Event is one message on the bus.
type Event struct {
	Type      EventType       `json:"type"`
	TaskID    string          `json:"task_id"`
	TargetID  string          `json:"target_id,omitempty"`
	Worker    string          `json:"worker,omitempty"`
	Message   string          `json:"message,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
	Outcome   json.RawMessage `json:"outcome,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	// EventsStream carries task and worker lifecycle events.
	EventsStream = "nuka:analyst:events"
	// OutcomesStream carries finalized outcomes.
	OutcomesStream = "nuka:analyst:outcomes"
)

// EventBus publishes lifecycle events and outcomes to Redis Streams. It
// is both a Monitor and an OutcomeListener. Monitor events are queued and
// written by a background goroutine; when the queue is full they are
// dropped.
type EventBus struct {
	rdb            *redis.Client
	maxLen         int64
	publishTimeout time.Duration
	events         chan *Event
	dropped        atomic.Int64
	closed         chan struct{}
	closeOnce      sync.Once
	wg             sync.WaitGroup
	logger         *zap.Logger
}

// NewEventBus connects to Redis and verifies the connection.
func NewEventBus(redisURL string, logger *zap.Logger) (*EventBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newEventBus(rdb, 1024, logger), nil
}

func newEventBus(rdb *redis.Client, queueSize int, logger *zap.Logger) *EventBus {
	b := &EventBus{
		rdb:            rdb,
		maxLen:         10000,
		publishTimeout: 2 * time.Second,
		events:         make(chan *Event, queueSize),
		closed:         make(chan struct{}),
		logger:         logger,
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

func (b *EventBus) loop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.events:
			b.publishEvent(ev)
		case <-b.closed:
			for {
				select {
				case ev := <-b.events:
					b.publishEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *EventBus) publishEvent(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.publishTimeout)
	defer cancel()
	if err := b.Publish(ctx, EventsStream, ev); err != nil {
		b.logger.Warn("event publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Publish appends an event to stream.
func (b *EventBus) Publish(ctx context.Context, stream string, ev *Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": string(ev.Type),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	b.logger.Debug("published event",
		zap.String("stream", stream),
		zap.String("type", string(ev.Type)),
		zap.String("task", ev.TaskID))
	return nil
}

// emit queues a monitor event without blocking the caller.
func (b *EventBus) emit(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case <-b.closed:
		return
	default:
	}
	select {
	case b.events <- ev:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("event queue full, dropping events",
				zap.String("type", string(ev.Type)),
				zap.Int64("dropped", n))
		}
	}
}

// Dropped returns the number of monitor events discarded because the
// queue was full.
func (b *EventBus) Dropped() int64 { return b.dropped.Load() }

func (b *EventBus) OnTaskStart(taskID, targetID string) {
	b.emit(&Event{Type: EventTaskStart, TaskID: taskID, TargetID: targetID})
}

func (b *EventBus) OnTaskComplete(taskID string, d time.Duration) {
	b.emit(&Event{Type: EventTaskComplete, TaskID: taskID, Duration: d})
}

func (b *EventBus) OnWorkerStart(taskID, workerName string) {
	b.emit(&Event{Type: EventWorkerStart, TaskID: taskID, Worker: workerName})
}

func (b *EventBus) OnWorkerComplete(taskID, workerName string, at time.Time) {
	b.emit(&Event{Type: EventWorkerComplete, TaskID: taskID, Worker: workerName, Timestamp: at})
}

func (b *EventBus) OnWorkerError(taskID, workerName, message string) {
	b.emit(&Event{Type: EventWorkerError, TaskID: taskID, Worker: workerName, Message: message})
}

// OnOutcome publishes the finalized outcome.
func (b *EventBus) OnOutcome(ctx context.Context, out *Outcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	return b.Publish(ctx, OutcomesStream, &Event{
		Type:     EventOutcome,
		TaskID:   out.TaskID,
		TargetID: out.TargetID,
		Message:  out.Error,
		Duration: out.Duration,
		Outcome:  data,
	})
}

// Subscribe reads new events from stream until ctx is cancelled.
func (b *EventBus) Subscribe(ctx context.Context, stream string) <-chan *Event {
	return b.subscribe(ctx, stream, "$")
}

// Replay reads stream from the beginning, then follows new events.
func (b *EventBus) Replay(ctx context.Context, stream string) <-chan *Event {
	return b.subscribe(ctx, stream, "0")
}

func (b *EventBus) subscribe(ctx context.Context, stream, lastID string) <-chan *Event {
	ch := make(chan *Event, 16)

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Debug("stream read failed", zap.String("stream", stream), zap.Error(err))
					select {
					case <-time.After(500 * time.Millisecond):
					case <-ctx.Done():
						return
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close publishes the queued events, then shuts down the Redis
// connection.
func (b *EventBus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	b.wg.Wait()
	return b.rdb.Close()
}
