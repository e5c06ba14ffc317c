package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/nuka-analyst/internal/task"
	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// startRedis starts a Redis testcontainer and returns its URL.
func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func TestEventBusPublishesLifecycle(t *testing.T) {
	bus, err := NewEventBus(startRedis(t), zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer bus.Close()

	o, _ := newTestOrchestrator(t, &recordingAggregator{advice: "BUY"}, Config{}, named("fundamental", returns("F")))
	o.AddMonitor(bus)
	o.AddListener(bus)

	out, err := o.Orchestrate(context.Background(), task.New("000001", []string{"fundamental"}))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var types []EventType
	events := bus.Replay(ctx, EventsStream)
	for len(types) < 6 {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("stream closed after %v", types)
			}
			if ev.TaskID == out.TaskID {
				types = append(types, ev.Type)
			}
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", types)
		}
	}
	if types[0] != EventTaskStart || types[len(types)-1] != EventTaskComplete {
		t.Errorf("event order = %v", types)
	}

	select {
	case ev := <-bus.Replay(ctx, OutcomesStream):
		if ev == nil || ev.Type != EventOutcome || ev.TaskID != out.TaskID || len(ev.Outcome) == 0 {
			t.Errorf("outcome event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no outcome event")
	}
}

func TestEventBusMonitorCallsDoNotBlock(t *testing.T) {
	// nothing listens on port 1, so every publish fails
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	bus := newEventBus(rdb, 1, zap.NewNop())

	start := time.Now()
	for i := 0; i < 1000; i++ {
		bus.OnWorkerStart("t1", "fundamental")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("monitor calls took %v", elapsed)
	}
	if bus.Dropped() == 0 {
		t.Error("expected events to be dropped with a full queue")
	}

	bus.Close()
	bus.OnTaskComplete("t1", time.Second)
}
