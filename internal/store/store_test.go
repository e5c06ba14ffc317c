package store

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-analyst/internal/orchestrator"
	"github.com/nidhogg/nuka-analyst/internal/registry"
	"github.com/nidhogg/nuka-analyst/internal/worker"
)

var testStore *Store

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("nuka_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	dsn, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres unavailable, store tests skipped: %v\n", err)
		os.Exit(m.Run())
	}

	s, err := New(ctx, dsn, zap.NewNop())
	if err == nil {
		err = s.Migrate(ctx, "../../migrations")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "store setup: %v\n", err)
		cleanup()
		os.Exit(1)
	}
	testStore = s

	code := m.Run()
	s.Close()
	cleanup()
	os.Exit(code)
}

func requireStore(t *testing.T) *Store {
	t.Helper()
	if testStore == nil {
		t.Skip("postgres not available")
	}
	return testStore
}

func sampleOutcome(taskID, target string, completed time.Time) *orchestrator.Outcome {
	return &orchestrator.Outcome{
		TaskID:   taskID,
		TargetID: target,
		Status:   orchestrator.StatusSuccess,
		Results: map[string]worker.Result{
			"fundamental": worker.Success("fundamental", map[string]any{"signal": "BUY"}, 120*time.Millisecond),
		},
		Failures: map[string]*worker.Failure{
			"news": {Worker: "news", Message: "feed down", Timestamp: completed, TimedOut: true},
		},
		Advice:      map[string]any{"signal": "BUY", "confidence": 0.8},
		KeyMetrics:  map[string]any{"fundamental": "BUY (0.80)"},
		Summary:     orchestrator.Summary{Total: 2, Succeeded: 1, Failed: 1, Success: []string{"fundamental"}, Failures: []string{"news"}},
		SuccessRate: 0.5,
		Duration:    1500 * time.Millisecond,
		States:      []orchestrator.State{orchestrator.StateCreated, orchestrator.StateSuccess},
		CreatedAt:   completed.Add(-2 * time.Second),
		CompletedAt: completed,
	}
}

func TestSaveAndGetRun(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	out := sampleOutcome("task-get-1", "000001", now)
	if err := s.OnOutcome(ctx, out); err != nil {
		t.Fatalf("save: %v", err)
	}
	// saving twice replaces the rows
	if err := s.SaveOutcome(ctx, out); err != nil {
		t.Fatalf("resave: %v", err)
	}

	run, err := s.GetRun(ctx, "task-get-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Status != orchestrator.StatusSuccess || run.SuccessRate != 0.5 || run.Duration != 1500*time.Millisecond {
		t.Errorf("run = %+v", run)
	}
	if run.Summary.Succeeded != 1 || len(run.States) != 2 || run.KeyMetrics["fundamental"] != "BUY (0.80)" {
		t.Errorf("run details = %+v", run)
	}
	var advice map[string]any
	if err := json.Unmarshal(run.Advice, &advice); err != nil || advice["signal"] != "BUY" {
		t.Errorf("advice = %s (%v)", run.Advice, err)
	}
	if len(run.Results) != 2 {
		t.Fatalf("results = %+v", run.Results)
	}
	if r := run.Results[0]; r.Worker != "fundamental" || r.Kind != worker.KindSuccess || r.Elapsed != 120*time.Millisecond {
		t.Errorf("fundamental = %+v", r)
	}
	if r := run.Results[1]; r.Worker != "news" || r.Kind != worker.KindFailure || !r.TimedOut || r.Message != "feed down" {
		t.Errorf("news = %+v", r)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := requireStore(t)
	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 3; i++ {
		out := sampleOutcome(fmt.Sprintf("task-list-%d", i), "600519", base.Add(time.Duration(i)*time.Minute))
		if err := s.SaveOutcome(ctx, out); err != nil {
			t.Fatal(err)
		}
	}
	failed := &orchestrator.Outcome{
		TaskID: "task-list-fail", TargetID: "600519", Status: orchestrator.StatusFailure,
		Error: "no valid results for 600519", CreatedAt: base, CompletedAt: base.Add(time.Hour),
		Summary: orchestrator.Summary{Total: 1, Failed: 1, Failures: []string{"news"}},
	}
	if err := s.SaveOutcome(ctx, failed); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(ctx, "600519", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs", len(runs))
	}
	if runs[0].TaskID != "task-list-fail" || runs[0].Advice != nil || runs[0].Error == "" {
		t.Errorf("first = %+v", runs[0])
	}
	if runs[1].TaskID != "task-list-2" || runs[2].TaskID != "task-list-1" {
		t.Errorf("order = %s, %s", runs[1].TaskID, runs[2].TaskID)
	}
}

func TestWorkerSnapshots(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()

	reg := registry.New(zap.NewNop())
	noop := worker.WorkerFunc(func(ctx context.Context, targetID string, in worker.Input) (any, error) { return nil, nil })
	reg.Register(registry.Metadata{Name: "fundamental", Priority: 5}, noop)
	reg.Register(registry.Metadata{Name: "risk", DependsOn: []string{"fundamental"}}, noop)
	reg.RecordCall("fundamental", 40*time.Millisecond, true)
	reg.RecordCall("fundamental", 60*time.Millisecond, false)
	reg.ObserveInvocation("fundamental", false, "503")

	if err := s.SaveSnapshots(ctx, reg.Snapshots()); err != nil {
		t.Fatalf("save: %v", err)
	}
	rows, err := s.ListSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) < 2 {
		t.Fatalf("rows = %+v", rows)
	}
	var f, r *WorkerRow
	for i := range rows {
		switch rows[i].Name {
		case "fundamental":
			f = &rows[i]
		case "risk":
			r = &rows[i]
		}
	}
	if f == nil || f.TotalCalls != 2 || f.FailedCalls != 1 || f.AvgMs != 50 || f.Priority != 5 || f.LastCall == nil {
		t.Errorf("fundamental = %+v", f)
	}
	if f != nil && (f.ConsecutiveFailures != 1 || f.HealthMessage != "503") {
		t.Errorf("fundamental health = %+v", f)
	}
	if r == nil || len(r.DependsOn) != 1 || r.LastCall != nil || r.Health != registry.HealthHealthy {
		t.Errorf("risk = %+v", r)
	}
}
