package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-analyst/internal/worker"
	"go.uber.org/zap"
)

func nopWorker() worker.Worker {
	return worker.WorkerFunc(func(ctx context.Context, targetID string, in worker.Input) (any, error) {
		return targetID, nil
	})
}

func mustRegister(t *testing.T, r *Registry, meta Metadata) {
	t.Helper()
	if err := r.Register(meta, nopWorker()); err != nil {
		t.Fatalf("register %s: %v", meta.Name, err)
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(zap.NewNop())
	mustRegister(t, r, Metadata{Name: "fundamental", Priority: 5, Timeout: time.Second})
	mustRegister(t, r, Metadata{Name: "advisor", Category: CategoryExecutor})

	if _, err := r.Get("fundamental"); err != nil {
		t.Fatalf("get: %v", err)
	}
	meta, err := r.MetadataOf("fundamental")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Category != CategoryAnalyst {
		t.Errorf("default category = %q, want analyst", meta.Category)
	}
	if meta.CreatedAt.IsZero() {
		t.Error("expected creation timestamp")
	}

	_, err = r.Get("missing")
	if !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
	var regErr *RegistryError
	if !errors.As(err, &regErr) || regErr.Name != "missing" {
		t.Fatalf("expected RegistryError for missing, got %v", err)
	}

	if got := r.ByCategory(CategoryExecutor); len(got) != 1 || got[0] != "advisor" {
		t.Errorf("executors = %v", got)
	}
	if r.Len() != 2 {
		t.Errorf("len = %d, want 2", r.Len())
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New(zap.NewNop())
	mustRegister(t, r, Metadata{Name: "technical"})

	err := r.Register(Metadata{Name: "technical", Priority: 9}, nopWorker())
	var dup *DuplicateWorkerError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateWorkerError, got %v", err)
	}
	meta, _ := r.MetadataOf("technical")
	if meta.Priority != 0 {
		t.Errorf("duplicate registration overwrote metadata: priority %d", meta.Priority)
	}
}

func TestRegisterRejectsSelfDependency(t *testing.T) {
	r := New(zap.NewNop())
	err := r.Register(Metadata{Name: "risk", DependsOn: []string{"risk"}}, nopWorker())
	if !errors.Is(err, ErrSelfDependency) {
		t.Fatalf("expected ErrSelfDependency, got %v", err)
	}
	if r.Has("risk") {
		t.Error("self-dependent worker was registered")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	r := New(zap.NewNop())
	deps := []string{"a"}
	mustRegister(t, r, Metadata{Name: "b", DependsOn: deps})
	deps[0] = "mutated"

	meta, _ := r.MetadataOf("b")
	meta.DependsOn[0] = "also-mutated"

	again, _ := r.MetadataOf("b")
	if again.DependsOn[0] != "a" {
		t.Errorf("metadata leaked mutation: %v", again.DependsOn)
	}
}

func TestRecordCallStats(t *testing.T) {
	r := New(zap.NewNop())
	mustRegister(t, r, Metadata{Name: "news"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.RecordCall("news", time.Duration(i+1)*time.Millisecond, i%4 != 0)
		}(i)
	}
	wg.Wait()

	st, err := r.StatsOf("news")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalCalls != 100 || st.FailedCalls != 25 || st.SuccessCalls != 75 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if st.MinTime != time.Millisecond || st.MaxTime != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", st.MinTime, st.MaxTime)
	}
	if st.LastCall == nil {
		t.Error("expected last call timestamp")
	}
	if got := st.SuccessRate(); got != 0.75 {
		t.Errorf("success rate = %v, want 0.75", got)
	}

	// unknown worker is ignored
	r.RecordCall("nobody", time.Second, true)
}

func TestHealthTransitions(t *testing.T) {
	r := New(zap.NewNop(), WithHealthThresholds(2, 3))
	mustRegister(t, r, Metadata{Name: "sentiment"})

	h, _ := r.HealthOf("sentiment")
	if h.Status != HealthHealthy {
		t.Fatalf("initial health = %s", h.Status)
	}

	r.ObserveInvocation("sentiment", false, "timeout")
	h, _ = r.HealthOf("sentiment")
	if h.Status != HealthHealthy || h.ConsecutiveFailures != 1 {
		t.Fatalf("after 1 failure: %+v", h)
	}

	r.ObserveInvocation("sentiment", false, "timeout")
	h, _ = r.HealthOf("sentiment")
	if h.Status != HealthDegraded {
		t.Fatalf("after 2 failures: %+v", h)
	}

	r.ObserveInvocation("sentiment", false, "timeout")
	h, _ = r.HealthOf("sentiment")
	if h.Status != HealthUnhealthy {
		t.Fatalf("after 3 failures: %+v", h)
	}
	if got := r.HealthyAgents(); len(got) != 0 {
		t.Errorf("healthy = %v, want none", got)
	}

	r.ObserveInvocation("sentiment", true, "")
	h, _ = r.HealthOf("sentiment")
	if h.Status != HealthHealthy || h.ConsecutiveFailures != 0 {
		t.Fatalf("after recovery: %+v", h)
	}

	if err := r.UpdateHealth("sentiment", HealthDegraded, "manual"); err != nil {
		t.Fatalf("update health: %v", err)
	}
	h, _ = r.HealthOf("sentiment")
	if h.Status != HealthDegraded || h.Message != "manual" {
		t.Errorf("after update: %+v", h)
	}
	if err := r.UpdateHealth("ghost", HealthHealthy, ""); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRegistryStatus(t *testing.T) {
	r := New(zap.NewNop())
	mustRegister(t, r, Metadata{Name: "a"})
	mustRegister(t, r, Metadata{Name: "b"})
	mustRegister(t, r, Metadata{Name: "c"})

	r.RecordCall("a", time.Millisecond, true)
	r.RecordCall("a", time.Millisecond, true)
	r.RecordCall("b", time.Millisecond, false)
	r.UpdateHealth("c", HealthUnhealthy, "down")

	st := r.Status()
	if st.TotalWorkers != 3 || st.HealthyWorkers != 2 || st.TotalCalls != 3 {
		t.Fatalf("unexpected status: %+v", st)
	}
	// a=1.0, b=0.0, c never called
	if st.AverageSuccessRate != 0.5 {
		t.Errorf("average success rate = %v, want 0.5", st.AverageSuccessRate)
	}

	snaps := r.Snapshots()
	if len(snaps) != 3 || snaps[0].Metadata.Name != "a" {
		t.Errorf("snapshots = %+v", snaps)
	}
	if snaps[0].Stats.TotalCalls != 2 {
		t.Errorf("a calls = %d", snaps[0].Stats.TotalCalls)
	}
}
