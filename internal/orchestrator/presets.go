package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/nuka-analyst/internal/registry"
	"github.com/nidhogg/nuka-analyst/internal/task"
	"golang.org/x/sync/errgroup"
)

// ProfileTask builds a task from a named profile. Profile workers that
// are not registered are skipped; an empty profile means every analyst.
func (o *Orchestrator) ProfileTask(profile, targetID string, opts ...task.Option) (*task.Task, error) {
	p, ok := o.cfg.Profiles[profile]
	if !ok {
		return nil, &InvalidTaskError{Reason: fmt.Sprintf("unknown profile %q", profile)}
	}
	var workers []string
	for _, w := range p.Workers {
		if o.registry.Has(w) {
			workers = append(workers, w)
		}
	}
	if len(p.Workers) == 0 {
		workers = o.registry.ByCategory(registry.CategoryAnalyst)
	}
	p.Workers = workers
	return p.Task(targetID, nil, opts...), nil
}

func (o *Orchestrator) submitProfile(ctx context.Context, profile, targetID string) *Future[*Outcome] {
	t, err := o.ProfileTask(profile, targetID)
	if err != nil {
		f := newFuture[*Outcome]()
		f.resolve(nil, err)
		return f
	}
	return o.Submit(ctx, t)
}

// Quick runs the quick profile.
func (o *Orchestrator) Quick(ctx context.Context, targetID string) *Future[*Outcome] {
	return o.submitProfile(ctx, task.ProfileQuick, targetID)
}

// Deep runs the deep profile.
func (o *Orchestrator) Deep(ctx context.Context, targetID string) *Future[*Outcome] {
	return o.submitProfile(ctx, task.ProfileDeep, targetID)
}

// Realtime runs the realtime profile.
func (o *Orchestrator) Realtime(ctx context.Context, targetID string) *Future[*Outcome] {
	return o.submitProfile(ctx, task.ProfileRealtime, targetID)
}

// Custom runs an explicit set of workers with side inputs.
func (o *Orchestrator) Custom(ctx context.Context, targetID string, workers []string, values map[string]any, opts ...task.Option) *Future[*Outcome] {
	opts = append([]task.Option{task.WithContext(values)}, opts...)
	return o.Submit(ctx, task.New(targetID, workers, opts...))
}

// Batch runs the profile for every target. A target whose task is
// invalid gets a FAILURE outcome instead of failing the batch. Targets
// run concurrently with no ordering guarantee.
func (o *Orchestrator) Batch(ctx context.Context, targetIDs []string, profile string) *Future[map[string]*Outcome] {
	f := newFuture[map[string]*Outcome]()
	go func() {
		f.resolve(o.RunBatch(ctx, targetIDs, profile), nil)
	}()
	return f
}

// RunBatch is the synchronous form of Batch.
func (o *Orchestrator) RunBatch(ctx context.Context, targetIDs []string, profile string) map[string]*Outcome {
	out := make(map[string]*Outcome, len(targetIDs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.cfg.BatchConcurrency)
	seen := make(map[string]bool, len(targetIDs))
	for _, target := range targetIDs {
		if seen[target] {
			continue
		}
		seen[target] = true
		g.Go(func() error {
			res := o.runOne(ctx, profile, target)
			mu.Lock()
			out[target] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) runOne(ctx context.Context, profile, target string) *Outcome {
	t, err := o.ProfileTask(profile, target)
	if err == nil {
		var res *Outcome
		res, err = o.Orchestrate(ctx, t)
		if err == nil {
			return res
		}
	}
	if t == nil {
		t = task.New(target, nil)
	}
	return failureOutcome(t, newLifecycle(), t.CreatedAt(), err)
}

// StatusReport is a point-in-time view of the orchestrator.
type StatusReport struct {
	ActiveInvocations int64                            `json:"active_invocations"`
	QueueDepth        int                              `json:"queue_depth"`
	CompletedCount    int64                            `json:"completed_count"`
	InflightTasks     int64                            `json:"inflight_tasks"`
	TasksCompleted    int64                            `json:"tasks_completed"`
	RegisteredWorkers int                              `json:"registered_workers"`
	Registry          registry.Status                  `json:"registry"`
	Health            map[string]registry.HealthStatus `json:"health"`
}

// Status reports pool and registry counters.
func (o *Orchestrator) Status() StatusReport {
	health := make(map[string]registry.HealthStatus)
	for _, s := range o.registry.Snapshots() {
		health[s.Metadata.Name] = s.Health.Status
	}
	return StatusReport{
		ActiveInvocations: o.workers.Active(),
		QueueDepth:        o.workers.QueueDepth() + o.tasks.QueueDepth(),
		CompletedCount:    o.workers.Completed(),
		InflightTasks:     o.inflight.Load(),
		TasksCompleted:    o.tasks.Completed(),
		RegisteredWorkers: o.registry.Len(),
		Registry:          o.registry.Status(),
		Health:            health,
	}
}
