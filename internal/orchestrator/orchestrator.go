package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nidhogg/nuka-analyst/internal/registry"
	"github.com/nidhogg/nuka-analyst/internal/task"
	"github.com/nidhogg/nuka-analyst/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config sizes the pools and sets default deadlines.
type Config struct {
	PoolSize             int           // concurrent worker invocations
	QueueSize            int           // queued worker invocations
	TaskConcurrency      int           // concurrent Submit calls
	OverallTimeout       time.Duration // dispatch deadline when the task sets none
	DefaultWorkerTimeout time.Duration // when metadata and task set none
	AggregationTimeout   time.Duration
	ListenerTimeout      time.Duration
	BatchConcurrency     int
	Profiles             map[string]task.Profile
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 16
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.TaskConcurrency <= 0 {
		c.TaskConcurrency = 4
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = time.Minute
	}
	if c.DefaultWorkerTimeout <= 0 {
		c.DefaultWorkerTimeout = 30 * time.Second
	}
	if c.AggregationTimeout <= 0 {
		c.AggregationTimeout = 30 * time.Second
	}
	if c.ListenerTimeout <= 0 {
		c.ListenerTimeout = 10 * time.Second
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 4
	}
	profiles := task.DefaultProfiles()
	maps.Copy(profiles, c.Profiles)
	c.Profiles = profiles
}

// OutcomeListener is notified with every finalized outcome. It must
// treat the outcome as read-only.
type OutcomeListener interface {
	OnOutcome(ctx context.Context, out *Outcome) error
}

// Orchestrator runs tasks against the registered workers. Worker
// invocations run on one pool and Submit calls on another, so a task
// waiting for its workers never holds a slot they need.
type Orchestrator struct {
	registry   *registry.Registry
	aggregator worker.Aggregator
	cfg        Config
	monitor    *Monitors
	listeners  []OutcomeListener
	workers    *Pool
	tasks      *Pool
	inflight   atomic.Int64
	logger     *zap.Logger
}

// New creates an orchestrator. The registry must be fully populated
// before the first call.
func New(reg *registry.Registry, agg worker.Aggregator, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if reg == nil {
		return nil, errors.New("orchestrator: nil registry")
	}
	if agg == nil {
		return nil, errors.New("orchestrator: nil aggregator")
	}
	cfg.applyDefaults()
	return &Orchestrator{
		registry:   reg,
		aggregator: agg,
		cfg:        cfg,
		monitor:    NewMonitors(logger),
		workers:    NewPool("workers", cfg.PoolSize, cfg.QueueSize, logger),
		tasks:      NewPool("tasks", cfg.TaskConcurrency, cfg.QueueSize, logger),
		logger:     logger,
	}, nil
}

// AddMonitor registers event sinks. Call before the first task.
func (o *Orchestrator) AddMonitor(m ...Monitor) {
	o.monitor.Add(m...)
}

// AddListener registers outcome listeners. Call before the first task.
func (o *Orchestrator) AddListener(l ...OutcomeListener) {
	o.listeners = append(o.listeners, l...)
}

// Registry returns the worker registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Close stops both pools.
func (o *Orchestrator) Close() {
	o.tasks.Close()
	o.workers.Close()
}

// Submit runs Orchestrate asynchronously on the task pool.
func (o *Orchestrator) Submit(ctx context.Context, t *task.Task) *Future[*Outcome] {
	f := newFuture[*Outcome]()
	go func() {
		err := o.tasks.Submit(ctx, func() {
			f.resolve(o.Orchestrate(ctx, t))
		})
		if err != nil {
			f.resolve(nil, fmt.Errorf("submit task: %w", err))
		}
	}()
	return f
}

// Orchestrate runs one task to completion. The error is non-nil only when
// the task is malformed (InvalidTaskError, RegistryError); every other
// problem is reported as a FAILURE outcome.
func (o *Orchestrator) Orchestrate(ctx context.Context, t *task.Task) (*Outcome, error) {
	if err := o.validate(t); err != nil {
		return nil, err
	}

	start := time.Now()
	o.inflight.Add(1)
	defer o.inflight.Add(-1)

	out := o.runSafely(ctx, t, start)

	o.monitor.OnTaskComplete(t.ID(), out.Duration)
	o.logger.Info("analysis outcome",
		zap.String("task", out.TaskID),
		zap.String("target", out.TargetID),
		zap.String("status", string(out.Status)),
		zap.Float64("success_rate", out.SuccessRate),
		zap.Duration("duration", out.Duration))
	o.notify(ctx, out)
	return out, nil
}

func (o *Orchestrator) validate(t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, name := range t.Workers() {
		if !o.registry.Has(name) {
			return &registry.RegistryError{Name: name, Err: registry.ErrWorkerNotFound}
		}
	}
	return nil
}

// runSafely converts panics escaping run into a FAILURE outcome.
func (o *Orchestrator) runSafely(ctx context.Context, t *task.Task, start time.Time) (out *Outcome) {
	lc := newLifecycle()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestration panicked", zap.String("task", t.ID()), zap.Any("panic", r))
			out = failureOutcome(t, lc, start, fmt.Errorf("internal error: %v", r))
		}
	}()
	o.monitor.OnTaskStart(t.ID(), t.TargetID())
	return o.run(ctx, t, lc, start)
}

// guard runs fn and logs a panic instead of propagating it.
func (o *Orchestrator) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("recovered panic", zap.String("in", what), zap.Any("panic", r))
		}
	}()
	fn()
}

func (o *Orchestrator) run(ctx context.Context, t *task.Task, lc *lifecycle, start time.Time) *Outcome {
	lc.advance(StateValidated)

	order := o.registry.ExecutionOrder(t.Workers())

	overall := o.cfg.OverallTimeout
	if d := t.Overrides().OverallTimeout; d > 0 {
		overall = d
	}
	dctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	lc.advance(StateDispatched)
	results := o.dispatch(dctx, t, order)
	lc.advance(StateAwaiting)

	// caller cancellation ends dispatch early but is not a timeout
	timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if timedOut {
		lc.advance(StateTimedOut)
	} else {
		lc.advance(StateAllComplete)
	}

	valid := make(map[string]any, len(results))
	for name, r := range results {
		if r.OK() {
			valid[name] = r.Payload
		}
	}
	summary := summarize(order, results)

	if len(valid) == 0 {
		out := failureOutcome(t, lc, start, &NoValidResultsError{TargetID: t.TargetID(), Failed: summary.Failures})
		out.Summary = summary
		out.Failures = failures(results)
		out.TimedOut = timedOut
		return out
	}

	lc.advance(StateAggregating)
	advice, err := o.aggregate(ctx, t, valid)
	if err != nil {
		out := failureOutcome(t, lc, start, err)
		out.Summary = summary
		out.Failures = failures(results)
		out.TimedOut = timedOut
		return out
	}

	succeeded := make(map[string]worker.Result, len(valid))
	for name := range valid {
		succeeded[name] = results[name]
	}
	metrics := keyMetrics(succeeded, advice)
	lc.advance(StateSuccess)
	now := time.Now()
	return &Outcome{
		TaskID:      t.ID(),
		TargetID:    t.TargetID(),
		Status:      StatusSuccess,
		Results:     succeeded,
		Failures:    failures(results),
		Advice:      advice,
		KeyMetrics:  metrics,
		Summary:     summary,
		SuccessRate: float64(len(valid)) / float64(len(order)),
		Duration:    now.Sub(start),
		TimedOut:    timedOut,
		States:      lc.path(),
		CreatedAt:   t.CreatedAt(),
		CompletedAt: now,
	}
}

// dispatch starts every worker in order. A worker waits for its requested
// dependencies that precede it in order; because gating only looks
// backwards, the priority fallback for cycles cannot deadlock.
func (o *Orchestrator) dispatch(ctx context.Context, t *task.Task, order []string) map[string]worker.Result {
	position := make(map[string]int, len(order))
	for i, name := range order {
		position[name] = i
	}
	done := make([]chan struct{}, len(order))
	for i := range done {
		done[i] = make(chan struct{})
	}
	results := make([]worker.Result, len(order))

	var g errgroup.Group
	for i, name := range order {
		meta, err := o.registry.MetadataOf(name)
		if err != nil {
			results[i] = worker.Failed(name, err, 0, false)
			close(done[i])
			continue
		}
		var gates []int
		for _, dep := range meta.DependsOn {
			if j, ok := position[dep]; ok && j < i {
				gates = append(gates, j)
			}
		}

		g.Go(func() error {
			defer close(done[i])
			defer func() {
				if r := recover(); r != nil {
					results[i] = worker.Failed(name, fmt.Errorf("internal error: %v", r), 0, false)
				}
			}()
			upstream := make(map[string]any, len(gates))
			for _, j := range gates {
				select {
				case <-done[j]:
				case <-ctx.Done():
					timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
					results[i] = o.record(t, name, worker.Failed(name, &WorkerError{
						Worker: name, TimedOut: timedOut, Err: fmt.Errorf("waiting for %s: %w", order[j], ctx.Err()),
					}, 0, timedOut))
					return nil
				}
				if results[j].OK() {
					upstream[order[j]] = results[j].Payload
				}
			}
			results[i] = o.invoke(ctx, t, name, meta, upstream)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]worker.Result, len(order))
	for i, name := range order {
		out[name] = results[i]
	}
	return out
}

func (o *Orchestrator) workerTimeout(t *task.Task, meta registry.Metadata) time.Duration {
	if d, ok := t.WorkerTimeout(meta.Name); ok {
		return d
	}
	if meta.Timeout > 0 {
		return meta.Timeout
	}
	return o.cfg.DefaultWorkerTimeout
}

// invoke runs one worker on the pool under its own deadline.
func (o *Orchestrator) invoke(ctx context.Context, t *task.Task, name string, meta registry.Metadata, upstream map[string]any) worker.Result {
	w, err := o.registry.Get(name)
	if err != nil {
		return o.record(t, name, worker.Failed(name, err, 0, false))
	}
	o.monitor.OnWorkerStart(t.ID(), name)

	wctx, cancel := context.WithTimeout(ctx, o.workerTimeout(t, meta))
	defer cancel()

	in := worker.Input{Context: t.Context(), Upstream: upstream}
	start := time.Now()

	payload, err := o.submit(wctx, name, func(ctx context.Context) (any, error) {
		return w.Analyze(ctx, t.TargetID(), in)
	})
	elapsed := time.Since(start)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded)
		return o.record(t, name, worker.Failed(name, &WorkerError{Worker: name, TimedOut: timedOut, Err: err}, elapsed, timedOut))
	}
	return o.record(t, name, worker.Success(name, payload, elapsed))
}

// submit runs fn on the worker pool and waits for it or for ctx. A result
// arriving after ctx ended is dropped.
func (o *Orchestrator) submit(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, error) {
	type reply struct {
		payload any
		err     error
	}
	ch := make(chan reply, 1)
	err := o.workers.Submit(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("%s panicked: %v", name, r)}
			}
		}()
		if ctx.Err() != nil {
			ch <- reply{err: ctx.Err()}
			return
		}
		p, err := fn(ctx)
		ch <- reply{payload: p, err: err}
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", name, err)
	}
	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// record updates registry stats, health and monitors for one result.
func (o *Orchestrator) record(t *task.Task, name string, r worker.Result) worker.Result {
	o.registry.RecordCall(name, r.Elapsed, r.OK())
	if r.OK() {
		o.registry.ObserveInvocation(name, true, "")
		o.monitor.OnWorkerComplete(t.ID(), name, time.Now())
		return r
	}
	o.registry.ObserveInvocation(name, false, r.Failure.Message)
	o.monitor.OnWorkerError(t.ID(), name, r.Failure.Message)
	return r
}

func (o *Orchestrator) aggregate(ctx context.Context, t *task.Task, valid map[string]any) (any, error) {
	name := o.aggregator.Name()
	o.monitor.OnWorkerStart(t.ID(), name)

	actx, cancel := context.WithTimeout(ctx, o.cfg.AggregationTimeout)
	defer cancel()

	in := maps.Clone(valid)
	advice, err := o.submit(actx, name, func(ctx context.Context) (any, error) {
		return o.aggregator.Aggregate(ctx, t.TargetID(), in)
	})
	if err != nil {
		o.monitor.OnWorkerError(t.ID(), name, err.Error())
		return nil, &AggregationError{Aggregator: name, Err: err}
	}
	o.monitor.OnWorkerComplete(t.ID(), name, time.Now())
	return advice, nil
}

func (o *Orchestrator) notify(ctx context.Context, out *Outcome) {
	if len(o.listeners) == 0 {
		return
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ListenerTimeout)
	defer cancel()
	for _, l := range o.listeners {
		o.guard("listener", func() {
			if err := l.OnOutcome(lctx, out); err != nil {
				o.logger.Warn("outcome listener failed", zap.String("task", out.TaskID), zap.Error(err))
			}
		})
	}
}

func summarize(order []string, results map[string]worker.Result) Summary {
	s := Summary{Total: len(order), Success: []string{}, Failures: []string{}}
	for _, name := range order {
		if results[name].OK() {
			s.Success = append(s.Success, name)
		} else {
			s.Failures = append(s.Failures, name)
		}
	}
	sort.Strings(s.Success)
	sort.Strings(s.Failures)
	s.Succeeded = len(s.Success)
	s.Failed = len(s.Failures)
	return s
}

func failures(results map[string]worker.Result) map[string]*worker.Failure {
	out := make(map[string]*worker.Failure)
	for name, r := range results {
		if !r.OK() && r.Failure != nil {
			out[name] = r.Failure
		}
	}
	return out
}

func keyMetrics(results map[string]worker.Result, advice any) map[string]any {
	m := make(map[string]any, len(results)+1)
	for name, r := range results {
		if s, ok := r.Payload.(worker.Summarizer); ok {
			m[name] = s.Summary()
		}
	}
	if s, ok := advice.(worker.Summarizer); ok {
		m["advice"] = s.Summary()
	}
	return m
}

func failureOutcome(t *task.Task, lc *lifecycle, start time.Time, err error) *Outcome {
	lc.fail()
	now := time.Now()
	return &Outcome{
		TaskID:      t.ID(),
		TargetID:    t.TargetID(),
		Status:      StatusFailure,
		Results:     map[string]worker.Result{},
		Summary:     Summary{Total: len(t.Workers()), Success: []string{}, Failures: []string{}},
		Duration:    now.Sub(start),
		Error:       err.Error(),
		States:      lc.path(),
		CreatedAt:   t.CreatedAt(),
		CompletedAt: now,
	}
}
