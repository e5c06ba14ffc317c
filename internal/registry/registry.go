package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/nuka-analyst/internal/worker"
	"go.uber.org/zap"
)

// ErrWorkerNotFound is returned when a worker name is not registered.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrSelfDependency is returned when a worker lists itself as a dependency.
var ErrSelfDependency = errors.New("worker depends on itself")

// RegistryError reports a lookup or registration problem for one worker.
type RegistryError struct {
	Name string
	Err  error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry: worker %q: %v", e.Name, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// DuplicateWorkerError is returned when a name is registered twice.
type DuplicateWorkerError struct {
	Name string
}

func (e *DuplicateWorkerError) Error() string {
	return fmt.Sprintf("registry: worker %q already registered", e.Name)
}

type entry struct {
	meta   Metadata
	handle worker.Worker
	stats  *Stats
	health healthState
}

// Registry holds every worker known to the process. The map itself is
// guarded by mu and only changes during Register; per-worker stats and
// health carry their own synchronization.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*entry
	degradedAfter  int
	unhealthyAfter int
	logger         *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithHealthThresholds sets how many consecutive failures move a worker
// to DEGRADED and UNHEALTHY.
func WithHealthThresholds(degradedAfter, unhealthyAfter int) Option {
	return func(r *Registry) {
		if degradedAfter > 0 {
			r.degradedAfter = degradedAfter
		}
		if unhealthyAfter >= r.degradedAfter {
			r.unhealthyAfter = unhealthyAfter
		}
	}
}

// New creates an empty registry.
func New(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:        make(map[string]*entry),
		degradedAfter:  3,
		unhealthyAfter: 5,
		logger:         logger,
	}
	for _, o := range opts {
		o(r)
	}
	if r.unhealthyAfter < r.degradedAfter {
		r.unhealthyAfter = r.degradedAfter
	}
	return r
}

// Register adds a worker. Names are unique: a second registration of the
// same name fails with DuplicateWorkerError.
func (r *Registry) Register(meta Metadata, w worker.Worker) error {
	if meta.Name == "" {
		return &RegistryError{Name: meta.Name, Err: errors.New("empty name")}
	}
	if w == nil {
		return &RegistryError{Name: meta.Name, Err: errors.New("nil worker")}
	}
	if meta.DependsOnWorker(meta.Name) {
		return &RegistryError{Name: meta.Name, Err: ErrSelfDependency}
	}
	if meta.Category == "" {
		meta.Category = CategoryAnalyst
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[meta.Name]; exists {
		return &DuplicateWorkerError{Name: meta.Name}
	}
	e := &entry{meta: meta.clone(), handle: w, stats: newStats()}
	e.health.set(HealthHealthy, "registered")
	r.entries[meta.Name] = e

	r.logger.Info("registered worker",
		zap.String("name", meta.Name),
		zap.String("category", string(meta.Category)),
		zap.Int("priority", meta.Priority),
		zap.Strings("depends_on", meta.DependsOn))
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &RegistryError{Name: name, Err: ErrWorkerNotFound}
	}
	return e, nil
}

// Get returns the worker registered under name.
func (r *Registry) Get(name string) (worker.Worker, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.handle, nil
}

// MetadataOf returns a copy of the worker's metadata.
func (r *Registry) MetadataOf(name string) (Metadata, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Metadata{}, err
	}
	return e.meta.clone(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ByCategory returns the sorted names of workers in a category.
func (r *Registry) ByCategory(c Category) []string {
	r.mu.RLock()
	var names []string
	for n, e := range r.entries {
		if e.meta.Category == c {
			names = append(names, n)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// RecordCall adds one invocation to the worker's stats. Unknown names are ignored.
func (r *Registry) RecordCall(name string, d time.Duration, ok bool) {
	e, err := r.lookup(name)
	if err != nil {
		return
	}
	e.stats.record(d, ok)
}

// UpdateHealth sets a worker's health explicitly.
func (r *Registry) UpdateHealth(name string, status HealthStatus, msg string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	prev := e.health.set(status, msg)
	r.logTransition(name, prev, status, msg)
	return nil
}

// ObserveInvocation moves a worker's health according to one invocation
// outcome: success restores HEALTHY, consecutive failures degrade it.
func (r *Registry) ObserveInvocation(name string, ok bool, msg string) {
	e, err := r.lookup(name)
	if err != nil {
		return
	}
	prev, cur := e.health.observe(ok, msg, r.degradedAfter, r.unhealthyAfter)
	r.logTransition(name, prev, cur, msg)
}

func (r *Registry) logTransition(name string, prev, cur HealthStatus, msg string) {
	if prev == cur {
		return
	}
	if cur != HealthHealthy {
		r.logger.Warn("worker health changed",
			zap.String("worker", name),
			zap.String("from", string(prev)),
			zap.String("to", string(cur)),
			zap.String("message", msg))
		return
	}
	r.logger.Info("worker recovered", zap.String("worker", name), zap.String("from", string(prev)))
}

// HealthOf returns the worker's current health.
func (r *Registry) HealthOf(name string) (Health, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Health{}, err
	}
	return e.health.get(), nil
}

// StatsOf returns a snapshot of the worker's stats.
func (r *Registry) StatsOf(name string) (StatsSnapshot, error) {
	e, err := r.lookup(name)
	if err != nil {
		return StatsSnapshot{}, err
	}
	return e.stats.snapshot(), nil
}

// HealthyAgents returns the sorted names of HEALTHY workers.
func (r *Registry) HealthyAgents() []string {
	var names []string
	for _, e := range r.all() {
		if e.health.get().Status == HealthHealthy {
			names = append(names, e.meta.Name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Registry) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Status is a point-in-time view of the registry. Fields are read
// independently and may be skewed under concurrent updates.
type Status struct {
	TotalWorkers       int     `json:"total_workers"`
	HealthyWorkers     int     `json:"healthy_workers"`
	TotalCalls         int64   `json:"total_calls"`
	AverageSuccessRate float64 `json:"average_success_rate"`
}

// Status summarizes the registry.
func (r *Registry) Status() Status {
	var st Status
	var rateSum float64
	var called int
	for _, e := range r.all() {
		st.TotalWorkers++
		if e.health.get().Status == HealthHealthy {
			st.HealthyWorkers++
		}
		snap := e.stats.snapshot()
		st.TotalCalls += snap.TotalCalls
		if snap.TotalCalls > 0 {
			rateSum += snap.SuccessRate()
			called++
		}
	}
	if called > 0 {
		st.AverageSuccessRate = rateSum / float64(called)
	}
	return st
}

// Snapshot bundles metadata, stats and health for one worker.
type Snapshot struct {
	Metadata Metadata      `json:"metadata"`
	Stats    StatsSnapshot `json:"stats"`
	Health   Health        `json:"health"`
}

// SnapshotOf returns the full view of one worker.
func (r *Registry) SnapshotOf(name string) (Snapshot, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Metadata: e.meta.clone(), Stats: e.stats.snapshot(), Health: e.health.get()}, nil
}

// Snapshots returns the full view of every worker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	entries := r.all()
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, Snapshot{Metadata: e.meta.clone(), Stats: e.stats.snapshot(), Health: e.health.get()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Name < out[j].Metadata.Name })
	return out
}
