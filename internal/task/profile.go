package task

import (
	"slices"
	"time"
)

// Profile is a named preset of enabled workers and timeouts.
// An empty Workers list means every analyst-category worker.
type Profile struct {
	Name           string        `json:"name"`
	Workers        []string      `json:"workers"`
	WorkerTimeout  time.Duration `json:"worker_timeout"`
	OverallTimeout time.Duration `json:"overall_timeout"`
}

const (
	ProfileQuick    = "quick"
	ProfileDeep     = "deep"
	ProfileRealtime = "realtime"
)

// DefaultProfiles returns the built-in presets.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileQuick: {
			Name:           ProfileQuick,
			Workers:        []string{"fundamental", "technical"},
			WorkerTimeout:  30 * time.Second,
			OverallTimeout: 45 * time.Second,
		},
		ProfileDeep: {
			Name:           ProfileDeep,
			WorkerTimeout:  2 * time.Minute,
			OverallTimeout: 5 * time.Minute,
		},
		ProfileRealtime: {
			Name:           ProfileRealtime,
			Workers:        []string{"technical", "sentiment", "news"},
			WorkerTimeout:  10 * time.Second,
			OverallTimeout: 15 * time.Second,
		},
	}
}

// Task builds a task from the profile. fallback is used when the profile
// lists no workers.
func (p Profile) Task(targetID string, fallback []string, opts ...Option) *Task {
	workers := p.Workers
	if len(workers) == 0 {
		workers = fallback
	}
	base := []Option{WithValue("profile", p.Name)}
	if p.WorkerTimeout > 0 {
		base = append(base, WithDefaultWorkerTimeout(p.WorkerTimeout))
	}
	if p.OverallTimeout > 0 {
		base = append(base, WithOverallTimeout(p.OverallTimeout))
	}
	return New(targetID, slices.Clone(workers), append(base, opts...)...)
}
