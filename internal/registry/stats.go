package registry

import (
	"sync/atomic"
	"time"
)

// Stats holds running call counters for one worker. All updates are atomic.
type Stats struct {
	total    atomic.Int64
	success  atomic.Int64
	failed   atomic.Int64
	totalNs  atomic.Int64
	minNs    atomic.Int64 // -1 until the first call
	maxNs    atomic.Int64
	lastCall atomic.Int64 // unix nanos, 0 if never called
}

func newStats() *Stats {
	s := &Stats{}
	s.minNs.Store(-1)
	return s
}

func (s *Stats) record(d time.Duration, ok bool) {
	ns := int64(d)
	s.total.Add(1)
	if ok {
		s.success.Add(1)
	} else {
		s.failed.Add(1)
	}
	s.totalNs.Add(ns)
	for {
		cur := s.minNs.Load()
		if cur != -1 && cur <= ns {
			break
		}
		if s.minNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := s.maxNs.Load()
		if cur >= ns {
			break
		}
		if s.maxNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	s.lastCall.Store(time.Now().UnixNano())
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TotalCalls   int64         `json:"total_calls"`
	SuccessCalls int64         `json:"success_calls"`
	FailedCalls  int64         `json:"failed_calls"`
	TotalTime    time.Duration `json:"total_time"`
	MinTime      time.Duration `json:"min_time"`
	MaxTime      time.Duration `json:"max_time"`
	LastCall     *time.Time    `json:"last_call,omitempty"`
}

func (s *Stats) snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalCalls:   s.total.Load(),
		SuccessCalls: s.success.Load(),
		FailedCalls:  s.failed.Load(),
		TotalTime:    time.Duration(s.totalNs.Load()),
		MaxTime:      time.Duration(s.maxNs.Load()),
	}
	if lo := s.minNs.Load(); lo >= 0 {
		snap.MinTime = time.Duration(lo)
	}
	if last := s.lastCall.Load(); last != 0 {
		t := time.Unix(0, last)
		snap.LastCall = &t
	}
	return snap
}

// SuccessRate returns successful/total, or 0 when never called.
func (s StatsSnapshot) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.SuccessCalls) / float64(s.TotalCalls)
}

// AverageTime returns the mean call duration.
func (s StatsSnapshot) AverageTime() time.Duration {
	if s.TotalCalls == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.TotalCalls)
}
