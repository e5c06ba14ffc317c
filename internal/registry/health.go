package registry

import (
	"sync"
	"time"
)

// HealthStatus is a worker's current health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// Health is a snapshot of a worker's health.
type Health struct {
	Status              HealthStatus `json:"status"`
	Message             string       `json:"message,omitempty"`
	CheckedAt           time.Time    `json:"checked_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

type healthState struct {
	mu sync.Mutex
	h  Health
}

func (s *healthState) get() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

// set replaces status and message and returns the previous status.
func (s *healthState) set(status HealthStatus, msg string) HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.h.Status
	s.h.Status = status
	s.h.Message = msg
	s.h.CheckedAt = time.Now()
	if status == HealthHealthy {
		s.h.ConsecutiveFailures = 0
	}
	return prev
}

// observe applies one invocation outcome and returns (previous, current).
func (s *healthState) observe(ok bool, msg string, degradedAfter, unhealthyAfter int) (HealthStatus, HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.h.Status
	s.h.CheckedAt = time.Now()
	if ok {
		s.h.ConsecutiveFailures = 0
		s.h.Status = HealthHealthy
		s.h.Message = ""
		return prev, s.h.Status
	}
	s.h.ConsecutiveFailures++
	s.h.Message = msg
	switch {
	case s.h.ConsecutiveFailures >= unhealthyAfter:
		s.h.Status = HealthUnhealthy
	case s.h.ConsecutiveFailures >= degradedAfter:
		s.h.Status = HealthDegraded
	}
	return prev, s.h.Status
}
