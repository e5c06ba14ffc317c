package registry

import (
	"slices"
	"time"
)

// Category groups workers by role.
type Category string

const (
	CategoryAnalyst  Category = "analyst"
	CategoryExecutor Category = "executor"
)

// Metadata describes a registered worker.
type Metadata struct {
	Name         string        `json:"name"`
	Category     Category      `json:"category"`
	Priority     int           `json:"priority"` // higher wins ties
	Timeout      time.Duration `json:"timeout"`
	DependsOn    []string      `json:"depends_on,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DependsOnWorker reports whether name is a declared dependency.
func (m Metadata) DependsOnWorker(name string) bool {
	return slices.Contains(m.DependsOn, name)
}

func (m Metadata) clone() Metadata {
	m.DependsOn = slices.Clone(m.DependsOn)
	m.Capabilities = slices.Clone(m.Capabilities)
	return m
}
