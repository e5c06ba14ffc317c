package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-analyst/internal/registry"
)

// WorkerRow is the stored view of one registered worker.
type WorkerRow struct {
	Name                string                `json:"name"`
	Category            string                `json:"category"`
	Priority            int                   `json:"priority"`
	DependsOn           []string              `json:"depends_on"`
	Health              registry.HealthStatus `json:"health"`
	HealthMessage       string                `json:"health_message,omitempty"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	TotalCalls          int64                 `json:"total_calls"`
	SuccessCalls        int64                 `json:"success_calls"`
	FailedCalls         int64                 `json:"failed_calls"`
	AvgMs               float64               `json:"avg_ms"`
	LastCall            *time.Time            `json:"last_call,omitempty"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// SaveSnapshots upserts the current stats and health of every worker.
func (s *Store) SaveSnapshots(ctx context.Context, snaps []registry.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sn := range snaps {
		deps := sn.Metadata.DependsOn
		if deps == nil {
			deps = []string{}
		}
		batch.Queue(`
			INSERT INTO worker_snapshots (name, category, priority, depends_on, health, health_message,
			                              consecutive_failures, total_calls, success_calls, failed_calls,
			                              avg_ms, last_call, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
			ON CONFLICT (name) DO UPDATE SET
				category = EXCLUDED.category,
				priority = EXCLUDED.priority,
				depends_on = EXCLUDED.depends_on,
				health = EXCLUDED.health,
				health_message = EXCLUDED.health_message,
				consecutive_failures = EXCLUDED.consecutive_failures,
				total_calls = EXCLUDED.total_calls,
				success_calls = EXCLUDED.success_calls,
				failed_calls = EXCLUDED.failed_calls,
				avg_ms = EXCLUDED.avg_ms,
				last_call = EXCLUDED.last_call,
				updated_at = EXCLUDED.updated_at`,
			sn.Metadata.Name, string(sn.Metadata.Category), sn.Metadata.Priority, deps,
			string(sn.Health.Status), sn.Health.Message, sn.Health.ConsecutiveFailures,
			sn.Stats.TotalCalls, sn.Stats.SuccessCalls, sn.Stats.FailedCalls,
			float64(sn.Stats.AverageTime())/float64(time.Millisecond), sn.Stats.LastCall,
		)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save worker snapshots: %w", err)
	}
	return nil
}

// ListSnapshots returns the stored worker rows ordered by name.
func (s *Store) ListSnapshots(ctx context.Context) ([]WorkerRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, category, priority, depends_on, health, health_message, consecutive_failures,
		       total_calls, success_calls, failed_calls, avg_ms, last_call, updated_at
		FROM worker_snapshots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list worker snapshots: %w", err)
	}
	defer rows.Close()

	var out []WorkerRow
	for rows.Next() {
		var w WorkerRow
		if err := rows.Scan(&w.Name, &w.Category, &w.Priority, &w.DependsOn, &w.Health, &w.HealthMessage,
			&w.ConsecutiveFailures, &w.TotalCalls, &w.SuccessCalls, &w.FailedCalls, &w.AvgMs,
			&w.LastCall, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker snapshot: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
