package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-analyst/internal/orchestrator"
	"github.com/nidhogg/nuka-analyst/internal/worker"
	"go.uber.org/zap"
)

// ErrRunNotFound is returned when no run has the requested task ID.
var ErrRunNotFound = errors.New("run not found")

// Run is a stored outcome.
type Run struct {
	TaskID      string               `json:"task_id"`
	TargetID    string               `json:"target_id"`
	Status      orchestrator.Status  `json:"status"`
	SuccessRate float64              `json:"success_rate"`
	Advice      json.RawMessage      `json:"advice,omitempty"`
	KeyMetrics  map[string]any       `json:"key_metrics,omitempty"`
	Summary     orchestrator.Summary `json:"summary"`
	States      []string             `json:"states"`
	Error       string               `json:"error,omitempty"`
	TimedOut    bool                 `json:"timed_out"`
	Duration    time.Duration        `json:"duration"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt time.Time            `json:"completed_at"`
	Results     []RunResult          `json:"results,omitempty"`
}

// RunResult is one worker's stored result.
type RunResult struct {
	Worker   string          `json:"worker"`
	Kind     worker.Kind     `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
	TimedOut bool            `json:"timed_out"`
	Elapsed  time.Duration   `json:"elapsed"`
}

// OnOutcome implements orchestrator.OutcomeListener.
func (s *Store) OnOutcome(ctx context.Context, out *orchestrator.Outcome) error {
	return s.SaveOutcome(ctx, out)
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// SaveOutcome writes an outcome and its per-worker results in one
// transaction. Saving the same task twice replaces the earlier rows.
func (s *Store) SaveOutcome(ctx context.Context, out *orchestrator.Outcome) error {
	advice, err := marshalNullable(out.Advice)
	if err != nil {
		return fmt.Errorf("marshal advice: %w", err)
	}
	var metrics []byte
	if len(out.KeyMetrics) > 0 {
		if metrics, err = json.Marshal(out.KeyMetrics); err != nil {
			return fmt.Errorf("marshal key metrics: %w", err)
		}
	}
	summary, err := json.Marshal(out.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	states := make([]string, len(out.States))
	for i, st := range out.States {
		states[i] = string(st)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO analysis_runs (task_id, target_id, status, success_rate, advice, key_metrics,
		                           summary, states, error, timed_out, duration_ms, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			success_rate = EXCLUDED.success_rate,
			advice = EXCLUDED.advice,
			key_metrics = EXCLUDED.key_metrics,
			summary = EXCLUDED.summary,
			states = EXCLUDED.states,
			error = EXCLUDED.error,
			timed_out = EXCLUDED.timed_out,
			duration_ms = EXCLUDED.duration_ms,
			completed_at = EXCLUDED.completed_at`,
		out.TaskID, out.TargetID, string(out.Status), out.SuccessRate, advice, metrics,
		summary, states, out.Error, out.TimedOut, out.Duration.Milliseconds(), out.CreatedAt, out.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", out.TaskID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM analysis_results WHERE task_id = $1`, out.TaskID); err != nil {
		return fmt.Errorf("clear results %s: %w", out.TaskID, err)
	}

	batch := &pgx.Batch{}
	const insertResult = `
		INSERT INTO analysis_results (task_id, worker, kind, payload, message, timed_out, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for name, r := range out.Results {
		payload, err := marshalNullable(r.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload of %s: %w", name, err)
		}
		batch.Queue(insertResult, out.TaskID, name, string(worker.KindSuccess), payload, "", false, r.Elapsed.Milliseconds())
	}
	for name, f := range out.Failures {
		if _, ok := out.Results[name]; ok {
			continue
		}
		batch.Queue(insertResult, out.TaskID, name, string(worker.KindFailure), nil, f.Message, f.TimedOut, int64(0))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save results %s: %w", out.TaskID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run %s: %w", out.TaskID, err)
	}
	s.logger.Debug("run saved", zap.String("task", out.TaskID), zap.String("status", string(out.Status)))
	return nil
}

const runColumns = `task_id, target_id, status, success_rate, advice, key_metrics,
	summary, states, error, timed_out, duration_ms, created_at, completed_at`

func scanRun(row pgx.Row) (*Run, error) {
	var (
		r                        Run
		advice, metrics, summary []byte
		durationMs               int64
	)
	if err := row.Scan(&r.TaskID, &r.TargetID, &r.Status, &r.SuccessRate, &advice, &metrics,
		&summary, &r.States, &r.Error, &r.TimedOut, &durationMs, &r.CreatedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond
	if len(advice) > 0 {
		r.Advice = json.RawMessage(advice)
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &r.KeyMetrics); err != nil {
			return nil, fmt.Errorf("decode key metrics: %w", err)
		}
	}
	if err := json.Unmarshal(summary, &r.Summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &r, nil
}

// GetRun returns one run with its per-worker results.
func (s *Store) GetRun(ctx context.Context, taskID string) (*Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", taskID, err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT worker, kind, payload, message, timed_out, elapsed_ms
		FROM analysis_results WHERE task_id = $1
		ORDER BY worker`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get results %s: %w", taskID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			res       RunResult
			payload   []byte
			elapsedMs int64
		)
		if err := rows.Scan(&res.Worker, &res.Kind, &payload, &res.Message, &res.TimedOut, &elapsedMs); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if len(payload) > 0 {
			res.Payload = json.RawMessage(payload)
		}
		res.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		run.Results = append(run.Results, res)
	}
	return run, rows.Err()
}

// ListRuns returns the most recent runs for a target, newest first,
// without per-worker results.
func (s *Store) ListRuns(ctx context.Context, targetID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `SELECT `+runColumns+`
		FROM analysis_runs WHERE target_id = $1
		ORDER BY completed_at DESC
		LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs %s: %w", targetID, err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
