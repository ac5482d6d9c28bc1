package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StepStatus is the outcome of one step attempt.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepResult is one attempt at one step. Rows are append-only: a retried
// step gets a new row per attempt, so the history preserves every failure.
type StepResult struct {
	ID          int64
	RunID       string
	StepID      string
	Agent       string
	Status      StepStatus
	Input       string
	Output      string
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// AppendStepResult inserts one step attempt row.
func (s *Store) AppendStepResult(ctx context.Context, res *StepResult) error {
	var errCol any
	if res.Error != "" {
		errCol = res.Error
	}
	err := retryOnBusy(ctx, 5, func() error {
		r, err := s.db.ExecContext(ctx, `
			INSERT INTO step_results (run_id, step_id, agent, status, input_context, output, error, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, res.RunID, res.StepID, res.Agent, res.Status, res.Input, res.Output, errCol,
			res.StartedAt.UTC(), res.CompletedAt.UTC())
		if err != nil {
			return err
		}
		res.ID, _ = r.LastInsertId()
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}
	return nil
}

// ListStepResults returns all attempts for a run in insertion order.
func (s *Store) ListStepResults(ctx context.Context, runID string) ([]*StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, agent, status, input_context, output, error, started_at, completed_at
		FROM step_results
		WHERE run_id = ?
		ORDER BY id ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query step results: %w", err)
	}
	defer rows.Close()

	var results []*StepResult
	for rows.Next() {
		res := &StepResult{}
		var errCol sql.NullString
		if err := rows.Scan(&res.ID, &res.RunID, &res.StepID, &res.Agent, &res.Status,
			&res.Input, &res.Output, &errCol, &res.StartedAt, &res.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		res.Error = errCol.String
		results = append(results, res)
	}
	return results, rows.Err()
}

// CompletedStepIDs returns the set of step ids with at least one completed
// attempt. Resume uses this to skip finished work.
func (s *Store) CompletedStepIDs(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT step_id FROM step_results
		WHERE run_id = ? AND status = ?;
	`, runID, StepCompleted)
	if err != nil {
		return nil, fmt.Errorf("query completed steps: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var stepID string
		if err := rows.Scan(&stepID); err != nil {
			return nil, fmt.Errorf("scan step id: %w", err)
		}
		done[stepID] = true
	}
	return done, rows.Err()
}

// LatestStepResult returns the most recent attempt for a run, or nil.
func (s *Store) LatestStepResult(ctx context.Context, runID string) (*StepResult, error) {
	results, err := s.ListStepResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[len(results)-1], nil
}

// CountRetries returns attempts beyond the first per step id for a run.
func (s *Store) CountRetries(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, COUNT(*) - 1 FROM step_results
		WHERE run_id = ?
		GROUP BY step_id;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query retry counts: %w", err)
	}
	defer rows.Close()

	retries := make(map[string]int)
	for rows.Next() {
		var stepID string
		var n int
		if err := rows.Scan(&stepID, &n); err != nil {
			return nil, fmt.Errorf("scan retry count: %w", err)
		}
		if n > 0 {
			retries[stepID] = n
		}
	}
	return retries, rows.Err()
}
