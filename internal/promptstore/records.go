package promptstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunRecord is the immutable per-run summary: SMARC scores per step,
// composite scores per agent, the prompt versions each agent ran with, and
// run totals. Write-once; only the operator's rating may be set afterwards.
type RunRecord struct {
	RunID          string
	WorkflowID     string
	StepScores     map[string]map[string]float64 // step id -> criterion -> score
	AgentScores    map[string]float64            // agent id -> composite
	PromptVersions map[string]string             // agent id -> version id
	TotalRetries   int
	TotalSteps     int
	TotalTokens    int
	DurationMs     int64
	OperatorScore  *float64
	CreatedAt      time.Time
}

// ErrRecordExists is returned when a run has already been recorded.
var ErrRecordExists = errors.New("run record already exists")

// SaveRunRecord inserts an immutable run record. Recording the same run
// twice is an error.
func (s *Store) SaveRunRecord(ctx context.Context, r *RunRecord) error {
	stepScores, err := json.Marshal(r.StepScores)
	if err != nil {
		return fmt.Errorf("marshal step scores: %w", err)
	}
	agentScores, err := json.Marshal(r.AgentScores)
	if err != nil {
		return fmt.Errorf("marshal agent scores: %w", err)
	}
	versions, err := json.Marshal(r.PromptVersions)
	if err != nil {
		return fmt.Errorf("marshal prompt versions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO si_run_records
			(run_id, workflow_id, step_scores, agent_scores, prompt_versions,
			 total_retries, total_steps, total_tokens, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, r.RunID, r.WorkflowID, string(stepScores), string(agentScores), string(versions),
		r.TotalRetries, r.TotalSteps, r.TotalTokens, r.DurationMs)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrRecordExists
		}
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// GetRunRecord loads one record by run id.
func (s *Store) GetRunRecord(ctx context.Context, runID string) (*RunRecord, error) {
	r, err := s.scanRecord(s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, step_scores, agent_scores, prompt_versions,
		       total_retries, total_steps, total_tokens, duration_ms, operator_score, created_at
		FROM si_run_records WHERE run_id = ?;
	`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run record %s not found", runID)
	}
	return r, err
}

// ListRunRecords returns a workflow's records, newest first.
func (s *Store) ListRunRecords(ctx context.Context, workflowID string, limit int) ([]*RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, workflow_id, step_scores, agent_scores, prompt_versions,
		       total_retries, total_steps, total_tokens, duration_ms, operator_score, created_at
		FROM si_run_records
		WHERE workflow_id = ?
		ORDER BY created_at DESC, run_id DESC
		LIMIT ?;
	`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("query run records: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountRunRecords returns the number of recorded runs for a workflow. The
// recorder uses it to drive the pattern trigger cadence across restarts.
func (s *Store) CountRunRecords(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM si_run_records WHERE workflow_id = ?;
	`, workflowID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count run records: %w", err)
	}
	return n, nil
}

// RateRun records an operator's rating on an existing run record. The
// rating is the only mutable field of a record.
func (s *Store) RateRun(ctx context.Context, runID string, score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("rating %v out of range [0, 1]", score)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE si_run_records SET operator_score = ? WHERE run_id = ?;
	`, score, runID)
	if err != nil {
		return fmt.Errorf("rate run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run record %s not found", runID)
	}
	return nil
}

func (s *Store) scanRecord(row rowScanner) (*RunRecord, error) {
	r := &RunRecord{}
	var stepScores, agentScores, versions string
	var operator sql.NullFloat64
	err := row.Scan(&r.RunID, &r.WorkflowID, &stepScores, &agentScores, &versions,
		&r.TotalRetries, &r.TotalSteps, &r.TotalTokens, &r.DurationMs, &operator, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if operator.Valid {
		r.OperatorScore = &operator.Float64
	}
	if err := json.Unmarshal([]byte(stepScores), &r.StepScores); err != nil {
		return nil, fmt.Errorf("unmarshal step scores: %w", err)
	}
	if err := json.Unmarshal([]byte(agentScores), &r.AgentScores); err != nil {
		return nil, fmt.Errorf("unmarshal agent scores: %w", err)
	}
	if err := json.Unmarshal([]byte(versions), &r.PromptVersions); err != nil {
		return nil, fmt.Errorf("unmarshal prompt versions: %w", err)
	}
	return r, nil
}
