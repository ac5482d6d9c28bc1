package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// allowedTransitions guards run status updates. Completed and failed are
// terminal.
var allowedTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunPending: {
		RunRunning: {},
		RunFailed:  {},
	},
	RunRunning: {
		RunCompleted: {},
		RunFailed:    {},
		RunRunning:   {},
	},
}

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// FeedbackEntry is one failure-handler feedback message appended to a run.
type FeedbackEntry struct {
	StepID    string    `json:"step_id"`
	Feedback  string    `json:"feedback"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one execution of a workflow. Context, LoopCounts and
// FeedbackHistory are mutated in place by the runner and failure handler;
// Save persists the whole envelope.
type Run struct {
	ID              string
	WorkflowID      string
	Task            string
	Status          RunStatus
	CurrentStep     int
	TotalSteps      int
	Context         map[string]any
	LoopCounts      map[string]int
	FeedbackHistory []FeedbackEntry
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StepOutputs returns the step_outputs map from the run context, creating
// it if absent.
func (r *Run) StepOutputs() map[string]any {
	if r.Context == nil {
		r.Context = make(map[string]any)
	}
	outputs, ok := r.Context["step_outputs"].(map[string]any)
	if !ok {
		outputs = make(map[string]any)
		r.Context["step_outputs"] = outputs
	}
	return outputs
}

// runEnvelope is the JSON layout of the workflow_runs.context column. Loop
// counters and feedback history ride along with the variable map so one
// column captures everything Resume needs.
type runEnvelope struct {
	Vars       map[string]any  `json:"vars"`
	LoopCounts map[string]int  `json:"loop_counts"`
	Feedback   []FeedbackEntry `json:"feedback_history"`
}

func (r *Run) encodeContext() (string, error) {
	env := runEnvelope{
		Vars:       r.Context,
		LoopCounts: r.LoopCounts,
		Feedback:   r.FeedbackHistory,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal run context: %w", err)
	}
	return string(data), nil
}

func (r *Run) decodeContext(raw string) error {
	var env runEnvelope
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return fmt.Errorf("unmarshal run context: %w", err)
		}
	}
	r.Context = env.Vars
	if r.Context == nil {
		r.Context = make(map[string]any)
	}
	r.LoopCounts = env.LoopCounts
	if r.LoopCounts == nil {
		r.LoopCounts = make(map[string]int)
	}
	r.FeedbackHistory = env.Feedback
	return nil
}

// CreateRun inserts a new pending run and returns it.
func (s *Store) CreateRun(ctx context.Context, workflowID, task string, totalSteps int, vars map[string]any) (*Run, error) {
	run := &Run{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Task:       task,
		Status:     RunPending,
		TotalSteps: totalSteps,
		Context:    make(map[string]any),
		LoopCounts: make(map[string]int),
	}
	run.Context["task"] = task
	for k, v := range vars {
		run.Context[k] = v
	}

	encoded, err := run.encodeContext()
	if err != nil {
		return nil, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_runs (id, workflow_id, task, status, current_step, total_steps, context)
			VALUES (?, ?, ?, ?, 0, ?, ?);
		`, run.ID, run.WorkflowID, run.Task, run.Status, run.TotalSteps, encoded)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	run := &Run{}
	var rawContext string
	var runErr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, task, status, current_step, total_steps, context, error, created_at, updated_at
		FROM workflow_runs WHERE id = ?;
	`, runID).Scan(&run.ID, &run.WorkflowID, &run.Task, &run.Status, &run.CurrentStep,
		&run.TotalSteps, &rawContext, &runErr, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	run.Error = runErr.String
	if err := run.decodeContext(rawContext); err != nil {
		return nil, err
	}
	return run, nil
}

// SaveRun persists the run's mutable fields (status, current step, context
// envelope, error). Status changes are validated against the transition map.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	var current RunStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM workflow_runs WHERE id = ?;`, run.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	if current != run.Status {
		if _, ok := allowedTransitions[current][run.Status]; !ok {
			return fmt.Errorf("invalid run transition %s -> %s", current, run.Status)
		}
	}

	encoded, err := run.encodeContext()
	if err != nil {
		return err
	}
	var errCol any
	if run.Error != "" {
		errCol = run.Error
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs
			SET status = ?, current_step = ?, context = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, run.Status, run.CurrentStep, encoded, errCol, run.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs for a workflow, newest first.
func (s *Store) ListRuns(ctx context.Context, workflowID string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, task, status, current_step, total_steps, context, error, created_at, updated_at
		FROM workflow_runs
		WHERE workflow_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var rawContext string
		var runErr sql.NullString
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.Task, &run.Status, &run.CurrentStep,
			&run.TotalSteps, &rawContext, &runErr, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Error = runErr.String
		if err := run.decodeContext(rawContext); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
