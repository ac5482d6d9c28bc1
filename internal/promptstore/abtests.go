package promptstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// A/B test statuses.
const (
	ABActive    = "active"
	ABCompleted = "completed"
	ABCanceled  = "canceled"
)

// ABTest routes an agent's runs between a control and a candidate persona
// version. Routing is deterministic by run id hash, so no per-run
// assignment is persisted.
type ABTest struct {
	ID                 string
	WorkflowID         string
	AgentID            string
	ControlVersionID   string
	CandidateVersionID string
	Status             string
	Winner             string
	CreatedAt          time.Time
}

// CreateABTest starts an A/B test between two versions. Only one active
// test per (workflow, agent) is allowed.
func (s *Store) CreateABTest(ctx context.Context, workflowID, agentID, controlID, candidateID string) (*ABTest, error) {
	t := &ABTest{
		ID:                 uuid.New().String(),
		WorkflowID:         workflowID,
		AgentID:            agentID,
		ControlVersionID:   controlID,
		CandidateVersionID: candidateID,
		Status:             ABActive,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO si_ab_tests (id, workflow_id, agent_id, control_version_id, candidate_version_id, status)
		VALUES (?, ?, ?, ?, ?, ?);
	`, t.ID, workflowID, agentID, controlID, candidateID, ABActive)
	if err != nil {
		return nil, fmt.Errorf("insert ab test: %w", err)
	}
	return t, nil
}

// ActiveABTest returns the active test for (workflow, agent), or nil.
func (s *Store) ActiveABTest(ctx context.Context, workflowID, agentID string) (*ABTest, error) {
	t := &ABTest{}
	var winner sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, agent_id, control_version_id, candidate_version_id, status, winner, created_at
		FROM si_ab_tests
		WHERE workflow_id = ? AND agent_id = ? AND status = ?;
	`, workflowID, agentID, ABActive).Scan(&t.ID, &t.WorkflowID, &t.AgentID,
		&t.ControlVersionID, &t.CandidateVersionID, &t.Status, &winner, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active ab test: %w", err)
	}
	t.Winner = winner.String
	return t, nil
}

// CompleteABTest finishes a test and records the winning version id.
func (s *Store) CompleteABTest(ctx context.Context, testID, winnerVersionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE si_ab_tests
		SET status = ?, winner = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, ABCompleted, winnerVersionID, testID, ABActive)
	if err != nil {
		return fmt.Errorf("complete ab test: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ab test %s is not active", testID)
	}
	return nil
}

// PersonaForRun returns the persona an agent should use for a given run.
// With an active A/B test the run is routed by hash parity: odd hashes get
// the candidate, even hashes the control. Without one, the active version's
// persona is returned; an empty string means the caller should fall back to
// the workflow's static prompt.
func (s *Store) PersonaForRun(ctx context.Context, workflowID, agentID, runID string) (string, error) {
	test, err := s.ActiveABTest(ctx, workflowID, agentID)
	if err != nil {
		return "", err
	}
	if test != nil {
		versionID := test.ControlVersionID
		if routeToCandidate(runID) {
			versionID = test.CandidateVersionID
		}
		v, err := s.GetVersion(ctx, versionID)
		if err != nil {
			return "", err
		}
		return v.PersonaText, nil
	}

	v, err := s.ActiveVersion(ctx, workflowID, agentID)
	if errors.Is(err, ErrNoActiveVersion) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.PersonaText, nil
}

// routeToCandidate hashes a run id to one side of the split. FNV keeps the
// routing stable across processes and restarts.
func routeToCandidate(runID string) bool {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return h.Sum32()%2 == 1
}
