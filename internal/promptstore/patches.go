package promptstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PatchStatus is the lifecycle state of a persona patch.
type PatchStatus string

const (
	PatchPending  PatchStatus = "pending"
	PatchApproved PatchStatus = "approved"
	PatchRejected PatchStatus = "rejected"
	PatchApplied  PatchStatus = "applied"
)

// patchTransitions guards the pending → {approved → applied | rejected}
// state machine.
var patchTransitions = map[PatchStatus]map[PatchStatus]struct{}{
	PatchPending: {
		PatchApproved: {},
		PatchRejected: {},
	},
	PatchApproved: {
		PatchApplied: {},
	},
}

// Patch generators.
const (
	GeneratedHeuristic = "heuristic"
	GeneratedLLM       = "llm"
)

// PromptPatch is a proposed persona change for one agent.
type PromptPatch struct {
	ID              string
	WorkflowID      string
	AgentID         string
	CapabilityGaps  []string
	BaseVersionID   string
	ProposedPersona string
	Justification   string
	GeneratedBy     string
	Status          PatchStatus
	Confidence      float64
	CreatedAt       time.Time
}

// SavePatch inserts a new patch. A zero ID is assigned; status defaults to
// pending.
func (s *Store) SavePatch(ctx context.Context, p *PromptPatch) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = PatchPending
	}
	gaps, err := json.Marshal(p.CapabilityGaps)
	if err != nil {
		return fmt.Errorf("marshal capability gaps: %w", err)
	}
	var baseID any
	if p.BaseVersionID != "" {
		baseID = p.BaseVersionID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO si_prompt_patches
			(id, workflow_id, agent_id, capability_gaps, base_version_id, proposed_persona,
			 justification, generated_by, status, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, p.ID, p.WorkflowID, p.AgentID, string(gaps), baseID, p.ProposedPersona,
		p.Justification, p.GeneratedBy, p.Status, p.Confidence)
	if err != nil {
		return fmt.Errorf("insert patch: %w", err)
	}
	return nil
}

// GetPatch loads one patch by id.
func (s *Store) GetPatch(ctx context.Context, patchID string) (*PromptPatch, error) {
	p, err := s.scanPatch(s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, agent_id, capability_gaps, base_version_id, proposed_persona,
		       justification, generated_by, status, confidence, created_at
		FROM si_prompt_patches WHERE id = ?;
	`, patchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patch %s not found", patchID)
	}
	return p, err
}

// ListPatches returns a workflow's patches, optionally filtered by status,
// newest first.
func (s *Store) ListPatches(ctx context.Context, workflowID string, status PatchStatus) ([]*PromptPatch, error) {
	query := `
		SELECT id, workflow_id, agent_id, capability_gaps, base_version_id, proposed_persona,
		       justification, generated_by, status, confidence, created_at
		FROM si_prompt_patches WHERE workflow_id = ?`
	args := []any{workflowID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query patches: %w", err)
	}
	defer rows.Close()

	var patches []*PromptPatch
	for rows.Next() {
		p, err := s.scanPatch(rows)
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}
	return patches, rows.Err()
}

// ApprovePatch moves a pending patch to approved.
func (s *Store) ApprovePatch(ctx context.Context, patchID string) error {
	return s.transitionPatch(ctx, patchID, PatchApproved)
}

// RejectPatch moves a pending patch to rejected.
func (s *Store) RejectPatch(ctx context.Context, patchID string) error {
	return s.transitionPatch(ctx, patchID, PatchRejected)
}

func (s *Store) transitionPatch(ctx context.Context, patchID string, to PatchStatus) error {
	p, err := s.GetPatch(ctx, patchID)
	if err != nil {
		return err
	}
	if _, ok := patchTransitions[p.Status][to]; !ok {
		return fmt.Errorf("invalid patch transition %s -> %s", p.Status, to)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE si_prompt_patches SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, to, patchID)
	if err != nil {
		return fmt.Errorf("update patch status: %w", err)
	}
	return nil
}

// ApplyPatch atomically deactivates the agent's current active version,
// inserts a new active version carrying the patch's persona, and marks the
// patch applied. The patch must be approved first.
func (s *Store) ApplyPatch(ctx context.Context, patchID string) (*PromptVersion, error) {
	p, err := s.GetPatch(ctx, patchID)
	if err != nil {
		return nil, err
	}
	if p.Status != PatchApproved {
		return nil, fmt.Errorf("patch %s is %s, not approved", patchID, p.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin apply tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.scanVersion(tx.QueryRowContext(ctx, `
		SELECT id, workflow_id, agent_id, version_number, persona_text, is_active,
		       applied_patch_id, previous_version_id, ab_test_id, created_at
		FROM si_prompt_versions
		WHERE workflow_id = ? AND agent_id = ? AND is_active = 1;
	`, p.WorkflowID, p.AgentID))

	nextNumber := 1
	var prevID any
	switch {
	case err == nil:
		nextNumber = current.VersionNumber + 1
		prevID = current.ID
		if _, err := tx.ExecContext(ctx, `
			UPDATE si_prompt_versions SET is_active = 0 WHERE id = ?;
		`, current.ID); err != nil {
			return nil, fmt.Errorf("deactivate current version: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		// First version for this agent.
	default:
		return nil, err
	}

	v := &PromptVersion{
		ID:             uuid.New().String(),
		WorkflowID:     p.WorkflowID,
		AgentID:        p.AgentID,
		VersionNumber:  nextNumber,
		PersonaText:    p.ProposedPersona,
		IsActive:       true,
		AppliedPatchID: p.ID,
	}
	if prevID != nil {
		v.PreviousVersionID = prevID.(string)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO si_prompt_versions
			(id, workflow_id, agent_id, version_number, persona_text, is_active, applied_patch_id, previous_version_id)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?);
	`, v.ID, v.WorkflowID, v.AgentID, v.VersionNumber, v.PersonaText, v.AppliedPatchID, prevID); err != nil {
		return nil, fmt.Errorf("insert new version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE si_prompt_patches SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, PatchApplied, p.ID); err != nil {
		return nil, fmt.Errorf("mark patch applied: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply: %w", err)
	}
	return v, nil
}

func (s *Store) scanPatch(row rowScanner) (*PromptPatch, error) {
	p := &PromptPatch{}
	var gaps string
	var baseID sql.NullString
	err := row.Scan(&p.ID, &p.WorkflowID, &p.AgentID, &gaps, &baseID, &p.ProposedPersona,
		&p.Justification, &p.GeneratedBy, &p.Status, &p.Confidence, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.BaseVersionID = baseID.String
	if err := json.Unmarshal([]byte(gaps), &p.CapabilityGaps); err != nil {
		return nil, fmt.Errorf("unmarshal capability gaps: %w", err)
	}
	return p, nil
}
