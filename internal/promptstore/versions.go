package promptstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PromptVersion is one entry in an agent's persona history. Versions form a
// singly-linked chain through PreviousVersionID; exactly one version per
// (workflow, agent) is active at a time, enforced by a partial unique index.
type PromptVersion struct {
	ID                string
	WorkflowID        string
	AgentID           string
	VersionNumber     int
	PersonaText       string
	IsActive          bool
	AppliedPatchID    string
	PreviousVersionID string
	ABTestID          string
	CreatedAt         time.Time
}

// ErrNoActiveVersion is returned when an agent has no active persona version.
var ErrNoActiveVersion = errors.New("no active prompt version")

// EnsureInitialVersion bootstraps version 1 from the agent's current persona
// if the agent has no versions yet. Returns the active version and whether
// it was created by this call.
func (s *Store) EnsureInitialVersion(ctx context.Context, workflowID, agentID, persona string) (*PromptVersion, bool, error) {
	existing, err := s.ActiveVersion(ctx, workflowID, agentID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNoActiveVersion) {
		return nil, false, err
	}

	v := &PromptVersion{
		ID:            uuid.New().String(),
		WorkflowID:    workflowID,
		AgentID:       agentID,
		VersionNumber: 1,
		PersonaText:   persona,
		IsActive:      true,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO si_prompt_versions (id, workflow_id, agent_id, version_number, persona_text, is_active)
		VALUES (?, ?, ?, 1, ?, 1);
	`, v.ID, workflowID, agentID, persona)
	if err != nil {
		return nil, false, fmt.Errorf("insert initial version: %w", err)
	}
	return v, true, nil
}

// ActiveVersion returns the active persona version for (workflow, agent).
func (s *Store) ActiveVersion(ctx context.Context, workflowID, agentID string) (*PromptVersion, error) {
	v, err := s.scanVersion(s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, agent_id, version_number, persona_text, is_active,
		       applied_patch_id, previous_version_id, ab_test_id, created_at
		FROM si_prompt_versions
		WHERE workflow_id = ? AND agent_id = ? AND is_active = 1;
	`, workflowID, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveVersion
	}
	return v, err
}

// GetVersion loads one version by id.
func (s *Store) GetVersion(ctx context.Context, versionID string) (*PromptVersion, error) {
	v, err := s.scanVersion(s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, agent_id, version_number, persona_text, is_active,
		       applied_patch_id, previous_version_id, ab_test_id, created_at
		FROM si_prompt_versions WHERE id = ?;
	`, versionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prompt version %s not found", versionID)
	}
	return v, err
}

// ListVersions returns an agent's version history, newest first.
func (s *Store) ListVersions(ctx context.Context, workflowID, agentID string) ([]*PromptVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, agent_id, version_number, persona_text, is_active,
		       applied_patch_id, previous_version_id, ab_test_id, created_at
		FROM si_prompt_versions
		WHERE workflow_id = ? AND agent_id = ?
		ORDER BY version_number DESC;
	`, workflowID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var versions []*PromptVersion
	for rows.Next() {
		v, err := s.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Rollback deactivates the current active version and reactivates its
// predecessor. Returns the reactivated version, or nil if the chain has no
// previous entry.
func (s *Store) Rollback(ctx context.Context, workflowID, agentID string) (*PromptVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rollback tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.scanVersion(tx.QueryRowContext(ctx, `
		SELECT id, workflow_id, agent_id, version_number, persona_text, is_active,
		       applied_patch_id, previous_version_id, ab_test_id, created_at
		FROM si_prompt_versions
		WHERE workflow_id = ? AND agent_id = ? AND is_active = 1;
	`, workflowID, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveVersion
	}
	if err != nil {
		return nil, err
	}
	if current.PreviousVersionID == "" {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE si_prompt_versions SET is_active = 0 WHERE id = ?;
	`, current.ID); err != nil {
		return nil, fmt.Errorf("deactivate current version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE si_prompt_versions SET is_active = 1 WHERE id = ?;
	`, current.PreviousVersionID); err != nil {
		return nil, fmt.Errorf("reactivate previous version: %w", err)
	}

	restored, err := s.scanVersion(tx.QueryRowContext(ctx, `
		SELECT id, workflow_id, agent_id, version_number, persona_text, is_active,
		       applied_patch_id, previous_version_id, ab_test_id, created_at
		FROM si_prompt_versions WHERE id = ?;
	`, current.PreviousVersionID))
	if err != nil {
		return nil, fmt.Errorf("load restored version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rollback: %w", err)
	}
	return restored, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanVersion(row rowScanner) (*PromptVersion, error) {
	v := &PromptVersion{}
	var active int
	var patchID, prevID, abID sql.NullString
	err := row.Scan(&v.ID, &v.WorkflowID, &v.AgentID, &v.VersionNumber, &v.PersonaText,
		&active, &patchID, &prevID, &abID, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.IsActive = active == 1
	v.AppliedPatchID = patchID.String
	v.PreviousVersionID = prevID.String
	v.ABTestID = abID.String
	return v, nil
}
