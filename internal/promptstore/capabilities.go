package promptstore

import (
	"context"
	"fmt"
	"time"
)

// CapabilityState is one tracked "<agent>_<capability>" proficiency entry.
// Entries are forward-only: updated in place, never deleted.
type CapabilityState struct {
	WorkflowID  string
	Name        string
	Proficiency float64
	Source      string
	Evidence    string
	UpdatedAt   time.Time
}

// UpsertCapability writes one capability state.
func (s *Store) UpsertCapability(ctx context.Context, c CapabilityState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO si_capability_states (workflow_id, name, proficiency, source, evidence, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(workflow_id, name) DO UPDATE SET
			proficiency = excluded.proficiency,
			source = excluded.source,
			evidence = excluded.evidence,
			updated_at = CURRENT_TIMESTAMP;
	`, c.WorkflowID, c.Name, c.Proficiency, c.Source, c.Evidence)
	if err != nil {
		return fmt.Errorf("upsert capability: %w", err)
	}
	return nil
}

// ListCapabilities returns all capability states for a workflow.
func (s *Store) ListCapabilities(ctx context.Context, workflowID string) ([]CapabilityState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, name, proficiency, source, evidence, updated_at
		FROM si_capability_states
		WHERE workflow_id = ?
		ORDER BY name;
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}
	defer rows.Close()

	var states []CapabilityState
	for rows.Next() {
		var c CapabilityState
		if err := rows.Scan(&c.WorkflowID, &c.Name, &c.Proficiency, &c.Source, &c.Evidence, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		states = append(states, c)
	}
	return states, rows.Err()
}
