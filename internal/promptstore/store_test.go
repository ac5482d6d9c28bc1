package promptstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "improve.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func pendingPatch(persona string) *PromptPatch {
	return &PromptPatch{
		WorkflowID:      "wf",
		AgentID:         "planner",
		CapabilityGaps:  []string{"planner_output_measurability"},
		ProposedPersona: persona,
		Justification:   "test patch",
		GeneratedBy:     GeneratedHeuristic,
		Confidence:      0.6,
	}
}

// applyPatch saves, approves and applies a patch, returning the new version.
func applyPatch(t *testing.T, store *Store, persona string) *PromptVersion {
	t.Helper()
	ctx := context.Background()
	p := pendingPatch(persona)
	if err := store.SavePatch(ctx, p); err != nil {
		t.Fatalf("SavePatch: %v", err)
	}
	if err := store.ApprovePatch(ctx, p.ID); err != nil {
		t.Fatalf("ApprovePatch: %v", err)
	}
	v, err := store.ApplyPatch(ctx, p.ID)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	return v
}

func TestVersionChain(t *testing.T) {
	ctx := context.Background()

	t.Run("ensure_initial_version_is_idempotent", func(t *testing.T) {
		store := testStore(t)
		v1, created, err := store.EnsureInitialVersion(ctx, "wf", "planner", "base persona")
		if err != nil {
			t.Fatal(err)
		}
		if !created || v1.VersionNumber != 1 || !v1.IsActive {
			t.Errorf("unexpected initial version: %+v created=%v", v1, created)
		}

		v2, created, err := store.EnsureInitialVersion(ctx, "wf", "planner", "other persona")
		if err != nil {
			t.Fatal(err)
		}
		if created || v2.ID != v1.ID {
			t.Errorf("second call must return the existing version: %+v created=%v", v2, created)
		}
	})

	t.Run("apply_patch_links_chain_and_increments_version", func(t *testing.T) {
		store := testStore(t)
		base, _, err := store.EnsureInitialVersion(ctx, "wf", "planner", "base persona")
		if err != nil {
			t.Fatal(err)
		}

		v2 := applyPatch(t, store, "improved persona")
		if v2.VersionNumber != 2 {
			t.Errorf("expected version 2, got %d", v2.VersionNumber)
		}
		if v2.PreviousVersionID != base.ID {
			t.Errorf("chain not linked: %q != %q", v2.PreviousVersionID, base.ID)
		}

		active, err := store.ActiveVersion(ctx, "wf", "planner")
		if err != nil {
			t.Fatal(err)
		}
		if active.ID != v2.ID {
			t.Errorf("new version should be active")
		}

		old, err := store.GetVersion(ctx, base.ID)
		if err != nil {
			t.Fatal(err)
		}
		if old.IsActive {
			t.Error("previous version should be deactivated")
		}
	})

	t.Run("apply_then_rollback_restores_identical_persona", func(t *testing.T) {
		store := testStore(t)
		base, _, err := store.EnsureInitialVersion(ctx, "wf", "planner", "base persona\nwith two lines")
		if err != nil {
			t.Fatal(err)
		}
		applyPatch(t, store, "patched persona")

		restored, err := store.Rollback(ctx, "wf", "planner")
		if err != nil {
			t.Fatal(err)
		}
		if restored == nil {
			t.Fatal("expected a restored version")
		}
		if restored.ID != base.ID {
			t.Errorf("expected original version id %s, got %s", base.ID, restored.ID)
		}
		if restored.PersonaText != "base persona\nwith two lines" {
			t.Errorf("persona text not byte-identical: %q", restored.PersonaText)
		}

		active, err := store.ActiveVersion(ctx, "wf", "planner")
		if err != nil {
			t.Fatal(err)
		}
		if active.ID != base.ID || !active.IsActive {
			t.Errorf("original version should be active again: %+v", active)
		}
	})

	t.Run("rollback_without_previous_returns_nil", func(t *testing.T) {
		store := testStore(t)
		if _, _, err := store.EnsureInitialVersion(ctx, "wf", "planner", "only version"); err != nil {
			t.Fatal(err)
		}
		restored, err := store.Rollback(ctx, "wf", "planner")
		if err != nil {
			t.Fatal(err)
		}
		if restored != nil {
			t.Errorf("expected nil for chain head, got %+v", restored)
		}
	})

	t.Run("rollback_without_active_version_errors", func(t *testing.T) {
		store := testStore(t)
		if _, err := store.Rollback(ctx, "wf", "ghost"); !errors.Is(err, ErrNoActiveVersion) {
			t.Errorf("expected ErrNoActiveVersion, got %v", err)
		}
	})
}

func TestPatchLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("pending_patch_cannot_apply", func(t *testing.T) {
		store := testStore(t)
		p := pendingPatch("persona")
		if err := store.SavePatch(ctx, p); err != nil {
			t.Fatal(err)
		}
		if _, err := store.ApplyPatch(ctx, p.ID); err == nil {
			t.Error("expected error applying a pending patch")
		}
	})

	t.Run("rejected_patch_is_terminal", func(t *testing.T) {
		store := testStore(t)
		p := pendingPatch("persona")
		if err := store.SavePatch(ctx, p); err != nil {
			t.Fatal(err)
		}
		if err := store.RejectPatch(ctx, p.ID); err != nil {
			t.Fatal(err)
		}
		if err := store.ApprovePatch(ctx, p.ID); err == nil {
			t.Error("expected error approving a rejected patch")
		}
	})

	t.Run("list_filters_by_status", func(t *testing.T) {
		store := testStore(t)
		p1 := pendingPatch("a")
		p2 := pendingPatch("b")
		if err := store.SavePatch(ctx, p1); err != nil {
			t.Fatal(err)
		}
		if err := store.SavePatch(ctx, p2); err != nil {
			t.Fatal(err)
		}
		if err := store.RejectPatch(ctx, p2.ID); err != nil {
			t.Fatal(err)
		}

		pending, err := store.ListPatches(ctx, "wf", PatchPending)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 || pending[0].ID != p1.ID {
			t.Errorf("unexpected pending list: %+v", pending)
		}
		all, err := store.ListPatches(ctx, "wf", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 2 {
			t.Errorf("expected 2 patches, got %d", len(all))
		}
	})

	t.Run("gaps_round_trip", func(t *testing.T) {
		store := testStore(t)
		p := pendingPatch("persona")
		p.CapabilityGaps = []string{"planner_output_specificity", "planner_knowledge_reusability"}
		if err := store.SavePatch(ctx, p); err != nil {
			t.Fatal(err)
		}
		loaded, err := store.GetPatch(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(loaded.CapabilityGaps) != 2 || loaded.CapabilityGaps[0] != "planner_output_specificity" {
			t.Errorf("gaps lost: %v", loaded.CapabilityGaps)
		}
	})
}

func TestABRouting(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Store, *ABTest) {
		store := testStore(t)
		control, _, err := store.EnsureInitialVersion(ctx, "wf", "planner", "control persona")
		if err != nil {
			t.Fatal(err)
		}
		candidate := applyPatch(t, store, "candidate persona")
		// Re-activate the control so both sides exist; the test routes
		// between explicit version ids regardless of the active flag.
		test, err := store.CreateABTest(ctx, "wf", "planner", control.ID, candidate.ID)
		if err != nil {
			t.Fatal(err)
		}
		return store, test
	}

	t.Run("routing_is_deterministic_by_hash_parity", func(t *testing.T) {
		store, _ := setup(t)
		for i := 0; i < 20; i++ {
			runID := fmt.Sprintf("run-%d", i)
			want := "control persona"
			if routeToCandidate(runID) {
				want = "candidate persona"
			}
			for rep := 0; rep < 3; rep++ {
				got, err := store.PersonaForRun(ctx, "wf", "planner", runID)
				if err != nil {
					t.Fatal(err)
				}
				if got != want {
					t.Fatalf("run %s rep %d: got %q want %q", runID, rep, got, want)
				}
			}
		}
	})

	t.Run("split_routes_both_sides", func(t *testing.T) {
		toCandidate := 0
		for i := 0; i < 100; i++ {
			if routeToCandidate(fmt.Sprintf("run-%d", i)) {
				toCandidate++
			}
		}
		if toCandidate == 0 || toCandidate == 100 {
			t.Errorf("degenerate split: %d/100 to candidate", toCandidate)
		}
	})

	t.Run("completed_test_stops_routing", func(t *testing.T) {
		store, test := setup(t)
		if err := store.CompleteABTest(ctx, test.ID, test.CandidateVersionID); err != nil {
			t.Fatal(err)
		}
		// Routing now follows the active version only.
		got, err := store.PersonaForRun(ctx, "wf", "planner", "any-run")
		if err != nil {
			t.Fatal(err)
		}
		if got != "candidate persona" {
			t.Errorf("expected active persona, got %q", got)
		}

		active, err := store.ActiveABTest(ctx, "wf", "planner")
		if err != nil {
			t.Fatal(err)
		}
		if active != nil {
			t.Errorf("expected no active test, got %+v", active)
		}
	})

	t.Run("no_versions_returns_empty_persona", func(t *testing.T) {
		store := testStore(t)
		got, err := store.PersonaForRun(ctx, "wf", "ghost", "run-1")
		if err != nil {
			t.Fatal(err)
		}
		if got != "" {
			t.Errorf("expected empty persona, got %q", got)
		}
	})
}

func TestRunRecords(t *testing.T) {
	ctx := context.Background()

	record := func(runID string) *RunRecord {
		return &RunRecord{
			RunID:      runID,
			WorkflowID: "wf",
			StepScores: map[string]map[string]float64{
				"plan": {"specific": 1, "measurable": 0},
			},
			AgentScores:    map[string]float64{"planner": 0.87},
			PromptVersions: map[string]string{"planner": "ver-1"},
			TotalRetries:   1,
			TotalSteps:     2,
			DurationMs:     1500,
		}
	}

	t.Run("record_is_write_once", func(t *testing.T) {
		store := testStore(t)
		if err := store.SaveRunRecord(ctx, record("run-1")); err != nil {
			t.Fatal(err)
		}
		if err := store.SaveRunRecord(ctx, record("run-1")); !errors.Is(err, ErrRecordExists) {
			t.Errorf("expected ErrRecordExists, got %v", err)
		}
	})

	t.Run("record_round_trips", func(t *testing.T) {
		store := testStore(t)
		if err := store.SaveRunRecord(ctx, record("run-2")); err != nil {
			t.Fatal(err)
		}
		loaded, err := store.GetRunRecord(ctx, "run-2")
		if err != nil {
			t.Fatal(err)
		}
		if loaded.AgentScores["planner"] != 0.87 {
			t.Errorf("agent scores lost: %v", loaded.AgentScores)
		}
		if loaded.StepScores["plan"]["specific"] != 1 {
			t.Errorf("step scores lost: %v", loaded.StepScores)
		}
		if loaded.OperatorScore != nil {
			t.Errorf("operator score should start unset")
		}
	})

	t.Run("rate_run_sets_operator_score", func(t *testing.T) {
		store := testStore(t)
		if err := store.SaveRunRecord(ctx, record("run-3")); err != nil {
			t.Fatal(err)
		}
		if err := store.RateRun(ctx, "run-3", 0.9); err != nil {
			t.Fatal(err)
		}
		loaded, err := store.GetRunRecord(ctx, "run-3")
		if err != nil {
			t.Fatal(err)
		}
		if loaded.OperatorScore == nil || *loaded.OperatorScore != 0.9 {
			t.Errorf("operator score not persisted: %v", loaded.OperatorScore)
		}

		if err := store.RateRun(ctx, "run-3", 1.5); err == nil {
			t.Error("expected range error")
		}
		if err := store.RateRun(ctx, "missing", 0.5); err == nil {
			t.Error("expected not-found error")
		}
	})

	t.Run("count_drives_pattern_trigger", func(t *testing.T) {
		store := testStore(t)
		for i := 0; i < 3; i++ {
			if err := store.SaveRunRecord(ctx, record(fmt.Sprintf("run-%d", i))); err != nil {
				t.Fatal(err)
			}
		}
		n, err := store.CountRunRecords(ctx, "wf")
		if err != nil {
			t.Fatal(err)
		}
		if n != 3 {
			t.Errorf("expected 3, got %d", n)
		}
	})
}

func TestCapabilities(t *testing.T) {
	ctx := context.Background()

	t.Run("upsert_is_forward_only", func(t *testing.T) {
		store := testStore(t)
		c := CapabilityState{WorkflowID: "wf", Name: "planner_output_specificity", Proficiency: 0.8, Source: "rule"}
		if err := store.UpsertCapability(ctx, c); err != nil {
			t.Fatal(err)
		}
		c.Proficiency = 0.1
		c.Evidence = "failed step plan"
		if err := store.UpsertCapability(ctx, c); err != nil {
			t.Fatal(err)
		}

		states, err := store.ListCapabilities(ctx, "wf")
		if err != nil {
			t.Fatal(err)
		}
		if len(states) != 1 {
			t.Fatalf("expected single entry, got %d", len(states))
		}
		if states[0].Proficiency != 0.1 || states[0].Evidence != "failed step plan" {
			t.Errorf("update lost: %+v", states[0])
		}
	})
}
