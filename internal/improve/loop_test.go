package improve

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/evoloop/internal/agent"
	"github.com/basket/evoloop/internal/bus"
	"github.com/basket/evoloop/internal/promptstore"
	"github.com/basket/evoloop/internal/state"
	"github.com/basket/evoloop/internal/workflow"
)

func testDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID:   "wf",
		Name: "Test Workflow",
		Agents: []workflow.AgentDefinition{
			{ID: "planner", Name: "Planner", Role: "planning", Prompt: "You are a planner."},
			{ID: "coder", Name: "Coder", Role: "coding", Prompt: "You are a coder."},
		},
		Steps: []workflow.StepDefinition{
			{ID: "plan", Agent: "planner", Input: "{{task}}"},
			{ID: "implement", Agent: "coder", Input: "{{step_outputs.plan}}"},
		},
	}
}

func testLoop(t *testing.T, cfg LoopConfig) (*Loop, *state.Store, *promptstore.Store) {
	t.Helper()
	runs := testStateStore(t)
	prompts := testPromptStore(t)
	def := testDefinition()
	eventBus := bus.New()
	registry := agent.NewRegistry()

	tracker := NewPerformanceTracker(cfg.PerformanceThreshold,
		BelowThresholdHook(eventBus, def.ID, cfg.PerformanceThreshold))
	stagnation := NewStagnationDetector(cfg.StagnationThreshold,
		StagnationHook(eventBus, def.ID, cfg.StagnationThreshold))
	recorder := &RunRecorder{
		Runs:            runs,
		Prompts:         prompts,
		Verifier:        testVerifier(t),
		Tracker:         tracker,
		Capabilities:    NewCapabilityMap(def.ID, prompts, nil),
		Stagnation:      stagnation,
		PatternTriggerN: cfg.PatternTriggerN,
	}
	evolver, err := NewPromptEvolver(nil, prompts, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewLoop(cfg, def, registry, runs, prompts, recorder, evolver, eventBus, nil, nil), runs, prompts
}

func TestLoopAttachToTeam(t *testing.T) {
	ctx := context.Background()

	t.Run("bootstraps_one_version_per_agent", func(t *testing.T) {
		l, _, prompts := testLoop(t, LoopConfig{Enabled: true})
		if err := l.AttachToTeam(ctx); err != nil {
			t.Fatal(err)
		}
		for _, agentID := range []string{"planner", "coder"} {
			v, err := prompts.ActiveVersion(ctx, "wf", agentID)
			if err != nil {
				t.Fatalf("%s: %v", agentID, err)
			}
			if v.VersionNumber != 1 {
				t.Errorf("%s version = %d", agentID, v.VersionNumber)
			}
		}
	})

	t.Run("attach_is_idempotent", func(t *testing.T) {
		l, _, prompts := testLoop(t, LoopConfig{Enabled: true})
		if err := l.AttachToTeam(ctx); err != nil {
			t.Fatal(err)
		}
		if err := l.AttachToTeam(ctx); err != nil {
			t.Fatal(err)
		}
		versions, err := prompts.ListVersions(ctx, "wf", "planner")
		if err != nil {
			t.Fatal(err)
		}
		if len(versions) != 1 {
			t.Errorf("expected one version, got %d", len(versions))
		}
	})

	t.Run("loads_evolved_persona_into_live_agent", func(t *testing.T) {
		l, _, prompts := testLoop(t, LoopConfig{Enabled: true})
		if err := l.AttachToTeam(ctx); err != nil {
			t.Fatal(err)
		}

		// A later process applies a patch; re-attach picks it up.
		p := &promptstore.PromptPatch{
			WorkflowID:      "wf",
			AgentID:         "planner",
			ProposedPersona: "You are an evolved planner.",
			GeneratedBy:     promptstore.GeneratedHeuristic,
			Confidence:      0.6,
		}
		if err := prompts.SavePatch(ctx, p); err != nil {
			t.Fatal(err)
		}
		if err := prompts.ApprovePatch(ctx, p.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := prompts.ApplyPatch(ctx, p.ID); err != nil {
			t.Fatal(err)
		}

		l2, _, _ := testLoopSharing(t, LoopConfig{Enabled: true}, l)
		if err := l2.AttachToTeam(ctx); err != nil {
			t.Fatal(err)
		}
		live := l2.registry.Get("planner")
		if live.Persona() != "You are an evolved planner." {
			t.Errorf("persona = %q", live.Persona())
		}
	})
}

// testLoopSharing builds a second loop over the same stores, simulating a
// process restart with fresh in-memory state.
func testLoopSharing(t *testing.T, cfg LoopConfig, prev *Loop) (*Loop, *state.Store, *promptstore.Store) {
	t.Helper()
	eventBus := bus.New()
	registry := agent.NewRegistry()
	tracker := NewPerformanceTracker(cfg.PerformanceThreshold,
		BelowThresholdHook(eventBus, prev.def.ID, cfg.PerformanceThreshold))
	stagnation := NewStagnationDetector(cfg.StagnationThreshold,
		StagnationHook(eventBus, prev.def.ID, cfg.StagnationThreshold))
	recorder := &RunRecorder{
		Runs:         prev.runs,
		Prompts:      prev.prompts,
		Verifier:     testVerifier(t),
		Tracker:      tracker,
		Capabilities: NewCapabilityMap(prev.def.ID, prev.prompts, nil),
		Stagnation:   stagnation,
	}
	evolver, err := NewPromptEvolver(nil, prev.prompts, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewLoop(cfg, prev.def, registry, prev.runs, prev.prompts, recorder, evolver, eventBus, nil, nil), prev.runs, prev.prompts
}

func TestLoopRecordCompletedRun(t *testing.T) {
	ctx := context.Background()

	t.Run("poor_run_auto_applies_a_patch", func(t *testing.T) {
		l, runs, prompts := testLoop(t, LoopConfig{Enabled: true, AutoApply: true})
		if err := l.AttachToTeam(ctx); err != nil {
			t.Fatal(err)
		}

		run := seedRun(t, runs, [][3]string{
			{"plan", "planner", "vague unstructured output"},
			{"implement", "coder", "vague unstructured output"},
		})
		l.RecordCompletedRun(run)
		l.Wait()

		live := l.registry.Get("planner")
		if !strings.Contains(live.Persona(), "CRITICAL:") {
			t.Errorf("persona not evolved: %q", live.Persona())
		}
		v, err := prompts.ActiveVersion(ctx, "wf", "planner")
		if err != nil {
			t.Fatal(err)
		}
		if v.VersionNumber < 2 {
			t.Errorf("expected an applied version, got %d", v.VersionNumber)
		}
		applied, err := prompts.ListPatches(ctx, "wf", promptstore.PatchApplied)
		if err != nil {
			t.Fatal(err)
		}
		if len(applied) == 0 {
			t.Error("expected at least one applied patch")
		}
	})

	t.Run("without_auto_apply_patch_stays_pending", func(t *testing.T) {
		l, runs, prompts := testLoop(t, LoopConfig{Enabled: true})
		if err := l.AttachToTeam(ctx); err != nil {
			t.Fatal(err)
		}
		run := seedRun(t, runs, [][3]string{
			{"plan", "planner", "vague unstructured output"},
		})
		l.RecordCompletedRun(run)
		l.Wait()

		live := l.registry.Get("planner")
		if strings.Contains(live.Persona(), "CRITICAL:") {
			t.Errorf("persona mutated without auto-apply: %q", live.Persona())
		}
		pending, err := prompts.ListPatches(ctx, "wf", promptstore.PatchPending)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) == 0 {
			t.Error("expected a pending patch")
		}
	})

	t.Run("disabled_loop_records_nothing", func(t *testing.T) {
		l, runs, prompts := testLoop(t, LoopConfig{Enabled: false})
		run := seedRun(t, runs, [][3]string{{"plan", "planner", goodOutput}})
		l.RecordCompletedRun(run)
		l.Wait()

		n, err := prompts.CountRunRecords(ctx, "wf")
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("expected no records, got %d", n)
		}
	})
}

func TestLoopRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("rollback_restores_live_persona", func(t *testing.T) {
		l, _, prompts := testLoop(t, LoopConfig{Enabled: true})
		if err := l.AttachToTeam(ctx); err != nil {
			t.Fatal(err)
		}
		p := &promptstore.PromptPatch{
			WorkflowID:      "wf",
			AgentID:         "planner",
			ProposedPersona: "You are a patched planner.",
			GeneratedBy:     promptstore.GeneratedHeuristic,
			Confidence:      0.6,
		}
		if err := prompts.SavePatch(ctx, p); err != nil {
			t.Fatal(err)
		}
		if err := prompts.ApprovePatch(ctx, p.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := l.ApplyPatch(ctx, p.ID); err != nil {
			t.Fatal(err)
		}

		live := l.registry.Get("planner")
		if live.Persona() != "You are a patched planner." {
			t.Fatalf("apply did not reach the live agent: %q", live.Persona())
		}

		restored, err := l.Rollback(ctx, "planner")
		if err != nil {
			t.Fatal(err)
		}
		if restored == nil {
			t.Fatal("expected a restored version")
		}
		if live.Persona() != "You are a planner." {
			t.Errorf("persona after rollback = %q", live.Persona())
		}
	})

	t.Run("rollback_at_chain_head_is_nil", func(t *testing.T) {
		l, _, _ := testLoop(t, LoopConfig{Enabled: true})
		if err := l.AttachToTeam(ctx); err != nil {
			t.Fatal(err)
		}
		restored, err := l.Rollback(ctx, "planner")
		if err != nil {
			t.Fatal(err)
		}
		if restored != nil {
			t.Errorf("expected nil at chain head, got %+v", restored)
		}
	})
}

func TestLoopFeedbackStatus(t *testing.T) {
	ctx := context.Background()

	l, runs, _ := testLoop(t, LoopConfig{Enabled: true})
	if err := l.AttachToTeam(ctx); err != nil {
		t.Fatal(err)
	}
	run := seedRun(t, runs, [][3]string{
		{"plan", "planner", goodOutput},
		{"implement", "coder", goodOutput},
	})
	l.RecordCompletedRun(run)
	l.Wait()

	st, err := l.FeedbackStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.WorkflowID != "wf" || !st.Enabled {
		t.Errorf("header: %+v", st)
	}
	if st.RunsRecorded != 1 {
		t.Errorf("runs recorded = %d", st.RunsRecorded)
	}
	if len(st.Agents) != 2 {
		t.Fatalf("agents = %+v", st.Agents)
	}
	for _, a := range st.Agents {
		if !a.HasData {
			t.Errorf("agent %s has no data", a.AgentID)
		}
		if a.ActiveVersion != 1 {
			t.Errorf("agent %s version = %d", a.AgentID, a.ActiveVersion)
		}
	}
	if len(st.Capabilities) != 10 {
		t.Errorf("capabilities = %d", len(st.Capabilities))
	}
}
