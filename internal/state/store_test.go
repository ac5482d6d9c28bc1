package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("create_starts_pending_with_task_in_context", func(t *testing.T) {
		store := testStore(t)
		run, err := store.CreateRun(ctx, "wf-1", "ship it", 3, map[string]any{"env": "staging"})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if run.Status != RunPending {
			t.Errorf("expected pending, got %s", run.Status)
		}

		loaded, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if loaded.Context["task"] != "ship it" {
			t.Errorf("task missing from context: %v", loaded.Context)
		}
		if loaded.Context["env"] != "staging" {
			t.Errorf("extra context var missing: %v", loaded.Context)
		}
	})

	t.Run("context_envelope_round_trips", func(t *testing.T) {
		store := testStore(t)
		run, err := store.CreateRun(ctx, "wf-1", "task", 2, nil)
		if err != nil {
			t.Fatal(err)
		}
		run.Status = RunRunning
		run.CurrentStep = 1
		run.StepOutputs()["plan"] = "the plan"
		run.LoopCounts["plan_loops"] = 2
		run.FeedbackHistory = append(run.FeedbackHistory, FeedbackEntry{
			StepID: "plan", Feedback: "try harder", CreatedAt: time.Now().UTC(),
		})
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}

		loaded, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if loaded.LoopCounts["plan_loops"] != 2 {
			t.Errorf("loop counts lost: %v", loaded.LoopCounts)
		}
		outputs, _ := loaded.Context["step_outputs"].(map[string]any)
		if outputs["plan"] != "the plan" {
			t.Errorf("step outputs lost: %v", loaded.Context)
		}
		if len(loaded.FeedbackHistory) != 1 || loaded.FeedbackHistory[0].Feedback != "try harder" {
			t.Errorf("feedback history lost: %+v", loaded.FeedbackHistory)
		}
	})

	t.Run("invalid_transition_rejected", func(t *testing.T) {
		store := testStore(t)
		run, err := store.CreateRun(ctx, "wf-1", "task", 1, nil)
		if err != nil {
			t.Fatal(err)
		}
		run.Status = RunCompleted // pending -> completed skips running
		if err := store.SaveRun(ctx, run); err == nil {
			t.Error("expected transition error")
		}
	})

	t.Run("terminal_run_is_frozen", func(t *testing.T) {
		store := testStore(t)
		run, err := store.CreateRun(ctx, "wf-1", "task", 1, nil)
		if err != nil {
			t.Fatal(err)
		}
		run.Status = RunRunning
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatal(err)
		}
		run.Status = RunFailed
		run.Error = "step plan: max loops exceeded"
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatal(err)
		}

		run.Status = RunRunning
		if err := store.SaveRun(ctx, run); err == nil {
			t.Error("expected error reviving failed run")
		}

		loaded, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if loaded.Error != "step plan: max loops exceeded" {
			t.Errorf("run error not persisted: %q", loaded.Error)
		}
	})

	t.Run("get_unknown_run", func(t *testing.T) {
		store := testStore(t)
		if _, err := store.GetRun(ctx, "missing"); err != ErrRunNotFound {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})
}

func TestStepResults(t *testing.T) {
	ctx := context.Background()

	seedRun := func(t *testing.T, store *Store) *Run {
		run, err := store.CreateRun(ctx, "wf-1", "task", 2, nil)
		if err != nil {
			t.Fatal(err)
		}
		return run
	}

	appendResult := func(t *testing.T, store *Store, runID, stepID string, status StepStatus) {
		t.Helper()
		now := time.Now().UTC()
		err := store.AppendStepResult(ctx, &StepResult{
			RunID: runID, StepID: stepID, Agent: "planner", Status: status,
			Input: "in", Output: "out", StartedAt: now, CompletedAt: now,
		})
		if err != nil {
			t.Fatalf("AppendStepResult: %v", err)
		}
	}

	t.Run("attempts_are_append_only", func(t *testing.T) {
		store := testStore(t)
		run := seedRun(t, store)
		appendResult(t, store, run.ID, "plan", StepFailed)
		appendResult(t, store, run.ID, "plan", StepCompleted)

		results, err := store.ListStepResults(ctx, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 2 {
			t.Fatalf("expected 2 attempts, got %d", len(results))
		}
		if results[0].Status != StepFailed || results[1].Status != StepCompleted {
			t.Errorf("attempt order wrong: %s then %s", results[0].Status, results[1].Status)
		}
	})

	t.Run("completed_step_ids", func(t *testing.T) {
		store := testStore(t)
		run := seedRun(t, store)
		appendResult(t, store, run.ID, "plan", StepCompleted)
		appendResult(t, store, run.ID, "implement", StepFailed)

		done, err := store.CompletedStepIDs(ctx, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !done["plan"] || done["implement"] {
			t.Errorf("unexpected completed set: %v", done)
		}
	})

	t.Run("retry_counts", func(t *testing.T) {
		store := testStore(t)
		run := seedRun(t, store)
		appendResult(t, store, run.ID, "plan", StepFailed)
		appendResult(t, store, run.ID, "plan", StepFailed)
		appendResult(t, store, run.ID, "plan", StepCompleted)
		appendResult(t, store, run.ID, "implement", StepCompleted)

		retries, err := store.CountRetries(ctx, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if retries["plan"] != 2 {
			t.Errorf("expected 2 retries for plan, got %d", retries["plan"])
		}
		if _, ok := retries["implement"]; ok {
			t.Errorf("implement should have no retries: %v", retries)
		}
	})
}
