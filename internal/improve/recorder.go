package improve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/evoloop/internal/promptstore"
	"github.com/basket/evoloop/internal/state"
	"github.com/basket/evoloop/internal/verify"
)

// DefaultPatternTriggerN is the run cadence at which gap analysis runs.
const DefaultPatternTriggerN = 5

// RunRecorder turns one finished run into improvement signals: it verifies
// each step's final output, feeds the tracker and capability map, logs one
// stagnation activity, and persists an immutable run record. Sub-step
// failures are logged and degrade that step's contribution, never aborting
// the record.
type RunRecorder struct {
	Runs            *state.Store
	Prompts         *promptstore.Store
	Verifier        *verify.Verifier
	Tracker         *PerformanceTracker
	Capabilities    *CapabilityMap
	Stagnation      *StagnationDetector
	Logger          *slog.Logger
	PatternTriggerN int

	// OnPatternTrigger fires every PatternTriggerN recorded runs with the
	// total record count for the workflow.
	OnPatternTrigger func(runCount int)
}

// Record scores and persists one finished run. Safe to call for both
// completed and failed runs; already-recorded runs are a no-op.
func (r *RunRecorder) Record(ctx context.Context, run *state.Run) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := r.PatternTriggerN
	if n <= 0 {
		n = DefaultPatternTriggerN
	}

	results, err := r.Runs.ListStepResults(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list step results: %w", err)
	}

	// Final attempt per step, in first-seen order.
	type stepFinal struct {
		result   *state.StepResult
		attempts int
	}
	var order []string
	finals := make(map[string]*stepFinal)
	for _, res := range results {
		if f, ok := finals[res.StepID]; ok {
			f.result = res
			f.attempts++
			continue
		}
		finals[res.StepID] = &stepFinal{result: res, attempts: 1}
		order = append(order, res.StepID)
	}

	stepScores := make(map[string]map[string]float64, len(order))
	agentScores := make(map[string]float64)
	agentSteps := make(map[string]int)
	totalRetries := 0
	var compositeSum float64

	for _, stepID := range order {
		f := finals[stepID]
		res := f.result
		retries := f.attempts - 1
		totalRetries += retries
		success := res.Status == state.StepCompleted

		scores := r.Verifier.Verify(ctx, stepID, res.Agent, res.Output)
		stepScores[stepID] = scores.ByCriterion()

		composite := r.Tracker.Record(res.Agent, scores.Composite(), retries, success)
		agentScores[res.Agent] += composite
		agentSteps[res.Agent]++
		compositeSum += composite

		if err := r.Capabilities.ObserveScores(ctx, res.Agent, scores); err != nil {
			logger.Warn("capability update failed, continuing",
				"run_id", run.ID, "step_id", stepID, "error", err)
		}
	}

	for agentID, sum := range agentScores {
		agentScores[agentID] = sum / float64(agentSteps[agentID])
	}

	meanScore := 0.0
	if len(order) > 0 {
		meanScore = compositeSum / float64(len(order))
	}
	r.Stagnation.LogActivity(meanScore)

	record := &promptstore.RunRecord{
		RunID:          run.ID,
		WorkflowID:     run.WorkflowID,
		StepScores:     stepScores,
		AgentScores:    agentScores,
		PromptVersions: r.activeVersions(ctx, run.WorkflowID, agentIDsOf(agentScores), logger),
		TotalRetries:   totalRetries,
		TotalSteps:     run.TotalSteps,
		DurationMs:     runDurationMs(run, results),
	}
	if err := r.Prompts.SaveRunRecord(ctx, record); err != nil {
		if errors.Is(err, promptstore.ErrRecordExists) {
			logger.Debug("run already recorded", "run_id", run.ID)
			return nil
		}
		return fmt.Errorf("save run record: %w", err)
	}

	count, err := r.Prompts.CountRunRecords(ctx, run.WorkflowID)
	if err != nil {
		logger.Warn("run record count failed, skipping pattern check",
			"workflow_id", run.WorkflowID, "error", err)
		return nil
	}
	if count > 0 && count%n == 0 && r.OnPatternTrigger != nil {
		r.OnPatternTrigger(count)
	}
	return nil
}

// activeVersions snapshots each agent's active prompt version id. Missing
// versions are simply omitted.
func (r *RunRecorder) activeVersions(ctx context.Context, workflowID string, agentIDs []string, logger *slog.Logger) map[string]string {
	versions := make(map[string]string, len(agentIDs))
	for _, agentID := range agentIDs {
		v, err := r.Prompts.ActiveVersion(ctx, workflowID, agentID)
		if err != nil {
			if !errors.Is(err, promptstore.ErrNoActiveVersion) {
				logger.Warn("active version lookup failed",
					"workflow_id", workflowID, "agent_id", agentID, "error", err)
			}
			continue
		}
		versions[agentID] = v.ID
	}
	return versions
}

// runDurationMs spans from the first attempt's start to the last attempt's
// completion. The run struct handed in by the CLI carries zero timestamps
// until reloaded, so the step rows are the authoritative clock; the run's
// own timestamps are only a fallback for step-less runs.
func runDurationMs(run *state.Run, results []*state.StepResult) int64 {
	if n := len(results); n > 0 {
		first, last := results[0].StartedAt, results[n-1].CompletedAt
		if !first.IsZero() && !last.IsZero() {
			if d := last.Sub(first).Milliseconds(); d > 0 {
				return d
			}
			return 0
		}
	}
	if run.CreatedAt.IsZero() || run.UpdatedAt.IsZero() {
		return 0
	}
	return run.UpdatedAt.Sub(run.CreatedAt).Milliseconds()
}

func agentIDsOf(scores map[string]float64) []string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	return ids
}
