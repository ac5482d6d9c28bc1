// Package runner executes one workflow step by step: template substitution,
// agent invocation through the injected executor, durable persistence of
// every attempt, and retry / loop-back / escalate / stop handling on
// failure.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/evoloop/internal/bus"
	"github.com/basket/evoloop/internal/otel"
	"github.com/basket/evoloop/internal/state"
	"github.com/basket/evoloop/internal/workflow"
)

// Executor invokes one agent: persona (system prompt) plus rendered step
// input, returning the agent's output. Implementations own their timeouts;
// the runner only passes the context through.
type Executor func(ctx context.Context, persona, input string) (string, error)

// PersonaSource resolves the persona text an agent should run with. The
// prompt version store implements this, including deterministic A/B routing
// by run id. A nil source means the static workflow prompt is used.
type PersonaSource interface {
	PersonaForRun(ctx context.Context, workflowID, agentID, runID string) (string, error)
}

// Config holds the runner's dependencies.
type Config struct {
	Store    *state.Store
	Execute  Executor
	LLM      Executor // optional, used for failure analysis
	Personas PersonaSource
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
}

// Runner drives workflow runs against the state store.
type Runner struct {
	store    *state.Store
	execute  Executor
	personas PersonaSource
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	failure  *FailureHandler
}

// New creates a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    cfg.Store,
		execute:  cfg.Execute,
		personas: cfg.Personas,
		bus:      cfg.Bus,
		logger:   logger,
		metrics:  cfg.Metrics,
		failure:  NewFailureHandler(cfg.LLM, logger),
	}
}

// FailureHandler exposes the handler for callers that drive steps manually.
func (r *Runner) FailureHandler() *FailureHandler {
	return r.failure
}

// Start creates and persists a new pending run for the workflow.
func (r *Runner) Start(ctx context.Context, def *workflow.Definition, task string, vars map[string]any) (*state.Run, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	run, err := r.store.CreateRun(ctx, def.ID, task, len(def.Steps), vars)
	if err != nil {
		return nil, err
	}
	r.logger.Info("run created", "run_id", run.ID, "workflow_id", def.ID, "steps", len(def.Steps))
	if r.metrics != nil {
		r.metrics.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", def.ID)))
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicRunStarted, run.ID)
	}
	return run, nil
}

// ExecuteStep runs the step at index i. The attempt is always persisted,
// whether it completed or failed; executor errors and missing expected
// substrings become failed step results, never returned errors. The updated
// run (context, current step) is persisted before ExecuteStep returns, so a
// crash leaves the run resumable at the next incomplete step.
func (r *Runner) ExecuteStep(ctx context.Context, def *workflow.Definition, run *state.Run, i int) (*state.StepResult, error) {
	if i < 0 || i >= len(def.Steps) {
		return nil, fmt.Errorf("step index %d out of range (workflow %s has %d steps)", i, def.ID, len(def.Steps))
	}
	step := def.Steps[i]
	agent, ok := def.AgentByID(step.Agent)
	if !ok {
		return nil, fmt.Errorf("step %s references unknown agent %s", step.ID, step.Agent)
	}

	vars := make(map[string]any, len(run.Context)+4)
	for k, v := range run.Context {
		vars[k] = v
	}
	vars["step_number"] = i + 1
	vars["step_id"] = step.ID
	if prev, err := r.store.LatestStepResult(ctx, run.ID); err == nil && prev != nil {
		vars["previous_output"] = prev.Output
		vars["previous_agent"] = prev.Agent
	}

	input := workflow.Substitute(step.Input, vars)
	persona := agent.Prompt
	if r.personas != nil {
		if p, err := r.personas.PersonaForRun(ctx, def.ID, agent.ID, run.ID); err != nil {
			r.logger.Warn("persona lookup failed, using workflow prompt",
				"workflow_id", def.ID, "agent_id", agent.ID, "error", err)
		} else if p != "" {
			persona = p
		}
	}

	started := time.Now().UTC()
	output, execErr := r.execute(ctx, persona, input)
	completed := time.Now().UTC()

	result := &state.StepResult{
		RunID:       run.ID,
		StepID:      step.ID,
		Agent:       agent.ID,
		Input:       input,
		Output:      output,
		StartedAt:   started,
		CompletedAt: completed,
	}
	switch {
	case execErr != nil:
		result.Status = state.StepFailed
		result.Error = fmt.Sprintf("executor error: %v", execErr)
	case step.Expects != "" && !strings.Contains(output, step.Expects):
		result.Status = state.StepFailed
		result.Error = fmt.Sprintf("expected substring %q not found in output", step.Expects)
	default:
		result.Status = state.StepCompleted
	}

	if err := r.store.AppendStepResult(ctx, result); err != nil {
		return nil, err
	}

	if result.Status == state.StepCompleted {
		run.StepOutputs()[step.ID] = output
	}
	run.CurrentStep = i
	if err := r.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.StepDuration.Record(ctx, completed.Sub(started).Seconds(),
			metric.WithAttributes(
				attribute.String("workflow_id", def.ID),
				attribute.String("step_id", step.ID),
				attribute.String("status", string(result.Status)),
			))
	}
	r.logger.Info("step executed",
		"run_id", run.ID, "step_id", step.ID, "agent_id", agent.ID,
		"status", result.Status, "duration", completed.Sub(started))
	return result, nil
}

// RunAll drives every step sequentially, consulting the failure handler on
// each failed attempt. Workflow-level failure is not an error: it is
// reflected in run.Status and run.Error, which are always persisted. When
// haltOnFailure is false a stop decision skips the step instead of halting,
// and the run completes only if every step eventually completed.
func (r *Runner) RunAll(ctx context.Context, def *workflow.Definition, run *state.Run, haltOnFailure bool) error {
	if run.Status == state.RunPending {
		run.Status = state.RunRunning
		if err := r.store.SaveRun(ctx, run); err != nil {
			return err
		}
	}

	i := run.CurrentStep
	for i < len(def.Steps) {
		result, err := r.ExecuteStep(ctx, def, run, i)
		if err != nil {
			return err
		}
		if result.Status == state.StepCompleted {
			i++
			continue
		}

		decision := r.failure.Handle(ctx, def, def.Steps[i], run, result.Error)
		if err := r.store.SaveRun(ctx, run); err != nil {
			return err
		}

		switch decision.Action {
		case ActionRetry:
			r.publishStepEvent(bus.TopicStepRetrying, run, def.Steps[i].ID, "", result.Error)
			if r.metrics != nil {
				r.metrics.StepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("step_id", def.Steps[i].ID)))
			}
		case ActionLoopBack:
			target := def.Steps[decision.TargetStep].ID
			r.publishStepEvent(bus.TopicStepLoopBack, run, def.Steps[i].ID, target, result.Error)
			if r.metrics != nil {
				r.metrics.LoopBacks.Add(ctx, 1, metric.WithAttributes(attribute.String("step_id", def.Steps[i].ID)))
			}
			i = decision.TargetStep
		case ActionStop:
			if haltOnFailure {
				return r.failRun(ctx, def, run, decision.Reason)
			}
			r.logger.Warn("continuing past failed step", "run_id", run.ID, "step_id", def.Steps[i].ID, "reason", decision.Reason)
			i++
		}
	}

	return r.finishRun(ctx, def, run)
}

// Resume re-executes only the steps of an interrupted run that never
// completed. Completed work is never replayed.
func (r *Runner) Resume(ctx context.Context, def *workflow.Definition, runID string) (*state.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == state.RunCompleted || run.Status == state.RunFailed {
		return nil, fmt.Errorf("run %s is already terminal (%s)", runID, run.Status)
	}
	if run.WorkflowID != def.ID {
		return nil, fmt.Errorf("run %s belongs to workflow %s, not %s", runID, run.WorkflowID, def.ID)
	}

	done, err := r.store.CompletedStepIDs(ctx, runID)
	if err != nil {
		return nil, err
	}

	next := len(def.Steps)
	for i, step := range def.Steps {
		if !done[step.ID] {
			next = i
			break
		}
	}
	r.logger.Info("resuming run", "run_id", runID, "completed_steps", len(done), "next_step", next)

	run.CurrentStep = next
	if run.Status == state.RunPending {
		run.Status = state.RunRunning
	}
	if err := r.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	if err := r.RunAll(ctx, def, run, true); err != nil {
		return nil, err
	}
	return run, nil
}

// finishRun marks the run completed only if every step has a completed
// attempt; anything short of that is a failure with an explicit reason.
func (r *Runner) finishRun(ctx context.Context, def *workflow.Definition, run *state.Run) error {
	done, err := r.store.CompletedStepIDs(ctx, run.ID)
	if err != nil {
		return err
	}
	var missing []string
	for _, step := range def.Steps {
		if !done[step.ID] {
			missing = append(missing, step.ID)
		}
	}
	if len(missing) > 0 {
		return r.failRun(ctx, def, run, fmt.Sprintf("steps never completed: %s", strings.Join(missing, ", ")))
	}

	run.Status = state.RunCompleted
	if err := r.store.SaveRun(ctx, run); err != nil {
		return err
	}
	r.logger.Info("run completed", "run_id", run.ID, "workflow_id", def.ID)
	if r.metrics != nil {
		r.metrics.RunsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", def.ID)))
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicRunCompleted, run.ID)
	}
	return nil
}

func (r *Runner) failRun(ctx context.Context, def *workflow.Definition, run *state.Run, reason string) error {
	run.Status = state.RunFailed
	run.Error = reason
	if err := r.store.SaveRun(ctx, run); err != nil {
		return err
	}
	r.logger.Warn("run failed", "run_id", run.ID, "workflow_id", def.ID, "reason", reason)
	if r.metrics != nil {
		r.metrics.RunsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", def.ID)))
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicRunFailed, run.ID)
	}
	return nil
}

func (r *Runner) publishStepEvent(topic string, run *state.Run, stepID, target, errMsg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, bus.StepEvent{
		RunID:      run.ID,
		StepID:     stepID,
		TargetStep: target,
		Error:      errMsg,
	})
}
