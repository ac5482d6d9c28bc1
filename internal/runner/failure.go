package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/evoloop/internal/state"
	"github.com/basket/evoloop/internal/workflow"
)

// Action is the failure handler's decision for a failed step.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionLoopBack Action = "loop_back"
	ActionStop     Action = "stop"
)

// Decision is the outcome of handling one step failure. TargetStep is only
// meaningful for loop_back. Reason explains stop decisions and becomes
// run.error when the run halts.
type Decision struct {
	Action     Action
	TargetStep int
	Reason     string
}

// FailureHandler decides retry / loop-back / escalate / stop for a failed
// step. Side effects are confined to in-place mutation of the run's loop
// counters, context and feedback history; the caller persists the run.
type FailureHandler struct {
	llm    Executor
	logger *slog.Logger
}

// NewFailureHandler creates a handler. llm may be nil, in which case
// use_llm_analysis policies fall back to their static action.
func NewFailureHandler(llm Executor, logger *slog.Logger) *FailureHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureHandler{llm: llm, logger: logger}
}

// Handle decides what to do about a failed step.
func (h *FailureHandler) Handle(ctx context.Context, def *workflow.Definition, step workflow.StepDefinition, run *state.Run, errMsg string) Decision {
	of := step.OnFailure
	if of == nil {
		return Decision{Action: ActionStop, Reason: fmt.Sprintf("step %s failed with no failure policy: %s", step.ID, errMsg)}
	}

	key := loopKey(step.ID, of)
	if run.LoopCounts[key] >= of.MaxLoops {
		return Decision{Action: ActionStop, Reason: fmt.Sprintf("step %s exceeded max_loops=%d (%s)", step.ID, of.MaxLoops, key)}
	}

	if of.UseLLMAnalysis && h.llm != nil {
		decision, err := h.classify(ctx, def, step, run, errMsg)
		if err == nil {
			return decision
		}
		h.logger.Warn("llm failure analysis failed, using configured action",
			"step_id", step.ID, "error", err)
	}

	switch of.Action {
	case workflow.ActionRetry:
		return h.applyRetry(step, run, errMsg, "")
	case workflow.ActionLoopBack:
		return h.applyLoopBack(def, step, run, errMsg, "")
	case workflow.ActionEscalate:
		// Escalation currently behaves as a retry; the metadata is recorded
		// so a future router can hand the step to of.EscalateTo.
		run.Context["escalated_to"] = of.EscalateTo
		run.Context["escalation_reason"] = errMsg
		return h.applyRetry(step, run, errMsg, "")
	default:
		return Decision{Action: ActionStop, Reason: fmt.Sprintf("step %s failed with unhandled action %q: %s", step.ID, of.Action, errMsg)}
	}
}

// loopKey names the counter guarding a failure policy: "<step>_loops" for
// retry-style actions, "<step>_to_<target>_loops" for loop-back.
func loopKey(stepID string, of *workflow.OnFailure) string {
	if of.Action == workflow.ActionLoopBack && of.ToStep != "" {
		return fmt.Sprintf("%s_to_%s_loops", stepID, of.ToStep)
	}
	return stepID + "_loops"
}

func (h *FailureHandler) applyRetry(step workflow.StepDefinition, run *state.Run, errMsg, feedbackOverride string) Decision {
	key := loopKey(step.ID, step.OnFailure)
	run.LoopCounts[key]++

	feedback := feedbackOverride
	if feedback == "" {
		feedback = buildFeedback(step.OnFailure.FeedbackTemplate, errMsg)
	}
	run.Context["feedback"] = feedback
	run.FeedbackHistory = append(run.FeedbackHistory, state.FeedbackEntry{
		StepID:    step.ID,
		Feedback:  feedback,
		CreatedAt: time.Now().UTC(),
	})
	return Decision{Action: ActionRetry}
}

func (h *FailureHandler) applyLoopBack(def *workflow.Definition, step workflow.StepDefinition, run *state.Run, errMsg, feedbackOverride string) Decision {
	of := step.OnFailure
	target := def.StepIndex(of.ToStep)
	if target < 0 {
		return Decision{Action: ActionStop, Reason: fmt.Sprintf("step %s loop_back target %q not found", step.ID, of.ToStep)}
	}

	key := loopKey(step.ID, of)
	run.LoopCounts[key]++

	feedback := feedbackOverride
	if feedback == "" {
		feedback = buildFeedback(of.FeedbackTemplate, errMsg)
	}
	run.Context["feedback_"+of.ToStep] = feedback
	run.FeedbackHistory = append(run.FeedbackHistory, state.FeedbackEntry{
		StepID:    of.ToStep,
		Feedback:  feedback,
		CreatedAt: time.Now().UTC(),
	})
	return Decision{Action: ActionLoopBack, TargetStep: target}
}

// buildFeedback renders the policy's feedback template against the error
// message, or falls back to a generic instruction.
func buildFeedback(template, errMsg string) string {
	if template == "" {
		return fmt.Sprintf("Previous attempt failed: %s. Adjust your approach and try again.", errMsg)
	}
	return workflow.Substitute(template, map[string]any{
		"error":         errMsg,
		"error_message": errMsg,
	})
}
