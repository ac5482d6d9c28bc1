package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/evoloop/internal/state"
	"github.com/basket/evoloop/internal/workflow"
)

const classifierPersona = `You are a workflow failure analyst. A workflow step has failed.
Decide whether the step should be retried, whether execution should loop back
to an earlier step, or whether the workflow should stop.

Respond with exactly three lines:
ACTION: retry | loop_back | stop
TO_STEP: <step id, or none>
FEEDBACK: <one sentence of guidance for the next attempt>`

// classify asks the LLM executor to choose a failure action. Any call or
// parse failure is returned as an error so the caller can fall back to the
// statically configured action.
func (h *FailureHandler) classify(ctx context.Context, def *workflow.Definition, step workflow.StepDefinition, run *state.Run, errMsg string) (Decision, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow: %s\nFailed step: %s (agent %s)\nError: %s\n\n", def.ID, step.ID, step.Agent, errMsg)
	sb.WriteString("Steps in order:\n")
	for i, s := range def.Steps {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, s.ID)
	}
	if out, ok := run.Context["step_outputs"].(map[string]any); ok && len(out) > 0 {
		fmt.Fprintf(&sb, "\nCompleted step outputs so far: %d\n", len(out))
	}

	response, err := h.llm(ctx, classifierPersona, sb.String())
	if err != nil {
		return Decision{}, fmt.Errorf("failure analysis call: %w", err)
	}

	action, toStep, feedback, err := parseClassifierResponse(response)
	if err != nil {
		return Decision{}, err
	}

	switch action {
	case "retry":
		return h.applyRetry(step, run, errMsg, feedback), nil
	case "loop_back":
		if toStep == "" || def.StepIndex(toStep) < 0 {
			return Decision{}, fmt.Errorf("classifier chose loop_back to unknown step %q", toStep)
		}
		// Route through the configured policy's counter but honor the
		// classifier's target.
		target := def.StepIndex(toStep)
		key := loopKey(step.ID, step.OnFailure)
		run.LoopCounts[key]++
		if feedback == "" {
			feedback = buildFeedback(step.OnFailure.FeedbackTemplate, errMsg)
		}
		run.Context["feedback_"+toStep] = feedback
		return Decision{Action: ActionLoopBack, TargetStep: target}, nil
	case "stop":
		return Decision{Action: ActionStop, Reason: fmt.Sprintf("step %s stopped by failure analysis: %s", step.ID, feedback)}, nil
	default:
		return Decision{}, fmt.Errorf("classifier returned unknown action %q", action)
	}
}

// parseClassifierResponse extracts the ACTION / TO_STEP / FEEDBACK lines.
func parseClassifierResponse(response string) (action, toStep, feedback string, err error) {
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "ACTION:"):
			action = strings.ToLower(strings.TrimSpace(line[len("ACTION:"):]))
		case strings.HasPrefix(upper, "TO_STEP:"):
			toStep = strings.TrimSpace(line[len("TO_STEP:"):])
			if strings.EqualFold(toStep, "none") {
				toStep = ""
			}
		case strings.HasPrefix(upper, "FEEDBACK:"):
			feedback = strings.TrimSpace(line[len("FEEDBACK:"):])
		}
	}
	if action == "" {
		return "", "", "", fmt.Errorf("classifier response missing ACTION line")
	}
	return action, toStep, feedback, nil
}
