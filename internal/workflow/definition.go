// Package workflow holds the immutable workflow definition model: the
// ordered step list, the agent roster, and the failure policies that drive
// the runner's retry / loop-back / escalate decisions.
package workflow

import (
	"fmt"
)

// Failure actions a step's on_failure policy may request.
const (
	ActionRetry    = "retry"
	ActionLoopBack = "loop_back"
	ActionEscalate = "escalate"
	ActionStop     = "stop"
)

// OnFailure configures how a failed step is handled.
type OnFailure struct {
	Action           string `yaml:"action"`
	ToStep           string `yaml:"to_step"`
	MaxLoops         int    `yaml:"max_loops"`
	FeedbackTemplate string `yaml:"feedback_template"`
	UseLLMAnalysis   bool   `yaml:"use_llm_analysis"`
	EscalateTo       string `yaml:"escalate_to"`
}

// StepDefinition is one step in a workflow.
type StepDefinition struct {
	ID          string     `yaml:"id"`
	Agent       string     `yaml:"agent"`
	Description string     `yaml:"description"`
	Input       string     `yaml:"input"`
	Expects     string     `yaml:"expects"`
	Retry       int        `yaml:"retry"`
	Timeout     int        `yaml:"timeout"`
	Approval    bool       `yaml:"approval"`
	VerifyWith  string     `yaml:"verify_with"`
	OnFailure   *OnFailure `yaml:"on_failure"`
}

// AgentDefinition describes one agent role referenced by steps.
type AgentDefinition struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Role      string   `yaml:"role"`
	Prompt    string   `yaml:"prompt"`
	Workspace []string `yaml:"workspace"`
	Tools     []string `yaml:"tools"`
}

// Definition is a complete workflow. Immutable once loaded.
type Definition struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Version     string            `yaml:"version"`
	Tags        []string          `yaml:"tags"`
	Agents      []AgentDefinition `yaml:"agents"`
	Steps       []StepDefinition  `yaml:"steps"`
}

// Validate checks that the definition is well-formed.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow has empty id")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.ID)
	}

	agents := make(map[string]bool, len(d.Agents))
	for _, a := range d.Agents {
		if a.ID == "" {
			return fmt.Errorf("workflow %s: agent has empty id", d.ID)
		}
		if agents[a.ID] {
			return fmt.Errorf("workflow %s: duplicate agent id %s", d.ID, a.ID)
		}
		agents[a.ID] = true
	}

	steps := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %s: step has empty id", d.ID)
		}
		if steps[s.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %s", d.ID, s.ID)
		}
		steps[s.ID] = true
		if !agents[s.Agent] {
			return fmt.Errorf("workflow %s: step %s references unknown agent %s", d.ID, s.ID, s.Agent)
		}
	}

	// Loop-back targets and escalation targets must resolve.
	for _, s := range d.Steps {
		of := s.OnFailure
		if of == nil {
			continue
		}
		switch of.Action {
		case "", ActionRetry, ActionLoopBack, ActionEscalate, ActionStop:
		default:
			return fmt.Errorf("workflow %s: step %s has unknown on_failure action %q", d.ID, s.ID, of.Action)
		}
		if of.Action == ActionLoopBack && !steps[of.ToStep] {
			return fmt.Errorf("workflow %s: step %s loops back to unknown step %q", d.ID, s.ID, of.ToStep)
		}
		if of.EscalateTo != "" && !agents[of.EscalateTo] {
			return fmt.Errorf("workflow %s: step %s escalates to unknown agent %q", d.ID, s.ID, of.EscalateTo)
		}
	}
	return nil
}

// StepIndex returns the position of the step with the given id, or -1.
func (d *Definition) StepIndex(stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// AgentByID returns the agent definition for the given id.
func (d *Definition) AgentByID(agentID string) (AgentDefinition, bool) {
	for _, a := range d.Agents {
		if a.ID == agentID {
			return a, true
		}
	}
	return AgentDefinition{}, false
}

// AgentIDs returns the ids of all agents in roster order.
func (d *Definition) AgentIDs() []string {
	ids := make([]string, 0, len(d.Agents))
	for _, a := range d.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}
