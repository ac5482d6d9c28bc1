package improve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/evoloop/internal/llmjson"
	"github.com/basket/evoloop/internal/promptstore"
)

// Executor invokes an LLM with a persona and input, returning its output.
type Executor func(ctx context.Context, persona, input string) (string, error)

// Patch confidence levels for the non-LLM paths.
const (
	heuristicConfidence = 0.6
	unchangedConfidence = 0.4
)

const maxPriorLessons = 3

// heuristicSuffixes maps a capability name suffix to the instruction
// appended when that capability gaps. Suffixes are never appended twice.
var heuristicSuffixes = map[string]string{
	"output_specificity":        "CRITICAL: Be specific. Name concrete files, values, and steps; never leave a field vague or empty.",
	"output_measurability":      "CRITICAL: Make outputs measurable. Include quantities, counts, or verifiable claims in every result.",
	"output_actionability":      "CRITICAL: Always state the next step. End every output with an explicit next_step or recommendation.",
	"knowledge_reusability":     "CRITICAL: Extract reusable knowledge. Capture lessons that transfer beyond this single task.",
	"knowledge_compoundability": "CRITICAL: Produce artifacts. Emit structured outputs later steps can build on directly.",
}

const rewritePersona = `You are a prompt engineer improving an AI agent's persona.
You are given the current persona, a list of capability gaps observed in the
agent's outputs, and lessons from earlier revisions. Rewrite the persona to
close the gaps while preserving its role and voice.

Respond with only a JSON object:
{"proposed_persona": "the full rewritten persona",
 "justification": "one or two sentences",
 "confidence": 0.0}`

const rewriteSchemaJSON = `{
	"type": "object",
	"required": ["proposed_persona", "justification", "confidence"],
	"properties": {
		"proposed_persona": {"type": "string", "minLength": 1},
		"justification": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

// PromptEvolver proposes persona patches from capability gaps. With an LLM
// executor it attempts a full rewrite first; any failure falls back to the
// deterministic heuristic, which appends one fixed instruction per matched
// gap.
type PromptEvolver struct {
	llm    Executor
	schema *jsonschema.Schema
	store  *promptstore.Store
	logger *slog.Logger
}

// NewPromptEvolver creates an evolver. llm may be nil to force the
// heuristic path; store may be nil to skip prior-lesson lookup.
func NewPromptEvolver(llm Executor, store *promptstore.Store, logger *slog.Logger) (*PromptEvolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := llmjson.CompileSchema([]byte(rewriteSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile rewrite schema: %w", err)
	}
	return &PromptEvolver{llm: llm, schema: schema, store: store, logger: logger}, nil
}

// Propose builds a pending patch for one agent from its capability gaps.
// It never mutates a live agent and never returns an error for LLM
// failures, only for genuinely empty input.
func (e *PromptEvolver) Propose(ctx context.Context, workflowID, agentID, persona string, gaps []string) (*promptstore.PromptPatch, error) {
	if persona == "" {
		return nil, fmt.Errorf("agent %s has no persona to evolve", agentID)
	}

	var patch *promptstore.PromptPatch
	if e.llm != nil {
		p, err := e.proposeLLM(ctx, workflowID, agentID, persona, gaps)
		if err == nil {
			patch = p
		} else {
			e.logger.Warn("llm persona rewrite failed, using heuristic",
				"workflow_id", workflowID, "agent_id", agentID, "error", err)
		}
	}
	if patch == nil {
		patch = e.proposeHeuristic(workflowID, agentID, persona, gaps)
	}
	patch.BaseVersionID = e.baseVersionID(ctx, workflowID, agentID)
	return patch, nil
}

// baseVersionID snapshots the agent's active version at proposal time so
// the patch records which persona it was proposed against. Best effort;
// an unversioned agent leaves the field empty.
func (e *PromptEvolver) baseVersionID(ctx context.Context, workflowID, agentID string) string {
	if e.store == nil {
		return ""
	}
	v, err := e.store.ActiveVersion(ctx, workflowID, agentID)
	if err != nil {
		if !errors.Is(err, promptstore.ErrNoActiveVersion) {
			e.logger.Warn("active version lookup failed",
				"workflow_id", workflowID, "agent_id", agentID, "error", err)
		}
		return ""
	}
	return v.ID
}

func (e *PromptEvolver) proposeLLM(ctx context.Context, workflowID, agentID, persona string, gaps []string) (*promptstore.PromptPatch, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Current persona:\n%s\n\nCapability gaps:\n", persona)
	for _, g := range gaps {
		fmt.Fprintf(&b, "- %s\n", g)
	}
	if lessons := e.priorLessons(ctx, workflowID, agentID); len(lessons) > 0 {
		b.WriteString("\nLessons from earlier revisions:\n")
		for _, l := range lessons {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}

	response, err := e.llm(ctx, rewritePersona, b.String())
	if err != nil {
		return nil, fmt.Errorf("rewrite call: %w", err)
	}

	var decoded struct {
		ProposedPersona string  `json:"proposed_persona"`
		Justification   string  `json:"justification"`
		Confidence      float64 `json:"confidence"`
	}
	if err := llmjson.Decode(e.schema, response, &decoded); err != nil {
		return nil, err
	}

	return &promptstore.PromptPatch{
		WorkflowID:      workflowID,
		AgentID:         agentID,
		CapabilityGaps:  gaps,
		ProposedPersona: decoded.ProposedPersona,
		Justification:   decoded.Justification,
		GeneratedBy:     promptstore.GeneratedLLM,
		Confidence:      decoded.Confidence,
	}, nil
}

// proposeHeuristic appends the fixed suffix for each matched gap. Suffixes
// already present in the persona are skipped, so repeated proposals
// converge instead of growing.
func (e *PromptEvolver) proposeHeuristic(workflowID, agentID, persona string, gaps []string) *promptstore.PromptPatch {
	proposed := persona
	var applied []string
	for _, gap := range gaps {
		suffix, ok := matchSuffix(gap)
		if !ok {
			continue
		}
		if strings.Contains(proposed, suffix) {
			continue
		}
		proposed = proposed + "\n\n" + suffix
		applied = append(applied, gap)
	}

	if len(applied) == 0 {
		return &promptstore.PromptPatch{
			WorkflowID:      workflowID,
			AgentID:         agentID,
			CapabilityGaps:  gaps,
			ProposedPersona: persona,
			Justification:   "no matching improvement rules for the reported gaps",
			GeneratedBy:     promptstore.GeneratedHeuristic,
			Confidence:      unchangedConfidence,
		}
	}
	return &promptstore.PromptPatch{
		WorkflowID:      workflowID,
		AgentID:         agentID,
		CapabilityGaps:  gaps,
		ProposedPersona: proposed,
		Justification:   fmt.Sprintf("appended corrective instructions for: %s", strings.Join(applied, ", ")),
		GeneratedBy:     promptstore.GeneratedHeuristic,
		Confidence:      heuristicConfidence,
	}
}

// priorLessons returns justifications from the agent's most recent applied
// patches, capped at maxPriorLessons. Best effort.
func (e *PromptEvolver) priorLessons(ctx context.Context, workflowID, agentID string) []string {
	if e.store == nil {
		return nil
	}
	patches, err := e.store.ListPatches(ctx, workflowID, promptstore.PatchApplied)
	if err != nil {
		e.logger.Warn("listing prior patches failed", "workflow_id", workflowID, "error", err)
		return nil
	}
	var lessons []string
	for _, p := range patches {
		if p.AgentID != agentID || p.Justification == "" {
			continue
		}
		lessons = append(lessons, p.Justification)
		if len(lessons) == maxPriorLessons {
			break
		}
	}
	return lessons
}

// matchSuffix finds the heuristic suffix for a "<agent>_<capability>" gap
// name by its capability suffix.
func matchSuffix(gap string) (string, bool) {
	for capability, suffix := range heuristicSuffixes {
		if strings.HasSuffix(gap, capability) {
			return suffix, true
		}
	}
	return "", false
}
