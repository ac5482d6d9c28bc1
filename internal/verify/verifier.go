// Package verify scores one step's output against the SMARC rubric:
// Specific, Measurable, Actionable, Reusable, Compoundable. The rule-based
// path is cheap and always available; the semantic path asks an LLM to score
// against the same rubric and transparently falls back to the rules on any
// call or parse failure.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/evoloop/internal/llmjson"
)

// Executor invokes an LLM with a persona and input, returning its output.
type Executor func(ctx context.Context, persona, input string) (string, error)

// Score sources.
const (
	SourceRule = "rule"
	SourceLLM  = "llm"
)

// PassThreshold is the composite score at which a step's output passes.
const PassThreshold = 0.6

// Criteria lists the five SMARC axes in canonical order.
var Criteria = []string{"specific", "measurable", "actionable", "reusable", "compoundable"}

// Scores holds the five SMARC scores for one step output, each in [0, 1].
type Scores struct {
	Specific     float64
	Measurable   float64
	Actionable   float64
	Reusable     float64
	Compoundable float64
	Reasoning    map[string]string
	Source       string
}

// ByCriterion returns the scores keyed by criterion name.
func (s Scores) ByCriterion() map[string]float64 {
	return map[string]float64{
		"specific":     s.Specific,
		"measurable":   s.Measurable,
		"actionable":   s.Actionable,
		"reusable":     s.Reusable,
		"compoundable": s.Compoundable,
	}
}

// Composite is the mean of the five scores.
func (s Scores) Composite() float64 {
	return (s.Specific + s.Measurable + s.Actionable + s.Reusable + s.Compoundable) / 5
}

// Passed reports whether the composite clears the pass threshold.
func (s Scores) Passed() bool {
	return s.Composite() >= PassThreshold
}

const rubricPersona = `You are a strict output-quality reviewer. Score the given agent output
against five criteria, each from 0.0 to 1.0:
- specific: concrete details, no vague filler
- measurable: contains quantities, counts, or verifiable claims
- actionable: names clear next steps or recommendations
- reusable: knowledge that transfers beyond this single task
- compoundable: artifacts or structure later steps can build on

Respond with only a JSON object:
{"specific": {"score": 0.0, "reason": "one sentence"},
 "measurable": {"score": 0.0, "reason": "one sentence"},
 "actionable": {"score": 0.0, "reason": "one sentence"},
 "reusable": {"score": 0.0, "reason": "one sentence"},
 "compoundable": {"score": 0.0, "reason": "one sentence"}}`

const rubricSchemaJSON = `{
	"type": "object",
	"required": ["specific", "measurable", "actionable", "reusable", "compoundable"],
	"properties": {
		"specific": {"$ref": "#/$defs/axis"},
		"measurable": {"$ref": "#/$defs/axis"},
		"actionable": {"$ref": "#/$defs/axis"},
		"reusable": {"$ref": "#/$defs/axis"},
		"compoundable": {"$ref": "#/$defs/axis"}
	},
	"$defs": {
		"axis": {
			"type": "object",
			"required": ["score"],
			"properties": {
				"score": {"type": "number", "minimum": 0, "maximum": 1},
				"reason": {"type": "string"}
			}
		}
	}
}`

// Verifier scores step outputs. With a nil LLM executor only the rule-based
// path runs.
type Verifier struct {
	llm      Executor
	schema   *jsonschema.Schema
	logger   *slog.Logger
	fallback func() // invoked when the semantic path degrades, for metrics
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithFallbackHook registers a hook invoked whenever the semantic path falls
// back to rule-based scoring.
func WithFallbackHook(hook func()) Option {
	return func(v *Verifier) { v.fallback = hook }
}

// New creates a Verifier. llm may be nil.
func New(llm Executor, logger *slog.Logger, opts ...Option) (*Verifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := llmjson.CompileSchema([]byte(rubricSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile rubric schema: %w", err)
	}
	v := &Verifier{llm: llm, schema: schema, logger: logger}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify scores one step output. It never returns an error: the semantic
// path degrades to the rule-based result, which is total.
func (v *Verifier) Verify(ctx context.Context, stepID, agentID, output string) Scores {
	if v.llm == nil {
		return v.verifyRules(output)
	}
	scores, err := v.verifySemantic(ctx, stepID, output)
	if err != nil {
		v.logger.Warn("semantic verification failed, using rule-based scores",
			"step_id", stepID, "agent_id", agentID, "error", err)
		if v.fallback != nil {
			v.fallback()
		}
		return v.verifyRules(output)
	}
	return scores
}

// verifyRules runs the five boolean checks over an output-derived document.
func (v *Verifier) verifyRules(output string) Scores {
	doc := deriveDoc(output)
	b2f := func(b bool) float64 {
		if b {
			return 1.0
		}
		return 0.0
	}
	return Scores{
		Specific:     b2f(checkSpecific(doc)),
		Measurable:   b2f(checkMeasurable(doc)),
		Actionable:   b2f(checkActionable(doc)),
		Reusable:     b2f(checkReusable(doc)),
		Compoundable: b2f(checkCompoundable(doc, output)),
		Source:       SourceRule,
	}
}

func (v *Verifier) verifySemantic(ctx context.Context, stepID, output string) (Scores, error) {
	input := fmt.Sprintf("Step: %s\n\nOutput to score:\n%s", stepID, output)
	response, err := v.llm(ctx, rubricPersona, input)
	if err != nil {
		return Scores{}, fmt.Errorf("rubric call: %w", err)
	}

	var decoded map[string]struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if err := llmjson.Decode(v.schema, response, &decoded); err != nil {
		return Scores{}, err
	}

	scores := Scores{Source: SourceLLM, Reasoning: make(map[string]string, len(Criteria))}
	for _, c := range Criteria {
		axis := decoded[c]
		scores.Reasoning[c] = axis.Reason
		switch c {
		case "specific":
			scores.Specific = axis.Score
		case "measurable":
			scores.Measurable = axis.Score
		case "actionable":
			scores.Actionable = axis.Score
		case "reusable":
			scores.Reusable = axis.Score
		case "compoundable":
			scores.Compoundable = axis.Score
		}
	}
	return scores, nil
}

// deriveDoc builds the document the rule checks operate on: the output
// parsed as a JSON object when possible, otherwise a single-field wrapper.
func deriveDoc(output string) map[string]any {
	trimmed := strings.TrimSpace(output)
	var doc map[string]any
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil && len(doc) > 0 {
		return doc
	}
	return map[string]any{"output": trimmed}
}

// checkSpecific: all fields present and non-empty.
func checkSpecific(doc map[string]any) bool {
	if len(doc) == 0 {
		return false
	}
	for _, val := range doc {
		switch t := val.(type) {
		case nil:
			return false
		case string:
			if strings.TrimSpace(t) == "" {
				return false
			}
		}
	}
	return true
}

// checkMeasurable: any numeric field, or any string field.
func checkMeasurable(doc map[string]any) bool {
	for _, val := range doc {
		switch t := val.(type) {
		case float64, int, int64, json.Number:
			return true
		case string:
			if strings.TrimSpace(t) != "" {
				return true
			}
		}
	}
	return false
}

// checkActionable: names a next step or recommendation.
func checkActionable(doc map[string]any) bool {
	for _, key := range []string{"next_step", "next_steps", "recommendation", "recommendations"} {
		if _, ok := doc[key]; ok {
			return true
		}
	}
	return false
}

// checkReusable: more than one field of extractable knowledge.
func checkReusable(doc map[string]any) bool {
	return len(doc) > 1
}

// checkCompoundable: produced artifacts and a substantial body.
func checkCompoundable(doc map[string]any, output string) bool {
	_, hasArtifacts := doc["artifacts"]
	return hasArtifacts && len(output) > 200
}
