package improve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/basket/evoloop/internal/promptstore"
	"github.com/basket/evoloop/internal/verify"
)

// criterionCapability maps the five rubric criteria to capability names.
var criterionCapability = map[string]string{
	"specific":     "output_specificity",
	"measurable":   "output_measurability",
	"actionable":   "output_actionability",
	"reusable":     "knowledge_reusability",
	"compoundable": "knowledge_compoundability",
}

// CapabilityNames lists the capability names in rubric order.
func CapabilityNames() []string {
	names := make([]string, 0, len(verify.Criteria))
	for _, c := range verify.Criteria {
		names = append(names, criterionCapability[c])
	}
	return names
}

// Proficiency values for the boolean rule-based path.
const (
	proficiencyPass = 0.8
	proficiencyFail = 0.1
)

// Gap thresholds.
const (
	lowProficiency = 0.5
	staleAfter     = 7 * 24 * time.Hour
)

// Gaps buckets capability names by why they need attention.
type Gaps struct {
	Low     []string // proficiency under the low threshold
	Missing []string // expected entries never populated
	Stale   []string // not updated recently
}

// All returns every gap name, low then missing then stale, deduplicated.
func (g Gaps) All() []string {
	seen := make(map[string]bool)
	var all []string
	for _, bucket := range [][]string{g.Low, g.Missing, g.Stale} {
		for _, name := range bucket {
			if !seen[name] {
				seen[name] = true
				all = append(all, name)
			}
		}
	}
	return all
}

// Empty reports whether no bucket has entries.
func (g Gaps) Empty() bool {
	return len(g.Low) == 0 && len(g.Missing) == 0 && len(g.Stale) == 0
}

// CapabilityMap tracks per-agent quality capabilities for one workflow,
// persisted forward-only in the prompt store.
type CapabilityMap struct {
	workflowID string
	store      *promptstore.Store
	logger     *slog.Logger
}

// NewCapabilityMap creates a map backed by the prompt store.
func NewCapabilityMap(workflowID string, store *promptstore.Store, logger *slog.Logger) *CapabilityMap {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapabilityMap{workflowID: workflowID, store: store, logger: logger}
}

// ObserveScores folds one step's rubric scores into the agent's capability
// entries. Rule-sourced boolean scores map to fixed pass/fail proficiency;
// semantic floats are stored directly.
func (m *CapabilityMap) ObserveScores(ctx context.Context, agentID string, scores verify.Scores) error {
	byCriterion := scores.ByCriterion()
	for _, criterion := range verify.Criteria {
		score := byCriterion[criterion]
		proficiency := score
		if scores.Source == verify.SourceRule {
			if score >= 1 {
				proficiency = proficiencyPass
			} else {
				proficiency = proficiencyFail
			}
		}
		evidence := scores.Reasoning[criterion]
		if evidence == "" {
			evidence = fmt.Sprintf("%s score %.2f", criterion, score)
		}
		err := m.store.UpsertCapability(ctx, promptstore.CapabilityState{
			WorkflowID:  m.workflowID,
			Name:        capabilityKey(agentID, criterion),
			Proficiency: proficiency,
			Source:      scores.Source,
			Evidence:    evidence,
		})
		if err != nil {
			return fmt.Errorf("observe %s for %s: %w", criterion, agentID, err)
		}
	}
	return nil
}

// IdentifyGaps returns the capability entries needing attention for the
// given agents: low proficiency, expected-but-missing, and stale.
func (m *CapabilityMap) IdentifyGaps(ctx context.Context, agentIDs []string) (Gaps, error) {
	states, err := m.store.ListCapabilities(ctx, m.workflowID)
	if err != nil {
		return Gaps{}, fmt.Errorf("list capabilities: %w", err)
	}

	byName := make(map[string]promptstore.CapabilityState, len(states))
	for _, st := range states {
		byName[st.Name] = st
	}

	var gaps Gaps
	now := time.Now()
	for _, agentID := range agentIDs {
		for _, criterion := range verify.Criteria {
			key := capabilityKey(agentID, criterion)
			st, ok := byName[key]
			if !ok {
				gaps.Missing = append(gaps.Missing, key)
				continue
			}
			if st.Proficiency < lowProficiency {
				gaps.Low = append(gaps.Low, key)
			}
			if now.Sub(st.UpdatedAt) > staleAfter {
				gaps.Stale = append(gaps.Stale, key)
			}
		}
	}
	sort.Strings(gaps.Low)
	sort.Strings(gaps.Missing)
	sort.Strings(gaps.Stale)
	return gaps, nil
}

// GapsForAgent filters a gap set down to one agent's entries.
func GapsForAgent(gaps Gaps, agentID string) []string {
	prefix := agentID + "_"
	var out []string
	for _, name := range gaps.All() {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

func capabilityKey(agentID, criterion string) string {
	return agentID + "_" + criterionCapability[criterion]
}
