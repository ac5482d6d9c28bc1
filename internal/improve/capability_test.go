package improve

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/evoloop/internal/promptstore"
	"github.com/basket/evoloop/internal/verify"
)

func testPromptStore(t *testing.T) *promptstore.Store {
	t.Helper()
	store, err := promptstore.Open(filepath.Join(t.TempDir(), "improve.db"))
	if err != nil {
		t.Fatalf("open prompt store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCapabilityMap(t *testing.T) {
	ctx := context.Background()

	t.Run("rule_scores_map_to_fixed_proficiency", func(t *testing.T) {
		store := testPromptStore(t)
		m := NewCapabilityMap("wf", store, nil)

		err := m.ObserveScores(ctx, "planner", verify.Scores{
			Specific: 1, Measurable: 1, Actionable: 0, Reusable: 1, Compoundable: 0,
			Source: verify.SourceRule,
		})
		if err != nil {
			t.Fatal(err)
		}

		states, err := store.ListCapabilities(ctx, "wf")
		if err != nil {
			t.Fatal(err)
		}
		byName := make(map[string]float64)
		for _, st := range states {
			byName[st.Name] = st.Proficiency
		}
		if byName["planner_output_specificity"] != 0.8 {
			t.Errorf("specificity = %v", byName["planner_output_specificity"])
		}
		if byName["planner_output_actionability"] != 0.1 {
			t.Errorf("actionability = %v", byName["planner_output_actionability"])
		}
	})

	t.Run("semantic_scores_stored_directly", func(t *testing.T) {
		store := testPromptStore(t)
		m := NewCapabilityMap("wf", store, nil)

		err := m.ObserveScores(ctx, "planner", verify.Scores{
			Specific: 0.65, Measurable: 0.7, Actionable: 0.6, Reusable: 0.55, Compoundable: 0.62,
			Source: verify.SourceLLM,
		})
		if err != nil {
			t.Fatal(err)
		}
		states, err := store.ListCapabilities(ctx, "wf")
		if err != nil {
			t.Fatal(err)
		}
		for _, st := range states {
			if st.Name == "planner_output_specificity" && st.Proficiency != 0.65 {
				t.Errorf("specificity = %v", st.Proficiency)
			}
			if st.Source != verify.SourceLLM {
				t.Errorf("source = %q", st.Source)
			}
		}
	})

	t.Run("gaps_split_into_low_and_missing", func(t *testing.T) {
		store := testPromptStore(t)
		m := NewCapabilityMap("wf", store, nil)

		err := m.ObserveScores(ctx, "planner", verify.Scores{
			Specific: 1, Measurable: 0, Actionable: 1, Reusable: 1, Compoundable: 1,
			Source: verify.SourceRule,
		})
		if err != nil {
			t.Fatal(err)
		}

		gaps, err := m.IdentifyGaps(ctx, []string{"planner", "coder"})
		if err != nil {
			t.Fatal(err)
		}
		if len(gaps.Low) != 1 || gaps.Low[0] != "planner_output_measurability" {
			t.Errorf("low = %v", gaps.Low)
		}
		// Coder never ran, so all five of its entries are missing.
		if len(gaps.Missing) != 5 {
			t.Errorf("missing = %v", gaps.Missing)
		}
		if len(gaps.Stale) != 0 {
			t.Errorf("fresh entries flagged stale: %v", gaps.Stale)
		}
	})

	t.Run("gaps_filter_by_agent", func(t *testing.T) {
		gaps := Gaps{
			Low:     []string{"planner_output_measurability"},
			Missing: []string{"coder_output_specificity", "planner_output_actionability"},
		}
		got := GapsForAgent(gaps, "planner")
		if len(got) != 2 {
			t.Fatalf("got %v", got)
		}
		for _, name := range got {
			if name == "coder_output_specificity" {
				t.Error("coder gap leaked into planner filter")
			}
		}
	})
}
