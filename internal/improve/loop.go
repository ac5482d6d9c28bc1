package improve

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/evoloop/internal/agent"
	"github.com/basket/evoloop/internal/bus"
	"github.com/basket/evoloop/internal/otel"
	"github.com/basket/evoloop/internal/promptstore"
	"github.com/basket/evoloop/internal/state"
	"github.com/basket/evoloop/internal/workflow"
)

// LoopConfig tunes one workflow's improvement loop.
type LoopConfig struct {
	Enabled              bool
	AutoApply            bool
	PerformanceThreshold float64
	StagnationThreshold  float64
	PatternTriggerN      int
	MinPatchConfidence   float64
}

// DefaultMinPatchConfidence is the confidence under which a proposed patch
// is saved but never auto-applied.
const DefaultMinPatchConfidence = 0.5

// Loop wires the recorder, evolver and prompt store into one feedback
// loop for a single workflow team. Recording runs in the background; the
// primary execution path never blocks on scoring or patching.
type Loop struct {
	cfg      LoopConfig
	def      *workflow.Definition
	registry *agent.Registry

	runs    *state.Store
	prompts *promptstore.Store

	recorder *RunRecorder
	tracker  *PerformanceTracker
	evolver  *PromptEvolver

	bus     *bus.Bus
	signals *bus.Subscription
	logger  *slog.Logger
	metrics *otel.Metrics

	wg sync.WaitGroup
}

// NewLoop builds the improvement loop for one workflow. verifier and llm
// follow the same injection rules as their packages: nil llm degrades to
// rule-based and heuristic paths.
func NewLoop(cfg LoopConfig, def *workflow.Definition, registry *agent.Registry,
	runs *state.Store, prompts *promptstore.Store,
	recorder *RunRecorder, evolver *PromptEvolver,
	eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *Loop {

	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinPatchConfidence <= 0 {
		cfg.MinPatchConfidence = DefaultMinPatchConfidence
	}

	l := &Loop{
		cfg:      cfg,
		def:      def,
		registry: registry,
		runs:     runs,
		prompts:  prompts,
		recorder: recorder,
		tracker:  recorder.Tracker,
		evolver:  evolver,
		bus:      eventBus,
		signals:  eventBus.Subscribe("improve."),
		logger:   logger,
		metrics:  metrics,
	}
	recorder.OnPatternTrigger = func(runCount int) {
		eventBus.Publish(bus.TopicPatternTrigger, bus.PatternTriggerEvent{
			WorkflowID: def.ID,
			RunCount:   runCount,
		})
	}
	return l
}

// BelowThresholdHook returns the tracker callback that buffers a
// below-threshold signal on the bus. Pass it to NewPerformanceTracker.
func BelowThresholdHook(eventBus *bus.Bus, workflowID string, threshold float64) func(agentID string, composite float64) {
	return func(agentID string, composite float64) {
		eventBus.Publish(bus.TopicBelowThreshold, bus.BelowThresholdEvent{
			WorkflowID: workflowID,
			AgentID:    agentID,
			Composite:  composite,
			Threshold:  threshold,
		})
	}
}

// StagnationHook returns the detector callback that buffers a stagnation
// signal on the bus. Pass it to NewStagnationDetector.
func StagnationHook(eventBus *bus.Bus, workflowID string, threshold float64) func(idleRate float64) {
	return func(idleRate float64) {
		eventBus.Publish(bus.TopicStagnation, bus.StagnationEvent{
			WorkflowID: workflowID,
			IdleRate:   idleRate,
			Threshold:  threshold,
		})
	}
}

// AttachToTeam bootstraps one prompt version per agent from its workflow
// persona if absent, then loads each agent's current best persona into the
// live agent. Idempotent; called on every process start.
func (l *Loop) AttachToTeam(ctx context.Context) error {
	for _, a := range l.def.Agents {
		live := l.registry.Get(a.ID)
		if live == nil {
			live = agent.NewLiveAgent(a.ID, a.Role, a.Prompt)
			if err := l.registry.Register(live); err != nil {
				return fmt.Errorf("register agent %s: %w", a.ID, err)
			}
		}

		v, created, err := l.prompts.EnsureInitialVersion(ctx, l.def.ID, a.ID, a.Prompt)
		if err != nil {
			return fmt.Errorf("bootstrap version for %s: %w", a.ID, err)
		}
		if created {
			l.logger.Info("persona version bootstrapped",
				"workflow_id", l.def.ID, "agent_id", a.ID, "version_id", v.ID)
		}
		if l.cfg.Enabled {
			live.SetPersona(v.PersonaText, v.ID)
		}
	}
	return nil
}

// RecordCompletedRun dispatches recording and remediation for one finished
// run as a background task. Fire and forget; Wait blocks until all
// dispatched work is done.
func (l *Loop) RecordCompletedRun(run *state.Run) {
	if !l.cfg.Enabled {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx := context.Background()
		if err := l.recorder.Record(ctx, run); err != nil {
			l.logger.Error("run recording failed", "run_id", run.ID, "error", err)
		}
		l.drainSignals(ctx)
	}()
}

// Wait blocks until all background recording tasks finish.
func (l *Loop) Wait() { l.wg.Wait() }

// drainSignals processes the improvement signals buffered during the
// recording pass. The synchronous tracker and detector callbacks cannot do
// remediation inline, so they queue and this drains.
func (l *Loop) drainSignals(ctx context.Context) {
	seen := make(map[string]bool)
	for _, ev := range l.signals.Drain() {
		switch payload := ev.Payload.(type) {
		case bus.BelowThresholdEvent:
			if payload.WorkflowID != l.def.ID || seen["agent:"+payload.AgentID] {
				continue
			}
			seen["agent:"+payload.AgentID] = true
			l.logger.Info("agent below performance threshold",
				"agent_id", payload.AgentID, "composite", payload.Composite,
				"threshold", payload.Threshold)
			l.proposeForAgents(ctx, []string{payload.AgentID})

		case bus.StagnationEvent:
			if payload.WorkflowID != l.def.ID || seen["stagnation"] {
				continue
			}
			seen["stagnation"] = true
			l.logger.Info("stagnation detected, running gap analysis",
				"idle_rate", payload.IdleRate, "threshold", payload.Threshold)
			l.proposeForAgents(ctx, l.def.AgentIDs())

		case bus.PatternTriggerEvent:
			if payload.WorkflowID != l.def.ID || seen["pattern"] {
				continue
			}
			seen["pattern"] = true
			l.logger.Info("pattern trigger reached", "run_count", payload.RunCount)
			l.proposeForAgents(ctx, l.def.AgentIDs())
		}
	}
}

// RunGapAnalysis runs an out-of-cadence gap analysis over the whole team.
// Used by the maintenance scheduler to catch stale capabilities between
// pattern triggers.
func (l *Loop) RunGapAnalysis(ctx context.Context) {
	if !l.cfg.Enabled {
		return
	}
	l.proposeForAgents(ctx, l.def.AgentIDs())
}

// proposeForAgents runs gap analysis for the given agents and funnels each
// resulting patch through the save and optional auto-apply path.
func (l *Loop) proposeForAgents(ctx context.Context, agentIDs []string) {
	gaps, err := l.recorder.Capabilities.IdentifyGaps(ctx, agentIDs)
	if err != nil {
		l.logger.Error("gap analysis failed", "workflow_id", l.def.ID, "error", err)
		return
	}
	if gaps.Empty() {
		return
	}

	for _, agentID := range agentIDs {
		agentGaps := GapsForAgent(gaps, agentID)
		if len(agentGaps) == 0 {
			continue
		}
		live := l.registry.Get(agentID)
		if live == nil {
			l.logger.Warn("gapped agent not registered", "agent_id", agentID)
			continue
		}
		patch, err := l.evolver.Propose(ctx, l.def.ID, agentID, live.Persona(), agentGaps)
		if err != nil {
			l.logger.Error("patch proposal failed", "agent_id", agentID, "error", err)
			continue
		}
		l.handlePatch(ctx, patch)
	}
}

// handlePatch saves a proposed patch and, when auto-apply is on and the
// confidence clears the bar, applies it and pushes the new persona into
// the live agent.
func (l *Loop) handlePatch(ctx context.Context, patch *promptstore.PromptPatch) {
	if err := l.prompts.SavePatch(ctx, patch); err != nil {
		l.logger.Error("saving patch failed", "agent_id", patch.AgentID, "error", err)
		return
	}
	if l.metrics != nil {
		l.metrics.PatchesProposed.Add(ctx, 1)
	}
	l.bus.Publish(bus.TopicPatchProposed, bus.PatchEvent{
		PatchID:    patch.ID,
		WorkflowID: patch.WorkflowID,
		AgentID:    patch.AgentID,
		Generated:  patch.GeneratedBy,
		Confidence: patch.Confidence,
	})
	l.logger.Info("persona patch proposed",
		"patch_id", patch.ID, "agent_id", patch.AgentID,
		"generated_by", patch.GeneratedBy, "confidence", patch.Confidence)

	if !l.cfg.AutoApply || patch.Confidence < l.cfg.MinPatchConfidence {
		return
	}
	if err := l.prompts.ApprovePatch(ctx, patch.ID); err != nil {
		l.logger.Error("auto-approve failed", "patch_id", patch.ID, "error", err)
		return
	}
	if _, err := l.ApplyPatch(ctx, patch.ID); err != nil {
		l.logger.Error("auto-apply failed", "patch_id", patch.ID, "error", err)
	}
}

// ApplyPatch applies an approved patch and pushes the new persona into the
// live agent. Exposed for the CLI's manual approval path.
func (l *Loop) ApplyPatch(ctx context.Context, patchID string) (*promptstore.PromptVersion, error) {
	v, err := l.prompts.ApplyPatch(ctx, patchID)
	if err != nil {
		return nil, err
	}
	if live := l.registry.Get(v.AgentID); live != nil {
		live.SetPersona(v.PersonaText, v.ID)
	}
	if l.metrics != nil {
		l.metrics.PatchesApplied.Add(ctx, 1)
	}
	l.bus.Publish(bus.TopicPatchApplied, bus.PatchEvent{
		PatchID:    patchID,
		WorkflowID: v.WorkflowID,
		AgentID:    v.AgentID,
	})
	l.logger.Info("persona patch applied",
		"patch_id", patchID, "agent_id", v.AgentID, "version", v.VersionNumber)
	return v, nil
}

// Rollback reverts one agent to its previous persona version and pushes
// the restored persona into the live agent. Returns nil when the agent is
// already at the chain head.
func (l *Loop) Rollback(ctx context.Context, agentID string) (*promptstore.PromptVersion, error) {
	v, err := l.prompts.Rollback(ctx, l.def.ID, agentID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	if live := l.registry.Get(agentID); live != nil {
		live.SetPersona(v.PersonaText, v.ID)
	}
	if l.metrics != nil {
		l.metrics.Rollbacks.Add(ctx, 1)
	}
	l.bus.Publish(bus.TopicRollback, bus.PatchEvent{
		WorkflowID: l.def.ID,
		AgentID:    agentID,
	})
	l.logger.Info("persona rolled back",
		"agent_id", agentID, "version", v.VersionNumber)
	return v, nil
}

// AgentStatus is one agent's line in the feedback status summary.
type AgentStatus struct {
	AgentID          string
	RollingComposite float64
	HasData          bool
	ActiveVersion    int
	PendingPatches   int
}

// Status summarises the improvement loop's state for one workflow.
type Status struct {
	WorkflowID   string
	Enabled      bool
	RunsRecorded int
	IdleRate     float64
	Agents       []AgentStatus
	Capabilities []promptstore.CapabilityState
}

// FeedbackStatus reports the loop's current view of the team.
func (l *Loop) FeedbackStatus(ctx context.Context) (*Status, error) {
	count, err := l.prompts.CountRunRecords(ctx, l.def.ID)
	if err != nil {
		return nil, fmt.Errorf("count run records: %w", err)
	}
	capabilities, err := l.prompts.ListCapabilities(ctx, l.def.ID)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	pending, err := l.prompts.ListPatches(ctx, l.def.ID, promptstore.PatchPending)
	if err != nil {
		return nil, fmt.Errorf("list pending patches: %w", err)
	}
	pendingByAgent := make(map[string]int)
	for _, p := range pending {
		pendingByAgent[p.AgentID]++
	}

	st := &Status{
		WorkflowID:   l.def.ID,
		Enabled:      l.cfg.Enabled,
		RunsRecorded: count,
		IdleRate:     l.recorder.Stagnation.IdleRate(),
		Capabilities: capabilities,
	}
	for _, id := range l.def.AgentIDs() {
		as := AgentStatus{AgentID: id, PendingPatches: pendingByAgent[id]}
		as.RollingComposite, as.HasData = l.tracker.Rolling(id)
		if v, err := l.prompts.ActiveVersion(ctx, l.def.ID, id); err == nil {
			as.ActiveVersion = v.VersionNumber
		}
		st.Agents = append(st.Agents, as)
	}
	return st, nil
}

