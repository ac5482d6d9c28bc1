package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/basket/evoloop/internal/agent"
	"github.com/basket/evoloop/internal/bus"
	"github.com/basket/evoloop/internal/config"
	"github.com/basket/evoloop/internal/improve"
	"github.com/basket/evoloop/internal/otel"
	"github.com/basket/evoloop/internal/promptstore"
	"github.com/basket/evoloop/internal/runner"
	"github.com/basket/evoloop/internal/state"
	"github.com/basket/evoloop/internal/verify"
	"github.com/basket/evoloop/internal/workflow"
)

// engine bundles everything a subcommand needs: both stores, the loaded
// workflow definitions, the runner, and one improvement loop per workflow.
type engine struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	otel     *otel.Provider
	metrics  *otel.Metrics
	runs     *state.Store
	prompts  *promptstore.Store
	defs     map[string]*workflow.Definition
	runner   *runner.Runner
	loops    map[string]*improve.Loop
	registry map[string]*agent.Registry
}

func newEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*engine, error) {
	provider, err := otel.Init(ctx, otel.Config{Enabled: cfg.Otel.Enabled})
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	runsStore, err := state.Open(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	promptsStore, err := promptstore.Open(cfg.ImproveDB)
	if err != nil {
		_ = runsStore.Close()
		return nil, fmt.Errorf("open improve store: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkflowsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflows dir: %w", err)
	}
	defs, loadErrs := workflow.LoadDir(cfg.WorkflowsDir)
	for _, lerr := range loadErrs {
		logger.Warn("skipping broken workflow file", "error", lerr)
	}

	eventBus := bus.New()
	execute := commandExecutor(cfg.Executor)

	var llm runner.Executor
	if cfg.Executor != "" {
		llm = execute
	}

	var verifierLLM verify.Executor
	if cfg.SelfImprove.UseLLMVerifier && llm != nil {
		verifierLLM = verify.Executor(llm)
	}
	verifier, err := verify.New(verifierLLM, logger, verify.WithFallbackHook(func() {
		metrics.VerifierFallback.Add(context.Background(), 1)
	}))
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}

	var personas runner.PersonaSource
	if cfg.SelfImprove.Enabled {
		personas = promptsStore
	}
	run := runner.New(runner.Config{
		Store:    runsStore,
		Execute:  execute,
		LLM:      llm,
		Personas: personas,
		Bus:      eventBus,
		Logger:   logger,
		Metrics:  metrics,
	})

	var evolverLLM improve.Executor
	if cfg.SelfImprove.UseLLMEvolver && cfg.Executor != "" {
		evolverLLM = improve.Executor(execute)
	}
	evolver, err := improve.NewPromptEvolver(evolverLLM, promptsStore, logger)
	if err != nil {
		return nil, fmt.Errorf("create evolver: %w", err)
	}

	eng := &engine{
		cfg:      cfg,
		logger:   logger,
		bus:      eventBus,
		otel:     provider,
		metrics:  metrics,
		runs:     runsStore,
		prompts:  promptsStore,
		defs:     defs,
		runner:   run,
		loops:    make(map[string]*improve.Loop),
		registry: make(map[string]*agent.Registry),
	}
	for id, def := range defs {
		eng.loops[id] = eng.buildLoop(def, verifier, evolver)
		if err := eng.loops[id].AttachToTeam(ctx); err != nil {
			return nil, fmt.Errorf("attach to %s: %w", id, err)
		}
	}
	return eng, nil
}

func (e *engine) buildLoop(def *workflow.Definition, verifier *verify.Verifier, evolver *improve.PromptEvolver) *improve.Loop {
	si := e.cfg.SelfImprove
	registry := agent.NewRegistry()
	e.registry[def.ID] = registry

	tracker := improve.NewPerformanceTracker(si.PerformanceThreshold,
		improve.BelowThresholdHook(e.bus, def.ID, si.PerformanceThreshold))
	stagnation := improve.NewStagnationDetector(si.StagnationThreshold,
		improve.StagnationHook(e.bus, def.ID, si.StagnationThreshold))
	recorder := &improve.RunRecorder{
		Runs:            e.runs,
		Prompts:         e.prompts,
		Verifier:        verifier,
		Tracker:         tracker,
		Capabilities:    improve.NewCapabilityMap(def.ID, e.prompts, e.logger),
		Stagnation:      stagnation,
		Logger:          e.logger,
		PatternTriggerN: si.PatternTriggerN,
	}

	return improve.NewLoop(improve.LoopConfig{
		Enabled:              si.Enabled,
		AutoApply:            si.AutoApply,
		PerformanceThreshold: si.PerformanceThreshold,
		StagnationThreshold:  si.StagnationThreshold,
		PatternTriggerN:      si.PatternTriggerN,
		MinPatchConfidence:   si.MinPatchConfidence,
	}, def, registry, e.runs, e.prompts, recorder, evolver, e.bus, e.logger, e.metrics)
}

func (e *engine) Close(ctx context.Context) {
	for _, l := range e.loops {
		l.Wait()
	}
	if err := e.otel.Shutdown(ctx); err != nil {
		e.logger.Warn("metrics shutdown failed", "error", err)
	}
	if err := e.prompts.Close(); err != nil {
		e.logger.Warn("closing improve store failed", "error", err)
	}
	if err := e.runs.Close(); err != nil {
		e.logger.Warn("closing state store failed", "error", err)
	}
}

// definition resolves a workflow id, listing the known ones on a miss.
func (e *engine) definition(workflowID string) (*workflow.Definition, error) {
	def, ok := e.defs[workflowID]
	if !ok {
		known := make([]string, 0, len(e.defs))
		for id := range e.defs {
			known = append(known, id)
		}
		return nil, fmt.Errorf("unknown workflow %q (known: %s)", workflowID, strings.Join(known, ", "))
	}
	return def, nil
}

// commandExecutor shells out to the configured agent command. The persona
// travels in EVOLOOP_PERSONA and the rendered step input on stdin; stdout
// is the agent's output.
func commandExecutor(command string) runner.Executor {
	return func(ctx context.Context, persona, input string) (string, error) {
		if command == "" {
			return "", fmt.Errorf("no executor configured (set executor in config.yaml or EVOLOOP_EXECUTOR)")
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = strings.NewReader(input)
		cmd.Env = append(os.Environ(), "EVOLOOP_PERSONA="+persona)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("executor: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}
