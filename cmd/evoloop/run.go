package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/evoloop/internal/bus"
	"github.com/basket/evoloop/internal/config"
	"github.com/basket/evoloop/internal/cron"
	"github.com/basket/evoloop/internal/state"
	"github.com/basket/evoloop/internal/workflow"
)

// varsFlag collects repeated -var key=value pairs.
type varsFlag map[string]any

func (v varsFlag) String() string { return fmt.Sprintf("%v", map[string]any(v)) }

func (v varsFlag) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	v[key] = value
	return nil
}

func runCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	workflowID := fs.String("workflow", "", "workflow id to execute")
	task := fs.String("task", "", "task description for the run")
	vars := make(varsFlag)
	fs.Var(vars, "var", "extra template variable (key=value, repeatable)")
	_ = fs.Parse(args)

	if *workflowID == "" || *task == "" {
		fmt.Fprintln(os.Stderr, "run requires -workflow and -task")
		return 2
	}

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("engine startup failed", "error", err)
		return 1
	}
	defer eng.Close(ctx)

	def, err := eng.definition(*workflowID)
	if err != nil {
		logger.Error("workflow lookup failed", "error", err)
		return 1
	}

	run, err := eng.runner.Start(ctx, def, *task, vars)
	if err != nil {
		logger.Error("starting run failed", "error", err)
		return 1
	}
	return driveRun(ctx, eng, def, run)
}

func resumeCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "resume requires exactly one run id")
		return 2
	}
	runID := args[0]

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("engine startup failed", "error", err)
		return 1
	}
	defer eng.Close(ctx)

	stored, err := eng.runs.GetRun(ctx, runID)
	if err != nil {
		logger.Error("run lookup failed", "run_id", runID, "error", err)
		return 1
	}
	def, err := eng.definition(stored.WorkflowID)
	if err != nil {
		logger.Error("workflow lookup failed", "error", err)
		return 1
	}

	run, err := eng.runner.Resume(ctx, def, runID)
	if err != nil {
		logger.Error("resume failed", "run_id", runID, "error", err)
		return 1
	}
	return reportRun(eng, def.ID, run)
}

// driveRun executes every remaining step and hands the finished run to the
// improvement loop.
func driveRun(ctx context.Context, eng *engine, def *workflow.Definition, run *state.Run) int {
	if err := eng.runner.RunAll(ctx, def, run, true); err != nil {
		eng.logger.Error("run aborted", "run_id", run.ID, "error", err)
		return 1
	}
	return reportRun(eng, def.ID, run)
}

func reportRun(eng *engine, workflowID string, run *state.Run) int {
	if loop, ok := eng.loops[workflowID]; ok {
		loop.RecordCompletedRun(run)
	}

	fmt.Printf("run %s: %s\n", run.ID, run.Status)
	if run.Error != "" {
		fmt.Printf("error: %s\n", run.Error)
	}
	for stepID, out := range run.StepOutputs() {
		fmt.Printf("--- %s ---\n%v\n", stepID, out)
	}
	if run.Status != state.RunCompleted {
		return 1
	}
	return 0
}

// watchCommand keeps the engine alive: workflow definitions hot-reload on
// file changes and the maintenance job runs on its cron schedule.
func watchCommand(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("engine startup failed", "error", err)
		return 1
	}
	defer eng.Close(ctx)

	watcher := config.NewWatcher(cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("starting watcher failed", "error", err)
		return 1
	}

	if cfg.Maintenance.Enabled {
		sched, err := cron.NewScheduler(cron.Config{
			Schedule: cfg.Maintenance.Schedule,
			Logger:   logger,
			Job: func(ctx context.Context) {
				for _, loop := range eng.loops {
					loop.RunGapAnalysis(ctx)
				}
			},
		})
		if err != nil {
			logger.Error("invalid maintenance schedule", "error", err)
			return 1
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	logger.Info("watching", "workflows_dir", cfg.WorkflowsDir)
	for {
		select {
		case <-ctx.Done():
			return 0
		case ev, ok := <-watcher.Events():
			if !ok {
				return 0
			}
			defs, loadErrs := workflow.LoadDir(cfg.WorkflowsDir)
			for _, lerr := range loadErrs {
				logger.Warn("skipping broken workflow file", "error", lerr)
			}
			eng.defs = defs
			eng.bus.Publish(bus.TopicWorkflowReload, ev.Path)
			logger.Info("workflow definitions reloaded", "count", len(defs), "changed", ev.Path)
		}
	}
}
