package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/basket/evoloop/internal/config"
	"github.com/basket/evoloop/internal/promptstore"
)

func patchesCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "patches requires an action: list, approve, reject, apply")
		return 2
	}

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("engine startup failed", "error", err)
		return 1
	}
	defer eng.Close(ctx)

	switch args[0] {
	case "list":
		return patchesList(ctx, eng, args[1:])
	case "approve":
		return patchTransition(ctx, eng, args[1:], eng.prompts.ApprovePatch, "approved")
	case "reject":
		return patchTransition(ctx, eng, args[1:], eng.prompts.RejectPatch, "rejected")
	case "apply":
		return patchesApply(ctx, eng, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown patches action %q\n", args[0])
		return 2
	}
}

func patchesList(ctx context.Context, eng *engine, args []string) int {
	fs := flag.NewFlagSet("patches list", flag.ExitOnError)
	workflowID := fs.String("workflow", "", "filter by workflow id (default: all)")
	status := fs.String("status", "", "filter by status (pending, approved, rejected, applied)")
	_ = fs.Parse(args)

	workflows := []string{*workflowID}
	if *workflowID == "" {
		workflows = workflows[:0]
		for id := range eng.defs {
			workflows = append(workflows, id)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tAGENT\tSTATUS\tBY\tCONF\tJUSTIFICATION")
	for _, wf := range workflows {
		patches, err := eng.prompts.ListPatches(ctx, wf, promptstore.PatchStatus(*status))
		if err != nil {
			eng.logger.Error("listing patches failed", "workflow_id", wf, "error", err)
			return 1
		}
		for _, p := range patches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
				p.ID, p.WorkflowID, p.AgentID, p.Status, p.GeneratedBy, p.Confidence, p.Justification)
		}
	}
	_ = w.Flush()
	return 0
}

func patchTransition(ctx context.Context, eng *engine, args []string, fn func(context.Context, string) error, verb string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "expected exactly one patch id\n")
		return 2
	}
	if err := fn(ctx, args[0]); err != nil {
		eng.logger.Error("patch transition failed", "patch_id", args[0], "error", err)
		return 1
	}
	fmt.Printf("patch %s %s\n", args[0], verb)
	return 0
}

// patchesApply routes through the workflow's improvement loop so the live
// agent picks up the new persona in the same process.
func patchesApply(ctx context.Context, eng *engine, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "expected exactly one patch id")
		return 2
	}
	patch, err := eng.prompts.GetPatch(ctx, args[0])
	if err != nil {
		eng.logger.Error("patch lookup failed", "patch_id", args[0], "error", err)
		return 1
	}

	if loop, ok := eng.loops[patch.WorkflowID]; ok {
		v, err := loop.ApplyPatch(ctx, patch.ID)
		if err != nil {
			eng.logger.Error("apply failed", "patch_id", patch.ID, "error", err)
			return 1
		}
		fmt.Printf("patch %s applied: %s now at version %d\n", patch.ID, v.AgentID, v.VersionNumber)
		return 0
	}

	v, err := eng.prompts.ApplyPatch(ctx, patch.ID)
	if err != nil {
		eng.logger.Error("apply failed", "patch_id", patch.ID, "error", err)
		return 1
	}
	fmt.Printf("patch %s applied: %s now at version %d\n", patch.ID, v.AgentID, v.VersionNumber)
	return 0
}

func rollbackCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	workflowID := fs.String("workflow", "", "workflow id")
	agentID := fs.String("agent", "", "agent id to roll back")
	_ = fs.Parse(args)

	if *workflowID == "" || *agentID == "" {
		fmt.Fprintln(os.Stderr, "rollback requires -workflow and -agent")
		return 2
	}

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("engine startup failed", "error", err)
		return 1
	}
	defer eng.Close(ctx)

	loop, ok := eng.loops[*workflowID]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown workflow %q\n", *workflowID)
		return 1
	}
	v, err := loop.Rollback(ctx, *agentID)
	if err != nil {
		logger.Error("rollback failed", "agent_id", *agentID, "error", err)
		return 1
	}
	if v == nil {
		fmt.Printf("%s has no previous version to roll back to\n", *agentID)
		return 0
	}
	fmt.Printf("%s rolled back to version %d\n", *agentID, v.VersionNumber)
	return 0
}

func rateCommand(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "rate requires a run id and a score in [0, 1]")
		return 2
	}
	score, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid score %q\n", args[1])
		return 2
	}

	prompts, err := promptstore.Open(cfg.ImproveDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open improve store: %v\n", err)
		return 1
	}
	defer prompts.Close()

	if err := prompts.RateRun(ctx, args[0], score); err != nil {
		fmt.Fprintf(os.Stderr, "rate run: %v\n", err)
		return 1
	}
	fmt.Printf("run %s rated %.2f\n", args[0], score)
	return 0
}
