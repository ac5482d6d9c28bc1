package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/basket/evoloop/internal/config"
	"github.com/basket/evoloop/internal/state"
)

func statusCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	workflowID := fs.String("workflow", "", "limit to one workflow id")
	runLimit := fs.Int("runs", 5, "recent runs to show per workflow")
	_ = fs.Parse(args)

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("engine startup failed", "error", err)
		return 1
	}
	defer eng.Close(ctx)

	for id, loop := range eng.loops {
		if *workflowID != "" && id != *workflowID {
			continue
		}
		st, err := loop.FeedbackStatus(ctx)
		if err != nil {
			logger.Error("feedback status failed", "workflow_id", id, "error", err)
			return 1
		}

		fmt.Printf("workflow %s (self-improve: %v)\n", st.WorkflowID, st.Enabled)
		fmt.Printf("  runs recorded: %d, idle rate: %.2f\n", st.RunsRecorded, st.IdleRate)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  AGENT\tROLLING\tVERSION\tPENDING PATCHES")
		for _, a := range st.Agents {
			rolling := "-"
			if a.HasData {
				rolling = fmt.Sprintf("%.3f", a.RollingComposite)
			}
			fmt.Fprintf(w, "  %s\t%s\tv%d\t%d\n", a.AgentID, rolling, a.ActiveVersion, a.PendingPatches)
		}
		_ = w.Flush()

		runs, err := eng.runs.ListRuns(ctx, id, *runLimit)
		if err != nil {
			logger.Error("listing runs failed", "workflow_id", id, "error", err)
			return 1
		}
		if len(runs) > 0 {
			fmt.Println("  recent runs:")
			for _, r := range runs {
				line := fmt.Sprintf("  %s  %-9s  %s", r.ID, r.Status, r.CreatedAt.Format("2006-01-02 15:04"))
				if r.Status == state.RunFailed && r.Error != "" {
					line += "  " + r.Error
				}
				fmt.Println(line)
			}
		}
		fmt.Println()
	}
	return 0
}
