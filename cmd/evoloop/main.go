package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/evoloop/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s run -workflow <id> -task <text>   Execute a workflow run
  %s resume <run-id>                   Resume an interrupted run
  %s watch                             Watch workflows and run maintenance
  %s status [-workflow <id>]           Show improvement loop status
  %s patches list [-status <s>]        List persona patches
  %s patches approve <patch-id>        Approve a pending patch
  %s patches reject <patch-id>         Reject a pending patch
  %s patches apply <patch-id>          Apply an approved patch
  %s rollback -workflow <id> -agent <id>  Revert an agent's persona
  %s rate <run-id> <score>             Rate a run (0.0 to 1.0)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  EVOLOOP_HOME            Data directory (default: ~/.evoloop)
  EVOLOOP_EXECUTOR        Agent command (persona in $EVOLOOP_PERSONA, input on stdin)
  EVOLOOP_SELF_IMPROVE    Set to false to disable the improvement loop
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "loading config", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	var code int
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "run":
		code = runCommand(ctx, cfg, logger, args[1:])
	case "resume":
		code = resumeCommand(ctx, cfg, logger, args[1:])
	case "watch":
		code = watchCommand(ctx, cfg, logger)
	case "status":
		code = statusCommand(ctx, cfg, logger, args[1:])
	case "patches":
		code = patchesCommand(ctx, cfg, logger, args[1:])
	case "rollback":
		code = rollbackCommand(ctx, cfg, logger, args[1:])
	case "rate":
		code = rateCommand(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		code = 2
	}
	os.Exit(code)
}

// newLogger picks a human-readable handler on a terminal and JSON
// otherwise, so piped output stays machine-parseable.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func fatal(logger *slog.Logger, action string, err error) {
	if logger != nil {
		logger.Error(action+" failed", "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	}
	os.Exit(1)
}
