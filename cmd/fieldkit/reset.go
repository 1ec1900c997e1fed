package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/fieldkit/internal/config"
	"github.com/basket/fieldkit/internal/journal"
	"github.com/basket/fieldkit/internal/queue"
	"github.com/basket/fieldkit/internal/telemetry"
)

// runResetCommand wipes the queue and the sync journal. Pending items are
// lost for good, so it refuses to run without -force.
func runResetCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	force := fs.Bool("force", false, "actually perform the factory reset")
	_ = fs.Parse(args)

	if !*force {
		fmt.Fprintln(os.Stderr, "reset discards ALL queued items, including unsynced ones.")
		fmt.Fprintln(os.Stderr, "Re-run with -force if that is what you want.")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	q, err := queue.Open(cfg.QueueDir(), cfg.PendingCacheTTL(), logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue open: %v\n", err)
		return 1
	}
	pending := q.PendingCount()
	tasks := len(q.AllTasks())
	if err := q.ClearAll(); err != nil {
		fmt.Fprintf(os.Stderr, "clear queue: %v\n", err)
		return 1
	}

	pruned := 0
	if jnl, jErr := journal.Open(cfg.JournalPath()); jErr == nil {
		if n, pErr := jnl.Prune(ctx, 0); pErr == nil {
			pruned = n
		} else {
			fmt.Fprintf(os.Stderr, "journal prune: %v\n", pErr)
		}
		_ = jnl.Close()
	} else {
		fmt.Fprintf(os.Stderr, "journal open: %v\n", jErr)
	}

	fmt.Printf("Reset complete: dropped %d pending item(s) and %d task(s), pruned %d journal row(s)\n",
		pending, tasks, pruned)
	return 0
}
