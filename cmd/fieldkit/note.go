package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/fieldkit/internal/config"
	"github.com/basket/fieldkit/internal/queue"
	"github.com/basket/fieldkit/internal/telemetry"
)

// runNoteCommand queues a note straight from the shell, for quick capture
// without the device loop running. The next sync cycle picks it up like any
// other pending item.
func runNoteCommand(args []string) int {
	fs := flag.NewFlagSet("note", flag.ExitOnError)
	category := fs.String("category", "", "note category, e.g. delivery or inspection")
	_ = fs.Parse(args)

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(os.Stderr, "usage: fieldkit note [-category <c>] <text>")
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

	item, err := queue.NewNote(text, *category)
	if err != nil {
		fmt.Fprintf(os.Stderr, "note: %v\n", err)
		return 2
	}
	id, err := q.Store(item)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		return 1
	}

	fmt.Printf("Queued note %s (%d item(s) pending)\n", id, q.PendingCount())
	return 0
}
