package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/fieldkit/internal/config"
	"github.com/basket/fieldkit/internal/journal"
	"github.com/basket/fieldkit/internal/queue"
	"github.com/basket/fieldkit/internal/syncclient"
	"github.com/basket/fieldkit/internal/telemetry"
)

// runSyncCommand performs one full sync cycle and reports the outcome. It is
// the manual trigger for workers back in coverage who do not want to wait for
// the next automatic cycle.
func runSyncCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "print the cycle report as JSON")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// Quiet logger: the report goes to stdout, log records to the file.
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

	client := syncclient.New(syncclient.Config{
		ServerURL:      cfg.ServerURL,
		DeviceName:     cfg.DeviceName,
		DeviceType:     cfg.DeviceType,
		WorkerID:       cfg.WorkerID,
		WorkerName:     cfg.WorkerName,
		Firmware:       Version,
		Capabilities:   cfg.Capabilities,
		RequestTimeout: cfg.RequestTimeout(),
		RetryAttempts:  cfg.Sync.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay(),
		ChunkSize:      cfg.Sync.ChunkSizeBytes,
		Retention:      cfg.RetentionWindow(),
		Logger:         logger,
	})

	report := client.FullSync(ctx, q)

	// Best-effort journal entry; the cycle already happened either way.
	if jnl, jErr := journal.Open(cfg.JournalPath()); jErr == nil {
		entry := journal.Entry{
			CycleID:       report.CycleID,
			Trigger:       "manual",
			Started:       report.Started,
			Finished:      report.Finished,
			Uploaded:      report.Uploaded,
			TasksReceived: report.TasksReceived,
			Errors:        report.Errors,
			Success:       report.Success,
		}
		if err := jnl.Record(ctx, entry); err != nil {
			logger.Warn("journal record failed", "error", err)
		}
		_ = jnl.Close()
	} else {
		logger.Warn("journal open failed", "error", jErr)
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			return 1
		}
	} else if report.Success {
		fmt.Printf("Sync OK: uploaded %d item(s), received %d task(s) in %s\n",
			report.Uploaded, report.TasksReceived,
			report.Finished.Sub(report.Started).Round(time.Millisecond))
	} else {
		fmt.Printf("Sync failed: uploaded %d item(s), received %d task(s)\n",
			report.Uploaded, report.TasksReceived)
		for _, msg := range report.Errors {
			fmt.Printf("  - %s\n", msg)
		}
	}

	if !report.Success {
		return 1
	}
	return 0
}
