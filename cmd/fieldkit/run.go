package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/fieldkit/internal/bus"
	"github.com/basket/fieldkit/internal/config"
	"github.com/basket/fieldkit/internal/device"
	"github.com/basket/fieldkit/internal/inbox"
	"github.com/basket/fieldkit/internal/journal"
	"github.com/basket/fieldkit/internal/queue"
	"github.com/basket/fieldkit/internal/syncclient"
	"github.com/basket/fieldkit/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// runRunCommand wires the device together and drives its tick loop until the
// context is cancelled. Everything that mutates the queue runs on the loop
// goroutine; the inbox watcher and CLI paths only publish capture events.
func runRunCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: fieldkit run")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.FirstBoot {
		if err := config.WriteStarter(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	// Interactive runs keep stdout for the banner and log to file only;
	// detached runs (service manager, pipe) get JSON logs on stdout too.
	interactive := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"device", cfg.DeviceName, "first_boot", cfg.FirstBoot, "config", cfg.Fingerprint())

	eventBus := bus.New()

	q, err := queue.Open(cfg.QueueDir(), cfg.PendingCacheTTL(), logger, eventBus)
	if err != nil {
		fatalStartup(logger, "E_QUEUE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "queue_opened", "pending", q.PendingCount())

	jnl, err := journal.Open(cfg.JournalPath())
	if err != nil {
		fatalStartup(logger, "E_JOURNAL_OPEN", err)
	}
	defer jnl.Close()

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

	var watcher *inbox.Inbox
	if cfg.Inbox.Enabled {
		watcher, err = inbox.New(cfg.InboxDir(), cfg.InboxDebounce(), logger, eventBus)
		if err != nil {
			fatalStartup(logger, "E_INBOX_INIT", err)
		}
		if err := watcher.Start(ctx); err != nil {
			fatalStartup(logger, "E_INBOX_START", err)
		}
		logger.Info("startup phase", "phase", "inbox_watching", "dir", cfg.InboxDir())
	}

	loop, err := device.New(device.Config{
		Queue:             q,
		Client:            client,
		Events:            eventBus,
		Journal:           jnl,
		Inbox:             watcher,
		Logger:            logger,
		TickInterval:      cfg.TickInterval(),
		AutoSyncInterval:  cfg.AutoSyncInterval(),
		ReconnectInterval: cfg.ReconnectInterval(),
		Retention:         cfg.RetentionWindow(),
		RetentionSchedule: cfg.Retention.Schedule,
	})
	if err != nil {
		fatalStartup(logger, "E_LOOP_INIT", err)
	}

	if interactive {
		fmt.Printf("fieldkit %s, device %q\n", Version, cfg.DeviceName)
		fmt.Printf("  syncing to %s\n", cfg.ServerURL)
		fmt.Printf("  %d item(s) pending, logs under %s/logs\n", q.PendingCount(), cfg.HomeDir)
		fmt.Println("  Ctrl-C to stop")
	}

	if err := loop.Run(ctx); err != nil {
		logger.Error("device loop failed", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
