// Package device runs the cooperative loop that owns the durable queue and
// the sync client. One goroutine performs every storage mutation: captures
// arrive over the bus, sync cycles run inline on the tick, and the retention
// schedule prunes synced history. There is no locking anywhere in the data
// path because there is exactly one logical writer.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/fieldkit/internal/bus"
	"github.com/basket/fieldkit/internal/inbox"
	"github.com/basket/fieldkit/internal/journal"
	"github.com/basket/fieldkit/internal/queue"
	"github.com/basket/fieldkit/internal/syncclient"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	defaultTickInterval      = 250 * time.Millisecond
	defaultAutoSyncInterval  = 5 * time.Minute
	defaultReconnectInterval = 30 * time.Second
	defaultRetention         = 7 * 24 * time.Hour
	defaultRetentionSchedule = "0 3 * * *"
)

// Config holds the dependencies and tuning for the device loop.
type Config struct {
	Queue   *queue.Queue
	Client  *syncclient.Client
	Events  *bus.Bus
	Journal *journal.Journal // optional; nil disables cycle records
	Inbox   *inbox.Inbox     // optional; nil when inbox ingestion is off
	Logger  *slog.Logger

	TickInterval      time.Duration
	AutoSyncInterval  time.Duration
	ReconnectInterval time.Duration
	Retention         time.Duration // age before synced items are pruned
	RetentionSchedule string        // 5-field cron expression
}

// Loop is the device's single-owner scheduler.
type Loop struct {
	cfg   Config
	prune cronlib.Schedule

	connected bool
	lastSync  time.Time
	lastProbe time.Time
	nextPrune time.Time
}

// New validates dependencies, applies defaults, and parses the retention
// schedule so a bad cron expression surfaces at startup, not at 3am.
func New(cfg Config) (*Loop, error) {
	if cfg.Queue == nil || cfg.Client == nil || cfg.Events == nil {
		return nil, fmt.Errorf("device loop requires queue, client, and bus")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.AutoSyncInterval <= 0 {
		cfg.AutoSyncInterval = defaultAutoSyncInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = defaultRetentionSchedule
	}
	sched, err := cronParser.Parse(cfg.RetentionSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.RetentionSchedule, err)
	}
	return &Loop{cfg: cfg, prune: sched}, nil
}

// Run executes ticks until ctx is cancelled, then returns nil. The first
// tick probes connectivity immediately, so a device that boots online syncs
// without waiting out the reconnect interval.
func (l *Loop) Run(ctx context.Context) error {
	sub := l.cfg.Events.Subscribe("capture.")
	defer l.cfg.Events.Unsubscribe(sub)

	l.nextPrune = l.prune.Next(time.Now())
	l.cfg.Logger.Info("device loop started",
		"tick", l.cfg.TickInterval,
		"auto_sync", l.cfg.AutoSyncInterval,
		"next_prune", l.nextPrune)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		l.tick(ctx, sub)

		select {
		case <-ctx.Done():
			l.cfg.Logger.Info("device loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one cooperative pass: at most one capture, then any due sync,
// reconnect, or retention work. A sync occupies the whole tick; captures
// produced meanwhile wait in the bus buffer.
func (l *Loop) tick(ctx context.Context, sub *bus.Subscription) {
	select {
	case ev := <-sub.Ch():
		l.handleCapture(ev)
	default:
	}

	now := time.Now()

	if l.connected && now.Sub(l.lastSync) >= l.cfg.AutoSyncInterval {
		l.runSync(ctx, "interval")
	}

	if !l.connected && now.Sub(l.lastProbe) >= l.cfg.ReconnectInterval {
		l.lastProbe = now
		if l.cfg.Client.CheckConnection(ctx) {
			l.connected = true
			l.cfg.Logger.Info("server reachable, syncing")
			l.runSync(ctx, "reconnect")
		}
	}

	if now.After(l.nextPrune) {
		removed, err := l.cfg.Queue.DeleteSynced(l.cfg.Retention)
		if err != nil {
			l.cfg.Logger.Error("retention prune failed", "error", err)
		} else if removed > 0 {
			l.cfg.Logger.Info("retention prune", "removed", removed)
		}
		l.nextPrune = l.prune.Next(now)
	}
}

// runSync executes one cycle, records it in the journal, and publishes the
// outcome. Journal failures are logged and never fail the cycle.
func (l *Loop) runSync(ctx context.Context, trigger string) {
	l.cfg.Events.Publish(bus.TopicSyncStarted, bus.SyncStartedEvent{Trigger: trigger})

	report := l.cfg.Client.FullSync(ctx, l.cfg.Queue)
	l.lastSync = time.Now()

	if report.Unreachable() {
		l.connected = false
		l.lastProbe = l.lastSync
		l.cfg.Logger.Warn("server unreachable, entering reconnect mode", "trigger", trigger)
	} else {
		l.connected = true
	}

	if l.cfg.Journal != nil {
		entry := journal.Entry{
			CycleID:       report.CycleID,
			Trigger:       trigger,
			Started:       report.Started,
			Finished:      report.Finished,
			Uploaded:      report.Uploaded,
			TasksReceived: report.TasksReceived,
			Errors:        report.Errors,
			Success:       report.Success,
		}
		if err := l.cfg.Journal.Record(ctx, entry); err != nil {
			l.cfg.Logger.Warn("journal record failed", "cycle_id", report.CycleID, "error", err)
		}
	}

	l.cfg.Events.Publish(bus.TopicSyncCompleted, bus.SyncCompletedEvent{
		CycleID:       report.CycleID,
		Trigger:       trigger,
		Success:       report.Success,
		Uploaded:      report.Uploaded,
		TasksReceived: report.TasksReceived,
		Errors:        report.Errors,
		Duration:      report.Finished.Sub(report.Started),
	})
}

// handleCapture converts one bus capture into a stored item. Inbox artifacts
// move to processed/ once the store is durable and to rejected/ when the
// capture cannot be stored, so a bad sidecar is never re-ingested.
func (l *Loop) handleCapture(ev bus.Event) {
	var (
		item  queue.Item
		files []string
		err   error
	)

	switch p := ev.Payload.(type) {
	case bus.NoteCapture:
		files = p.Files
		item, err = queue.NewNote(p.Content, p.Category)
	case bus.ObservationCapture:
		files = p.Files
		item, err = queue.NewObservation(p.Description, p.Location, queue.Severity(p.Severity))
	case bus.VoiceCapture:
		files = p.Files
		item, err = queue.NewVoiceNote(p.Audio, p.DurationSeconds, p.Format)
		if err == nil {
			item.VoiceNote.Transcribed = p.Transcribed
		}
	case bus.TaskUpdateCapture:
		item, err = queue.NewTaskUpdate(p.TaskID, p.Status, p.Notes)
	default:
		l.cfg.Logger.Warn("unknown capture payload", "topic", ev.Topic)
		return
	}
	if err != nil {
		l.cfg.Logger.Warn("capture invalid", "topic", ev.Topic, "error", err)
		l.discard(files)
		return
	}

	id, err := l.cfg.Queue.Store(item)
	if err != nil {
		l.cfg.Logger.Error("capture store failed", "topic", ev.Topic, "error", err)
		l.discard(files)
		return
	}
	l.cfg.Logger.Info("capture stored", "id", id, "kind", item.Kind)

	if l.cfg.Inbox != nil && len(files) > 0 {
		if err := l.cfg.Inbox.Confirm(files); err != nil {
			l.cfg.Logger.Warn("inbox confirm failed", "error", err)
		}
	}
}

func (l *Loop) discard(files []string) {
	if l.cfg.Inbox == nil || len(files) == 0 {
		return
	}
	if err := l.cfg.Inbox.Discard(files); err != nil {
		l.cfg.Logger.Warn("inbox discard failed", "error", err)
	}
}
