package syncclient

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/basket/fieldkit/internal/queue"
)

// Report is the outcome of one sync cycle. Partial failure shows up as
// recorded errors; FullSync never panics and never returns an error.
type Report struct {
	CycleID       string    `json:"cycle_id"`
	Success       bool      `json:"success"`
	Uploaded      int       `json:"uploaded"`
	TasksReceived int       `json:"tasks_received"`
	Errors        []string  `json:"errors"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
}

// Unreachable reports whether the cycle failed at the connectivity gate
// without reaching any other stage.
func (r *Report) Unreachable() bool {
	return len(r.Errors) > 0 && r.Errors[0] == ErrUnreachable.Error()
}

// FullSync runs one complete cycle: connectivity gate, registration, upload
// (small items batched, large ones chunked), task download, acknowledgement,
// cleanup. A failed stage records its error and the cycle moves on; work the
// server already confirmed stands. An unreachable server fails the gate with
// exactly one error and no side effects.
func (c *Client) FullSync(ctx context.Context, q *queue.Queue) *Report {
	report := &Report{
		CycleID: uuid.NewString(),
		Started: time.Now().UTC(),
		Errors:  []string{},
	}
	log := c.cfg.Logger.With("cycle_id", report.CycleID)
	defer func() {
		report.Finished = time.Now().UTC()
		report.Success = len(report.Errors) == 0
		log.Info("sync cycle finished",
			"success", report.Success,
			"uploaded", report.Uploaded,
			"tasks_received", report.TasksReceived,
			"errors", len(report.Errors),
			"duration", report.Finished.Sub(report.Started))
	}()

	if err := c.checkHealth(ctx); err != nil {
		log.Info("server unreachable, cycle skipped", "error", err)
		report.Errors = append(report.Errors, ErrUnreachable.Error())
		return report
	}

	if err := c.RegisterDevice(ctx); err != nil {
		log.Warn("device registration failed", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("register: %v", err))
	}

	received := make(map[string]struct{})

	pending := q.Pending()
	small := make([]queue.Item, 0, len(pending))
	var large []queue.Item
	for _, item := range pending {
		if item.Large() {
			large = append(large, item)
		} else {
			small = append(small, item)
		}
	}
	if len(pending) > 0 {
		log.Info("upload stage", "pending", len(pending), "batched", len(small), "chunked", len(large))
	}

	if len(small) > 0 {
		tasks, err := c.UploadBatch(ctx, small)
		if err != nil {
			log.Warn("batch upload failed", "items", len(small), "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("batch upload: %v", err))
		} else {
			ids := make([]string, len(small))
			for i, item := range small {
				ids[i] = item.ID
			}
			marked, err := q.MarkAllSynced(ids)
			if err != nil {
				log.Error("marking batch synced failed", "error", err)
				report.Errors = append(report.Errors, fmt.Sprintf("mark synced: %v", err))
			}
			report.Uploaded += marked
			c.storeTasks(q, tasks, received, report, log)
		}
	}

	for _, item := range large {
		if err := c.UploadChunked(ctx, item); err != nil {
			log.Warn("chunked upload failed", "item_id", item.ID, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("chunked upload %s: %v", item.ID, err))
			continue
		}
		ok, err := q.MarkSynced(item.ID)
		switch {
		case err != nil:
			log.Error("marking item synced failed", "item_id", item.ID, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("mark synced %s: %v", item.ID, err))
		case ok:
			report.Uploaded++
		}
	}

	tasks, err := c.FetchTasks(ctx)
	if err != nil {
		log.Warn("task fetch failed", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("fetch tasks: %v", err))
	} else {
		c.storeTasks(q, tasks, received, report, log)
	}

	if len(received) > 0 {
		ids := make([]string, 0, len(received))
		for id := range received {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if err := c.AcknowledgeTasks(ctx, ids); err != nil {
			log.Warn("task acknowledgement failed", "tasks", len(ids), "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("acknowledge tasks: %v", err))
		}
	}

	if removed, err := q.DeleteSynced(c.cfg.Retention); err != nil {
		log.Error("cleanup failed", "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("cleanup: %v", err))
	} else if removed > 0 {
		log.Info("cleanup removed aged synced items", "removed", removed)
	}

	return report
}

// storeTasks upserts server tasks into the queue, counting each distinct id
// once per cycle whether it arrived piggybacked on /upload or from /tasks.
func (c *Client) storeTasks(q *queue.Queue, tasks []queue.Task, received map[string]struct{}, report *Report, log *slog.Logger) {
	for _, task := range tasks {
		if task.ID == "" {
			continue
		}
		if err := q.StoreTask(task); err != nil {
			log.Warn("task store failed", "task_id", task.ID, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("store task %s: %v", task.ID, err))
			continue
		}
		if _, seen := received[task.ID]; !seen {
			received[task.ID] = struct{}{}
			report.TasksReceived++
		}
	}
}
