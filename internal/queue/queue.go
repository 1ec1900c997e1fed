// Package queue is the durable local store for captured items and
// server-assigned tasks. Collections are one JSON file per item kind plus one
// for tasks and a scalar sequence counter, each replaced atomically on every
// mutation so a power cut can never corrupt committed data.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/fieldkit/internal/bus"
)

var partitionFiles = map[ItemKind]string{
	KindNote:        "notes.json",
	KindVoiceNote:   "voice_notes.json",
	KindObservation: "observations.json",
	KindTaskUpdate:  "task_updates.json",
}

const (
	tasksFile    = "tasks.json"
	sequenceFile = "sequence.json"
)

// PartitionFiles lists the base names of every collection file the queue
// keeps. Diagnostic tooling reads these directly because Open would heal a
// corrupt file as a side effect.
func PartitionFiles() []string {
	names := make([]string, 0, len(ItemKinds)+1)
	for _, kind := range ItemKinds {
		names = append(names, partitionFiles[kind])
	}
	return append(names, tasksFile)
}

type sequenceState struct {
	Value int64 `json:"value"`
}

// Queue owns the on-flash partitions. It is not safe for concurrent use: the
// device loop is the sole writer, and atomicity comes from the
// write-temp-then-replace pattern rather than locking.
type Queue struct {
	dir      string
	logger   *slog.Logger
	events   *bus.Bus
	cacheTTL time.Duration

	items map[ItemKind][]Item
	tasks []Task
	seq   int64

	pendingCount int
	pendingAt    time.Time
	cacheValid   bool
}

// Open loads every partition from dir, healing any that fail to parse by
// resetting them to empty committed collections. I/O errors (as opposed to
// corruption) fail the open. A nil eventBus disables event publishing.
func Open(dir string, cacheTTL time.Duration, logger *slog.Logger, eventBus *bus.Bus) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	q := &Queue{
		dir:      dir,
		logger:   logger,
		events:   eventBus,
		cacheTTL: cacheTTL,
		items:    make(map[ItemKind][]Item, len(ItemKinds)),
	}

	for _, kind := range ItemKinds {
		list, err := q.loadPartition(kind)
		if err != nil {
			return nil, err
		}
		q.items[kind] = list
	}
	if err := q.loadTasks(); err != nil {
		return nil, err
	}
	if err := q.loadSequence(); err != nil {
		return nil, err
	}
	return q, nil
}

// Store appends an item to its kind's partition and persists it. The sequence
// counter backing the id is made durable before the id labels the item, so a
// crash in between skips a number instead of reusing one. Returns the
// assigned id. I/O failures are surfaced and never retried here.
func (q *Queue) Store(item Item) (string, error) {
	if item.Kind == "" {
		item.Kind = q.inferKind(item)
	}
	if err := item.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.ID == "" {
		id, err := q.nextID(item.CreatedAt)
		if err != nil {
			return "", err
		}
		item.ID = id
	}
	item.Synced = false
	item.SyncedAt = nil

	q.items[item.Kind] = append(q.items[item.Kind], item)
	if err := q.savePartition(item.Kind); err != nil {
		list := q.items[item.Kind]
		q.items[item.Kind] = list[:len(list)-1]
		return "", err
	}
	q.invalidateCache()
	return item.ID, nil
}

// StoreTask upserts a task by id: an existing record merges the incoming
// fields (last write wins), a new one is appended with received_at stamped.
func (q *Queue) StoreTask(task Task) error {
	if task.ID == "" {
		return fmt.Errorf("task has no id")
	}
	now := time.Now().UTC()

	for i := range q.tasks {
		if q.tasks[i].ID == task.ID {
			prev := q.tasks[i]
			q.tasks[i].merge(task, now)
			if err := q.saveTasks(); err != nil {
				q.tasks[i] = prev
				return err
			}
			return nil
		}
	}

	if task.ReceivedAt.IsZero() {
		task.ReceivedAt = now
	}
	task.UpdatedAt = now
	q.tasks = append(q.tasks, task)
	if err := q.saveTasks(); err != nil {
		q.tasks = q.tasks[:len(q.tasks)-1]
		return err
	}
	if q.events != nil {
		q.events.Publish(bus.TopicTaskReceived, bus.TaskReceivedEvent{
			TaskID: task.ID,
			Title:  task.Title,
			Status: string(task.Status),
		})
	}
	return nil
}

// Pending returns every unsynced item across all partitions, ordered by
// capture time ascending (ties broken by id) for a deterministic upload
// order.
func (q *Queue) Pending() []Item {
	var out []Item
	for _, kind := range ItemKinds {
		for _, it := range q.items[kind] {
			if !it.Synced {
				out = append(out, it)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingCount returns the number of unsynced items, served from a
// time-bounded cache. Mutations invalidate the cache immediately; otherwise
// it is recomputed by a full scan once the TTL lapses.
func (q *Queue) PendingCount() int {
	if q.cacheValid && time.Since(q.pendingAt) < q.cacheTTL {
		return q.pendingCount
	}
	count := 0
	for _, kind := range ItemKinds {
		for _, it := range q.items[kind] {
			if !it.Synced {
				count++
			}
		}
	}
	q.pendingCount = count
	q.pendingAt = time.Now()
	q.cacheValid = true
	return count
}

// MarkSynced flips an item to synced and stamps synced_at. The transition is
// one-way: marking an already-synced item is a no-op that reports true.
// Returns false when the id is unknown; the caller should not retry that id.
func (q *Queue) MarkSynced(id string) (bool, error) {
	for kind, list := range q.items {
		for i := range list {
			if list[i].ID != id {
				continue
			}
			if list[i].Synced {
				return true, nil
			}
			now := time.Now().UTC()
			list[i].Synced = true
			list[i].SyncedAt = &now
			if err := q.savePartition(kind); err != nil {
				list[i].Synced = false
				list[i].SyncedAt = nil
				return false, err
			}
			q.invalidateCache()
			return true, nil
		}
	}
	return false, nil
}

// MarkAllSynced is the batch form of MarkSynced: all flips happen in memory
// first, then each touched partition is persisted once. Returns how many ids
// were found. Partitions already persisted stay persisted if a later write
// fails; the failed partition's flips are reverted.
func (q *Queue) MarkAllSynced(ids []string) (int, error) {
	now := time.Now().UTC()
	flipped := make(map[ItemKind][]int)
	marked := 0

	for _, id := range ids {
		for kind, list := range q.items {
			for i := range list {
				if list[i].ID != id {
					continue
				}
				if !list[i].Synced {
					list[i].Synced = true
					list[i].SyncedAt = &now
					flipped[kind] = append(flipped[kind], i)
				}
				marked++
			}
		}
	}

	for n, kind := range ItemKinds {
		if _, ok := flipped[kind]; !ok {
			continue
		}
		if err := q.savePartition(kind); err != nil {
			// Revert every flip that did not make it to disk, this
			// partition's and the not-yet-saved ones alike.
			for _, k := range ItemKinds[n:] {
				for _, i := range flipped[k] {
					q.items[k][i].Synced = false
					q.items[k][i].SyncedAt = nil
					marked--
				}
			}
			q.invalidateCache()
			return marked, err
		}
	}
	if len(flipped) > 0 {
		q.invalidateCache()
	}
	return marked, nil
}

// Tasks returns the active assignments: everything except completed and
// cancelled, oldest received first.
func (q *Queue) Tasks() []Task {
	var out []Task
	for _, t := range q.tasks {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// AllTasks returns every stored task, terminal ones included.
func (q *Queue) AllTasks() []Task {
	out := make([]Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

// DeleteSynced removes items that are synced and whose synced_at predates the
// retention window. Unsynced items are never deleted regardless of age.
// Returns the number of items removed.
func (q *Queue) DeleteSynced(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0

	for _, kind := range ItemKinds {
		list := q.items[kind]
		kept := list[:0:0]
		for _, it := range list {
			if it.Synced && it.SyncedAt != nil && it.SyncedAt.Before(cutoff) {
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) == len(list) {
			continue
		}
		q.items[kind] = kept
		if err := q.savePartition(kind); err != nil {
			q.items[kind] = list
			return removed, err
		}
		removed += len(list) - len(kept)
	}
	if removed > 0 {
		q.invalidateCache()
	}
	return removed, nil
}

// ClearAll is the factory reset: every partition is emptied and the sequence
// counter zeroed, each persisted. Only an explicit user-confirmed path calls
// this.
func (q *Queue) ClearAll() error {
	for _, kind := range ItemKinds {
		q.items[kind] = nil
		if err := q.savePartition(kind); err != nil {
			return err
		}
	}
	q.tasks = nil
	if err := q.saveTasks(); err != nil {
		return err
	}
	q.seq = 0
	if err := q.saveSequence(); err != nil {
		return err
	}
	q.invalidateCache()
	q.logger.Info("queue cleared", "dir", q.dir)
	return nil
}

// Sequence returns the current counter value.
func (q *Queue) Sequence() int64 {
	return q.seq
}

// Dir returns the partition directory.
func (q *Queue) Dir() string {
	return q.dir
}

func (q *Queue) invalidateCache() {
	q.cacheValid = false
}

// nextID persists the incremented counter, then builds the id from the
// capture time and the counter. Persist-before-label is what makes ids
// crash-safe.
func (q *Queue) nextID(at time.Time) (string, error) {
	q.seq++
	if err := q.saveSequence(); err != nil {
		q.seq--
		return "", err
	}
	return fmt.Sprintf("edge_%d_%d", at.Unix(), q.seq), nil
}

func (q *Queue) inferKind(item Item) ItemKind {
	switch {
	case item.Note != nil:
		return KindNote
	case item.VoiceNote != nil:
		return KindVoiceNote
	case item.Observation != nil:
		return KindObservation
	case item.TaskUpdate != nil:
		return KindTaskUpdate
	}
	return ""
}

func (q *Queue) partitionPath(kind ItemKind) string {
	return filepath.Join(q.dir, partitionFiles[kind])
}

func (q *Queue) savePartition(kind ItemKind) error {
	list := q.items[kind]
	if list == nil {
		list = []Item{}
	}
	return writeJSONAtomic(q.partitionPath(kind), list)
}

func (q *Queue) saveTasks() error {
	list := q.tasks
	if list == nil {
		list = []Task{}
	}
	return writeJSONAtomic(filepath.Join(q.dir, tasksFile), list)
}

func (q *Queue) saveSequence() error {
	return writeJSONAtomic(filepath.Join(q.dir, sequenceFile), sequenceState{Value: q.seq})
}

// loadPartition reads one kind's collection. Parse or validation failures are
// corruption: the partition alone is reset to an empty committed file, the
// event is logged and published, and the device keeps running. Read I/O
// errors are surfaced instead.
func (q *Queue) loadPartition(kind ItemKind) ([]Item, error) {
	path := q.partitionPath(kind)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var list []Item
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, q.resetPartition(kind, path, err)
	}
	for _, it := range list {
		if err := it.Validate(); err != nil {
			return nil, q.resetPartition(kind, path, err)
		}
	}
	return list, nil
}

// resetPartition self-heals a corrupt partition to an empty collection.
// Always returns nil so callers can return its result directly.
func (q *Queue) resetPartition(kind ItemKind, path string, cause error) error {
	q.logger.Warn("corrupt partition reset to empty",
		"partition", string(kind), "path", path, "error", cause)
	if q.events != nil {
		q.events.Publish(bus.TopicPartitionReset, bus.PartitionResetEvent{
			Partition: string(kind),
			Reason:    cause.Error(),
		})
	}
	if err := writeJSONAtomic(path, []Item{}); err != nil {
		q.logger.Error("failed to persist partition reset", "partition", string(kind), "error", err)
	}
	return nil
}

func (q *Queue) loadTasks() error {
	path := filepath.Join(q.dir, tasksFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var list []Task
	if err := json.Unmarshal(data, &list); err != nil {
		q.logger.Warn("corrupt task collection reset to empty", "path", path, "error", err)
		if q.events != nil {
			q.events.Publish(bus.TopicPartitionReset, bus.PartitionResetEvent{
				Partition: "tasks",
				Reason:    err.Error(),
			})
		}
		if werr := writeJSONAtomic(path, []Task{}); werr != nil {
			q.logger.Error("failed to persist task collection reset", "error", werr)
		}
		return nil
	}
	q.tasks = list
	return nil
}

// loadSequence restores the counter. A corrupt counter file is rebuilt from
// the highest sequence observed in stored item ids, which keeps the no-reuse
// guarantee even when the scalar itself was torn.
func (q *Queue) loadSequence() error {
	path := filepath.Join(q.dir, sequenceFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			q.seq = q.maxStoredSequence()
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var state sequenceState
	if err := json.Unmarshal(data, &state); err != nil {
		q.seq = q.maxStoredSequence()
		q.logger.Warn("corrupt sequence counter rebuilt from stored ids",
			"path", path, "value", q.seq, "error", err)
		if werr := q.saveSequence(); werr != nil {
			q.logger.Error("failed to persist rebuilt sequence counter", "error", werr)
		}
		return nil
	}
	q.seq = state.Value
	if floor := q.maxStoredSequence(); q.seq < floor {
		q.seq = floor
	}
	return nil
}

func (q *Queue) maxStoredSequence() int64 {
	var max int64
	for _, kind := range ItemKinds {
		for _, it := range q.items[kind] {
			idx := strings.LastIndexByte(it.ID, '_')
			if idx < 0 {
				continue
			}
			n, err := strconv.ParseInt(it.ID[idx+1:], 10, 64)
			if err == nil && n > max {
				max = n
			}
		}
	}
	return max
}
