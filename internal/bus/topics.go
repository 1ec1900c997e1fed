package bus

import "time"

// Capture topics: input events produced by the inbox watcher or the CLI
// capture path and consumed by the device loop, which owns all queue writes.
const (
	TopicCaptureNote        = "capture.note"
	TopicCaptureObservation = "capture.observation"
	TopicCaptureVoice       = "capture.voice"
	TopicCaptureTaskUpdate  = "capture.task_update"
)

// Sync lifecycle topics, published by the device loop around each cycle.
const (
	TopicSyncStarted   = "sync.started"
	TopicSyncCompleted = "sync.completed"
)

// Queue topics.
const (
	// TopicPartitionReset is published when a corrupt partition file is
	// self-healed to an empty collection.
	TopicPartitionReset = "queue.partition_reset"
)

// Task topics.
const (
	TopicTaskReceived = "task.received"
)

// NoteCapture carries a text note into the loop. Files lists inbox artifacts
// to archive once the capture is durably stored; empty for CLI captures.
type NoteCapture struct {
	Content  string
	Category string
	Source   string // "inbox" or "cli"
	Files    []string
}

// ObservationCapture carries a site observation into the loop.
type ObservationCapture struct {
	Description string
	Location    string
	Severity    string
	Source      string
	Files       []string
}

// VoiceCapture carries a recorded voice note into the loop.
type VoiceCapture struct {
	Audio           []byte
	DurationSeconds float64
	Format          string
	Transcribed     bool
	Source          string
	Files           []string
}

// TaskUpdateCapture carries a task status change into the loop.
type TaskUpdateCapture struct {
	TaskID string
	Status string
	Notes  string
	Source string
}

// SyncStartedEvent is published when a sync cycle begins. The cycle id is
// not known yet; it arrives with SyncCompletedEvent.
type SyncStartedEvent struct {
	Trigger string // "interval", "reconnect", or "manual"
}

// SyncCompletedEvent is published when a sync cycle returns its report.
type SyncCompletedEvent struct {
	CycleID       string
	Trigger       string
	Success       bool
	Uploaded      int
	TasksReceived int
	Errors        []string
	Duration      time.Duration
}

// PartitionResetEvent is published when a corrupt partition is reset.
type PartitionResetEvent struct {
	Partition string
	Reason    string
}

// TaskReceivedEvent is published for each task upserted during a sync cycle.
type TaskReceivedEvent struct {
	TaskID string
	Title  string
	Status string
}
