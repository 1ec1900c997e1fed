package queue

import (
	"fmt"
	"time"
)

// ItemKind discriminates the work item variants. It doubles as the JSON type
// tag and selects the storage partition.
type ItemKind string

const (
	KindNote        ItemKind = "note"
	KindVoiceNote   ItemKind = "voice_note"
	KindObservation ItemKind = "observation"
	KindTaskUpdate  ItemKind = "task_update"
)

// ItemKinds lists every variant in partition-scan order.
var ItemKinds = []ItemKind{KindNote, KindVoiceNote, KindObservation, KindTaskUpdate}

// Severity classifies an observation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// NotePayload is a free-text field note.
type NotePayload struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// VoiceNotePayload is a recorded voice memo. Audio is raw bytes; encoding/json
// carries it as base64.
type VoiceNotePayload struct {
	Audio           []byte  `json:"audio"`
	DurationSeconds float64 `json:"duration_seconds"`
	Format          string  `json:"format"`
	Transcribed     bool    `json:"transcribed"`
}

// ObservationPayload is a structured site observation.
type ObservationPayload struct {
	Description string   `json:"description"`
	Location    string   `json:"location"`
	Severity    Severity `json:"severity"`
}

// TaskUpdatePayload reports a status change for a server-assigned task.
type TaskUpdatePayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

// Item is the tagged variant for everything the device captures. Exactly one
// payload pointer is non-nil and must agree with Kind; Validate enforces this
// at every serialization boundary.
//
// ID is assigned once at store time and never reused. Synced transitions
// false to true exactly once, only after the server acknowledged the upload.
type Item struct {
	ID        string     `json:"id"`
	Kind      ItemKind   `json:"type"`
	CreatedAt time.Time  `json:"created_at"`
	Synced    bool       `json:"synced"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`

	Note        *NotePayload        `json:"note,omitempty"`
	VoiceNote   *VoiceNotePayload   `json:"voice_note,omitempty"`
	Observation *ObservationPayload `json:"observation,omitempty"`
	TaskUpdate  *TaskUpdatePayload  `json:"task_update,omitempty"`
}

// NewNote builds an unsynced note item. Category defaults to "general".
func NewNote(content, category string) (Item, error) {
	if content == "" {
		return Item{}, fmt.Errorf("note content is empty")
	}
	if category == "" {
		category = "general"
	}
	return Item{
		Kind: KindNote,
		Note: &NotePayload{Content: content, Category: category},
	}, nil
}

// NewVoiceNote builds an unsynced voice note item. Transcription happens
// server-side, so Transcribed starts false.
func NewVoiceNote(audio []byte, durationSeconds float64, format string) (Item, error) {
	if len(audio) == 0 {
		return Item{}, fmt.Errorf("voice note audio is empty")
	}
	if format == "" {
		format = "wav"
	}
	return Item{
		Kind: KindVoiceNote,
		VoiceNote: &VoiceNotePayload{
			Audio:           audio,
			DurationSeconds: durationSeconds,
			Format:          format,
		},
	}, nil
}

// NewObservation builds an unsynced observation item.
func NewObservation(description, location string, severity Severity) (Item, error) {
	if description == "" {
		return Item{}, fmt.Errorf("observation description is empty")
	}
	if !severity.Valid() {
		return Item{}, fmt.Errorf("observation severity %q is not one of info/warning/critical", severity)
	}
	return Item{
		Kind: KindObservation,
		Observation: &ObservationPayload{
			Description: description,
			Location:    location,
			Severity:    severity,
		},
	}, nil
}

// NewTaskUpdate builds an unsynced task status update.
func NewTaskUpdate(taskID, status, notes string) (Item, error) {
	if taskID == "" {
		return Item{}, fmt.Errorf("task update has no task_id")
	}
	if status == "" {
		return Item{}, fmt.Errorf("task update has no status")
	}
	return Item{
		Kind: KindTaskUpdate,
		TaskUpdate: &TaskUpdatePayload{
			TaskID: taskID,
			Status: status,
			Notes:  notes,
		},
	}, nil
}

// Validate checks that Kind names a known variant and that exactly the
// matching payload is set.
func (it Item) Validate() error {
	set := 0
	if it.Note != nil {
		set++
	}
	if it.VoiceNote != nil {
		set++
	}
	if it.Observation != nil {
		set++
	}
	if it.TaskUpdate != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("item %s carries %d payloads, want exactly 1", it.ID, set)
	}

	switch it.Kind {
	case KindNote:
		if it.Note == nil {
			return fmt.Errorf("item %s tagged %q without note payload", it.ID, it.Kind)
		}
	case KindVoiceNote:
		if it.VoiceNote == nil {
			return fmt.Errorf("item %s tagged %q without voice_note payload", it.ID, it.Kind)
		}
	case KindObservation:
		if it.Observation == nil {
			return fmt.Errorf("item %s tagged %q without observation payload", it.ID, it.Kind)
		}
		if !it.Observation.Severity.Valid() {
			return fmt.Errorf("item %s has invalid severity %q", it.ID, it.Observation.Severity)
		}
	case KindTaskUpdate:
		if it.TaskUpdate == nil {
			return fmt.Errorf("item %s tagged %q without task_update payload", it.ID, it.Kind)
		}
	default:
		return fmt.Errorf("item %s has unknown kind %q", it.ID, it.Kind)
	}
	return nil
}

// Large reports whether the item must travel over the chunked upload path
// instead of the small-item batch.
func (it Item) Large() bool {
	return it.Kind == KindVoiceNote
}

// PayloadSize returns the binary payload size in bytes; zero for small items.
func (it Item) PayloadSize() int {
	if it.VoiceNote != nil {
		return len(it.VoiceNote.Audio)
	}
	return 0
}
