package syncclient

import (
	"time"

	"github.com/basket/fieldkit/internal/queue"
)

// Request and response shapes for the aggregation server's REST surface.
// Timestamps travel as RFC 3339 and binary as base64, the encoding/json
// defaults. Responses carry {success, error} plus endpoint-specific fields.

type healthResponse struct {
	Status string `json:"status"`
}

type registerRequest struct {
	DeviceName      string    `json:"device_name"`
	DeviceType      string    `json:"device_type"`
	WorkerID        string    `json:"worker_id"`
	WorkerName      string    `json:"worker_name"`
	FirmwareVersion string    `json:"firmware_version"`
	Capabilities    []string  `json:"capabilities"`
	Timestamp       time.Time `json:"timestamp"`
}

type uploadRequest struct {
	Items     []queue.Item `json:"items"`
	Timestamp time.Time    `json:"timestamp"`
	BatchSize int          `json:"batch_size"`
}

type uploadResponse struct {
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
	Tasks   []wireTask `json:"tasks"`
}

type chunkedStartRequest struct {
	ItemID      string          `json:"item_id"`
	Type        string          `json:"type"`
	TotalChunks int             `json:"total_chunks"`
	Metadata    chunkedMetadata `json:"metadata"`
}

// chunkedMetadata is everything about a large item except its payload bytes,
// sent up front so the server can validate before accepting chunks.
type chunkedMetadata struct {
	CreatedAt       time.Time `json:"created_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Format          string    `json:"format"`
	Transcribed     bool      `json:"transcribed"`
}

type chunkedStartResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	UploadID string `json:"upload_id"`
}

type chunkRequest struct {
	UploadID   string `json:"upload_id"`
	ChunkIndex int    `json:"chunk_index"`
	Data       []byte `json:"data"`
}

type chunkedCompleteRequest struct {
	UploadID string `json:"upload_id"`
}

type tasksResponse struct {
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
	Tasks   []wireTask `json:"tasks"`
}

type ackRequest struct {
	TaskIDs   []string  `json:"task_ids"`
	Timestamp time.Time `json:"timestamp"`
}

// statusResponse is the bare acknowledgement shape shared by /register,
// /upload/chunked/chunk, /upload/chunked/complete and /tasks/ack.
type statusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type wireTask struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

func (w wireTask) toTask() queue.Task {
	return queue.Task{
		ID:     w.ID,
		Title:  w.Title,
		Status: queue.TaskStatus(w.Status),
	}
}

func respError(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
