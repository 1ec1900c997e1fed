package queue

import "time"

// TaskStatus is the lifecycle state of a server-assigned task. Unknown
// statuses from newer servers are stored as-is; only the terminal pair is
// interpreted locally.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskStarted    TaskStatus = "started"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskVerified   TaskStatus = "verified"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the task has left the active set.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Task is a work assignment pushed down from the server. Tasks are created
// and updated only by the sync path; the queue reads them to list active
// assignments.
type Task struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status"`
	ReceivedAt time.Time  `json:"received_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// merge folds a newly received copy into the stored record: last write wins
// for every non-empty incoming field, received_at stays at first sight.
func (t *Task) merge(in Task, now time.Time) {
	if in.Title != "" {
		t.Title = in.Title
	}
	if in.Status != "" {
		t.Status = in.Status
	}
	t.UpdatedAt = now
}
