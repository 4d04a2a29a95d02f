package model

import "time"

// TaskStatus is the lifecycle state of a generation task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransition reports whether moving from s to next is a legal step.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusProcessing || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusProcessing:
		return next == TaskStatusProcessing || next.IsTerminal()
	}
	return false
}

// Artifact references one generated audio file.
type Artifact struct {
	FilePath        string `json:"file_path"`
	FileURL         string `json:"file_url"`
	OptimizedPrompt string `json:"optimized_prompt"`
}

// Task is the registry record for one generation job.
type Task struct {
	ID         string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message"`
	Files      []Artifact `json:"files"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the registry.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Files != nil {
		out.Files = append([]Artifact(nil), t.Files...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		out.FinishedAt = &v
	}
	return &out
}

// NewTask returns a pending task with zero progress.
func NewTask(id string, now time.Time) *Task {
	return &Task{
		ID:        id,
		Status:    TaskStatusPending,
		Progress:  0,
		Message:   "Task queued",
		Files:     []Artifact{},
		CreatedAt: now,
	}
}
