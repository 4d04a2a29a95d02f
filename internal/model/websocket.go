package model

import "time"

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypeCancel   = "cancelled"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// TaskEvent is emitted on every task lifecycle change. It is sent as-is over
// websockets and NATS, and recorded by the audit store.
type TaskEvent struct {
	Type      string     `json:"type"`
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Files     []Artifact `json:"files,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewTaskEvent derives an event from the current task record.
func NewTaskEvent(t *Task) *TaskEvent {
	ev := &TaskEvent{
		Type:      WSMessageTypeProgress,
		TaskID:    t.ID,
		Status:    t.Status,
		Progress:  t.Progress,
		Message:   t.Message,
		Timestamp: time.Now().UTC(),
	}
	switch t.Status {
	case TaskStatusCompleted:
		ev.Type = WSMessageTypeComplete
		ev.Files = t.Files
	case TaskStatusFailed:
		ev.Type = WSMessageTypeError
	case TaskStatusCancelled:
		ev.Type = WSMessageTypeCancel
	}
	return ev
}
