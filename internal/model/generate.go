package model

import "time"

// GenerateRequest is the intake payload for POST /api/generate.
// Prompt and NumGenerations are accepted as aliases of FreeInput and
// RepeatCount for older clients.
type GenerateRequest struct {
	FreeInput       string            `json:"free_input" form:"free_input" validate:"required,max=2000"`
	StructuredInput map[string]string `json:"structured_input,omitempty" validate:"omitempty,max=20,dive,keys,max=64,endkeys,max=500"`
	Duration        int               `json:"duration" form:"duration" validate:"required,min=1,max=300"`
	RepeatCount     int               `json:"repeat_count" form:"repeat_count" validate:"required,min=1,max=10"`
	Prompt          string            `json:"prompt,omitempty" form:"prompt" validate:"-"`
	NumGenerations  int               `json:"num_generations,omitempty" form:"num_generations" validate:"-"`
	Melody          []byte            `json:"-" form:"-" validate:"omitempty,max=20971520"`
}

// ApplyAliases copies legacy field names onto the canonical ones.
func (r *GenerateRequest) ApplyAliases() {
	if r.FreeInput == "" && r.Prompt != "" {
		r.FreeInput = r.Prompt
	}
	if r.RepeatCount == 0 && r.NumGenerations != 0 {
		r.RepeatCount = r.NumGenerations
	}
}

// DurationValue returns the per-round duration.
func (r *GenerateRequest) DurationValue() time.Duration {
	return time.Duration(r.Duration) * time.Second
}

// GenerateResponse is returned when a task is accepted.
type GenerateResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatusResponse is the public view of a task.
// FileURL mirrors the first artifact for older clients.
type TaskStatusResponse struct {
	TaskID     string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	Message    string     `json:"message"`
	Progress   int        `json:"progress"`
	Files      []Artifact `json:"files"`
	FileURL    string     `json:"file_url"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewTaskStatusResponse builds the public view of t.
func NewTaskStatusResponse(t *Task) *TaskStatusResponse {
	resp := &TaskStatusResponse{
		TaskID:     t.ID,
		Status:     t.Status,
		Message:    t.Message,
		Progress:   t.Progress,
		Files:      t.Files,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if resp.Files == nil {
		resp.Files = []Artifact{}
	}
	if len(t.Files) > 0 {
		resp.FileURL = t.Files[0].FileURL
	}
	return resp
}

// CancelResponse is returned by POST /api/task/:taskId/cancel.
type CancelResponse struct {
	Success bool       `json:"success"`
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
}

// TaskHistoryResponse lists recent tasks from the audit store.
type TaskHistoryResponse struct {
	Tasks []*TaskStatusResponse `json:"tasks"`
}
