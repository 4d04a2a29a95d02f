// Package scheduler runs generation tasks off the request path and hands
// out handles for cancelling them.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/makeasinger/musicgen/internal/model"
)

var (
	ErrShuttingDown = errors.New("scheduler is shutting down")
	ErrDuplicate    = errors.New("task already scheduled")
)

// Runner executes one task to a terminal state.
type Runner interface {
	Run(ctx context.Context, taskID string, req *model.GenerateRequest) (*model.Task, error)
}

// Scheduler is implemented by the local and asynq backends.
type Scheduler interface {
	Submit(ctx context.Context, taskID string, req *model.GenerateRequest) (*Handle, error)
	// Cancel requests cancellation and reports whether the task was known.
	Cancel(taskID string) bool
	Handle(taskID string) (*Handle, bool)
	Shutdown(ctx context.Context) error
}

// Handle tracks one scheduled task.
type Handle struct {
	TaskID string

	req      *model.GenerateRequest
	mu       sync.Mutex
	cancel   context.CancelFunc
	canceled bool
	started  bool
	done     chan struct{}
	once     sync.Once
}

func newHandle(taskID string, req *model.GenerateRequest) *Handle {
	return &Handle{TaskID: taskID, req: req, done: make(chan struct{})}
}

// Cancel asks the task to stop. It is safe to call more than once and
// before the task has started.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceled = true
	if h.cancel != nil {
		h.cancel()
	}
}

// Canceled reports whether Cancel was called.
func (h *Handle) Canceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

// Done is closed when the task has reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// start binds the run context. A handle cancelled earlier cancels it at once.
func (h *Handle) start(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	h.cancel = cancel
	if h.canceled {
		cancel()
	}
	return ctx
}

func (h *Handle) hasStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *Handle) finish() {
	h.once.Do(func() {
		h.mu.Lock()
		if h.cancel != nil {
			h.cancel()
		}
		h.mu.Unlock()
		close(h.done)
	})
}

// tracker indexes live handles by task id.
type tracker struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func newTracker() *tracker {
	return &tracker{handles: make(map[string]*Handle)}
}

func (t *tracker) add(h *Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handles[h.TaskID]; ok {
		return ErrDuplicate
	}
	t.handles[h.TaskID] = h
	return nil
}

func (t *tracker) get(id string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	return h, ok
}

func (t *tracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, id)
}

func (t *tracker) all() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Handle, 0, len(t.handles))
	for _, h := range t.handles {
		out = append(out, h)
	}
	return out
}
