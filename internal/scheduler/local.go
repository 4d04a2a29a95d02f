package scheduler

import (
	"context"
	"sync"

	"github.com/book-expert/logger"

	"github.com/makeasinger/musicgen/internal/model"
)

// Local runs each task in its own goroutine under a root context. At most
// concurrency tasks run at once; the rest wait, still pending.
type Local struct {
	runner  Runner
	root    context.Context
	stop    context.CancelFunc
	sem     chan struct{}
	wg      sync.WaitGroup
	handles *tracker
	log     *logger.Logger

	mu      sync.Mutex
	closing bool
}

// NewLocal creates a local scheduler.
func NewLocal(runner Runner, concurrency int, log *logger.Logger) *Local {
	if concurrency <= 0 {
		concurrency = 1
	}
	root, stop := context.WithCancel(context.Background())
	return &Local{
		runner:  runner,
		root:    root,
		stop:    stop,
		sem:     make(chan struct{}, concurrency),
		handles: newTracker(),
		log:     log,
	}
}

// Submit starts the task in the background and returns immediately.
func (l *Local) Submit(_ context.Context, taskID string, req *model.GenerateRequest) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return nil, ErrShuttingDown
	}

	h := newHandle(taskID, req)
	if err := l.handles.add(h); err != nil {
		return nil, err
	}

	ctx := h.start(l.root)
	l.wg.Add(1)
	go l.run(ctx, h)
	return h, nil
}

func (l *Local) run(ctx context.Context, h *Handle) {
	defer l.wg.Done()
	defer l.handles.remove(h.TaskID)
	defer h.finish()

	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	case <-ctx.Done():
		// Still run so the task records its cancellation.
	}

	if _, err := l.runner.Run(ctx, h.TaskID, h.req); err != nil {
		l.log.Error("[Scheduler] task %s: %v", h.TaskID, err)
	}
}

// Cancel implements Scheduler.
func (l *Local) Cancel(taskID string) bool {
	h, ok := l.handles.get(taskID)
	if ok {
		h.Cancel()
	}
	return ok
}

// Handle implements Scheduler.
func (l *Local) Handle(taskID string) (*Handle, bool) {
	return l.handles.get(taskID)
}

// Shutdown cancels every task and waits for them to record a terminal state.
func (l *Local) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()

	l.stop()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
