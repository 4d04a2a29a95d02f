package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/book-expert/logger"
	"github.com/hibiken/asynq"

	"github.com/makeasinger/musicgen/internal/model"
)

// TaskTypeGenerate is the asynq task type for a generation job.
const TaskTypeGenerate = "generate:run"

// GeneratePayload is the queued job. Melody travels separately because the
// request type keeps it out of its JSON form.
type GeneratePayload struct {
	TaskID  string                 `json:"task_id"`
	Request *model.GenerateRequest `json:"request"`
	Melody  []byte                 `json:"melody,omitempty"`
}

// AsynqOptions configures the asynq backend.
type AsynqOptions struct {
	Concurrency int
	Queue       string
	LogLevel    string
}

// Asynq enqueues tasks in Redis and processes them with an in-process
// asynq server. Jobs are never retried; the task records its own failure.
type Asynq struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	runner    Runner
	queue     string
	handles   *tracker
	log       *logger.Logger

	mu      sync.Mutex
	closing bool
}

// NewAsynq creates the backend. Call Start before submitting.
func NewAsynq(redisOpt asynq.RedisClientOpt, runner Runner, opts AsynqOptions, log *logger.Logger) *Asynq {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Queue == "" {
		opts.Queue = "generate"
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues:      map[string]int{opts.Queue: 1},
		LogLevel:    ParseLogLevel(opts.LogLevel),
		Logger:      &asynqLogger{log: log},
	})

	return &Asynq{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		inspector: asynq.NewInspector(redisOpt),
		runner:    runner,
		queue:     opts.Queue,
		handles:   newTracker(),
		log:       log,
	}
}

// ParseLogLevel maps a service log level onto asynq's.
func ParseLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// Start begins processing the queue.
func (a *Asynq) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeGenerate, a.processTask)
	if err := a.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	return nil
}

// Submit enqueues the task under its own id.
func (a *Asynq) Submit(ctx context.Context, taskID string, req *model.GenerateRequest) (*Handle, error) {
	a.mu.Lock()
	closing := a.closing
	a.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}

	payload, err := json.Marshal(GeneratePayload{TaskID: taskID, Request: req, Melody: req.Melody})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	h := newHandle(taskID, req)
	if err := a.handles.add(h); err != nil {
		return nil, err
	}

	task := asynq.NewTask(TaskTypeGenerate, payload,
		asynq.MaxRetry(0),
		asynq.Queue(a.queue),
		asynq.TaskID(taskID),
	)
	info, err := a.client.EnqueueContext(ctx, task)
	if err != nil {
		a.handles.remove(taskID)
		return nil, fmt.Errorf("enqueue task %s: %w", taskID, err)
	}
	a.log.Info("[Scheduler] enqueued task %s on queue %s", info.ID, info.Queue)
	return h, nil
}

func (a *Asynq) processTask(ctx context.Context, t *asynq.Task) error {
	var p GeneratePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Request == nil {
		return fmt.Errorf("payload for %s has no request: %w", p.TaskID, asynq.SkipRetry)
	}
	p.Request.Melody = p.Melody

	h, ok := a.handles.get(p.TaskID)
	if !ok {
		// Enqueued by another process.
		h = newHandle(p.TaskID, p.Request)
		if err := a.handles.add(h); err != nil {
			h, _ = a.handles.get(p.TaskID)
		}
	}
	defer a.handles.remove(p.TaskID)
	defer h.finish()

	runCtx := h.start(ctx)
	if _, err := a.runner.Run(runCtx, p.TaskID, p.Request); err != nil {
		return fmt.Errorf("task %s: %v: %w", p.TaskID, err, asynq.SkipRetry)
	}
	return nil
}

// Cancel implements Scheduler. A task still waiting in the queue is removed
// from it and recorded as cancelled right away.
func (a *Asynq) Cancel(taskID string) bool {
	h, ok := a.handles.get(taskID)
	if !ok {
		return a.cancelRemote(taskID)
	}
	h.Cancel()

	if !h.hasStarted() {
		if err := a.inspector.DeleteTask(a.queue, taskID); err == nil {
			go a.abandon(h)
		}
		// Otherwise the task just went active and will see the cancellation.
	}
	return true
}

// cancelRemote handles a task this process does not track. An active job
// on another worker is told to stop through asynq's cancel channel and
// reports true; a queued one is deleted and reports false so the caller
// records the cancellation itself.
func (a *Asynq) cancelRemote(taskID string) bool {
	info, err := a.inspector.GetTaskInfo(a.queue, taskID)
	if err != nil {
		if !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
			a.log.Warn("[Scheduler] lookup of task %s failed: %v", taskID, err)
		}
		return false
	}

	switch info.State {
	case asynq.TaskStateActive:
		if err := a.inspector.CancelProcessing(taskID); err != nil {
			a.log.Warn("[Scheduler] remote cancel of task %s failed: %v", taskID, err)
			return false
		}
		a.log.Info("[Scheduler] asked the worker running task %s to stop", taskID)
		return true
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
		if err := a.inspector.DeleteTask(a.queue, taskID); err != nil {
			a.log.Warn("[Scheduler] failed to drop queued task %s: %v", taskID, err)
		}
	}
	return false
}

// abandon records cancellation for a task that will never be processed.
func (a *Asynq) abandon(h *Handle) {
	defer a.handles.remove(h.TaskID)
	defer h.finish()

	ctx := h.start(context.Background())
	if _, err := a.runner.Run(ctx, h.TaskID, h.req); err != nil {
		a.log.Error("[Scheduler] task %s: %v", h.TaskID, err)
	}
}

// Handle implements Scheduler.
func (a *Asynq) Handle(taskID string) (*Handle, bool) {
	return a.handles.get(taskID)
}

// Shutdown cancels running tasks, drops queued ones and stops the server.
func (a *Asynq) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()

	for _, h := range a.handles.all() {
		a.Cancel(h.TaskID)
	}

	done := make(chan struct{})
	go func() {
		a.server.Shutdown()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	for _, h := range a.handles.all() {
		select {
		case <-h.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}

	_ = a.inspector.Close()
	if cErr := a.client.Close(); cErr != nil && err == nil {
		err = cErr
	}
	return err
}

// asynqLogger routes asynq's own logs into the service log.
type asynqLogger struct {
	log *logger.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.log.Info("[Asynq] %s", fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.log.Info("[Asynq] %s", fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.log.Warn("[Asynq] %s", fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.log.Error("[Asynq] %s", fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) {
	l.log.Error("[Asynq] fatal: %s", fmt.Sprint(args...))
	os.Exit(1)
}
