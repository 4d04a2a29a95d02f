package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"

	"github.com/makeasinger/musicgen/internal/artifact"
	"github.com/makeasinger/musicgen/internal/model"
	"github.com/makeasinger/musicgen/internal/notify"
	"github.com/makeasinger/musicgen/internal/orchestrator"
	"github.com/makeasinger/musicgen/internal/registry"
	"github.com/makeasinger/musicgen/internal/scheduler"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskFinished    = errors.New("task already finished")
	ErrAudioNotReady   = errors.New("audio not ready")
	ErrHistoryDisabled = errors.New("task history is not enabled")
)

// cancelWait bounds how long Cancel waits for the task to acknowledge.
const (
	cancelWait = 2 * time.Second
	cancelPoll = 50 * time.Millisecond
)

// HistoryStore is the durable task log.
type HistoryStore interface {
	Get(ctx context.Context, taskID string) (*model.Task, error)
	List(ctx context.Context, limit int) ([]*model.Task, error)
}

// GenerationService is the entry point for the HTTP layer: it creates
// tasks, hands them to the scheduler and answers status and audio lookups.
type GenerationService struct {
	registry  registry.Registry
	scheduler scheduler.Scheduler
	artifacts *artifact.Store
	history   HistoryStore
	notifier  notify.Notifier
	log       *logger.Logger
}

// NewGenerationService wires the service. history and notifier may be nil.
func NewGenerationService(
	reg registry.Registry,
	sched scheduler.Scheduler,
	artifacts *artifact.Store,
	history HistoryStore,
	notifier notify.Notifier,
	log *logger.Logger,
) *GenerationService {
	return &GenerationService{
		registry:  reg,
		scheduler: sched,
		artifacts: artifacts,
		history:   history,
		notifier:  notifier,
		log:       log,
	}
}

func (s *GenerationService) publish(ctx context.Context, t *model.Task) {
	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, model.NewTaskEvent(t))
	}
}

// Submit creates a pending task and schedules it. req must already be valid.
func (s *GenerationService) Submit(ctx context.Context, req *model.GenerateRequest) (*model.GenerateResponse, error) {
	task, err := s.registry.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	s.publish(ctx, task)

	if _, err := s.scheduler.Submit(ctx, task.ID, req); err != nil {
		failed, uErr := s.registry.Update(context.WithoutCancel(ctx), task.ID, func(t *model.Task) error {
			t.Status = model.TaskStatusFailed
			t.Message = orchestrator.GenerationFailedPrefix + "could not schedule task: " + err.Error()
			return nil
		})
		if uErr == nil {
			s.publish(ctx, failed)
		}
		return nil, fmt.Errorf("failed to schedule task: %w", err)
	}

	s.log.Info("[Generate] task %s accepted: %ds x %d", task.ID, req.Duration, req.RepeatCount)
	return &model.GenerateResponse{TaskID: task.ID}, nil
}

// lookup reads the registry and falls back to the history store for tasks
// that were evicted or belong to an earlier process.
func (s *GenerationService) lookup(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := s.registry.Get(ctx, taskID)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}
	if s.history != nil {
		if task, hErr := s.history.Get(ctx, taskID); hErr == nil {
			return task, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// Status returns the public view of a task.
func (s *GenerationService) Status(ctx context.Context, taskID string) (*model.TaskStatusResponse, error) {
	task, err := s.lookup(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return model.NewTaskStatusResponse(task), nil
}

// Cancel requests cancellation and waits briefly for the task to record it.
func (s *GenerationService) Cancel(ctx context.Context, taskID string) (*model.CancelResponse, error) {
	task, err := s.lookup(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskFinished, taskID, task.Status)
	}

	// Cancel reports false when no job, local or on another asynq worker,
	// will ever run the task again; the record is then finished here.
	if s.scheduler.Cancel(taskID) {
		s.awaitCancel(ctx, taskID)
	} else {
		orphan, uErr := s.registry.Update(ctx, taskID, func(t *model.Task) error {
			t.Status = model.TaskStatusCancelled
			t.Message = orchestrator.CancelledMessage
			return nil
		})
		if uErr != nil {
			if errors.Is(uErr, registry.ErrTerminal) {
				return nil, fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
			}
			return nil, uErr
		}
		s.publish(ctx, orphan)
	}

	task, err = s.lookup(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &model.CancelResponse{
		Success: true,
		TaskID:  taskID,
		Status:  task.Status,
	}, nil
}

// awaitCancel waits up to cancelWait for the task to record its
// cancellation. A job on another replica is only visible in the registry.
func (s *GenerationService) awaitCancel(ctx context.Context, taskID string) {
	timeout := time.NewTimer(cancelWait)
	defer timeout.Stop()

	if h, ok := s.scheduler.Handle(taskID); ok {
		select {
		case <-h.Done():
		case <-timeout.C:
		case <-ctx.Done():
		}
		return
	}

	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()
	for {
		if task, err := s.registry.Get(ctx, taskID); err != nil || task.Status.IsTerminal() {
			return
		}
		select {
		case <-ticker.C:
		case <-timeout.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// OpenTaskAudio opens the artifact of a completed task.
func (s *GenerationService) OpenTaskAudio(ctx context.Context, taskID string) (io.ReadCloser, int64, string, error) {
	task, err := s.lookup(ctx, taskID)
	if err != nil {
		return nil, 0, "", err
	}
	if task.Status != model.TaskStatusCompleted || len(task.Files) == 0 {
		return nil, 0, "", fmt.Errorf("%w: task %s is %s", ErrAudioNotReady, taskID, task.Status)
	}
	name := filepath.Base(task.Files[0].FilePath)
	rc, size, err := s.artifacts.Open(ctx, name)
	if err != nil {
		return nil, 0, "", err
	}
	return rc, size, name, nil
}

// OpenFile opens an artifact by file name.
func (s *GenerationService) OpenFile(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	return s.artifacts.Open(ctx, name)
}

// Snapshot returns the current task state as an event, for websocket joins.
func (s *GenerationService) Snapshot(ctx context.Context, taskID string) (*model.TaskEvent, error) {
	task, err := s.lookup(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return model.NewTaskEvent(task), nil
}

// History lists recent tasks, newest first.
func (s *GenerationService) History(ctx context.Context, limit int) (*model.TaskHistoryResponse, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	tasks, err := s.history.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	resp := &model.TaskHistoryResponse{Tasks: make([]*model.TaskStatusResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, model.NewTaskStatusResponse(t))
	}
	return resp, nil
}
