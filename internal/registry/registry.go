// Package registry stores task records. It is the single source of truth
// for task state: records are created pending, mutated through Update by the
// job that owns them, and evicted some time after reaching a terminal state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/makeasinger/musicgen/internal/model"
)

var (
	ErrNotFound           = errors.New("task not found")
	ErrTerminal           = errors.New("task already finished")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrProgressRegression = errors.New("progress must not decrease")
	ErrFilesInvariant     = errors.New("files must be present exactly when completed")
)

// Mutator edits a private copy of a task. Returning an error aborts the update.
type Mutator func(t *model.Task) error

// Registry is implemented by the memory and Redis backends. Every method
// returns copies; callers never hold a reference into the store.
type Registry interface {
	Create(ctx context.Context) (*model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	Update(ctx context.Context, id string, fn Mutator) (*model.Task, error)
}

// apply runs fn on a copy of prev, checks the lifecycle rules and stamps
// transition times. prev is never modified.
func apply(prev *model.Task, fn Mutator, now time.Time) (*model.Task, error) {
	if prev.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, prev.ID, prev.Status)
	}

	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt

	if next.Status != prev.Status && !prev.Status.CanTransition(next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.Progress < prev.Progress {
		return nil, fmt.Errorf("%w: %d -> %d", ErrProgressRegression, prev.Progress, next.Progress)
	}
	if next.Progress > 100 {
		next.Progress = 100
	}
	if (next.Status == model.TaskStatusCompleted) != (len(next.Files) > 0) {
		return nil, fmt.Errorf("%w: status=%s files=%d", ErrFilesInvariant, next.Status, len(next.Files))
	}
	if next.Files == nil {
		next.Files = []model.Artifact{}
	}

	if next.Status != prev.Status {
		if next.Status == model.TaskStatusProcessing && next.StartedAt == nil {
			t := now
			next.StartedAt = &t
		}
		if next.Status.IsTerminal() {
			t := now
			next.FinishedAt = &t
		}
	}
	return next, nil
}
