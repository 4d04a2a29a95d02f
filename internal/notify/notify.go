// Package notify fans task lifecycle events out to subscribers.
package notify

import (
	"context"

	"github.com/makeasinger/musicgen/internal/model"
)

// Notifier receives task events. Implementations must not block the caller
// for long and must tolerate being called from many goroutines.
type Notifier interface {
	Notify(ctx context.Context, ev *model.TaskEvent) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, ev *model.TaskEvent) error

func (f Func) Notify(ctx context.Context, ev *model.TaskEvent) error { return f(ctx, ev) }

// ErrorHandler is called for each subscriber that fails.
type ErrorHandler func(ev *model.TaskEvent, err error)

// Fanout delivers each event to every subscriber in order. A failing
// subscriber never prevents delivery to the rest.
type Fanout struct {
	subscribers []Notifier
	onError     ErrorHandler
}

// NewFanout skips nil subscribers.
func NewFanout(onError ErrorHandler, subscribers ...Notifier) *Fanout {
	f := &Fanout{onError: onError}
	for _, s := range subscribers {
		if s != nil {
			f.subscribers = append(f.subscribers, s)
		}
	}
	return f
}

// Add registers another subscriber.
func (f *Fanout) Add(n Notifier) {
	if n != nil {
		f.subscribers = append(f.subscribers, n)
	}
}

// Notify always returns nil; failures go to the error handler.
func (f *Fanout) Notify(ctx context.Context, ev *model.TaskEvent) error {
	for _, s := range f.subscribers {
		if err := s.Notify(ctx, ev); err != nil && f.onError != nil {
			f.onError(ev, err)
		}
	}
	return nil
}
