// Package orchestrator drives a generation task from pending to a terminal
// state: prompt optimization, N engine rounds, assembly, post-processing,
// persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/makeasinger/musicgen/internal/audio"
	"github.com/makeasinger/musicgen/internal/model"
	"github.com/makeasinger/musicgen/internal/notify"
	"github.com/makeasinger/musicgen/internal/prompt"
	"github.com/makeasinger/musicgen/internal/registry"
)

// Failure message prefixes. Clients distinguish failure classes by them.
const (
	GenerationFailedPrefix = "Generation failed: "
	StorageFailedPrefix    = "Storage failed: "
	CancelledMessage       = "Task cancelled"
)

// FitMode decides where clips are fitted to the requested duration.
type FitMode string

const (
	// FitPerRound fits every clip to the round duration before merging.
	FitPerRound FitMode = "per_round"
	// FitPostMerge fits the merged audio to duration × rounds.
	FitPostMerge FitMode = "post_merge"
)

// ParseFitMode defaults to FitPerRound.
func ParseFitMode(s string) FitMode {
	if FitMode(strings.ToLower(strings.TrimSpace(s))) == FitPostMerge {
		return FitPostMerge
	}
	return FitPerRound
}

// Generator produces one clip per call.
type Generator interface {
	Generate(ctx context.Context, prompt string, d time.Duration, melody *audio.Segment) (audio.Segment, error)
	PrepareMelody(raw []byte) *audio.Segment
}

// Persister stores the final audio.
type Persister interface {
	Persist(ctx context.Context, taskID string, seg audio.Segment, prompt string) (model.Artifact, error)
	Remove(taskID string) error
}

// PromptOptimizer never fails; it falls back to the raw text.
type PromptOptimizer interface {
	Optimize(ctx context.Context, freeText string, hints map[string]string) prompt.Result
	Policy() prompt.Policy
}

// Options tunes post-processing.
type Options struct {
	FadeMs     int
	Normalize  bool
	FitMode    FitMode
	RoundYield time.Duration
}

// Orchestrator runs tasks. It holds no per-task state and is safe to share.
type Orchestrator struct {
	registry  registry.Registry
	optimizer PromptOptimizer
	engine    Generator
	store     Persister
	notifier  notify.Notifier
	opts      Options
	log       *logger.Logger
}

// New wires an orchestrator. notifier may be nil.
func New(
	reg registry.Registry,
	optimizer PromptOptimizer,
	engine Generator,
	store Persister,
	notifier notify.Notifier,
	opts Options,
	log *logger.Logger,
) *Orchestrator {
	if opts.FitMode == "" {
		opts.FitMode = FitPerRound
	}
	return &Orchestrator{
		registry:  reg,
		optimizer: optimizer,
		engine:    engine,
		store:     store,
		notifier:  notifier,
		opts:      opts,
		log:       log,
	}
}

// update applies fn and publishes the resulting state.
func (o *Orchestrator) update(ctx context.Context, taskID string, fn registry.Mutator) (*model.Task, error) {
	task, err := o.registry.Update(ctx, taskID, fn)
	if err != nil {
		return nil, err
	}
	if o.notifier != nil {
		_ = o.notifier.Notify(ctx, model.NewTaskEvent(task))
	}
	return task, nil
}

// finish moves the task to a terminal state. It runs detached from the
// task context so a cancelled task can still record that it was cancelled.
func (o *Orchestrator) finish(ctx context.Context, taskID string, status model.TaskStatus, message string) (*model.Task, error) {
	task, err := o.update(context.WithoutCancel(ctx), taskID, func(t *model.Task) error {
		t.Status = status
		t.Message = message
		t.Files = nil
		return nil
	})
	if err != nil {
		o.log.Error("[Orchestrator] task %s could not be marked %s: %v", taskID, status, err)
		return nil, err
	}
	if status == model.TaskStatusCancelled {
		o.log.Info("[Orchestrator] task %s cancelled", taskID)
	} else {
		o.log.Warn("[Orchestrator] task %s %s: %s", taskID, status, message)
	}
	return task, nil
}

// abort classifies err: cancellation wins over the failure class.
func (o *Orchestrator) abort(ctx context.Context, taskID, prefix string, err error) (*model.Task, error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return o.finish(ctx, taskID, model.TaskStatusCancelled, CancelledMessage)
	}
	return o.finish(ctx, taskID, model.TaskStatusFailed, prefix+err.Error())
}

func (o *Orchestrator) setMessage(ctx context.Context, taskID string, progress int, msg string) error {
	_, err := o.update(ctx, taskID, func(t *model.Task) error {
		if progress > t.Progress {
			t.Progress = progress
		}
		t.Message = msg
		return nil
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the task and returns its terminal record. The error is
// non-nil only when the registry itself could not be updated.
func (o *Orchestrator) Run(ctx context.Context, taskID string, req *model.GenerateRequest) (*model.Task, error) {
	if ctx.Err() != nil {
		return o.finish(ctx, taskID, model.TaskStatusCancelled, CancelledMessage)
	}

	if _, err := o.update(ctx, taskID, func(t *model.Task) error {
		t.Status = model.TaskStatusProcessing
		t.Message = "Optimizing prompt"
		return nil
	}); err != nil {
		return o.abort(ctx, taskID, GenerationFailedPrefix, err)
	}
	o.log.Info("[Orchestrator] task %s started: %ds x %d", taskID, req.Duration, req.RepeatCount)

	var melody *audio.Segment
	if len(req.Melody) > 0 {
		melody = o.engine.PrepareMelody(req.Melody)
	}

	rounds := req.RepeatCount
	roundDuration := req.DurationValue()

	base := o.optimize(ctx, taskID, req)
	if ctx.Err() != nil {
		return o.finish(ctx, taskID, model.TaskStatusCancelled, CancelledMessage)
	}

	var buf audio.Buffer
	for i := 0; i < rounds; i++ {
		if ctx.Err() != nil {
			return o.finish(ctx, taskID, model.TaskStatusCancelled, CancelledMessage)
		}

		roundPrompt := base.Prompt
		if i > 0 && o.optimizer.Policy() == prompt.PolicyPerRound {
			roundPrompt = o.optimize(ctx, taskID, req).Prompt
		}
		roundPrompt = prompt.Variation(roundPrompt, i+1)

		if err := o.setMessage(ctx, taskID, 0, fmt.Sprintf("Generating variation %d of %d", i+1, rounds)); err != nil {
			return o.abort(ctx, taskID, GenerationFailedPrefix, err)
		}

		seg, err := o.engine.Generate(ctx, roundPrompt, roundDuration, melody)
		if err != nil {
			return o.abort(ctx, taskID, GenerationFailedPrefix, err)
		}
		if o.opts.FitMode == FitPerRound {
			seg = audio.FitToDuration(seg, roundDuration)
		}
		if err := buf.Append(seg); err != nil {
			return o.abort(ctx, taskID, GenerationFailedPrefix, err)
		}

		progress := 100 * (i + 1) / rounds
		if err := o.setMessage(ctx, taskID, progress, fmt.Sprintf("Generated variation %d of %d", i+1, rounds)); err != nil {
			return o.abort(ctx, taskID, GenerationFailedPrefix, err)
		}

		if i < rounds-1 {
			if err := sleep(ctx, o.opts.RoundYield); err != nil {
				return o.finish(ctx, taskID, model.TaskStatusCancelled, CancelledMessage)
			}
		}
	}

	final := o.postProcess(buf.Segment(), time.Duration(rounds)*roundDuration)
	if ctx.Err() != nil {
		return o.finish(ctx, taskID, model.TaskStatusCancelled, CancelledMessage)
	}

	artifact, err := o.store.Persist(ctx, taskID, final, base.Prompt)
	if err != nil {
		return o.abort(ctx, taskID, StorageFailedPrefix, err)
	}

	task, err := o.update(context.WithoutCancel(ctx), taskID, func(t *model.Task) error {
		t.Status = model.TaskStatusCompleted
		t.Progress = 100
		t.Message = fmt.Sprintf("Music generated successfully (%d variations)", rounds)
		t.Files = []model.Artifact{artifact}
		return nil
	})
	if err != nil {
		if rmErr := o.store.Remove(taskID); rmErr != nil {
			o.log.Error("[Orchestrator] failed to remove orphaned artifact for %s: %v", taskID, rmErr)
		}
		return o.finish(ctx, taskID, model.TaskStatusFailed, StorageFailedPrefix+err.Error())
	}

	o.log.Info("[Orchestrator] task %s completed: %s (%s)", taskID, artifact.FileURL, final.Duration())
	return task, nil
}

func (o *Orchestrator) optimize(ctx context.Context, taskID string, req *model.GenerateRequest) prompt.Result {
	res := o.optimizer.Optimize(ctx, req.FreeInput, req.StructuredInput)
	if !res.Optimized {
		o.log.Info("[Orchestrator] task %s using raw prompt: %s", taskID, res.Reason)
	}
	return res
}

func (o *Orchestrator) postProcess(seg audio.Segment, total time.Duration) audio.Segment {
	if o.opts.FitMode == FitPostMerge {
		seg = audio.FitToDuration(seg, total)
	}
	if o.opts.Normalize {
		seg = audio.NormalizePeak(seg)
	}
	if o.opts.FadeMs > 0 {
		seg = audio.Fade(seg, time.Duration(o.opts.FadeMs)*time.Millisecond)
	}
	return seg
}
