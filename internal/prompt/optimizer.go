// Package prompt turns a user's free-form description and optional
// structured hints into a prompt for the music model.
package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/book-expert/logger"
)

// SystemPrompt instructs the LLM to expand a description into a compact
// music-generation prompt.
const SystemPrompt = `You write prompts for a text-to-music model.
Expand the user's description into one short paragraph (2-3 sentences) that covers:
genre or style, rhythm and tempo (BPM when sensible), melody character, theme or mood,
the main instruments, and one or two reference tracks in a similar style.
Reply with the prompt only.`

// Policy controls how often the LLM is consulted for a task.
type Policy string

const (
	// PolicyPerTask optimizes once and derives each round's prompt with a variation suffix.
	PolicyPerTask Policy = "per_task"
	// PolicyPerRound optimizes again before every round.
	PolicyPerRound Policy = "per_round"
)

// ParsePolicy maps a config value to a Policy, defaulting to PolicyPerTask.
func ParsePolicy(s string) Policy {
	if Policy(strings.ToLower(strings.TrimSpace(s))) == PolicyPerRound {
		return PolicyPerRound
	}
	return PolicyPerTask
}

// Completer is the chat completion call the optimizer depends on.
type Completer interface {
	ChatCompletion(ctx context.Context, system, user string) (string, error)
	IsConfigured() bool
}

// Result is either an optimized prompt or the raw input with the reason the
// upstream call was skipped or failed.
type Result struct {
	Prompt    string
	Optimized bool
	Reason    string
}

// Optimized wraps a prompt returned by the LLM.
func Optimized(text string) Result {
	return Result{Prompt: text, Optimized: true}
}

// Fallback wraps the raw user input.
func Fallback(text, reason string) Result {
	return Result{Prompt: text, Reason: reason}
}

// Optimizer calls the LLM and never fails: errors degrade to Fallback.
type Optimizer struct {
	client Completer
	policy Policy
	log    *logger.Logger
}

func NewOptimizer(client Completer, policy Policy, log *logger.Logger) *Optimizer {
	return &Optimizer{client: client, policy: policy, log: log}
}

// Policy returns the configured optimization policy.
func (o *Optimizer) Policy() Policy { return o.policy }

// Optimize makes at most one upstream call.
func (o *Optimizer) Optimize(ctx context.Context, freeText string, hints map[string]string) Result {
	if o.client == nil || !o.client.IsConfigured() {
		return Fallback(freeText, "prompt optimizer not configured")
	}

	out, err := o.client.ChatCompletion(ctx, SystemPrompt, BuildUserContent(freeText, hints))
	if err != nil {
		o.log.Warn("[Prompt] optimization failed, using raw input: %v", err)
		return Fallback(freeText, err.Error())
	}
	return Optimized(out)
}

// BuildUserContent renders the description and the non-empty hints in key order.
func BuildUserContent(freeText string, hints map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Free-form description: %s\n", freeText)

	keys := make([]string, 0, len(hints))
	for k, v := range hints {
		if strings.TrimSpace(v) != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return b.String()
	}
	sort.Strings(keys)

	b.WriteString("Additional details:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, strings.TrimSpace(hints[k]))
	}
	return b.String()
}

// Variation returns the prompt used for a 1-based round.
func Variation(prompt string, round int) string {
	return fmt.Sprintf("%s, variation %d", prompt, round)
}
