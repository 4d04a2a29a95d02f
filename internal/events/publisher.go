// Package events publishes task lifecycle events on NATS so other services
// can follow generation progress without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/makeasinger/musicgen/internal/model"
)

// Publisher sends each task event to <subject>.<task_id>.
type Publisher struct {
	natsConnection *nats.Conn
	subject        string
}

// NewPublisher returns a publisher rooted at subject.
func NewPublisher(natsConnection *nats.Conn, subject string) *Publisher {
	return &Publisher{natsConnection: natsConnection, subject: strings.TrimSuffix(subject, ".")}
}

// Subject returns the per-task subject.
func (p *Publisher) Subject(taskID string) string {
	return p.subject + "." + taskID
}

// Notify publishes ev. Delivery is fire-and-forget.
func (p *Publisher) Notify(_ context.Context, ev *model.TaskEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal task event: %w", err)
	}
	if err := p.natsConnection.Publish(p.Subject(ev.TaskID), data); err != nil {
		return fmt.Errorf("failed to publish task event for %s: %w", ev.TaskID, err)
	}
	return nil
}

// Subscribe delivers events for taskID, or for every task when taskID is
// "*", until ctx is cancelled or a terminal event arrives for a single task.
func Subscribe(ctx context.Context, natsConnection *nats.Conn, subject, taskID string, handle func(*model.TaskEvent)) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := natsConnection.ChanSubscribe(strings.TrimSuffix(subject, ".")+"."+taskID, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			var ev model.TaskEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				continue
			}
			handle(&ev)
			if taskID != "*" && ev.Status.IsTerminal() {
				return nil
			}
		}
	}
}
