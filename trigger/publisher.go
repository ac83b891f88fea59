package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/atelier/workflow"
)

// Event is the wire form of a workflow stage event.
type Event struct {
	RequestID  string                  `json:"request_id"`
	Stage      workflow.Stage          `json:"stage"`
	Fields     []string                `json:"fields"`
	DurationMS int64                   `json:"duration_ms"`
	State      *workflow.WorkflowState `json:"state"`
}

// Publisher sends stage events on <prefix>.<request_id>. It implements
// workflow.EventSink.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

var _ workflow.EventSink = (*Publisher)(nil)

// NewPublisher creates a publisher. An empty prefix uses DefaultEventsPrefix.
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultEventsPrefix
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// Subject returns the subject events for requestID are published on.
func (p *Publisher) Subject(requestID string) string {
	return p.prefix + "." + subjectToken(requestID)
}

// Publish sends one event. Delivery is fire-and-forget.
func (p *Publisher) Publish(_ context.Context, ev workflow.StageEvent) error {
	state := ev.State
	data, err := json.Marshal(Event{
		RequestID:  ev.RequestID,
		Stage:      ev.Stage,
		Fields:     ev.Patch.Fields(),
		DurationMS: ev.Duration.Milliseconds(),
		State:      &state,
	})
	if err != nil {
		return fmt.Errorf("encode stage event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev.RequestID), data); err != nil {
		return fmt.Errorf("publish stage event: %w", err)
	}
	return nil
}

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
