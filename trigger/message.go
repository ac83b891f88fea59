// Package trigger connects the workflow to NATS: a JetStream consumer that
// turns trigger messages into runs, and a publisher for stage events.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/atelier/workflow"
)

// Default subjects and names.
const (
	DefaultStream        = "ATELIER"
	DefaultSubject       = "atelier.trigger.request"
	DefaultConsumer      = "atelier-runner"
	DefaultEventsPrefix  = "atelier.events"
	streamSubjectPattern = "atelier.trigger.>"
)

// ErrInvalidMessage marks a trigger that can never be processed.
var ErrInvalidMessage = errors.New("invalid trigger message")

// Message asks for one workflow run.
type Message struct {
	RequestID string `json:"request_id"`
	RawInput  string `json:"raw_input,omitempty"`
	Simulate  bool   `json:"simulate,omitempty"`
}

// Decode parses and validates a trigger message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	m.RequestID = strings.TrimSpace(m.RequestID)
	if m.RequestID == "" {
		return Message{}, fmt.Errorf("%w: request_id is required", ErrInvalidMessage)
	}
	return m, nil
}

// RunOptions maps the message onto orchestrator run options.
func (m Message) RunOptions() []workflow.RunOption {
	var opts []workflow.RunOption
	if m.RawInput != "" {
		opts = append(opts, workflow.WithRawInput(m.RawInput))
	}
	if m.Simulate {
		opts = append(opts, workflow.WithSimulation())
	}
	return opts
}

// Submit publishes a trigger to JetStream and waits for the stream's ack.
func Submit(ctx context.Context, js jetstream.JetStream, subject string, m Message) error {
	if strings.TrimSpace(m.RequestID) == "" {
		return fmt.Errorf("%w: request_id is required", ErrInvalidMessage)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish trigger %s: %w", m.RequestID, err)
	}
	return nil
}

// EnsureStream creates or updates the trigger work-queue stream. Without
// subjects it captures atelier.trigger.>.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, subjects ...string) (jetstream.Stream, error) {
	if name == "" {
		name = DefaultStream
	}
	if len(subjects) == 0 {
		subjects = []string{streamSubjectPattern}
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return stream, nil
}
