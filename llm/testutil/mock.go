// Package testutil provides a scripted llm.Gateway for tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/c360studio/atelier/llm"
	"github.com/c360studio/atelier/model"
)

// ErrNoScript is returned when a capability has no scripted reply left.
var ErrNoScript = errors.New("mock gateway: no scripted reply")

// Reply is one scripted Generate outcome.
type Reply struct {
	Text string
	Err  error
}

// MockGateway replays scripted replies per capability and records every
// prompt it receives. Safe for concurrent use.
//
//	gw := testutil.NewMockGateway().
//	    On(model.CapabilityDecide, `{"action":"DELAY_REQUEST","reason":"busy"}`).
//	    Fail(model.CapabilityRespond, errors.New("down"))
type MockGateway struct {
	mu      sync.Mutex
	scripts map[model.Capability][]Reply
	sticky  map[model.Capability]Reply
	calls   []llm.Prompt
}

var _ llm.Gateway = (*MockGateway)(nil)

// NewMockGateway returns an empty mock; unscripted calls fail with ErrNoScript.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		scripts: make(map[model.Capability][]Reply),
		sticky:  make(map[model.Capability]Reply),
	}
}

// On queues text replies for the capability, consumed in order. The last
// queued reply repeats once the queue drains.
func (m *MockGateway) On(c model.Capability, texts ...string) *MockGateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, text := range texts {
		m.scripts[c] = append(m.scripts[c], Reply{Text: text})
	}
	return m
}

// Fail queues an error reply for the capability.
func (m *MockGateway) Fail(c model.Capability, err error) *MockGateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[c] = append(m.scripts[c], Reply{Err: err})
	return m
}

// Generate implements llm.Gateway.
func (m *MockGateway) Generate(ctx context.Context, p llm.Prompt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, p)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	queue := m.scripts[p.Capability]
	var reply Reply
	switch {
	case len(queue) > 0:
		reply = queue[0]
		m.scripts[p.Capability] = queue[1:]
		m.sticky[p.Capability] = reply
	default:
		last, ok := m.sticky[p.Capability]
		if !ok {
			return "", ErrNoScript
		}
		reply = last
	}
	return reply.Text, reply.Err
}

// Calls returns a copy of the prompts received so far.
func (m *MockGateway) Calls() []llm.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Prompt, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many prompts were sent for the capability.
func (m *MockGateway) CallCount(c model.Capability) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.calls {
		if p.Capability == c {
			n++
		}
	}
	return n
}
