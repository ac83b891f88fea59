package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/atelier/model"
)

// DefaultGenerateTimeout bounds a single Generate call.
const DefaultGenerateTimeout = 60 * time.Second

// Prompt is one text-in/text-out model call.
type Prompt struct {
	Capability model.Capability
	System     string
	User       string
}

// Gateway is the model surface the workflow depends on. Implementations
// return an error on any failure; callers decide how to degrade.
type Gateway interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Completer is satisfied by *Client.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientGateway adapts a Completer to Gateway, bounding each call with a
// timeout.
type ClientGateway struct {
	client      Completer
	timeout     time.Duration
	temperature *float64
	maxTokens   int
	logger      *slog.Logger
}

// GatewayOption configures a ClientGateway.
type GatewayOption func(*ClientGateway)

// WithTimeout sets the per-call timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *ClientGateway) {
		g.timeout = d
	}
}

// WithTemperature sets the sampling temperature for every call.
func WithTemperature(t float64) GatewayOption {
	return func(g *ClientGateway) {
		g.temperature = &t
	}
}

// WithMaxTokens limits the completion length.
func WithMaxTokens(n int) GatewayOption {
	return func(g *ClientGateway) {
		g.maxTokens = n
	}
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *ClientGateway) {
		g.logger = logger
	}
}

// NewGateway wraps a completer.
func NewGateway(client Completer, opts ...GatewayOption) *ClientGateway {
	g := &ClientGateway{
		client:  client,
		timeout: DefaultGenerateTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate sends the prompt and returns the completion text. An empty
// completion is an error.
func (g *ClientGateway) Generate(ctx context.Context, p Prompt) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	capability := p.Capability
	if capability == "" {
		capability = model.CapabilityFast
	}

	messages := make([]Message, 0, 2)
	if p.System != "" {
		messages = append(messages, Message{Role: "system", Content: p.System})
	}
	messages = append(messages, Message{Role: "user", Content: p.User})

	start := time.Now()
	resp, err := g.client.Complete(ctx, Request{
		Capability:  capability,
		Messages:    messages,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", capability, err)
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", fmt.Errorf("generate %s: empty completion from %s", capability, resp.Model)
	}

	g.logger.Debug("Model call completed",
		"capability", capability,
		"model", resp.Model,
		"endpoint", resp.Endpoint,
		"duration", time.Since(start))
	return content, nil
}
