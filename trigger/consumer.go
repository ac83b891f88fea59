package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"

	"github.com/c360studio/atelier/locker"
	"github.com/c360studio/atelier/metrics"
	"github.com/c360studio/atelier/workflow"
)

// Runner executes one workflow run. *workflow.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, requestID string, opts ...workflow.RunOption) (*workflow.WorkflowState, error)
}

// Config tunes the consumer.
type Config struct {
	Stream   string
	Subject  string
	Consumer string

	// MaxConcurrent bounds runs in flight.
	MaxConcurrent int

	// RunTimeout bounds a single run. Runs are detached from the consumer's
	// context so shutdown lets them finish.
	RunTimeout time.Duration

	// AckWait must exceed RunTimeout or JetStream redelivers live runs.
	AckWait    time.Duration
	MaxDeliver int

	// BusyDelay is the redelivery delay for a run blocked by the
	// per-request lock.
	BusyDelay time.Duration

	FetchWait time.Duration
}

// DefaultConfig returns the consumer defaults.
func DefaultConfig() Config {
	return Config{
		Stream:        DefaultStream,
		Subject:       DefaultSubject,
		Consumer:      DefaultConsumer,
		MaxConcurrent: 4,
		RunTimeout:    5 * time.Minute,
		AckWait:       6 * time.Minute,
		MaxDeliver:    5,
		BusyDelay:     10 * time.Second,
		FetchWait:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.Subject == "" {
		c.Subject = d.Subject
	}
	if c.Consumer == "" {
		c.Consumer = d.Consumer
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.AckWait <= 0 {
		c.AckWait = c.RunTimeout + time.Minute
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = d.MaxDeliver
	}
	if c.BusyDelay <= 0 {
		c.BusyDelay = d.BusyDelay
	}
	if c.FetchWait <= 0 {
		c.FetchWait = d.FetchWait
	}
	return c
}

// Consumer pulls trigger messages and runs the workflow for each.
type Consumer struct {
	js     jetstream.JetStream
	runner Runner
	cfg    Config
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithLogger sets the consumer logger.
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer. Zero config fields take defaults.
func NewConsumer(js jetstream.JetStream, runner Runner, cfg Config, opts ...ConsumerOption) *Consumer {
	cfg = cfg.withDefaults()
	c := &Consumer{
		js:     js,
		runner: runner,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is done, then waits for runs in flight. It
// returns nil on a clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	stream, err := EnsureStream(ctx, c.js, c.cfg.Stream, c.subjects()...)
	if err != nil {
		return err
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.cfg.Consumer,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.cfg.Consumer, err)
	}

	c.logger.Info("Trigger consumer started",
		"stream", c.cfg.Stream,
		"consumer", c.cfg.Consumer,
		"subject", c.cfg.Subject,
		"max_concurrent", c.cfg.MaxConcurrent)

	c.consumeLoop(ctx, cons)
	c.wg.Wait()

	c.logger.Info("Trigger consumer stopped", "consumer", c.cfg.Consumer)
	return nil
}

// subjects returns nil when the default wildcard already covers Subject.
func (c *Consumer) subjects() []string {
	if strings.HasPrefix(c.cfg.Subject, "atelier.trigger.") {
		return nil
	}
	return []string{c.cfg.Subject}
}

func (c *Consumer) consumeLoop(ctx context.Context, cons jetstream.Consumer) {
	for {
		// A slot is reserved before fetching so no message waits unacked
		// behind a full semaphore.
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}

		msgs, err := cons.Fetch(1, jetstream.FetchMaxWait(c.cfg.FetchWait))
		if err != nil {
			c.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch failed", "error", err)
			continue
		}

		dispatched := false
		for msg := range msgs.Messages() {
			dispatched = true
			c.wg.Add(1)
			go func(msg jetstream.Msg) {
				defer c.wg.Done()
				defer c.sem.Release(1)
				c.handle(ctx, msg)
			}(msg)
		}
		if !dispatched {
			c.sem.Release(1)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.logger.Warn("Message fetch error", "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	m, err := Decode(msg.Data())
	if err != nil {
		c.logger.Warn("Dropping invalid trigger", "subject", msg.Subject(), "error", err)
		metrics.RecordTriggerMessage("invalid")
		if err := msg.Term(); err != nil {
			c.logger.Warn("Failed to terminate message", "error", err)
		}
		return
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RunTimeout)
	defer cancel()

	state, err := c.runner.Run(runCtx, m.RequestID, m.RunOptions()...)
	switch {
	case errors.Is(err, locker.ErrNotAcquired):
		c.logger.Info("Request busy, redelivering later", "request_id", m.RequestID, "delay", c.cfg.BusyDelay)
		metrics.RecordTriggerMessage("busy")
		if err := msg.NakWithDelay(c.cfg.BusyDelay); err != nil {
			c.logger.Warn("Failed to NAK message", "request_id", m.RequestID, "error", err)
		}
		return
	case err != nil:
		c.logger.Error("Run could not start", "request_id", m.RequestID, "error", err)
		metrics.RecordTriggerMessage("failed")
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "request_id", m.RequestID, "error", err)
		}
		return
	}

	action := ""
	if state.Decision != nil {
		action = string(state.Decision.Action)
	}
	c.logger.Info("Trigger processed",
		"request_id", m.RequestID,
		"action", action,
		"simulation", m.Simulate,
		"error", state.Error)
	metrics.RecordTriggerMessage("processed")

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "request_id", m.RequestID, "error", err)
	}
}
