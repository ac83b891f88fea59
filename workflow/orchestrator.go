package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/atelier/llm"
	"github.com/c360studio/atelier/locker"
	"github.com/c360studio/atelier/metrics"
	"github.com/c360studio/atelier/storage"
)

// InstrumentationName is the tracer name used for run and stage spans.
const InstrumentationName = "github.com/c360studio/atelier/workflow"

// DefaultLockWait bounds how long a run waits for another run of the same
// request to finish.
const DefaultLockWait = 30 * time.Second

// ErrEmptyRequestID is returned by Run and Stream for an empty id.
var ErrEmptyRequestID = errors.New("request id is required")

// Orchestrator sequences the stages of one run.
type Orchestrator struct {
	pipeline *Pipeline
	locker   locker.Locker
	lockWait time.Duration
	tracer   trace.Tracer
	sink     EventSink
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator and its stages.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithLocker replaces the default in-process per-request lock.
func WithLocker(l locker.Locker) Option {
	return func(o *Orchestrator) {
		o.locker = l
	}
}

// WithLockWait sets how long Run waits for the request lock. Zero waits
// until the caller's context ends.
func WithLockWait(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.lockWait = d
	}
}

// WithTracerProvider sets the provider for run and stage spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		o.tracer = tp.Tracer(InstrumentationName)
	}
}

// WithEventSink publishes every stage event to sink.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// New creates an orchestrator over a store and model gateway.
func New(store storage.Store, gateway llm.Gateway, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		locker:   locker.NewLocalLocker(),
		lockWait: DefaultLockWait,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider().Tracer(InstrumentationName)
	}
	o.pipeline = NewPipeline(store, gateway, WithPipelineLogger(o.logger))
	return o
}

// RunOption adjusts the initial state of a run.
type RunOption func(*runConfig)

type runConfig struct {
	rawInput  string
	simulate  bool
	overrides StatePatch
}

// WithRawInput supplies free text to normalize when the request has no
// payload yet.
func WithRawInput(text string) RunOption {
	return func(c *runConfig) {
		c.rawInput = text
	}
}

// WithSimulation runs every stage but suppresses persistent writes.
func WithSimulation() RunOption {
	return func(c *runConfig) {
		c.simulate = true
	}
}

// WithOverrides merges p into the initial state.
func WithOverrides(p StatePatch) RunOption {
	return func(c *runConfig) {
		c.overrides = p
	}
}

// InitialState builds the state a run starts from.
func InitialState(requestID string, opts ...RunOption) WorkflowState {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	s := WorkflowState{
		RequestID:    requestID,
		RawInput:     cfg.rawInput,
		IsSimulation: cfg.simulate,
	}
	return s.Merge(cfg.overrides)
}

// Run executes the pipeline for a request and returns the final state. It
// only fails when the run cannot start: an empty id or a lock that was not
// acquired. Stage failures are reported in the returned state's Error.
func (o *Orchestrator) Run(ctx context.Context, requestID string, opts ...RunOption) (*WorkflowState, error) {
	unlock, err := o.acquire(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	final := o.execute(ctx, InitialState(requestID, opts...), nil)
	return &final, nil
}

// Stream executes the pipeline like Run, delivering one event per completed
// stage. The channel is closed after the last stage. The lock is acquired
// before Stream returns.
func (o *Orchestrator) Stream(ctx context.Context, requestID string, opts ...RunOption) (<-chan StageEvent, error) {
	unlock, err := o.acquire(ctx, requestID)
	if err != nil {
		return nil, err
	}

	// Buffered for every stage so an abandoned consumer never blocks the run.
	events := make(chan StageEvent, len(Stages))
	go func() {
		defer close(events)
		defer unlock()
		o.execute(ctx, InitialState(requestID, opts...), func(ev StageEvent) {
			events <- ev
		})
	}()
	return events, nil
}

func (o *Orchestrator) acquire(ctx context.Context, requestID string) (locker.Unlock, error) {
	if requestID == "" {
		return nil, ErrEmptyRequestID
	}
	if o.locker == nil {
		return func() {}, nil
	}

	lockCtx := ctx
	if o.lockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, o.lockWait)
		defer cancel()
	}
	unlock, err := o.locker.Lock(lockCtx, requestID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", requestID, err)
	}
	return unlock, nil
}

func (o *Orchestrator) execute(ctx context.Context, state WorkflowState, emit func(StageEvent)) WorkflowState {
	ctx, span := o.tracer.Start(ctx, "atelier.run",
		trace.WithAttributes(
			attribute.String("request.id", state.RequestID),
			attribute.Bool("run.simulation", state.IsSimulation),
		))
	defer span.End()

	start := time.Now()
	metrics.RecordRunStart()
	o.logger.Debug("Workflow run started", "request_id", state.RequestID, "simulation", state.IsSimulation)

	for stage := StageObserve; stage != StageEnd; stage = Next(stage, &state) {
		fn := o.pipeline.Func(stage)
		if fn == nil {
			break
		}

		ev := o.runStage(ctx, stage, fn, state)
		state = ev.State

		if stage == StageDecide && state.Decision != nil {
			metrics.RecordDecision(string(state.Decision.Action))
		}
		if emit != nil {
			emit(ev)
		}
		if o.sink != nil {
			if err := o.sink.Publish(ctx, ev); err != nil {
				o.logger.Warn("Failed to publish stage event",
					"request_id", state.RequestID, "stage", stage, "error", err)
			}
		}
	}

	outcome := runOutcome(state)
	elapsed := time.Since(start)
	metrics.RecordRunEnd(outcome, elapsed.Seconds())

	span.SetAttributes(attribute.String("run.outcome", outcome))
	if state.Decision != nil {
		span.SetAttributes(attribute.String("decision.action", string(state.Decision.Action)))
	}
	if state.Error != "" {
		span.SetStatus(codes.Error, state.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	o.logger.Info("Workflow run completed",
		"request_id", state.RequestID,
		"outcome", outcome,
		"iteration", state.Iteration,
		"duration", elapsed)
	return state
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, fn StageFunc, state WorkflowState) StageEvent {
	ctx, span := o.tracer.Start(ctx, "atelier.stage."+string(stage),
		trace.WithAttributes(attribute.String("stage", string(stage))))
	defer span.End()

	start := time.Now()
	patch := fn(ctx, state)
	elapsed := time.Since(start)

	failed := patch.Error.Set && patch.Error.Value != ""
	metrics.RecordStage(string(stage), elapsed.Seconds(), failed)
	if failed {
		span.SetStatus(codes.Error, patch.Error.Value)
	}
	span.SetAttributes(attribute.StringSlice("patch.fields", patch.Fields()))

	o.logger.Debug("Stage completed",
		"request_id", state.RequestID,
		"stage", stage,
		"fields", patch.Fields(),
		"duration", elapsed)

	return StageEvent{
		RequestID: state.RequestID,
		Stage:     stage,
		Patch:     patch,
		State:     state.Merge(patch),
		Duration:  elapsed,
	}
}

// runOutcome labels a finished run for metrics and spans.
func runOutcome(s WorkflowState) string {
	switch {
	case s.Error != "":
		return "error"
	case s.Decision == nil:
		return "no_decision"
	default:
		return strings.ToLower(string(s.Decision.Action))
	}
}
