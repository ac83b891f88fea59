package workflow

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360studio/atelier/llm"
	"github.com/c360studio/atelier/storage"
)

// StageFunc is one pipeline step. It never returns an error; failures are
// reported through the patch's Error field.
type StageFunc func(ctx context.Context, s WorkflowState) StatePatch

// Pipeline holds the collaborators the stage functions share.
type Pipeline struct {
	store   storage.Store
	gateway llm.Gateway
	logger  *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline creates the stage functions over a store and model gateway.
func NewPipeline(store storage.Store, gateway llm.Gateway, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:   store,
		gateway: gateway,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Func returns the stage function for stage, or nil for StageEnd and
// unknown stages.
func (p *Pipeline) Func(stage Stage) StageFunc {
	switch stage {
	case StageObserve:
		return p.Observe
	case StageOrient:
		return p.Orient
	case StageDecide:
		return p.Decide
	case StagePlanTasks:
		return p.PlanTasks
	case StageAct:
		return p.Act
	case StageRespond:
		return p.Respond
	default:
		return nil
	}
}

// mustJSON renders prompt context. The inputs are plain data, so marshal
// cannot fail short of a programming error; "{}" keeps the prompt usable.
func mustJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// cloneRequest copies r deeply enough that payload and status edits do not
// leak into earlier snapshots.
func cloneRequest(r *storage.Request) *storage.Request {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = storage.MergePayload(r.Payload, nil)
	}
	return &c
}
