package workflow

import (
	"context"
	"time"
)

// StageEvent reports one completed stage.
type StageEvent struct {
	RequestID string
	Stage     Stage
	Patch     StatePatch

	// State is the merged state after the patch was applied.
	State    WorkflowState
	Duration time.Duration
}

// EventSink receives stage events as a run progresses. Publish errors are
// logged and never affect the run.
type EventSink interface {
	Publish(ctx context.Context, ev StageEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev StageEvent) error

// Publish implements EventSink.
func (f EventSinkFunc) Publish(ctx context.Context, ev StageEvent) error {
	return f(ctx, ev)
}
