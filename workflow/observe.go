package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/atelier/llm"
	"github.com/c360studio/atelier/model"
	"github.com/c360studio/atelier/storage"
	"github.com/c360studio/atelier/workflow/prompts"
)

// Observe loads the request with its customer and tasks. When raw input is
// present and the request has no payload yet, the model normalizes it and
// the result is persisted, so normalization happens at most once per request.
// Iteration is incremented on every pass, including failed loads.
func (p *Pipeline) Observe(ctx context.Context, s WorkflowState) StatePatch {
	patch := StatePatch{Iteration: Set(s.Iteration + 1)}

	req, err := p.store.GetRequest(ctx, s.RequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			patch.Error = Set(fmt.Sprintf("request %s not found", s.RequestID))
		} else {
			patch.Error = Set(fmt.Sprintf("load request %s: %v", s.RequestID, err))
		}
		p.logger.Warn("Failed to load request", "request_id", s.RequestID, "error", err)
		return patch
	}

	if s.RawInput != "" && !req.HasPayload() {
		req = p.normalize(ctx, req, s.RawInput, s.IsSimulation)
	}

	patch.Request = Set(req)
	patch.Customer = Set(req.Customer)
	return patch
}

// normalize derives and stores a payload. Every failure is logged and
// leaves the request without a payload.
func (p *Pipeline) normalize(ctx context.Context, req *storage.Request, rawInput string, simulate bool) *storage.Request {
	text, err := p.gateway.Generate(ctx, llm.Prompt{
		Capability: model.CapabilityNormalize,
		System:     prompts.NormalizeSystemPrompt(),
		User:       prompts.NormalizeUserPrompt(rawInput),
	})
	if err != nil {
		p.logger.Warn("Payload normalization failed", "request_id", req.ID, "error", err)
		return req
	}

	var payload NormalizedPayload
	if err := llm.ParseJSON(text, &payload); err != nil {
		p.logger.Warn("Normalized payload is not valid JSON", "request_id", req.ID, "error", err)
		return req
	}
	if err := payload.Validate(); err != nil {
		p.logger.Warn("Normalized payload rejected", "request_id", req.ID, "error", err)
		return req
	}

	m, err := payload.Map()
	if err != nil {
		p.logger.Warn("Normalized payload not encodable", "request_id", req.ID, "error", err)
		return req
	}

	if !simulate {
		err := p.store.SetRequestPayload(ctx, req.ID, m)
		switch {
		case errors.Is(err, storage.ErrConflict):
			// Another run normalized first; keep theirs.
			if current, gerr := p.store.GetRequest(ctx, req.ID); gerr == nil && current.HasPayload() {
				p.logger.Debug("Payload already normalized by another run", "request_id", req.ID)
				return current
			}
		case err != nil:
			p.logger.Warn("Failed to persist normalized payload", "request_id", req.ID, "error", err)
		}
	}

	out := cloneRequest(req)
	out.Payload = storage.MergePayload(req.Payload, m)
	p.logger.Debug("Normalized request payload", "request_id", req.ID, "type", payload.Type, "items", len(payload.Items))
	return out
}
