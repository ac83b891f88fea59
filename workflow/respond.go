package workflow

import (
	"context"

	"github.com/c360studio/atelier/llm"
	"github.com/c360studio/atelier/metrics"
	"github.com/c360studio/atelier/model"
	"github.com/c360studio/atelier/workflow/prompts"
)

// Fallback replies used when the model cannot write one.
const (
	FallbackAccept   = "Thank you! We've received your request and our team has started working on it. We'll keep you posted on progress."
	FallbackDelay    = "Thank you for your patience. We can't start on your request right away, but it's in our queue and we'll be in touch as soon as we can."
	FallbackEscalate = "Thank you for reaching out. We've passed your request to the shop owner, who will follow up with you personally."
	FallbackGeneric  = "Thank you for your request. We'll be in touch soon."
)

type responseContext struct {
	Decision     *Decision      `json:"decision"`
	Request      responseTarget `json:"request"`
	Customer     *string        `json:"customer"`
	TasksCreated int            `json:"tasksCreated"`
	Error        string         `json:"error,omitempty"`
}

type responseTarget struct {
	ID    string        `json:"id"`
	Type  RequestType   `json:"type,omitempty"`
	Items []PayloadItem `json:"items,omitempty"`
}

// Respond writes the customer-facing reply. It always sets a non-empty
// Response, falling back to a fixed message per action.
func (p *Pipeline) Respond(ctx context.Context, s WorkflowState) StatePatch {
	rc := responseContext{
		Decision:     s.Decision,
		Request:      responseTarget{ID: s.RequestID},
		TasksCreated: len(s.TaskIDs),
		Error:        s.Error,
	}
	if s.Request.HasPayload() {
		if t, ok := s.Request.Payload["type"].(string); ok {
			rc.Request.Type = RequestType(t)
		}
		rc.Request.Items, _ = ItemsFromMap(s.Request.Payload)
	}
	if s.Customer != nil && s.Customer.Name != "" {
		rc.Customer = &s.Customer.Name
	}

	action := ""
	if s.Decision != nil {
		action = string(s.Decision.Action)
	}

	text, err := p.gateway.Generate(ctx, llm.Prompt{
		Capability: model.CapabilityRespond,
		System:     prompts.RespondSystemPrompt(action),
		User:       prompts.RespondUserPrompt(mustJSON(rc)),
	})
	if err != nil || text == "" {
		p.logger.Warn("Response generation failed, using fallback", "request_id", s.RequestID, "error", err)
		metrics.RecordFallback(string(StageRespond))
		return StatePatch{Response: Set(FallbackResponse(s.Decision))}
	}
	return StatePatch{Response: Set(text)}
}

// FallbackResponse returns the fixed reply for a decision.
func FallbackResponse(d *Decision) string {
	if d == nil {
		return FallbackGeneric
	}
	switch d.Action {
	case ActionAcceptAndPlan:
		return FallbackAccept
	case ActionDelayRequest:
		return FallbackDelay
	case ActionEscalateToOwner:
		return FallbackEscalate
	default:
		return FallbackGeneric
	}
}
