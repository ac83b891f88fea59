package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/atelier/llm"
	"github.com/c360studio/atelier/metrics"
	"github.com/c360studio/atelier/model"
	"github.com/c360studio/atelier/workflow/prompts"
)

const noReasonGiven = "No reason given by the model"

type decisionContext struct {
	Request         requestView     `json:"request"`
	Customer        *customerView   `json:"customer"`
	InventoryCheck  *InventoryCheck `json:"inventoryCheck"`
	StaffLoad       []staffLoadView `json:"staffLoad"`
	ActiveTaskCount int             `json:"activeTaskCount"`
}

type requestView struct {
	ID       string         `json:"id"`
	Status   string         `json:"status,omitempty"`
	Priority int            `json:"priority"`
	DueAt    *time.Time     `json:"dueAt,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type customerView struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// staffLoadView is the redacted worker view the decision model sees.
type staffLoadView struct {
	Name             string   `json:"name"`
	Skills           []string `json:"skills"`
	ActiveTasks      int      `json:"activeTasks"`
	EstimatedMinutes int      `json:"estimatedMinutesRemaining"`
}

// Decide commits exactly one action. A run that already carries an error is
// escalated without consulting the model. Model failures, unparseable output
// and actions outside the closed set all degrade to an escalation.
func (p *Pipeline) Decide(ctx context.Context, s WorkflowState) StatePatch {
	if s.Error != "" {
		p.logger.Warn("Escalating on upstream error", "request_id", s.RequestID, "error", s.Error)
		metrics.RecordFallback(string(StageDecide))
		return decisionPatch(Escalation(PriorityHigh, "System error: "+s.Error))
	}

	text, err := p.gateway.Generate(ctx, llm.Prompt{
		Capability: model.CapabilityDecide,
		System:     prompts.DecideSystemPrompt(),
		User:       prompts.DecideUserPrompt(mustJSON(buildDecisionContext(s))),
	})
	if err != nil {
		return p.decideFailed(s, err)
	}

	var d Decision
	if err := llm.ParseJSON(text, &d); err != nil {
		return p.decideFailed(s, err)
	}

	if !d.Action.IsValid() {
		p.logger.Warn("Model returned an invalid action", "request_id", s.RequestID, "action", d.Action)
		metrics.RecordFallback(string(StageDecide))
		return decisionPatch(Escalation(PriorityMedium,
			fmt.Sprintf("Invalid action from model: %q", d.Action)))
	}

	d.Reason = strings.TrimSpace(d.Reason)
	if d.Reason == "" {
		d.Reason = noReasonGiven
	}
	switch d.Action {
	case ActionEscalateToOwner:
		if !d.EscalationPriority.IsValid() {
			d.EscalationPriority = PriorityMedium
		}
		d.DelayUntil = ""
	case ActionDelayRequest:
		d.EscalationPriority = ""
	default:
		d.EscalationPriority = ""
		d.DelayUntil = ""
	}

	p.logger.Debug("Decision made", "request_id", s.RequestID, "action", d.Action, "reason", d.Reason)
	return decisionPatch(&d)
}

func (p *Pipeline) decideFailed(s WorkflowState, err error) StatePatch {
	p.logger.Warn("Decision failed, escalating", "request_id", s.RequestID, "error", err)
	metrics.RecordFallback(string(StageDecide))
	return decisionPatch(Escalation(PriorityHigh, "Decision error: "+err.Error()))
}

// decisionPatch also clears any planned tasks unless the decision accepts,
// so a plan can only exist alongside ACCEPT_AND_PLAN.
func decisionPatch(d *Decision) StatePatch {
	patch := StatePatch{Decision: Set(d)}
	if d.Action != ActionAcceptAndPlan {
		patch.PlannedTasks = Clear[[]PlannedTask]()
	}
	return patch
}

func buildDecisionContext(s WorkflowState) decisionContext {
	dc := decisionContext{
		Request:         requestView{ID: s.RequestID},
		InventoryCheck:  s.InventoryCheck,
		StaffLoad:       make([]staffLoadView, 0, len(s.StaffLoad)),
		ActiveTaskCount: len(s.ActiveTasks),
	}
	if r := s.Request; r != nil {
		dc.Request = requestView{
			ID:       r.ID,
			Status:   string(r.Status),
			Priority: r.Priority,
			DueAt:    r.DueAt,
			Payload:  r.Payload,
		}
	}
	if c := s.Customer; c != nil {
		dc.Customer = &customerView{Name: c.Name, Phone: c.Phone}
	}
	for _, l := range s.StaffLoad {
		dc.StaffLoad = append(dc.StaffLoad, staffLoadView{
			Name:             l.Name,
			Skills:           l.Skills,
			ActiveTasks:      l.ActiveTasks,
			EstimatedMinutes: l.EstimatedMinutes,
		})
	}
	return dc
}
