package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/atelier/metrics"
	"github.com/c360studio/atelier/storage"
)

const (
	// AuditActor identifies workflow-written audit records.
	AuditActor = "AGENT"

	emptyPlanReason   = "accepted without a task plan"
	auditStaffEntries = 5
)

// Payload markers merged into a request by act.
const (
	MarkerDelayed            = "_delayed"
	MarkerDelayReason        = "_delayReason"
	MarkerDelayUntil         = "_delayUntil"
	MarkerEscalated          = "_escalated"
	MarkerEscalationReason   = "_escalationReason"
	MarkerEscalationPriority = "_escalationPriority"
)

type auditContext struct {
	Decision       *Decision       `json:"decision"`
	PlannedTasks   int             `json:"planned_tasks"`
	InventoryCheck *InventoryCheck `json:"inventory_check"`
	StaffLoad      []StaffLoad     `json:"staff_load"`
	EmptyPlan      bool            `json:"empty_plan,omitempty"`
}

// effects is everything act will write for a decision.
type effects struct {
	tasks     []storage.Task
	update    storage.RequestUpdate
	emptyPlan bool
}

// Act performs the decision's side effects: task creation, request status
// and payload markers, and one audit record, all inside one Transact. In
// simulation nothing is written and only the in-memory request is updated.
//
// Task ids derive from request id and title, so running act again for the
// same plan neither duplicates nor resets existing tasks.
func (p *Pipeline) Act(ctx context.Context, s WorkflowState) StatePatch {
	d := s.Decision
	if d == nil {
		return StatePatch{}
	}

	eff := p.plan(s)
	taskIDs := make([]string, len(eff.tasks))
	for i, t := range eff.tasks {
		taskIDs[i] = t.ID
	}

	if s.IsSimulation {
		p.logger.Info("Simulation: skipping writes",
			"request_id", s.RequestID, "action", d.Action, "tasks", len(eff.tasks))
		return p.actPatch(s, eff.update, taskIDs)
	}

	auditCtx, err := json.Marshal(auditContext{
		Decision:       d,
		PlannedTasks:   len(s.PlannedTasks),
		InventoryCheck: s.InventoryCheck,
		StaffLoad:      s.StaffLoad[:min(len(s.StaffLoad), auditStaffEntries)],
		EmptyPlan:      eff.emptyPlan,
	})
	if err != nil {
		return p.actFailed(s, fmt.Errorf("encode audit context: %w", err))
	}

	created := 0
	err = p.store.Transact(ctx, func(tx storage.Tx) error {
		created = 0
		for i := range eff.tasks {
			ok, err := tx.EnsureTask(ctx, &eff.tasks[i])
			if err != nil {
				return fmt.Errorf("create task %q: %w", eff.tasks[i].Title, err)
			}
			if ok {
				created++
			}
		}
		if err := tx.UpdateRequest(ctx, s.RequestID, eff.update); err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		return tx.AppendAudit(ctx, &storage.AuditRecord{
			RequestID: s.RequestID,
			Actor:     AuditActor,
			Action:    d.Action.AuditName(),
			Context:   auditCtx,
			Reason:    d.Reason,
		})
	})
	if err != nil {
		return p.actFailed(s, err)
	}

	metrics.RecordTasksCreated(created)
	p.logger.Info("Decision applied",
		"request_id", s.RequestID,
		"action", d.Action,
		"tasks_created", created,
		"tasks_existing", len(eff.tasks)-created)
	return p.actPatch(s, eff.update, taskIDs)
}

func (p *Pipeline) actFailed(s WorkflowState, err error) StatePatch {
	p.logger.Error("Failed to apply decision", "request_id", s.RequestID, "error", err)
	return StatePatch{Error: Set("act: " + err.Error())}
}

func (p *Pipeline) actPatch(s WorkflowState, upd storage.RequestUpdate, taskIDs []string) StatePatch {
	patch := StatePatch{TaskIDs: Set(taskIDs)}
	if s.Request != nil {
		patch.Request = Set(applyUpdate(s.Request, upd))
	}
	return patch
}

// plan translates the decision into writes.
func (p *Pipeline) plan(s WorkflowState) effects {
	d := s.Decision
	switch d.Action {
	case ActionAcceptAndPlan:
		if len(s.PlannedTasks) == 0 {
			p.logger.Warn("Accepted without a task plan, escalating", "request_id", s.RequestID)
			return effects{
				update:    escalationUpdate(PriorityMedium, emptyPlanReason),
				emptyPlan: true,
			}
		}
		return effects{
			tasks:  p.buildTasks(s),
			update: storage.RequestUpdate{Status: ptr(storage.RequestStatusInProgress)},
		}

	case ActionDelayRequest:
		var until any
		if d.DelayUntil != "" {
			until = d.DelayUntil
		}
		return effects{update: storage.RequestUpdate{
			Status: ptr(storage.RequestStatusBlocked),
			MergePayload: map[string]any{
				MarkerDelayed:     true,
				MarkerDelayReason: d.Reason,
				MarkerDelayUntil:  until,
			},
		}}

	default:
		return effects{update: escalationUpdate(d.EscalationPriority, d.Reason)}
	}
}

func escalationUpdate(priority Priority, reason string) storage.RequestUpdate {
	if !priority.IsValid() {
		priority = PriorityMedium
	}
	return storage.RequestUpdate{
		Status:   ptr(storage.RequestStatusBlocked),
		Priority: ptr(priority.Numeric()),
		MergePayload: map[string]any{
			MarkerEscalated:          true,
			MarkerEscalationReason:   reason,
			MarkerEscalationPriority: string(priority),
		},
	}
}

// buildTasks turns planned tasks into rows. A suggested worker that is not
// in the active staff snapshot is dropped and the task stays PENDING.
// Planned tasks sharing a title collapse into one row.
func (p *Pipeline) buildTasks(s WorkflowState) []storage.Task {
	staff := make(map[string]bool, len(s.Staff))
	for _, w := range s.Staff {
		staff[w.ID] = true
	}

	seen := make(map[string]bool, len(s.PlannedTasks))
	tasks := make([]storage.Task, 0, len(s.PlannedTasks))
	for _, pt := range s.PlannedTasks {
		id := storage.TaskID(s.RequestID, pt.Title)
		if seen[id] {
			p.logger.Warn("Duplicate task title in plan", "request_id", s.RequestID, "title", pt.Title)
			continue
		}
		seen[id] = true

		task := storage.Task{
			ID:             id,
			RequestID:      s.RequestID,
			Title:          pt.Title,
			Description:    pt.Description,
			RequiredSkills: pt.RequiredSkills,
			EstimatedMin:   pt.EstimatedMin,
			Status:         storage.TaskStatusPending,
		}
		switch {
		case pt.SuggestedWorkerID == "":
		case staff[pt.SuggestedWorkerID]:
			task.AssigneeID = pt.SuggestedWorkerID
			task.Status = storage.TaskStatusAssigned
		default:
			p.logger.Warn("Dropping unknown suggested worker",
				"request_id", s.RequestID, "title", pt.Title, "worker_id", pt.SuggestedWorkerID)
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func applyUpdate(r *storage.Request, upd storage.RequestUpdate) *storage.Request {
	out := cloneRequest(r)
	if upd.Status != nil {
		out.Status = *upd.Status
	}
	if upd.Priority != nil {
		out.Priority = *upd.Priority
	}
	if len(upd.MergePayload) > 0 {
		out.Payload = storage.MergePayload(out.Payload, upd.MergePayload)
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
