package workflow

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/c360studio/atelier/llm"
	"github.com/c360studio/atelier/metrics"
	"github.com/c360studio/atelier/model"
	"github.com/c360studio/atelier/workflow/prompts"
)

const (
	defaultTaskTitle    = "Untitled task"
	defaultTaskMinutes  = 30
	fallbackTaskTitle   = "Process Request"
	fallbackTaskMinutes = 60

	// Numeric estimates are clamped into [minTaskMinutes, maxTaskMinutes].
	minTaskMinutes = 1
	maxTaskMinutes = 7 * 24 * 60
)

type planningContext struct {
	Order   map[string]any `json:"order"`
	Workers []workerView   `json:"workers"`
}

// workerView is the redacted worker view the planning model sees.
type workerView struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Skills           []string `json:"skills"`
	ActiveTasks      int      `json:"activeTasks"`
	EstimatedMinutes int      `json:"estimatedMinutesRemaining"`
}

// PlanTasks decomposes an accepted request into tasks. It is a no-op unless
// the decision is ACCEPT_AND_PLAN and the request has a payload. Any model
// or parse failure yields a single generic task instead.
func (p *Pipeline) PlanTasks(ctx context.Context, s WorkflowState) StatePatch {
	if s.Decision == nil || s.Decision.Action != ActionAcceptAndPlan || !s.Request.HasPayload() {
		return StatePatch{}
	}

	pc := planningContext{
		Order:   s.Request.Payload,
		Workers: make([]workerView, 0, len(s.StaffLoad)),
	}
	for _, l := range s.StaffLoad {
		pc.Workers = append(pc.Workers, workerView{
			ID:               l.WorkerID,
			Name:             l.Name,
			Skills:           l.Skills,
			ActiveTasks:      l.ActiveTasks,
			EstimatedMinutes: l.EstimatedMinutes,
		})
	}

	text, err := p.gateway.Generate(ctx, llm.Prompt{
		Capability: model.CapabilityPlan,
		System:     prompts.PlanSystemPrompt(),
		User:       prompts.PlanUserPrompt(mustJSON(pc)),
	})
	if err != nil {
		return p.planFailed(s, err)
	}

	elems, err := parseTaskList(text)
	if err != nil {
		return p.planFailed(s, err)
	}

	tasks := make([]PlannedTask, 0, len(elems))
	for _, elem := range elems {
		tasks = append(tasks, normalizeTask(elem))
	}

	p.logger.Debug("Planned tasks", "request_id", s.RequestID, "count", len(tasks))
	return StatePatch{PlannedTasks: Set(tasks)}
}

func (p *Pipeline) planFailed(s WorkflowState, err error) StatePatch {
	p.logger.Warn("Task planning failed, using fallback task", "request_id", s.RequestID, "error", err)
	metrics.RecordFallback(string(StagePlanTasks))
	return StatePatch{PlannedTasks: Set([]PlannedTask{{
		Title:          fallbackTaskTitle,
		RequiredSkills: []string{},
		EstimatedMin:   fallbackTaskMinutes,
	}})}
}

// parseTaskList accepts a bare array or an object wrapping one under "tasks".
func parseTaskList(text string) ([]any, error) {
	var v any
	if err := llm.ParseJSON(text, &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case []any:
		return t, nil
	case map[string]any:
		if list, ok := t["tasks"].([]any); ok {
			return list, nil
		}
	}
	return nil, fmt.Errorf("expected a JSON array of tasks, got %T", v)
}

// normalizeTask coerces one untrusted model element into a PlannedTask.
func normalizeTask(elem any) PlannedTask {
	m, _ := elem.(map[string]any)

	task := PlannedTask{
		Title:          defaultTaskTitle,
		RequiredSkills: []string{},
		EstimatedMin:   defaultTaskMinutes,
	}
	if title, ok := lookup(m, "title").(string); ok && strings.TrimSpace(title) != "" {
		task.Title = strings.TrimSpace(title)
	}
	if desc, ok := lookup(m, "description").(string); ok {
		task.Description = strings.TrimSpace(desc)
	}
	if skills, ok := lookup(m, "requiredSkills", "required_skills").([]any); ok {
		for _, sk := range skills {
			if name, ok := sk.(string); ok && name != "" {
				task.RequiredSkills = append(task.RequiredSkills, name)
			}
		}
	}
	if n, ok := lookup(m, "estimatedMin", "estimated_min", "estimatedMinutes").(float64); ok && !math.IsNaN(n) {
		task.EstimatedMin = int(math.Round(math.Min(math.Max(n, minTaskMinutes), maxTaskMinutes)))
	}
	if id, ok := lookup(m, "suggestedWorkerId", "suggested_worker_id").(string); ok {
		task.SuggestedWorkerID = strings.TrimSpace(id)
	}
	return task
}

func lookup(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}
