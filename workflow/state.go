// Package workflow runs the request decision pipeline:
//
//	observe -> orient -> decide -> plan_tasks -> act -> respond
//	                            \-> act (delay / escalate)
//	                            \-> respond (no decision)
//
// Each stage reads the shared WorkflowState and returns a StatePatch. The
// Orchestrator merges patches last-write-wins per field and picks the next
// stage with Next. Only act writes to the store.
package workflow

import (
	"strings"

	"github.com/c360studio/atelier/storage"
)

// Action is the committed next step for a request.
type Action string

const (
	ActionAcceptAndPlan   Action = "ACCEPT_AND_PLAN"
	ActionDelayRequest    Action = "DELAY_REQUEST"
	ActionEscalateToOwner Action = "ESCALATE_TO_OWNER"
)

// Actions lists the closed set of valid actions.
var Actions = []Action{ActionAcceptAndPlan, ActionDelayRequest, ActionEscalateToOwner}

// IsValid reports whether a is one of Actions.
func (a Action) IsValid() bool {
	for _, valid := range Actions {
		if a == valid {
			return true
		}
	}
	return false
}

// AuditName is the lower-cased action recorded in the audit log.
func (a Action) AuditName() string {
	return strings.ToLower(string(a))
}

// Priority is the urgency attached to an escalation.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Numeric maps a priority onto the request's numeric priority field.
// Unknown values count as medium.
func (p Priority) Numeric() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// IsValid reports whether p is high, medium or low.
func (p Priority) IsValid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Decision is the single committed outcome of decide.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`

	// DelayUntil is an optional model-provided resume time for DELAY_REQUEST.
	DelayUntil string `json:"delayUntil,omitempty"`

	// EscalationPriority applies to ESCALATE_TO_OWNER.
	EscalationPriority Priority `json:"escalationPriority,omitempty"`
}

// Escalation builds an ESCALATE_TO_OWNER decision.
func Escalation(priority Priority, reason string) *Decision {
	return &Decision{
		Action:             ActionEscalateToOwner,
		Reason:             reason,
		EscalationPriority: priority,
	}
}

// PlannedTask is a task proposed by plan_tasks, before it is persisted.
type PlannedTask struct {
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	RequiredSkills    []string `json:"requiredSkills"`
	EstimatedMin      int      `json:"estimatedMin"`
	SuggestedWorkerID string   `json:"suggestedWorkerId,omitempty"`
}

// InventoryLine compares one requested SKU with stock.
type InventoryLine struct {
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Shortage  int    `json:"shortage"`
}

// InventoryCheck is the availability result for a request's items.
type InventoryCheck struct {
	Items     []InventoryLine `json:"items"`
	Available bool            `json:"available"`
}

// StaffLoad is one worker's current workload.
type StaffLoad struct {
	WorkerID         string   `json:"workerId"`
	Name             string   `json:"name"`
	Skills           []string `json:"skills"`
	ActiveTasks      int      `json:"activeTasks"`
	EstimatedMinutes int      `json:"estimatedMinutes"`
}

// WorkflowState is owned by a single run.
type WorkflowState struct {
	RequestID string `json:"requestId"`

	Request  *storage.Request  `json:"request,omitempty"`
	Customer *storage.Customer `json:"customer,omitempty"`
	RawInput string            `json:"rawInput,omitempty"`

	Inventory      []storage.InventoryItem `json:"inventory,omitempty"`
	InventoryCheck *InventoryCheck         `json:"inventoryCheck,omitempty"`
	Staff          []storage.Worker        `json:"staff,omitempty"`
	StaffLoad      []StaffLoad             `json:"staffLoad,omitempty"`
	ActiveTasks    []storage.Task          `json:"activeTasks,omitempty"`

	Decision     *Decision     `json:"decision,omitempty"`
	PlannedTasks []PlannedTask `json:"plannedTasks,omitempty"`

	// TaskIDs are the task rows act ensured for the plan.
	TaskIDs []string `json:"taskIds,omitempty"`

	Response     string `json:"response,omitempty"`
	Iteration    int    `json:"iteration"`
	Error        string `json:"error,omitempty"`
	IsSimulation bool   `json:"isSimulation,omitempty"`
}

// Field is an optional patch value. Set distinguishes an absent field from
// one explicitly set to its zero value.
type Field[T any] struct {
	Set   bool
	Value T
}

// Set returns a present field holding v.
func Set[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// Clear returns a present field holding the zero value.
func Clear[T any]() Field[T] {
	return Field[T]{Set: true}
}

func (f Field[T]) apply(dst *T) {
	if f.Set {
		*dst = f.Value
	}
}

// StatePatch is the partial state a stage returns. RequestID is immutable
// and therefore not patchable.
type StatePatch struct {
	Request        Field[*storage.Request]
	Customer       Field[*storage.Customer]
	RawInput       Field[string]
	Inventory      Field[[]storage.InventoryItem]
	InventoryCheck Field[*InventoryCheck]
	Staff          Field[[]storage.Worker]
	StaffLoad      Field[[]StaffLoad]
	ActiveTasks    Field[[]storage.Task]
	Decision       Field[*Decision]
	PlannedTasks   Field[[]PlannedTask]
	TaskIDs        Field[[]string]
	Response       Field[string]
	Iteration      Field[int]
	Error          Field[string]
	IsSimulation   Field[bool]
}

// Merge returns s with every present field of p replacing the prior value.
// Values are replaced whole, never deep-merged.
func (s WorkflowState) Merge(p StatePatch) WorkflowState {
	p.Request.apply(&s.Request)
	p.Customer.apply(&s.Customer)
	p.RawInput.apply(&s.RawInput)
	p.Inventory.apply(&s.Inventory)
	p.InventoryCheck.apply(&s.InventoryCheck)
	p.Staff.apply(&s.Staff)
	p.StaffLoad.apply(&s.StaffLoad)
	p.ActiveTasks.apply(&s.ActiveTasks)
	p.Decision.apply(&s.Decision)
	p.PlannedTasks.apply(&s.PlannedTasks)
	p.TaskIDs.apply(&s.TaskIDs)
	p.Response.apply(&s.Response)
	p.Iteration.apply(&s.Iteration)
	p.Error.apply(&s.Error)
	p.IsSimulation.apply(&s.IsSimulation)
	return s
}

// Fields names the fields present in p, in declaration order.
func (p StatePatch) Fields() []string {
	present := []struct {
		name string
		set  bool
	}{
		{"request", p.Request.Set},
		{"customer", p.Customer.Set},
		{"rawInput", p.RawInput.Set},
		{"inventory", p.Inventory.Set},
		{"inventoryCheck", p.InventoryCheck.Set},
		{"staff", p.Staff.Set},
		{"staffLoad", p.StaffLoad.Set},
		{"activeTasks", p.ActiveTasks.Set},
		{"decision", p.Decision.Set},
		{"plannedTasks", p.PlannedTasks.Set},
		{"taskIds", p.TaskIDs.Set},
		{"response", p.Response.Set},
		{"iteration", p.Iteration.Set},
		{"error", p.Error.Set},
		{"isSimulation", p.IsSimulation.Set},
	}

	var names []string
	for _, f := range present {
		if f.set {
			names = append(names, f.name)
		}
	}
	return names
}

// IsEmpty reports whether p changes nothing.
func (p StatePatch) IsEmpty() bool {
	return len(p.Fields()) == 0
}
