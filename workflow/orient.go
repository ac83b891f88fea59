package workflow

import (
	"context"
	"fmt"

	"github.com/c360studio/atelier/storage"
)

// Orient reads the inventory, active staff and active tasks, and derives
// staff load and the inventory check. On any read failure only Error is
// patched.
func (p *Pipeline) Orient(ctx context.Context, s WorkflowState) StatePatch {
	inventory, err := p.store.ListInventory(ctx)
	if err != nil {
		return p.orientFailed(s, "inventory", err)
	}

	active := true
	staff, err := p.store.ListWorkers(ctx, storage.WorkerFilter{Role: storage.RoleWorker, Active: &active})
	if err != nil {
		return p.orientFailed(s, "workers", err)
	}

	tasks, err := p.store.ListTasks(ctx, storage.TaskFilter{Statuses: storage.ActiveTaskStatuses})
	if err != nil {
		return p.orientFailed(s, "tasks", err)
	}

	patch := StatePatch{
		Inventory:   Set(inventory),
		Staff:       Set(staff),
		StaffLoad:   Set(ComputeStaffLoad(staff, tasks)),
		ActiveTasks: Set(tasks),
	}

	if s.Request.HasPayload() {
		items, errs := ItemsFromMap(s.Request.Payload)
		for _, err := range errs {
			p.logger.Warn("Skipping unreadable request item", "request_id", s.RequestID, "error", err)
		}
		if items != nil {
			check := CheckInventory(items, inventory)
			patch.InventoryCheck = Set(&check)
		}
	}

	return patch
}

func (p *Pipeline) orientFailed(s WorkflowState, what string, err error) StatePatch {
	p.logger.Warn("Failed to load decision context", "request_id", s.RequestID, "source", what, "error", err)
	return StatePatch{Error: Set(fmt.Sprintf("load %s: %v", what, err))}
}

// CheckInventory compares each requested item with stock. A SKU missing
// from inventory has zero available.
func CheckInventory(items []PayloadItem, inventory []storage.InventoryItem) InventoryCheck {
	stock := make(map[string]int, len(inventory))
	for _, inv := range inventory {
		stock[inv.SKU] = inv.Quantity
	}

	lines := make([]InventoryLine, 0, len(items))
	for _, item := range items {
		available := stock[item.SKU]
		lines = append(lines, InventoryLine{
			SKU:       item.SKU,
			Requested: item.Qty,
			Available: available,
			Shortage:  max(0, item.Qty-available),
		})
	}
	return NewInventoryCheck(lines)
}

// NewInventoryCheck derives Available from the lines: true iff no line has
// a shortage.
func NewInventoryCheck(lines []InventoryLine) InventoryCheck {
	available := true
	for _, l := range lines {
		if l.Shortage > 0 {
			available = false
			break
		}
	}
	return InventoryCheck{Items: lines, Available: available}
}

// ComputeStaffLoad groups active tasks by assignee. Every worker gets an
// entry, idle ones with zero load. Tasks assigned to anyone outside staff
// are not counted.
func ComputeStaffLoad(staff []storage.Worker, tasks []storage.Task) []StaffLoad {
	loads := make([]StaffLoad, len(staff))
	index := make(map[string]int, len(staff))
	for i, w := range staff {
		loads[i] = StaffLoad{WorkerID: w.ID, Name: w.Name, Skills: w.Skills}
		index[w.ID] = i
	}

	for _, t := range tasks {
		if t.AssigneeID == "" || !t.Status.IsActive() {
			continue
		}
		i, ok := index[t.AssigneeID]
		if !ok {
			continue
		}
		loads[i].ActiveTasks++
		loads[i].EstimatedMinutes += t.EstimatedMin
	}
	return loads
}
