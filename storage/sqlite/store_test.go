package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/atelier/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "atelier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cust := &storage.Customer{Name: "Asha", Phone: "555-0100"}
	require.NoError(t, s.CreateCustomer(ctx, cust))

	due := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)
	req := &storage.Request{
		ID:         "req-1",
		CustomerID: cust.ID,
		DueAt:      &due,
		Source:     storage.SourceWeb,
		Payload:    map[string]any{"type": "alteration"},
	}
	require.NoError(t, s.CreateRequest(ctx, req))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RequestStatusNew, got.Status)
	assert.Equal(t, "alteration", got.Payload["type"])
	require.NotNil(t, got.DueAt)
	assert.True(t, due.Equal(*got.DueAt))
	require.NotNil(t, got.Customer)
	assert.Equal(t, "Asha", got.Customer.Name)
	assert.Empty(t, got.Tasks)
}

func TestStore_GetRequestNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_SetRequestPayload(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, &storage.Request{ID: "req-1", RawText: "hem my trousers"}))

	require.NoError(t, s.SetRequestPayload(ctx, "req-1", map[string]any{"type": "alteration"}))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, got.HasPayload())

	err = s.SetRequestPayload(ctx, "req-1", map[string]any{"type": "order"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = s.SetRequestPayload(ctx, "missing", map[string]any{"type": "order"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_SetRequestPayloadKeepsMarkers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, &storage.Request{ID: "req-1", RawText: "hem my trousers"}))

	escalated := storage.RequestStatusBlocked
	require.NoError(t, s.UpdateRequest(ctx, "req-1", storage.RequestUpdate{
		Status:       &escalated,
		MergePayload: map[string]any{"_escalated": true, "_escalationReason": "no stock"},
	}))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.False(t, got.HasPayload())

	require.NoError(t, s.SetRequestPayload(ctx, "req-1", map[string]any{"type": "alteration"}))

	got, err = s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, got.HasPayload())
	assert.Equal(t, "alteration", got.Payload["type"])
	assert.Equal(t, true, got.Payload["_escalated"])
	assert.Equal(t, "no stock", got.Payload["_escalationReason"])
}

func TestStore_MalformedSkillsReadAsEmpty(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.PutWorker(ctx, &storage.Worker{ID: "w-1", Name: "Ravi", Role: storage.RoleWorker, Skills: []string{"tailoring"}, Active: true}))
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET skills = 'tailoring,' WHERE id = 'w-1'`)
	require.NoError(t, err)

	workers, err := s.ListWorkers(ctx, storage.WorkerFilter{})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Empty(t, workers[0].Skills)
}

func TestStore_UpdateRequestMergesPayload(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, &storage.Request{
		ID:      "req-1",
		Payload: map[string]any{"type": "order", "notes": "blue"},
	}))

	blocked := storage.RequestStatusBlocked
	prio := 10
	require.NoError(t, s.UpdateRequest(ctx, "req-1", storage.RequestUpdate{
		Status:       &blocked,
		Priority:     &prio,
		MergePayload: map[string]any{"_escalated": true},
	}))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RequestStatusBlocked, got.Status)
	assert.Equal(t, 10, got.Priority)
	assert.Equal(t, "order", got.Payload["type"])
	assert.Equal(t, "blue", got.Payload["notes"])
	assert.Equal(t, true, got.Payload["_escalated"])

	err = s.UpdateRequest(ctx, "missing", storage.RequestUpdate{Status: &blocked})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_EnsureTaskIsInsertOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, &storage.Request{ID: "req-1"}))

	task := &storage.Task{RequestID: "req-1", Title: "Hem trousers", EstimatedMin: 30}
	created, err := s.EnsureTask(ctx, task)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, storage.TaskID("req-1", "Hem trousers"), task.ID)
	assert.Equal(t, storage.TaskStatusPending, task.Status)

	again := &storage.Task{RequestID: "req-1", Title: "Hem trousers", EstimatedMin: 90, Status: storage.TaskStatusAssigned}
	created, err = s.EnsureTask(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	tasks, err := s.ListTasks(ctx, storage.TaskFilter{RequestID: "req-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 30, tasks[0].EstimatedMin)
	assert.Equal(t, storage.TaskStatusPending, tasks[0].Status)
}

func TestStore_ListTasksFilters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	w := &storage.Worker{ID: "w-1", Name: "Ravi", Role: storage.RoleWorker, Skills: []string{"tailoring"}, Active: true}
	require.NoError(t, s.PutWorker(ctx, w))

	for _, tk := range []*storage.Task{
		{RequestID: "req-1", Title: "Cut", Status: storage.TaskStatusAssigned, AssigneeID: "w-1", EstimatedMin: 20},
		{RequestID: "req-1", Title: "Sew", Status: storage.TaskStatusPending, EstimatedMin: 40},
		{RequestID: "req-2", Title: "Press", Status: storage.TaskStatusDone, AssigneeID: "w-1", EstimatedMin: 10},
	} {
		_, err := s.EnsureTask(ctx, tk)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter storage.TaskFilter
		want   int
	}{
		{"all", storage.TaskFilter{}, 3},
		{"active statuses", storage.TaskFilter{Statuses: storage.ActiveTaskStatuses}, 2},
		{"by request", storage.TaskFilter{RequestID: "req-2"}, 1},
		{"by assignee", storage.TaskFilter{AssigneeID: "w-1"}, 2},
		{"combined", storage.TaskFilter{AssigneeID: "w-1", Statuses: storage.ActiveTaskStatuses}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tasks, err := s.ListTasks(ctx, tc.filter)
			require.NoError(t, err)
			assert.Len(t, tasks, tc.want)
		})
	}

	tasks, err := s.ListTasks(ctx, storage.TaskFilter{RequestID: "req-1", AssigneeID: "w-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].Assignee)
	assert.Equal(t, "Ravi", tasks[0].Assignee.Name)
	assert.Equal(t, []string{"tailoring"}, tasks[0].Assignee.Skills)
}

func TestStore_ListWorkersFilter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutWorker(ctx, &storage.Worker{Name: "Owner", Role: storage.RoleOwner, Active: true}))
	require.NoError(t, s.PutWorker(ctx, &storage.Worker{Name: "Ravi", Role: storage.RoleWorker, Active: true}))
	require.NoError(t, s.PutWorker(ctx, &storage.Worker{Name: "Mina", Role: storage.RoleWorker, Active: false}))

	active := true
	workers, err := s.ListWorkers(ctx, storage.WorkerFilter{Role: storage.RoleWorker, Active: &active})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "Ravi", workers[0].Name)
	assert.NotNil(t, workers[0].Skills)

	all, err := s.ListWorkers(ctx, storage.WorkerFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_PutInventoryItemUpsertsBySKU(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.PutInventoryItem(ctx, &storage.InventoryItem{SKU: "SH-001", Name: "Shirt", Quantity: 5}))
	require.NoError(t, s.PutInventoryItem(ctx, &storage.InventoryItem{SKU: "SH-001", Name: "Shirt", Quantity: 2}))
	require.NoError(t, s.PutInventoryItem(ctx, &storage.InventoryItem{SKU: "BT-010", Name: "Buttons", Quantity: 100}))

	items, err := s.ListInventory(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "BT-010", items[0].SKU)
	assert.Equal(t, 2, items[1].Quantity)
}

func TestStore_TransactRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, &storage.Request{ID: "req-1"}))

	inProgress := storage.RequestStatusInProgress
	err := s.Transact(ctx, func(tx storage.Tx) error {
		if _, err := tx.EnsureTask(ctx, &storage.Task{RequestID: "req-1", Title: "Cut"}); err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, "req-1", storage.RequestUpdate{Status: &inProgress}); err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, "missing", storage.RequestUpdate{Status: &inProgress})
	})
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RequestStatusNew, got.Status)
	assert.Empty(t, got.Tasks)
}

func TestStore_ListAudit(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	s := openTestStore(t)

	records := []storage.AuditRecord{
		{RequestID: "req-1", Actor: "AGENT", Action: "accept_and_plan", Reason: "ok", CreatedAt: base},
		{RequestID: "req-1", Actor: "AGENT", Action: "delay_request", Reason: "stock", CreatedAt: base.Add(time.Hour)},
		{RequestID: "req-2", Actor: "OWNER", Action: "escalate_to_owner", Reason: "check", CreatedAt: base.Add(2 * time.Hour),
			Context: json.RawMessage(`{"planned_task_count":0}`)},
	}
	for i := range records {
		require.NoError(t, s.AppendAudit(ctx, &records[i]))
	}

	all, err := s.ListAudit(ctx, storage.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "escalate_to_owner", all[0].Action, "newest first")
	assert.JSONEq(t, `{"planned_task_count":0}`, string(all[0].Context))
	assert.JSONEq(t, `{}`, string(all[2].Context))

	tests := []struct {
		name  string
		query storage.AuditQuery
		want  []string
	}{
		{"by request", storage.AuditQuery{RequestID: "req-1"}, []string{"delay_request", "accept_and_plan"}},
		{"by actor", storage.AuditQuery{Actor: "OWNER"}, []string{"escalate_to_owner"}},
		{"by action", storage.AuditQuery{Action: "accept_and_plan"}, []string{"accept_and_plan"}},
		{"from", storage.AuditQuery{From: base.Add(30 * time.Minute)}, []string{"escalate_to_owner", "delay_request"}},
		{"to", storage.AuditQuery{To: base.Add(30 * time.Minute)}, []string{"accept_and_plan"}},
		{"page", storage.AuditQuery{Limit: 1, Offset: 1}, []string{"delay_request"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.ListAudit(ctx, tc.query)
			require.NoError(t, err)
			var actions []string
			for _, r := range got {
				actions = append(actions, r.Action)
			}
			assert.Equal(t, tc.want, actions)
		})
	}
}
