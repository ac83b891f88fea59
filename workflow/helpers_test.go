package workflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/atelier/llm/testutil"
	"github.com/c360studio/atelier/storage"
	"github.com/c360studio/atelier/storage/sqlite"
	"github.com/c360studio/atelier/workflow"
)

var errStoreDown = errors.New("store unreachable")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seededStore opens a store holding customer Asha, request req-1 for one
// SH-001, stock of SH-001 at stockQty and one tailoring worker w-1.
func seededStore(t *testing.T, stockQty int) *sqlite.Store {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "atelier.db"), sqlite.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateCustomer(ctx, &storage.Customer{ID: "cust-1", Name: "Asha", Phone: "+15550100"}))
	require.NoError(t, store.CreateRequest(ctx, &storage.Request{
		ID:         "req-1",
		CustomerID: "cust-1",
		Source:     storage.SourceWeb,
		Payload: map[string]any{
			"type":  "alteration",
			"items": []any{map[string]any{"sku": "SH-001", "qty": 1}},
		},
	}))
	require.NoError(t, store.PutInventoryItem(ctx, &storage.InventoryItem{SKU: "SH-001", Name: "Oxford shirt", Quantity: stockQty}))
	require.NoError(t, store.PutWorker(ctx, &storage.Worker{
		ID: "w-1", Name: "Ravi", Role: storage.RoleWorker, Skills: []string{"tailoring"}, Active: true,
	}))
	return store
}

func newPipeline(store storage.Store, gw *testutil.MockGateway) *workflow.Pipeline {
	return workflow.NewPipeline(store, gw, workflow.WithPipelineLogger(quietLogger()))
}

func newOrchestrator(store storage.Store, gw *testutil.MockGateway, opts ...workflow.Option) *workflow.Orchestrator {
	opts = append([]workflow.Option{workflow.WithLogger(quietLogger())}, opts...)
	return workflow.New(store, gw, opts...)
}

// failingStore injects errors into selected store calls.
type failingStore struct {
	storage.Store
	failGet       bool
	failInventory bool
	failTransact  bool
}

func (f *failingStore) GetRequest(ctx context.Context, id string) (*storage.Request, error) {
	if f.failGet {
		return nil, errStoreDown
	}
	return f.Store.GetRequest(ctx, id)
}

func (f *failingStore) ListInventory(ctx context.Context) ([]storage.InventoryItem, error) {
	if f.failInventory {
		return nil, errStoreDown
	}
	return f.Store.ListInventory(ctx)
}

func (f *failingStore) Transact(ctx context.Context, fn func(tx storage.Tx) error) error {
	if f.failTransact {
		return errStoreDown
	}
	return f.Store.Transact(ctx, fn)
}

func requestState(t *testing.T, store storage.Store) workflow.WorkflowState {
	t.Helper()
	ctx := context.Background()
	req, err := store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	active := true
	staff, err := store.ListWorkers(ctx, storage.WorkerFilter{Role: storage.RoleWorker, Active: &active})
	require.NoError(t, err)
	return workflow.WorkflowState{
		RequestID: "req-1",
		Request:   req,
		Customer:  req.Customer,
		Staff:     staff,
		StaffLoad: workflow.ComputeStaffLoad(staff, nil),
		Iteration: 1,
	}
}

func auditFor(t *testing.T, store storage.Store) []storage.AuditRecord {
	t.Helper()
	recs, err := store.ListAudit(context.Background(), storage.AuditQuery{RequestID: "req-1"})
	require.NoError(t, err)
	return recs
}

func tasksFor(t *testing.T, store storage.Store) []storage.Task {
	t.Helper()
	tasks, err := store.ListTasks(context.Background(), storage.TaskFilter{RequestID: "req-1"})
	require.NoError(t, err)
	return tasks
}
