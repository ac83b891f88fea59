// Package storage defines the atelier entity model and the store contract the
// decision workflow reads from and writes to.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a customer request.
type RequestStatus string

const (
	RequestStatusNew        RequestStatus = "NEW"
	RequestStatusInProgress RequestStatus = "IN_PROGRESS"
	RequestStatusBlocked    RequestStatus = "BLOCKED"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusCancelled  RequestStatus = "CANCELLED"
)

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// ActiveTaskStatuses are the non-terminal task states counted as workload.
var ActiveTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusAssigned,
	TaskStatusInProgress,
}

// WorkerRole distinguishes shop staff from the owner.
type WorkerRole string

const (
	RoleOwner  WorkerRole = "OWNER"
	RoleWorker WorkerRole = "WORKER"
)

// RequestSource records how a request entered the system.
type RequestSource string

const (
	SourceWeb       RequestSource = "web"
	SourceMessaging RequestSource = "messaging"
)

// Customer is a shop customer.
type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is a customer order, alteration or stitching job.
//
// Payload is an open map. A nil or empty payload means the request has not
// been normalized yet. Workflow markers such as _delayed and _escalated are
// merged into the same map.
type Request struct {
	ID         string         `json:"id"`
	CustomerID string         `json:"customer_id,omitempty"`
	Status     RequestStatus  `json:"status"`
	Priority   int            `json:"priority"`
	DueAt      *time.Time     `json:"due_at,omitempty"`
	Source     RequestSource  `json:"source,omitempty"`
	RawText    string         `json:"raw_text,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`

	// Loaded relations, populated by GetRequest.
	Customer *Customer `json:"customer,omitempty"`
	Tasks    []Task    `json:"tasks,omitempty"`
}

// HasPayload reports whether the request carries a normalized payload.
// Workflow markers such as _escalated do not count.
func (r *Request) HasPayload() bool {
	return r != nil && IsNormalized(r.Payload)
}

// IsNormalized reports whether a payload map holds normalized request
// fields: a non-empty "type" or an "items" list.
func IsNormalized(m map[string]any) bool {
	if t, ok := m["type"].(string); ok && t != "" {
		return true
	}
	items, ok := m["items"]
	return ok && items != nil
}

// InventoryItem is a stock line keyed by SKU.
type InventoryItem struct {
	ID        string    `json:"id"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity"`
	Unit      string    `json:"unit,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Worker is a member of staff.
type Worker struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Role   WorkerRole `json:"role"`
	Skills []string   `json:"skills"`
	Active bool       `json:"active"`
}

// Task is a unit of operational work derived from a request.
type Task struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"request_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	RequiredSkills []string   `json:"required_skills"`
	EstimatedMin   int        `json:"estimated_min"`
	Status         TaskStatus `json:"status"`
	AssigneeID     string     `json:"assignee_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Assignee is populated by ListTasks when the task has one.
	Assignee *Worker `json:"assignee,omitempty"`
}

// AuditRecord is an append-only log entry for a state change.
type AuditRecord struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Context   json.RawMessage `json:"context,omitempty"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// WorkerFilter narrows ListWorkers. Zero values match everything.
type WorkerFilter struct {
	Role   WorkerRole
	Active *bool
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Statuses   []TaskStatus
	RequestID  string
	AssigneeID string
}

// AuditQuery selects audit records. Results are ordered newest first.
type AuditQuery struct {
	RequestID string
	Actor     string
	Action    string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// DefaultAuditLimit is applied when AuditQuery.Limit is zero.
const DefaultAuditLimit = 50

// RequestUpdate is a partial update of a request. Nil fields are left alone;
// MergePayload keys are merged into the existing payload map.
type RequestUpdate struct {
	Status       *RequestStatus
	Priority     *int
	MergePayload map[string]any
}

// Tx is the write surface available inside Store.Transact.
type Tx interface {
	// EnsureTask inserts the task unless a row with the same ID exists, in
	// which case the stored row is left untouched and created is false.
	EnsureTask(ctx context.Context, t *Task) (created bool, err error)

	// UpdateRequest applies a partial update. Returns ErrNotFound for unknown ids.
	UpdateRequest(ctx context.Context, id string, upd RequestUpdate) error

	// AppendAudit writes an audit record, assigning ID and CreatedAt if unset.
	AppendAudit(ctx context.Context, rec *AuditRecord) error
}

// Store is the persistent entity store.
type Store interface {
	Tx

	// GetRequest loads a request with its customer and tasks.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// SetRequestPayload stores a normalized payload on a request that has none.
	SetRequestPayload(ctx context.Context, id string, payload map[string]any) error

	ListInventory(ctx context.Context) ([]InventoryItem, error)
	ListWorkers(ctx context.Context, f WorkerFilter) ([]Worker, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	ListAudit(ctx context.Context, q AuditQuery) ([]AuditRecord, error)

	// Transact runs fn within a single write boundary.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	CreateCustomer(ctx context.Context, c *Customer) error
	CreateRequest(ctx context.Context, r *Request) error
	PutInventoryItem(ctx context.Context, item *InventoryItem) error
	PutWorker(ctx context.Context, w *Worker) error

	Close() error
}

// taskNamespace seeds deterministic task identifiers.
var taskNamespace = uuid.MustParse("6f1c2a0e-8f4b-4c51-9a1e-3d5b7c9e2f10")

// NewID generates a new random entity identifier.
func NewID() string {
	return uuid.New().String()
}

// TaskID derives a stable task identifier from its request and title, so
// re-running the same plan resolves to the same rows.
func TaskID(requestID, title string) string {
	return uuid.NewSHA1(taskNamespace, []byte(requestID+"\x00"+title)).String()
}

// MergePayload returns a copy of base with every key from extra applied.
func MergePayload(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// IsActive reports whether the status counts toward a worker's load.
func (s TaskStatus) IsActive() bool {
	for _, a := range ActiveTaskStatuses {
		if s == a {
			return true
		}
	}
	return false
}
