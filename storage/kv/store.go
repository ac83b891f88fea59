// Package kv provides a storage.Store backed by NATS JetStream KV buckets.
//
// Each entity type lives in its own bucket. There are no multi-key
// transactions: Transact applies writes in order, and request updates use
// revision compare-and-set so concurrent writers never lose a payload merge.
package kv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/atelier/storage"
)

// Bucket names for each entity type.
const (
	BucketCustomers = "ATELIER_CUSTOMERS"
	BucketRequests  = "ATELIER_REQUESTS"
	BucketInventory = "ATELIER_INVENTORY"
	BucketWorkers   = "ATELIER_WORKERS"
	BucketTasks     = "ATELIER_TASKS"
	BucketAudit     = "ATELIER_AUDIT"
)

// maxUpdateAttempts bounds compare-and-set retries on request updates.
const maxUpdateAttempts = 5

// Store implements storage.Store over JetStream KV.
type Store struct {
	customers jetstream.KeyValue
	requests  jetstream.KeyValue
	inventory jetstream.KeyValue
	workers   jetstream.KeyValue
	tasks     jetstream.KeyValue
	audit     jetstream.KeyValue

	logger *slog.Logger
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store with the given JetStream context, creating the
// buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	buckets := []struct {
		name string
		dst  *jetstream.KeyValue
	}{
		{BucketCustomers, &s.customers},
		{BucketRequests, &s.requests},
		{BucketInventory, &s.inventory},
		{BucketWorkers, &s.workers},
		{BucketTasks, &s.tasks},
		{BucketAudit, &s.audit},
	}
	for _, b := range buckets {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(b.name), err)
		}
		*b.dst = kv
	}

	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Atelier %s storage", strings.ToLower(strings.TrimPrefix(name, "ATELIER_"))),
		History:     5,
	})
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// Transact runs fn against the store. Writes are applied in order as fn
// issues them and are not rolled back on failure.
func (s *Store) Transact(ctx context.Context, fn func(tx storage.Tx) error) error {
	return fn(s)
}

// GetRequest loads a request with its customer and tasks.
func (s *Store) GetRequest(ctx context.Context, id string) (*storage.Request, error) {
	req, _, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.CustomerID != "" {
		var c storage.Customer
		err := getJSON(ctx, s.customers, req.CustomerID, &c)
		switch {
		case err == nil:
			req.Customer = &c
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("get customer: %w", err)
		}
	}

	tasks, err := s.ListTasks(ctx, storage.TaskFilter{RequestID: id})
	if err != nil {
		return nil, fmt.Errorf("load request tasks: %w", err)
	}
	req.Tasks = tasks
	return req, nil
}

func (s *Store) getRequest(ctx context.Context, id string) (*storage.Request, uint64, error) {
	entry, err := s.requests.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get request: %w", err)
	}

	var r storage.Request
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, 0, fmt.Errorf("unmarshal request: %w", err)
	}
	// Relations are never persisted inline.
	r.Customer = nil
	r.Tasks = nil
	return &r, entry.Revision(), nil
}

// SetRequestPayload stores a normalized payload on a request that has none.
// Workflow markers already in the payload are kept.
func (s *Store) SetRequestPayload(ctx context.Context, id string, payload map[string]any) error {
	req, rev, err := s.getRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.HasPayload() {
		return storage.ErrConflict
	}

	req.Payload = storage.MergePayload(req.Payload, payload)
	req.UpdatedAt = s.now()
	if err := s.putRequest(ctx, req, rev); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return storage.ErrConflict
		}
		return fmt.Errorf("set request payload: %w", err)
	}
	return nil
}

// UpdateRequest applies a partial update using revision compare-and-set,
// retrying when another writer got there first.
func (s *Store) UpdateRequest(ctx context.Context, id string, upd storage.RequestUpdate) error {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		req, rev, err := s.getRequest(ctx, id)
		if err != nil {
			return err
		}

		if upd.Status != nil {
			req.Status = *upd.Status
		}
		if upd.Priority != nil {
			req.Priority = *upd.Priority
		}
		if len(upd.MergePayload) > 0 {
			req.Payload = storage.MergePayload(req.Payload, upd.MergePayload)
		}
		req.UpdatedAt = s.now()

		err = s.putRequest(ctx, req, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("update request: %w", err)
		}
		s.logger.Debug("Request revision changed, retrying update",
			"request_id", id, "attempt", attempt)
	}
	return fmt.Errorf("update request %s: %w", id, storage.ErrConflict)
}

func (s *Store) putRequest(ctx context.Context, req *storage.Request, rev uint64) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = s.requests.Update(ctx, req.ID, data, rev)
	return err
}

// EnsureTask creates the task unless its key already exists.
func (s *Store) EnsureTask(ctx context.Context, t *storage.Task) (bool, error) {
	if t.ID == "" {
		t.ID = storage.TaskID(t.RequestID, t.Title)
	}
	if t.Status == "" {
		t.Status = storage.TaskStatusPending
	}
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt

	stored := *t
	stored.Assignee = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}

	if _, err := s.tasks.Create(ctx, t.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("store task: %w", err)
	}
	return true, nil
}

// AppendAudit writes an audit record under a time-ordered key.
func (s *Store) AppendAudit(ctx context.Context, rec *storage.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = storage.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if len(rec.Context) == 0 {
		rec.Context = json.RawMessage(`{}`)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	key := fmt.Sprintf("%020d.%s", rec.CreatedAt.UnixNano(), rec.ID)
	if _, err := s.audit.Create(ctx, key, data); err != nil {
		return fmt.Errorf("store audit record: %w", err)
	}
	return nil
}

// ListInventory returns every stock item ordered by SKU.
func (s *Store) ListInventory(ctx context.Context) ([]storage.InventoryItem, error) {
	items, err := listJSON[storage.InventoryItem](ctx, s.inventory, s.logger)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SKU < items[j].SKU })
	return items, nil
}

// ListWorkers returns workers matching the filter ordered by name.
func (s *Store) ListWorkers(ctx context.Context, f storage.WorkerFilter) ([]storage.Worker, error) {
	all, err := listJSON[storage.Worker](ctx, s.workers, s.logger)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	workers := all[:0]
	for _, w := range all {
		if f.Role != "" && w.Role != f.Role {
			continue
		}
		if f.Active != nil && w.Active != *f.Active {
			continue
		}
		if w.Skills == nil {
			w.Skills = []string{}
		}
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}

// ListTasks returns tasks matching the filter with their assignees, oldest first.
func (s *Store) ListTasks(ctx context.Context, f storage.TaskFilter) ([]storage.Task, error) {
	all, err := listJSON[storage.Task](ctx, s.tasks, s.logger)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	statuses := make(map[storage.TaskStatus]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses[st] = true
	}

	workers := make(map[string]*storage.Worker)
	tasks := all[:0]
	for _, t := range all {
		if len(statuses) > 0 && !statuses[t.Status] {
			continue
		}
		if f.RequestID != "" && t.RequestID != f.RequestID {
			continue
		}
		if f.AssigneeID != "" && t.AssigneeID != f.AssigneeID {
			continue
		}
		if t.AssigneeID != "" {
			w, ok := workers[t.AssigneeID]
			if !ok {
				var loaded storage.Worker
				if err := getJSON(ctx, s.workers, t.AssigneeID, &loaded); err == nil {
					w = &loaded
				}
				workers[t.AssigneeID] = w
			}
			t.Assignee = w
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// ListAudit pages through audit records, newest first.
func (s *Store) ListAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditRecord, error) {
	keys, err := s.audit.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list audit keys: %w", err)
	}
	// Keys are prefixed with a fixed-width timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	limit := q.Limit
	if limit <= 0 {
		limit = storage.DefaultAuditLimit
	}
	skip := max(q.Offset, 0)

	var records []storage.AuditRecord
	for _, key := range keys {
		var rec storage.AuditRecord
		if err := getJSON(ctx, s.audit, key, &rec); err != nil {
			continue
		}
		if !matchAudit(rec, q) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		records = append(records, rec)
		if len(records) == limit {
			break
		}
	}
	return records, nil
}

func matchAudit(rec storage.AuditRecord, q storage.AuditQuery) bool {
	switch {
	case q.RequestID != "" && rec.RequestID != q.RequestID:
		return false
	case q.Actor != "" && rec.Actor != q.Actor:
		return false
	case q.Action != "" && rec.Action != q.Action:
		return false
	case !q.From.IsZero() && rec.CreatedAt.Before(q.From):
		return false
	case !q.To.IsZero() && rec.CreatedAt.After(q.To):
		return false
	}
	return true
}

// CreateCustomer stores a new customer.
func (s *Store) CreateCustomer(ctx context.Context, c *storage.Customer) error {
	if c.ID == "" {
		c.ID = storage.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	return createJSON(ctx, s.customers, c.ID, c, "customer")
}

// CreateRequest stores a new request.
func (s *Store) CreateRequest(ctx context.Context, r *storage.Request) error {
	if r.ID == "" {
		r.ID = storage.NewID()
	}
	if r.Status == "" {
		r.Status = storage.RequestStatusNew
	}
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	stored := *r
	stored.Customer = nil
	stored.Tasks = nil
	return createJSON(ctx, s.requests, r.ID, &stored, "request")
}

// PutInventoryItem inserts or replaces the stock line for item.SKU.
func (s *Store) PutInventoryItem(ctx context.Context, item *storage.InventoryItem) error {
	key := skuKey(item.SKU)

	var existing storage.InventoryItem
	switch err := getJSON(ctx, s.inventory, key, &existing); {
	case err == nil:
		item.ID = existing.ID
	case errors.Is(err, storage.ErrNotFound):
		if item.ID == "" {
			item.ID = storage.NewID()
		}
	default:
		return fmt.Errorf("get inventory item: %w", err)
	}
	item.UpdatedAt = s.now()

	return putJSON(ctx, s.inventory, key, item, "inventory item")
}

// PutWorker inserts or replaces a worker.
func (s *Store) PutWorker(ctx context.Context, w *storage.Worker) error {
	if w.ID == "" {
		w.ID = storage.NewID()
	}
	if w.Skills == nil {
		w.Skills = []string{}
	}
	return putJSON(ctx, s.workers, w.ID, w, "worker")
}

// skuKey encodes a SKU into the KV key alphabet.
func skuKey(sku string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sku))
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(entry.Value(), v)
}

func createJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any, what string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", what, err)
	}
	if _, err := kv.Create(ctx, key, data); err != nil {
		return fmt.Errorf("store %s: %w", what, err)
	}
	return nil
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any, what string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", what, err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store %s: %w", what, err)
	}
	return nil
}

func listJSON[T any](ctx context.Context, kv jetstream.KeyValue, logger *slog.Logger) ([]T, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]T, 0, len(keys))
	for _, key := range keys {
		var v T
		if err := getJSON(ctx, kv, key, &v); err != nil {
			logger.Debug("Skipping unreadable entry", "bucket", kv.Bucket(), "key", key, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}
