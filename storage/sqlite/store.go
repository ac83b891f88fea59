// Package sqlite provides a transactional storage.Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/atelier/storage"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	due_at TEXT,
	source TEXT NOT NULL DEFAULT '',
	raw_text TEXT NOT NULL DEFAULT '',
	payload TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_items (
	id TEXT PRIMARY KEY,
	sku TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL DEFAULT 0,
	unit TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	skills TEXT NOT NULL DEFAULT '[]',
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	required_skills TEXT NOT NULL DEFAULT '[]',
	estimated_min INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	assignee_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_request ON tasks(request_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements storage.Store on a single SQLite database.
type Store struct {
	db     *sql.DB
	path   string
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

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers and keeps transactions simple.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			s.logger.Debug("Failed to apply sqlite pragma", "pragma", pragma, "error", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s.logger.Debug("Opened sqlite store", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Transact runs fn inside one database transaction. The transaction is
// rolled back if fn returns an error.
func (s *Store) Transact(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&writer{q: sqlTx, now: s.now}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EnsureTask implements storage.Tx outside an explicit transaction.
func (s *Store) EnsureTask(ctx context.Context, t *storage.Task) (bool, error) {
	return (&writer{q: s.db, now: s.now}).EnsureTask(ctx, t)
}

// UpdateRequest implements storage.Tx outside an explicit transaction.
func (s *Store) UpdateRequest(ctx context.Context, id string, upd storage.RequestUpdate) error {
	return s.Transact(ctx, func(tx storage.Tx) error {
		return tx.UpdateRequest(ctx, id, upd)
	})
}

// AppendAudit implements storage.Tx outside an explicit transaction.
func (s *Store) AppendAudit(ctx context.Context, rec *storage.AuditRecord) error {
	return (&writer{q: s.db, now: s.now}).AppendAudit(ctx, rec)
}

// GetRequest loads a request with its customer and tasks.
func (s *Store) GetRequest(ctx context.Context, id string) (*storage.Request, error) {
	req, err := getRequest(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	if req.CustomerID != "" {
		c, err := s.getCustomer(ctx, req.CustomerID)
		switch {
		case err == nil:
			req.Customer = c
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}

	tasks, err := s.ListTasks(ctx, storage.TaskFilter{RequestID: id})
	if err != nil {
		return nil, fmt.Errorf("load request tasks: %w", err)
	}
	req.Tasks = tasks

	return req, nil
}

func (s *Store) getCustomer(ctx context.Context, id string) (*storage.Customer, error) {
	var c storage.Customer
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, created_at FROM customers WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Phone, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// SetRequestPayload stores a normalized payload on a request that has none.
// Workflow markers already in the payload are kept. Returns
// storage.ErrConflict if the request was normalized in the meantime.
func (s *Store) SetRequestPayload(ctx context.Context, id string, payload map[string]any) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	req, err := getRequest(ctx, sqlTx, id)
	if err != nil {
		return err
	}
	if req.HasPayload() {
		return storage.ErrConflict
	}

	data, err := encodePayload(storage.MergePayload(req.Payload, payload))
	if err != nil {
		return err
	}
	if _, err := sqlTx.ExecContext(ctx,
		`UPDATE requests SET payload = ?, updated_at = ? WHERE id = ?`,
		data, formatTime(s.now()), id); err != nil {
		return fmt.Errorf("set request payload: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListInventory returns every stock item ordered by SKU.
func (s *Store) ListInventory(ctx context.Context) ([]storage.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sku, name, quantity, unit, updated_at FROM inventory_items ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	defer rows.Close()

	var items []storage.InventoryItem
	for rows.Next() {
		var item storage.InventoryItem
		var updatedAt string
		if err := rows.Scan(&item.ID, &item.SKU, &item.Name, &item.Quantity, &item.Unit, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan inventory item: %w", err)
		}
		item.UpdatedAt = parseTime(updatedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListWorkers returns workers matching the filter ordered by name.
func (s *Store) ListWorkers(ctx context.Context, f storage.WorkerFilter) ([]storage.Worker, error) {
	query := `SELECT id, name, role, skills, active FROM workers WHERE 1=1`
	var args []any
	if f.Role != "" {
		query += ` AND role = ?`
		args = append(args, string(f.Role))
	}
	if f.Active != nil {
		query += ` AND active = ?`
		args = append(args, boolToInt(*f.Active))
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []storage.Worker
	for rows.Next() {
		var w storage.Worker
		var skills string
		var active int
		if err := rows.Scan(&w.ID, &w.Name, &w.Role, &skills, &active); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.Skills = s.decodeStrings(skills, "worker", w.ID)
		w.Active = active != 0
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// ListTasks returns tasks matching the filter with their assignees, oldest first.
func (s *Store) ListTasks(ctx context.Context, f storage.TaskFilter) ([]storage.Task, error) {
	query := `SELECT t.id, t.request_id, t.title, t.description, t.required_skills,
		t.estimated_min, t.status, t.assignee_id, t.created_at, t.updated_at,
		w.id, w.name, w.role, w.skills, w.active
		FROM tasks t LEFT JOIN workers w ON w.id = t.assignee_id AND t.assignee_id != ''
		WHERE 1=1`
	var args []any
	if len(f.Statuses) > 0 {
		query += ` AND t.status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.RequestID != "" {
		query += ` AND t.request_id = ?`
		args = append(args, f.RequestID)
	}
	if f.AssigneeID != "" {
		query += ` AND t.assignee_id = ?`
		args = append(args, f.AssigneeID)
	}
	query += ` ORDER BY t.created_at, t.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []storage.Task
	for rows.Next() {
		var t storage.Task
		var skills, createdAt, updatedAt string
		var wID, wName, wRole, wSkills sql.NullString
		var wActive sql.NullInt64
		if err := rows.Scan(&t.ID, &t.RequestID, &t.Title, &t.Description, &skills,
			&t.EstimatedMin, &t.Status, &t.AssigneeID, &createdAt, &updatedAt,
			&wID, &wName, &wRole, &wSkills, &wActive); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.RequiredSkills = s.decodeStrings(skills, "task", t.ID)
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		if wID.Valid {
			t.Assignee = &storage.Worker{
				ID:     wID.String,
				Name:   wName.String,
				Role:   storage.WorkerRole(wRole.String),
				Skills: s.decodeStrings(wSkills.String, "worker", wID.String),
				Active: wActive.Int64 != 0,
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListAudit pages through audit records, newest first.
func (s *Store) ListAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditRecord, error) {
	query := `SELECT id, request_id, actor, action, context, reason, created_at FROM audit_log WHERE 1=1`
	var args []any
	if q.RequestID != "" {
		query += ` AND request_id = ?`
		args = append(args, q.RequestID)
	}
	if q.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, q.Actor)
	}
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if !q.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(q.To))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = storage.DefaultAuditLimit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(q.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var records []storage.AuditRecord
	for rows.Next() {
		var rec storage.AuditRecord
		var contextJSON, createdAt string
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Actor, &rec.Action, &contextJSON, &rec.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Context = json.RawMessage(contextJSON)
		rec.CreatedAt = parseTime(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateCustomer inserts a customer, assigning an ID if unset.
func (s *Store) CreateCustomer(ctx context.Context, c *storage.Customer) error {
	if c.ID == "" {
		c.ID = storage.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, name, phone, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.Phone, formatTime(c.CreatedAt)); err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

// CreateRequest inserts a request, assigning ID, status and timestamps if unset.
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

	payload, err := encodePayload(r.Payload)
	if err != nil {
		return err
	}
	var dueAt any
	if r.DueAt != nil {
		dueAt = formatTime(*r.DueAt)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (id, customer_id, status, priority, due_at, source, raw_text, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CustomerID, string(r.Status), r.Priority, dueAt, string(r.Source), r.RawText,
		payload, formatTime(r.CreatedAt), formatTime(r.UpdatedAt)); err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

// PutInventoryItem inserts or replaces the stock line for item.SKU.
func (s *Store) PutInventoryItem(ctx context.Context, item *storage.InventoryItem) error {
	if item.ID == "" {
		item.ID = storage.NewID()
	}
	item.UpdatedAt = s.now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO inventory_items (id, sku, name, quantity, unit, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(sku) DO UPDATE SET name = excluded.name, quantity = excluded.quantity,
		 unit = excluded.unit, updated_at = excluded.updated_at`,
		item.ID, item.SKU, item.Name, item.Quantity, item.Unit, formatTime(item.UpdatedAt)); err != nil {
		return fmt.Errorf("put inventory item: %w", err)
	}
	return nil
}

// PutWorker inserts or replaces a worker.
func (s *Store) PutWorker(ctx context.Context, w *storage.Worker) error {
	if w.ID == "" {
		w.ID = storage.NewID()
	}
	skills, err := json.Marshal(nonNil(w.Skills))
	if err != nil {
		return fmt.Errorf("marshal skills: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, name, role, skills, active) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role,
		 skills = excluded.skills, active = excluded.active`,
		w.ID, w.Name, string(w.Role), string(skills), boolToInt(w.Active)); err != nil {
		return fmt.Errorf("put worker: %w", err)
	}
	return nil
}

// writer implements storage.Tx over a database or a transaction.
type writer struct {
	q   querier
	now func() time.Time
}

func (w *writer) EnsureTask(ctx context.Context, t *storage.Task) (bool, error) {
	if t.ID == "" {
		t.ID = storage.TaskID(t.RequestID, t.Title)
	}
	if t.Status == "" {
		t.Status = storage.TaskStatusPending
	}
	now := w.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	skills, err := json.Marshal(nonNil(t.RequiredSkills))
	if err != nil {
		return false, fmt.Errorf("marshal required skills: %w", err)
	}

	res, err := w.q.ExecContext(ctx,
		`INSERT INTO tasks (id, request_id, title, description, required_skills, estimated_min, status, assignee_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		t.ID, t.RequestID, t.Title, t.Description, string(skills), t.EstimatedMin,
		string(t.Status), t.AssigneeID, formatTime(now), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	return n > 0, nil
}

func (w *writer) UpdateRequest(ctx context.Context, id string, upd storage.RequestUpdate) error {
	req, err := getRequest(ctx, w.q, id)
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

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return err
	}

	if _, err := w.q.ExecContext(ctx,
		`UPDATE requests SET status = ?, priority = ?, payload = ?, updated_at = ? WHERE id = ?`,
		string(req.Status), req.Priority, payload, formatTime(w.now()), id); err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return nil
}

func (w *writer) AppendAudit(ctx context.Context, rec *storage.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = storage.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.now()
	}
	contextJSON := string(rec.Context)
	if contextJSON == "" {
		contextJSON = "{}"
	}
	if _, err := w.q.ExecContext(ctx,
		`INSERT INTO audit_log (id, request_id, actor, action, context, reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.Actor, rec.Action, contextJSON, rec.Reason, formatTime(rec.CreatedAt)); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func getRequest(ctx context.Context, q querier, id string) (*storage.Request, error) {
	var r storage.Request
	var dueAt, payload sql.NullString
	var createdAt, updatedAt string
	err := q.QueryRowContext(ctx,
		`SELECT id, customer_id, status, priority, due_at, source, raw_text, payload, created_at, updated_at
		 FROM requests WHERE id = ?`, id,
	).Scan(&r.ID, &r.CustomerID, &r.Status, &r.Priority, &dueAt, &r.Source, &r.RawText, &payload, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}

	if dueAt.Valid && dueAt.String != "" {
		t := parseTime(dueAt.String)
		r.DueAt = &t
	}
	if payload.Valid && payload.String != "" && payload.String != "null" {
		if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal request payload: %w", err)
		}
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func encodePayload(p map[string]any) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// decodeStrings reads a JSON string list column. A corrupt value is logged
// and read as empty.
func (s *Store) decodeStrings(raw, entity, id string) []string {
	var out []string
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.logger.Warn("Ignoring malformed string list", "entity", entity, "id", id, "error", err)
		return nil
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
