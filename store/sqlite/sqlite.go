/*
Package sqlite provides a SQLite-backed implementation of the dispatch
storage interfaces.

PURPOSE:
  One database file holds the schedule and everything around it. In
  production the same schema runs on PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  dispatch.TxStore:         Assignments
  dispatch.Roster:          Children and drivers
  dispatch.Calendar:        Non-school days
  dispatch.AuditRecorder:   audit_log table
  dispatch.EventPublisher:  dispatch_events table (outbox for the push gateway)
  scheduler.TaskStore:      reminder_tasks table

KEY TABLES:
  assignments:      One row per route
  children/drivers: Roster mirror
  non_school_days:  School closures
  audit_log:        Append-only audit trail
  dispatch_events:  Published events, in order
  reminder_tasks:   Pending reminder timers

INDEXES:
  - idx_assignments_date:         ListByDate, ListRange
  - idx_assignments_slot_driver:  CountByDriver (capacity check, hot path)
  - idx_assignments_slot_child:   UNIQUE, backstop for double booking

CONCURRENCY:
  sync.RWMutex serializes writers and WithTx. The pool is limited to one
  connection so that ":memory:" databases are shared by every call and a
  transaction sees its own writes.

USAGE:
  store, err := sqlite.New("./data/dispatch.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := dispatch.NewEngine(dispatch.Deps{Store: store, Roster: store, Calendar: store}, cfg)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - dispatch/store.go: Interface definitions
  - dispatch/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/dispatch-engine/dispatch"
)

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ dispatch.TxStore        = (*Store)(nil)
	_ dispatch.Roster         = (*Store)(nil)
	_ dispatch.Calendar       = (*Store)(nil)
	_ dispatch.AuditRecorder  = (*Store)(nil)
	_ dispatch.EventPublisher = (*Store)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		period TEXT NOT NULL CHECK (period IN ('AM', 'PM')),
		child_id TEXT NOT NULL,
		driver_id TEXT NOT NULL,
		status TEXT NOT NULL,
		scheduled_time TEXT NOT NULL DEFAULT '',
		reminder_id TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_date
		ON assignments(date);
	CREATE INDEX IF NOT EXISTS idx_assignments_slot_driver
		ON assignments(date, period, driver_id);

	-- A child rides once per slot
	CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_slot_child
		ON assignments(date, period, child_id);

	CREATE TABLE IF NOT EXISTS children (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		school_id TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS drivers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS non_school_days (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		date TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_non_school_days_unique
		ON non_school_days(school_id, date);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		details_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_resource
		ON audit_log(resource_type, resource_id);

	CREATE TABLE IF NOT EXISTS dispatch_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		route_id TEXT NOT NULL DEFAULT '',
		child_id TEXT NOT NULL DEFAULT '',
		driver_id TEXT NOT NULL DEFAULT '',
		notify BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at TEXT NOT NULL,
		payload_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reminder_tasks (
		handle TEXT PRIMARY KEY,
		fire_at TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reminder_tasks_fire_at
		ON reminder_tasks(fire_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ASSIGNMENT STORE (dispatch.Store interface)
// =============================================================================

func (s *Store) Insert(ctx context.Context, a dispatch.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return assignments{s.db}.Insert(ctx, a)
}

func (s *Store) Get(ctx context.Context, id dispatch.AssignmentID) (dispatch.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return assignments{s.db}.Get(ctx, id)
}

func (s *Store) UpdateStatus(ctx context.Context, id dispatch.AssignmentID, status dispatch.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return assignments{s.db}.UpdateStatus(ctx, id, status, at)
}

func (s *Store) PatchReminder(ctx context.Context, id dispatch.AssignmentID, handle dispatch.TaskHandle, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return assignments{s.db}.PatchReminder(ctx, id, handle, at)
}

func (s *Store) Delete(ctx context.Context, id dispatch.AssignmentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return assignments{s.db}.Delete(ctx, id)
}

func (s *Store) ListByDate(ctx context.Context, date dispatch.Date) ([]dispatch.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return assignments{s.db}.ListByDate(ctx, date)
}

func (s *Store) ListBySlot(ctx context.Context, date dispatch.Date, period dispatch.Period) ([]dispatch.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return assignments{s.db}.ListBySlot(ctx, date, period)
}

func (s *Store) FindByChild(ctx context.Context, date dispatch.Date, period dispatch.Period, childID dispatch.ChildID) (*dispatch.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return assignments{s.db}.FindByChild(ctx, date, period, childID)
}

func (s *Store) CountByDriver(ctx context.Context, date dispatch.Date, period dispatch.Period, driverID dispatch.DriverID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return assignments{s.db}.CountByDriver(ctx, date, period, driverID)
}

func (s *Store) ListRange(ctx context.Context, from, to dispatch.Date) ([]dispatch.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return assignments{s.db}.ListRange(ctx, from, to)
}

// =============================================================================
// TRANSACTIONAL STORE (dispatch.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Every read and write
// made through the passed Store goes through the same sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(dispatch.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(assignments{sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// assignments runs the assignment queries against a DB or a Tx.
type assignments struct {
	q querier
}

const assignmentColumns = `id, date, period, child_id, driver_id, status,
	scheduled_time, reminder_id, created_by, created_at, updated_at`

func (r assignments) Insert(ctx context.Context, a dispatch.Assignment) error {
	query := `
		INSERT INTO assignments (` + assignmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.q.ExecContext(ctx, query,
		a.ID,
		a.Date.String(),
		a.Period,
		a.ChildID,
		a.DriverID,
		a.Status,
		a.ScheduledTime,
		a.ReminderID,
		a.CreatedBy,
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "child_id") {
			return dispatch.ErrDuplicateChildAssignment
		}
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	return nil
}

func (r assignments) Get(ctx context.Context, id dispatch.AssignmentID) (dispatch.Assignment, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Assignment{}, &dispatch.NotFoundError{ID: id}
	}
	return a, err
}

func (r assignments) UpdateStatus(ctx context.Context, id dispatch.AssignmentID, status dispatch.Status, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE assignments SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(at), id)
	return affectedOne(res, err, id)
}

func (r assignments) PatchReminder(ctx context.Context, id dispatch.AssignmentID, handle dispatch.TaskHandle, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE assignments SET reminder_id = ?, updated_at = ? WHERE id = ?`,
		handle, formatTime(at), id)
	return affectedOne(res, err, id)
}

func (r assignments) Delete(ctx context.Context, id dispatch.AssignmentID) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM assignments WHERE id = ?`, id)
	return affectedOne(res, err, id)
}

func (r assignments) ListByDate(ctx context.Context, date dispatch.Date) ([]dispatch.Assignment, error) {
	return r.query(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE date = ?
		ORDER BY period ASC, created_at ASC
	`, date.String())
}

func (r assignments) ListBySlot(ctx context.Context, date dispatch.Date, period dispatch.Period) ([]dispatch.Assignment, error) {
	return r.query(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE date = ? AND period = ?
		ORDER BY created_at ASC
	`, date.String(), period)
}

func (r assignments) FindByChild(ctx context.Context, date dispatch.Date, period dispatch.Period, childID dispatch.ChildID) (*dispatch.Assignment, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE date = ? AND period = ? AND child_id = ?
	`, date.String(), period, childID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r assignments) CountByDriver(ctx context.Context, date dispatch.Date, period dispatch.Period, driverID dispatch.DriverID) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments WHERE date = ? AND period = ? AND driver_id = ?`,
		date.String(), period, driverID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count driver routes: %w", err)
	}
	return count, nil
}

func (r assignments) ListRange(ctx context.Context, from, to dispatch.Date) ([]dispatch.Assignment, error) {
	return r.query(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC, period ASC, created_at ASC
	`, from.String(), to.String())
}

func (r assignments) query(ctx context.Context, query string, args ...any) ([]dispatch.Assignment, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	out := []dispatch.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row scanner) (dispatch.Assignment, error) {
	var (
		a                    dispatch.Assignment
		date                 string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&a.ID,
		&date,
		&a.Period,
		&a.ChildID,
		&a.DriverID,
		&a.Status,
		&a.ScheduledTime,
		&a.ReminderID,
		&a.CreatedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return dispatch.Assignment{}, err
	}
	if a.Date, err = dispatch.ParseDate(date); err != nil {
		return dispatch.Assignment{}, fmt.Errorf("assignment %s: %w", a.ID, err)
	}
	a.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	a.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// Reset deletes every row. Used by tests.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"assignments", "children", "drivers", "non_school_days", "audit_log", "dispatch_events", "reminder_tasks"}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t, err)
		}
	}
	return nil
}

func affectedOne(res sql.Result, err error, id dispatch.AssignmentID) error {
	if err != nil {
		return fmt.Errorf("failed to write assignment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &dispatch.NotFoundError{ID: id}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
