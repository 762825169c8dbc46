/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and everything it does not own:
  the assignment store, the roster, the school calendar, and the outbound
  sinks (audit, events, delayed tasks).

KEY INTERFACES:
  Store:          Assignment persistence with keyed lookups
  TxStore:        Serializable unit of work (validate + insert)
  Roster:         Read-only child/driver lookup
  Calendar:       Non-school-day lookup
  AuditRecorder:  Append-only audit sink
  EventPublisher: Dispatch event fan-out
  TaskScheduler:  One-shot delayed reminder tasks

INDEXES:
  Implementations must serve (date), (date, period), (date, period, child),
  (date, period, driver) and date-range lookups from maintained indices.
  The capacity check depends on CountByDriver being exact inside WithTx.

IMPLEMENTATIONS:
  - dispatch/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go:   SQLite

SEE ALSO:
  - validator.go: Reads through Store inside WithTx
  - engine.go:    Owns the transaction boundary
*/
package dispatch

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Assignment persistence
// =============================================================================

// Store handles persistence of assignments.
type Store interface {
	// Insert adds a new assignment. The caller has already validated it
	// inside the same transaction.
	Insert(ctx context.Context, a Assignment) error

	// Get returns ErrAssignmentNotFound when id is unknown.
	Get(ctx context.Context, id AssignmentID) (Assignment, error)

	UpdateStatus(ctx context.Context, id AssignmentID, status Status, at time.Time) error

	// PatchReminder sets or (with "") clears the reminder handle.
	PatchReminder(ctx context.Context, id AssignmentID, handle TaskHandle, at time.Time) error

	Delete(ctx context.Context, id AssignmentID) error

	ListByDate(ctx context.Context, date Date) ([]Assignment, error)
	ListBySlot(ctx context.Context, date Date, period Period) ([]Assignment, error)

	// FindByChild returns nil when the child has no assignment in the slot.
	FindByChild(ctx context.Context, date Date, period Period, childID ChildID) (*Assignment, error)

	CountByDriver(ctx context.Context, date Date, period Period, driverID DriverID) (int, error)

	// ListRange returns assignments with from <= date <= to, ordered by date.
	ListRange(ctx context.Context, from, to Date) ([]Assignment, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn serialized against every other WithTx call.
	// If fn returns error, all writes made through the passed Store are
	// rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// ROSTER & CALENDAR - Externally owned, read-only
// =============================================================================

// Roster looks up children and drivers for display-name enrichment,
// closure filtering and snapshot complements.
type Roster interface {
	Child(ctx context.Context, id ChildID) (Child, error)
	Driver(ctx context.Context, id DriverID) (Driver, error)
	ActiveChildren(ctx context.Context) ([]Child, error)
	ActiveDrivers(ctx context.Context) ([]Driver, error)
}

// Calendar answers whether a school is closed on a date.
type Calendar interface {
	IsNonSchoolDay(ctx context.Context, schoolID SchoolID, date Date) (bool, error)
}

// =============================================================================
// OUTBOUND SINKS - Best effort from the engine's point of view
// =============================================================================

// AuditRecorder stores audit entries. Append-only.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// EventPublisher fans dispatch events out to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event DispatchEvent) error
}

// TaskScheduler runs a reminder once at an absolute instant.
type TaskScheduler interface {
	// Schedule fails if fireAt is not strictly in the future.
	Schedule(ctx context.Context, fireAt time.Time, payload ReminderPayload) (TaskHandle, error)

	// Cancel is best effort. Unknown or already-fired handles are a no-op.
	Cancel(ctx context.Context, handle TaskHandle) error
}

// ReminderPayload is what a reminder task carries until it fires.
type ReminderPayload struct {
	AssignmentID  AssignmentID `json:"assignment_id"`
	ChildID       ChildID      `json:"child_id"`
	DriverID      DriverID     `json:"driver_id"`
	Date          Date         `json:"date"`
	Period        Period       `json:"period"`
	ScheduledTime string       `json:"scheduled_time"`
	MinutesBefore int          `json:"minutes_before"`
}
