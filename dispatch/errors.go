/*
errors.go - Centralized error types for the dispatch engine

PURPOSE:
  All error types in one place for consistency and discoverability.

ERROR CATEGORIES:
  1. Business-rule rejections - expected, surfaced verbatim to the caller
     (DuplicateChildAssignment, DriverCapacityExceeded, DateAlreadyScheduled,
     NoPriorSchedule, AssignmentNotFound)
  2. Input errors - malformed dates, periods, statuses, times
  3. Store errors - wrapped with fmt.Errorf("...: %w", err)

  Side-effect failures (audit, events, reminders) never surface here; they
  are logged by the engine.

USAGE:
    if errors.Is(err, dispatch.ErrDriverCapacityExceeded) { ... }
    code := dispatch.ErrorCode(err) // "DriverCapacityExceeded"

SEE ALSO:
  - validator.go: produces ConflictError
  - api/handlers.go: maps errors to HTTP status codes
*/
package dispatch

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateChildAssignment: the child already rides in this date + period.
	ErrDuplicateChildAssignment = errors.New("child already assigned for this date and period")

	// ErrDriverCapacityExceeded: the driver's carpool is full for this date + period.
	ErrDriverCapacityExceeded = errors.New("driver carpool capacity exceeded")

	// ErrDateAlreadyScheduled: copyFromPreviousDay never overwrites a scheduled day.
	ErrDateAlreadyScheduled = errors.New("target date already has a schedule")

	// ErrNoPriorSchedule: the previous day has nothing to copy.
	ErrNoPriorSchedule = errors.New("no schedule on the previous day")

	ErrAssignmentNotFound = errors.New("assignment not found")

	ErrInvalidDate          = errors.New("invalid date")
	ErrInvalidPeriod        = errors.New("invalid period")
	ErrInvalidStatus        = errors.New("invalid status")
	ErrInvalidScheduledTime = errors.New("invalid scheduled time")
	ErrInvalidReminder      = errors.New("invalid reminder offset")
	ErrMissingReference     = errors.New("child and driver are required")
	ErrInvalidRange         = errors.New("invalid date range")

	// ErrChildNotFound / ErrDriverNotFound are returned by Roster lookups.
	ErrChildNotFound  = errors.New("child not found")
	ErrDriverNotFound = errors.New("driver not found")
)

// Error codes surfaced to callers. They are part of the public contract.
const (
	CodeDuplicateChildAssignment = "DuplicateChildAssignment"
	CodeDriverCapacityExceeded   = "DriverCapacityExceeded"
	CodeDateAlreadyScheduled     = "DateAlreadyScheduled"
	CodeNoPriorSchedule          = "NoPriorSchedule"
	CodeAssignmentNotFound       = "AssignmentNotFound"
	CodeInvalidInput             = "InvalidInput"
	CodeInternal                 = "Internal"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConflictError explains why a proposed assignment was rejected.
type ConflictError struct {
	Slot     Slot
	ChildID  ChildID
	DriverID DriverID
	Existing AssignmentID // set for duplicate-child conflicts
	Count    int          // driver load, set for capacity conflicts
	Capacity int
	reason   error
}

func (e *ConflictError) Error() string {
	if errors.Is(e.reason, ErrDriverCapacityExceeded) {
		return fmt.Sprintf("driver %s already has %d of %d children on %s",
			e.DriverID, e.Count, e.Capacity, e.Slot)
	}
	return fmt.Sprintf("child %s already assigned on %s (route %s)",
		e.ChildID, e.Slot, e.Existing)
}

func (e *ConflictError) Unwrap() error { return e.reason }

// NotFoundError names the missing assignment.
type NotFoundError struct {
	ID AssignmentID
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("assignment %s not found", e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrAssignmentNotFound }

// ScheduleError is returned by the strict previous-day copy.
type ScheduleError struct {
	Date  Date
	Count int // existing assignments on Date, for DateAlreadyScheduled
	err   error
}

func (e *ScheduleError) Error() string {
	if errors.Is(e.err, ErrDateAlreadyScheduled) {
		return fmt.Sprintf("%s already has %d routes scheduled", e.Date, e.Count)
	}
	return fmt.Sprintf("no routes found on %s", e.Date)
}

func (e *ScheduleError) Unwrap() error { return e.err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true for invariant rejections.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateChildAssignment) ||
		errors.Is(err, ErrDriverCapacityExceeded) ||
		errors.Is(err, ErrDateAlreadyScheduled)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAssignmentNotFound) ||
		errors.Is(err, ErrChildNotFound) ||
		errors.Is(err, ErrDriverNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidScheduledTime) ||
		errors.Is(err, ErrInvalidReminder) ||
		errors.Is(err, ErrMissingReference) ||
		errors.Is(err, ErrInvalidRange)
}

// ErrorCode maps an error to its public taxonomy name.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateChildAssignment):
		return CodeDuplicateChildAssignment
	case errors.Is(err, ErrDriverCapacityExceeded):
		return CodeDriverCapacityExceeded
	case errors.Is(err, ErrDateAlreadyScheduled):
		return CodeDateAlreadyScheduled
	case errors.Is(err, ErrNoPriorSchedule):
		return CodeNoPriorSchedule
	case errors.Is(err, ErrAssignmentNotFound):
		return CodeAssignmentNotFound
	case IsClientError(err):
		return CodeInvalidInput
	default:
		return CodeInternal
	}
}
