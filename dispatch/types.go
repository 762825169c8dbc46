/*
Package dispatch provides the route assignment engine.

PURPOSE:
  Pairs children with drivers for AM/PM trips on a service day. The engine
  owns the Assignment ("route") entity and the rules that make it meaningful;
  children, drivers, schools and their calendars are owned elsewhere and
  consumed read-only.

KEY CONCEPTS IN THIS FILE (types.go):
  - Assignment: one child + one driver for one date + period
  - Period:     AM (pickup) or PM (dropoff)
  - Status:     lifecycle value, any value may follow any other
  - IDs:        type-safe identifiers for assignments, children, drivers

INVARIANTS:
  - At most one Assignment per (date, period, child)
  - At most CarpoolCapacity Assignments per (date, period, driver)
  - ReminderID is set iff a reminder task is pending for the Assignment

SEE ALSO:
  - engine.go:    create / status / remove with side-effect fan-out
  - validator.go: duplicate and capacity checks
  - copy.go:      schedule copy operations
  - reminder.go:  reminder scheduling and firing
  - store.go:     persistence contract
*/
package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AssignmentID string
type ChildID string
type DriverID string
type SchoolID string

// TaskHandle identifies a pending reminder task.
type TaskHandle string

// =============================================================================
// PERIOD
// =============================================================================

type Period string

const (
	PeriodAM Period = "AM"
	PeriodPM Period = "PM"
)

// Periods lists every period in service-day order.
var Periods = []Period{PeriodAM, PeriodPM}

func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return p, nil
}

func (p Period) Valid() bool { return p == PeriodAM || p == PeriodPM }

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of an assignment.
// No transition legality is enforced: any value may replace any other.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusScheduled     Status = "scheduled"
	StatusAssigned      Status = "assigned"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusEmergencyStop Status = "emergency_stop"
)

var allStatuses = map[Status]bool{
	StatusDraft:         true,
	StatusScheduled:     true,
	StatusAssigned:      true,
	StatusInProgress:    true,
	StatusCompleted:     true,
	StatusCancelled:     true,
	StatusEmergencyStop: true,
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

func (s Status) Valid() bool { return allStatuses[s] }

// Terminal reports whether the trip is over; pending reminders are dropped.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusEmergencyStop
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

// Assignment is a scheduled pairing of one child and one driver for one
// date + period. Called "route" by the dispatch UI and in audit records.
type Assignment struct {
	ID            AssignmentID
	Date          Date
	Period        Period
	ChildID       ChildID
	DriverID      DriverID
	Status        Status
	ScheduledTime string     // optional wall-clock pickup/dropoff, e.g. "8:30 AM"
	ReminderID    TaskHandle // empty unless a reminder is pending
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CreatedBy     string
}

// HasReminder reports whether a reminder task is outstanding.
func (a Assignment) HasReminder() bool { return a.ReminderID != "" }

// Slot is the (date, period) key of a schedule.
type Slot struct {
	Date   Date
	Period Period
}

func (s Slot) String() string { return s.Date.String() + " " + string(s.Period) }

// =============================================================================
// EXTERNAL ROSTER DATA (read-only)
// =============================================================================

// Child is the subset of the externally-owned child record the engine reads.
type Child struct {
	ID       ChildID
	Name     string
	SchoolID SchoolID
	Active   bool
}

// Driver is the subset of the externally-owned driver record the engine reads.
type Driver struct {
	ID     DriverID
	Name   string
	Active bool
}

// NonSchoolDay marks a date on which a school is closed.
type NonSchoolDay struct {
	ID       string
	SchoolID SchoolID
	Date     Date
	Reason   string
}
