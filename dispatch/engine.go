/*
engine.go - Route assignment engine

PURPOSE:
  Entry point for every mutation of the schedule. Each operation follows
  the same shape:

    1. Validate input
    2. Commit inside TxStore.WithTx (conflict check + write are one unit)
    3. Fan out to AuditRecorder / EventPublisher (best effort)
    4. Schedule or cancel reminder tasks (best effort)

  Only step 1 and 2 can fail the operation. Failures in 3 and 4 are logged
  at warn level and swallowed: the assignment row is the source of truth.

CONFIGURATION:
  CarpoolCapacity and LookbackDays default to the historical business
  constants (3 and 14). Location is the time zone scheduledTime strings
  are interpreted in.

SEE ALSO:
  - copy.go:     bulk schedule copy
  - reminder.go: reminder scheduling and firing
  - snapshot.go: read models (slot snapshot, calendar summary)
*/
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultLookbackDays bounds the smart-copy search window.
const DefaultLookbackDays = 14

// Config holds deployment-level tunables.
type Config struct {
	CarpoolCapacity int
	LookbackDays    int
	Location        *time.Location
}

func DefaultConfig() Config {
	return Config{
		CarpoolCapacity: DefaultCarpoolCapacity,
		LookbackDays:    DefaultLookbackDays,
		Location:        time.UTC,
	}
}

// Deps are the engine's collaborators. Only Store is required; nil sinks
// are skipped.
type Deps struct {
	Store     TxStore
	Roster    Roster
	Calendar  Calendar
	Audit     AuditRecorder
	Events    EventPublisher
	Scheduler TaskScheduler
	Clock     Clock
	Logger    *zap.Logger
	NewID     func() string
}

// Engine implements the route assignment operations.
type Engine struct {
	store     TxStore
	roster    Roster
	calendar  Calendar
	audit     AuditRecorder
	events    EventPublisher
	scheduler TaskScheduler
	clock     Clock
	logger    *zap.Logger
	newID     func() string

	validator    ConflictValidator
	lookbackDays int
	loc          *time.Location
}

func NewEngine(deps Deps, cfg Config) *Engine {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Engine{
		store:        deps.Store,
		roster:       deps.Roster,
		calendar:     deps.Calendar,
		audit:        deps.Audit,
		events:       deps.Events,
		scheduler:    deps.Scheduler,
		clock:        deps.Clock,
		logger:       deps.Logger.Named("dispatch"),
		newID:        deps.NewID,
		validator:    NewConflictValidator(cfg.CarpoolCapacity),
		lookbackDays: cfg.LookbackDays,
		loc:          cfg.Location,
	}
}

// Capacity returns the configured carpool capacity.
func (e *Engine) Capacity() int { return e.validator.Capacity }

// LookbackDays returns the configured smart-copy window.
func (e *Engine) LookbackDays() int { return e.lookbackDays }

// =============================================================================
// CREATE
// =============================================================================

// CreateRequest carries the fields of a new assignment.
type CreateRequest struct {
	Date          Date
	Period        Period
	ChildID       ChildID
	DriverID      DriverID
	Status        Status // defaults to scheduled
	ScheduledTime string
	// ReminderMinutes schedules a reminder this many minutes before
	// ScheduledTime once the assignment commits. Nil means no reminder.
	ReminderMinutes *int
	ActorID         string
}

func (r *CreateRequest) normalize() error {
	if r.Date.IsZero() {
		return ErrInvalidDate
	}
	if !r.Period.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPeriod, r.Period)
	}
	if r.ChildID == "" || r.DriverID == "" {
		return ErrMissingReference
	}
	if r.Status == "" {
		r.Status = StatusScheduled
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	if r.ScheduledTime != "" {
		if _, err := ParseClockTime(r.ScheduledTime); err != nil {
			return err
		}
	}
	if r.ReminderMinutes != nil && *r.ReminderMinutes < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidReminder, *r.ReminderMinutes)
	}
	return nil
}

// CreateAssignment validates and commits one assignment.
// Rejections: ErrDuplicateChildAssignment, ErrDriverCapacityExceeded.
func (e *Engine) CreateAssignment(ctx context.Context, req CreateRequest) (AssignmentID, error) {
	if err := req.normalize(); err != nil {
		return "", err
	}

	now := e.clock.Now()
	a := Assignment{
		ID:            AssignmentID(e.newID()),
		Date:          req.Date,
		Period:        req.Period,
		ChildID:       req.ChildID,
		DriverID:      req.DriverID,
		Status:        req.Status,
		ScheduledTime: req.ScheduledTime,
		CreatedAt:     now,
		UpdatedAt:     now,
		CreatedBy:     req.ActorID,
	}

	err := e.store.WithTx(ctx, func(s Store) error {
		if err := e.validator.Validate(ctx, s, proposalFor(a)); err != nil {
			return err
		}
		return s.Insert(ctx, a)
	})
	if err != nil {
		if IsConflict(err) {
			e.logger.Info("route rejected",
				zap.String("date", a.Date.String()),
				zap.String("period", string(a.Period)),
				zap.String("child_id", string(a.ChildID)),
				zap.String("driver_id", string(a.DriverID)),
				zap.String("reason", ErrorCode(err)))
		}
		return "", err
	}

	e.logger.Info("route created",
		zap.String("route_id", string(a.ID)),
		zap.String("date", a.Date.String()),
		zap.String("period", string(a.Period)))

	e.recordRoute(ctx, AuditRouteCreated, a, req.ActorID, nil)
	e.publish(ctx, DispatchEvent{
		RouteID:  a.ID,
		ChildID:  a.ChildID,
		DriverID: a.DriverID,
		Notify:   true,
		Payload: RouteCreated{
			Date:          a.Date,
			Period:        a.Period,
			Status:        a.Status,
			ScheduledTime: a.ScheduledTime,
		},
	})

	if req.ReminderMinutes != nil && a.ScheduledTime != "" {
		if _, err := e.ScheduleReminder(ctx, a.ID, *req.ReminderMinutes); err != nil {
			e.logger.Warn("reminder not scheduled", zap.String("route_id", string(a.ID)), zap.Error(err))
		}
	}

	return a.ID, nil
}

func proposalFor(a Assignment) Proposal {
	return Proposal{Date: a.Date, Period: a.Period, ChildID: a.ChildID, DriverID: a.DriverID}
}

// Get returns one assignment.
func (e *Engine) Get(ctx context.Context, id AssignmentID) (Assignment, error) {
	return e.store.Get(ctx, id)
}

// =============================================================================
// STATUS
// =============================================================================

// UpdateStatus sets a new status. Any status may follow any other.
func (e *Engine) UpdateStatus(ctx context.Context, id AssignmentID, status Status, actorID string) (AssignmentID, error) {
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var before Assignment
	now := e.clock.Now()
	err := e.store.WithTx(ctx, func(s Store) error {
		a, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		before = a
		return s.UpdateStatus(ctx, id, status, now)
	})
	if err != nil {
		return "", err
	}

	after := before
	after.Status = status
	after.UpdatedAt = now

	e.logger.Info("route status updated",
		zap.String("route_id", string(id)),
		zap.String("old_status", string(before.Status)),
		zap.String("new_status", string(status)))

	e.recordRoute(ctx, AuditRouteStatusUpdated, after, actorID, func(d *AuditDetails) {
		d.OldStatus = before.Status
		d.NewStatus = status
	})
	e.publish(ctx, DispatchEvent{
		RouteID:  id,
		ChildID:  after.ChildID,
		DriverID: after.DriverID,
		Notify:   status == StatusCancelled || status == StatusEmergencyStop,
		Payload: RouteStatusChanged{
			Date:      after.Date,
			Period:    after.Period,
			OldStatus: before.Status,
			NewStatus: status,
		},
	})

	if status.Terminal() && before.HasReminder() {
		e.dropReminder(ctx, id, before.ReminderID)
	}

	return id, nil
}

// =============================================================================
// REMOVE
// =============================================================================

// RemoveAssignment deletes an assignment and cancels its pending reminder.
func (e *Engine) RemoveAssignment(ctx context.Context, id AssignmentID, actorID string) (AssignmentID, error) {
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if current.HasReminder() {
		e.cancelTask(ctx, id, current.ReminderID)
	}

	var removed Assignment
	err = e.store.WithTx(ctx, func(s Store) error {
		a, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		removed = a
		return s.Delete(ctx, id)
	})
	if err != nil {
		return "", err
	}
	// A reminder attached between the read above and the delete.
	if removed.HasReminder() && removed.ReminderID != current.ReminderID {
		e.cancelTask(ctx, id, removed.ReminderID)
	}

	e.logger.Info("route removed", zap.String("route_id", string(id)))

	e.recordRoute(ctx, AuditRouteDeleted, removed, actorID, nil)
	e.publish(ctx, DispatchEvent{
		RouteID:  id,
		ChildID:  removed.ChildID,
		DriverID: removed.DriverID,
		Notify:   true,
		Payload:  RouteCancelled{Date: removed.Date, Period: removed.Period},
	})

	return id, nil
}

// =============================================================================
// SIDE-EFFECT FAN-OUT
// =============================================================================

func (e *Engine) recordRoute(ctx context.Context, action AuditAction, a Assignment, actorID string, extra func(*AuditDetails)) {
	if e.audit == nil {
		return
	}
	childName, driverName := e.displayNames(ctx, a.ChildID, a.DriverID)
	details := AuditDetails{
		Date:       a.Date,
		Period:     a.Period,
		ChildID:    a.ChildID,
		ChildName:  childName,
		DriverID:   a.DriverID,
		DriverName: driverName,
	}
	if extra != nil {
		extra(&details)
	}
	e.record(ctx, AuditEntry{
		Action:       action,
		ResourceType: ResourceRoute,
		ResourceID:   string(a.ID),
		ActorID:      actorID,
		Details:      details,
	})
}

func (e *Engine) record(ctx context.Context, entry AuditEntry) {
	if e.audit == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = e.newID()
	}
	if entry.At.IsZero() {
		entry.At = e.clock.Now()
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Warn("audit record failed",
			zap.String("action", string(entry.Action)),
			zap.String("resource_id", entry.ResourceID),
			zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, ev DispatchEvent) {
	if e.events == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = e.newID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.clock.Now()
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("type", string(ev.Type())),
			zap.String("route_id", string(ev.RouteID)),
			zap.Error(err))
	}
}

// displayNames resolves names for denormalized audit records. Lookup
// failures leave the name empty; the ids are always recorded.
func (e *Engine) displayNames(ctx context.Context, childID ChildID, driverID DriverID) (string, string) {
	if e.roster == nil {
		return "", ""
	}
	var childName, driverName string
	if c, err := e.roster.Child(ctx, childID); err == nil {
		childName = c.Name
	} else if !errors.Is(err, ErrChildNotFound) {
		e.logger.Debug("child lookup failed", zap.String("child_id", string(childID)), zap.Error(err))
	}
	if d, err := e.roster.Driver(ctx, driverID); err == nil {
		driverName = d.Name
	} else if !errors.Is(err, ErrDriverNotFound) {
		e.logger.Debug("driver lookup failed", zap.String("driver_id", string(driverID)), zap.Error(err))
	}
	return childName, driverName
}
