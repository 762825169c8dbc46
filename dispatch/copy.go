/*
copy.go - Bulk schedule copy

PURPOSE:
  Seeds a service day from an earlier one. Three entry points:

  CopyFromPreviousDay   strict: source is exactly target-1, target must be
                        empty, all-or-nothing (nightly rollover)
  CopyFromDate          tolerant: per-child inserts, conflicts are skipped,
                        re-running is a no-op
  CopyFromLastValidDay  tolerant + closure aware: children whose school is
                        closed on the target are skipped and counted

  LastValidScheduleDate finds the most recent day with a schedule inside the
  lookback window so the UI can offer the smart copy.

COPIED FIELDS:
  period, child and driver. Status is reset to scheduled. scheduledTime and
  reminders are not carried over; they belong to the source day.

ATOMICITY:
  The strict copy runs in one WithTx. Tolerant copies run one WithTx per
  child so each (date, period, child) key is checked and inserted atomically
  while the batch as a whole may partially succeed.
*/
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// CopyResult reports a strict previous-day copy.
type CopyResult struct {
	Copied   int
	FromDate Date
	RouteIDs []AssignmentID
	Message  string
}

// SmartCopyResult reports a closure-aware copy.
type SmartCopyResult struct {
	Copied          int
	Skipped         int // school closed on the target date
	AlreadyAssigned int // child already had a route, or the driver was full
	RouteIDs        []AssignmentID
	Message         string
}

// LastValidSchedule describes the most recent day that had routes.
type LastValidSchedule struct {
	Date        Date
	DaysAgo     int
	RouteCount  int
	DriverCount int
	Label       string
}

// =============================================================================
// STRICT COPY
// =============================================================================

// CopyFromPreviousDay copies every assignment of target-1 onto target.
// Rejections: ErrNoPriorSchedule, ErrDateAlreadyScheduled, and a
// *ConflictError when a copied route would exceed driver capacity. Any
// rejection leaves target untouched.
func (e *Engine) CopyFromPreviousDay(ctx context.Context, target Date, actorID string) (CopyResult, error) {
	if target.IsZero() {
		return CopyResult{}, ErrInvalidDate
	}
	previous := target.AddDays(-1)
	now := e.clock.Now()

	var created []Assignment
	err := e.store.WithTx(ctx, func(s Store) error {
		source, err := s.ListByDate(ctx, previous)
		if err != nil {
			return err
		}
		if len(source) == 0 {
			return &ScheduleError{Date: previous, err: ErrNoPriorSchedule}
		}
		existing, err := s.ListByDate(ctx, target)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return &ScheduleError{Date: target, Count: len(existing), err: ErrDateAlreadyScheduled}
		}

		created = make([]Assignment, 0, len(source))
		for _, src := range source {
			a := e.copyOf(src, target, actorID)
			a.CreatedAt, a.UpdatedAt = now, now
			// Capacity may have been lowered since the source day was built.
			if err := e.validator.Validate(ctx, s, proposalFor(a)); err != nil {
				return err
			}
			if err := s.Insert(ctx, a); err != nil {
				return fmt.Errorf("copy route %s: %w", src.ID, err)
			}
			created = append(created, a)
		}
		return nil
	})
	if err != nil {
		return CopyResult{}, err
	}

	ids := idsOf(created)
	result := CopyResult{
		Copied:   len(created),
		FromDate: previous,
		RouteIDs: ids,
		Message:  fmt.Sprintf("Copied %d routes from %s", len(created), previous),
	}

	e.logger.Info("schedule copied",
		zap.String("operation", "copy_previous_day"),
		zap.String("from", previous.String()),
		zap.String("to", target.String()),
		zap.Int("copied", result.Copied))
	e.recordCopy(ctx, "copy_previous_day", previous, target, "", actorID, ids, 0)

	return result, nil
}

// =============================================================================
// TOLERANT COPY
// =============================================================================

// CopyFromDate copies assignments of from (optionally one period) onto to,
// skipping any that would double-book a child or overfill a driver.
// Returns the new ids only.
func (e *Engine) CopyFromDate(ctx context.Context, from, to Date, period *Period, actorID string) ([]AssignmentID, error) {
	if from.IsZero() || to.IsZero() {
		return nil, ErrInvalidDate
	}
	if period != nil && !period.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, *period)
	}

	var (
		source []Assignment
		err    error
	)
	if period != nil {
		source, err = e.store.ListBySlot(ctx, from, *period)
	} else {
		source, err = e.store.ListByDate(ctx, from)
	}
	if err != nil {
		return nil, fmt.Errorf("load source schedule: %w", err)
	}

	ids := make([]AssignmentID, 0, len(source))
	skipped := 0
	var copyErr error
	for _, src := range source {
		id, err := e.copyOne(ctx, src, to, actorID)
		if IsConflict(err) {
			skipped++
			continue
		}
		if err != nil {
			copyErr = fmt.Errorf("copy route %s: %w", src.ID, err)
			break
		}
		ids = append(ids, id)
	}

	var p Period
	if period != nil {
		p = *period
	}
	e.logger.Info("schedule copied",
		zap.String("operation", "copy_from_date"),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("copied", len(ids)),
		zap.Int("skipped", skipped))
	if len(ids) > 0 {
		e.recordCopy(ctx, "copy_from_date", from, to, p, actorID, ids, skipped)
	}

	return ids, copyErr
}

// copyOne checks and inserts a single copied assignment atomically.
func (e *Engine) copyOne(ctx context.Context, src Assignment, to Date, actorID string) (AssignmentID, error) {
	a := e.copyOf(src, to, actorID)
	now := e.clock.Now()
	a.CreatedAt, a.UpdatedAt = now, now

	err := e.store.WithTx(ctx, func(s Store) error {
		if err := e.validator.Validate(ctx, s, proposalFor(a)); err != nil {
			return err
		}
		return s.Insert(ctx, a)
	})
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func (e *Engine) copyOf(src Assignment, to Date, actorID string) Assignment {
	return Assignment{
		ID:        AssignmentID(e.newID()),
		Date:      to,
		Period:    src.Period,
		ChildID:   src.ChildID,
		DriverID:  src.DriverID,
		Status:    StatusScheduled,
		CreatedBy: actorID,
	}
}

// =============================================================================
// SMART COPY
// =============================================================================

// LastValidScheduleDate walks back from target-1 through the lookback
// window and returns the first day with at least one assignment, or nil.
func (e *Engine) LastValidScheduleDate(ctx context.Context, target Date) (*LastValidSchedule, error) {
	if target.IsZero() {
		return nil, ErrInvalidDate
	}
	newest := target.AddDays(-1)
	oldest := target.AddDays(-e.lookbackDays)

	rows, err := e.store.ListRange(ctx, oldest, newest)
	if err != nil {
		return nil, fmt.Errorf("load lookback window: %w", err)
	}
	byDate := make(map[string][]Assignment)
	for _, a := range rows {
		byDate[a.Date.String()] = append(byDate[a.Date.String()], a)
	}

	for d := newest; !d.Before(oldest); d = d.AddDays(-1) {
		routes := byDate[d.String()]
		if len(routes) == 0 {
			continue
		}
		drivers := make(map[DriverID]bool)
		for _, a := range routes {
			drivers[a.DriverID] = true
		}
		return &LastValidSchedule{
			Date:        d,
			DaysAgo:     DaysBetween(d, target),
			RouteCount:  len(routes),
			DriverCount: len(drivers),
			Label:       GapLabel(d, target),
		}, nil
	}
	return nil, nil
}

// CopyFromLastValidDay copies source onto target like CopyFromDate, but
// first drops children whose school is closed on target.
func (e *Engine) CopyFromLastValidDay(ctx context.Context, target, source Date, actorID string) (SmartCopyResult, error) {
	if target.IsZero() || source.IsZero() {
		return SmartCopyResult{}, ErrInvalidDate
	}

	routes, err := e.store.ListByDate(ctx, source)
	if err != nil {
		return SmartCopyResult{}, fmt.Errorf("load source schedule: %w", err)
	}
	if len(routes) == 0 {
		return SmartCopyResult{
			RouteIDs: []AssignmentID{},
			Message:  fmt.Sprintf("No routes found on %s", source),
		}, nil
	}

	// Resolve eligibility before writing anything so a calendar outage
	// aborts the copy instead of leaving closed-school routes behind.
	eligible, skipped, err := e.filterClosed(ctx, routes, target)
	if err != nil {
		return SmartCopyResult{}, err
	}

	result := SmartCopyResult{Skipped: skipped, RouteIDs: make([]AssignmentID, 0, len(eligible))}
	var copyErr error
	for _, src := range eligible {
		id, err := e.copyOne(ctx, src, target, actorID)
		if IsConflict(err) {
			result.AlreadyAssigned++
			continue
		}
		if err != nil {
			copyErr = fmt.Errorf("copy route %s: %w", src.ID, err)
			break
		}
		result.RouteIDs = append(result.RouteIDs, id)
	}
	result.Copied = len(result.RouteIDs)
	result.Message = smartCopyMessage(result, source)

	e.logger.Info("schedule copied",
		zap.String("operation", "copy_last_valid_day"),
		zap.String("from", source.String()),
		zap.String("to", target.String()),
		zap.Int("copied", result.Copied),
		zap.Int("skipped_closed", result.Skipped),
		zap.Int("already_assigned", result.AlreadyAssigned))
	if result.Copied > 0 || result.Skipped > 0 {
		e.recordCopy(ctx, "copy_last_valid_day", source, target, "", actorID, result.RouteIDs, result.Skipped)
	}

	return result, copyErr
}

// filterClosed splits routes into those whose child's school is open on
// date, and a count of the rest. Children missing from the roster are
// counted as skipped.
func (e *Engine) filterClosed(ctx context.Context, routes []Assignment, date Date) ([]Assignment, int, error) {
	if e.roster == nil || e.calendar == nil {
		return routes, 0, nil
	}

	closed := make(map[SchoolID]bool)
	eligible := make([]Assignment, 0, len(routes))
	skipped := 0
	for _, a := range routes {
		child, err := e.roster.Child(ctx, a.ChildID)
		if errors.Is(err, ErrChildNotFound) {
			e.logger.Warn("child missing from roster, not copied", zap.String("child_id", string(a.ChildID)))
			skipped++
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("lookup child %s: %w", a.ChildID, err)
		}

		isClosed, seen := closed[child.SchoolID]
		if !seen {
			isClosed, err = e.calendar.IsNonSchoolDay(ctx, child.SchoolID, date)
			if err != nil {
				return nil, 0, fmt.Errorf("check school %s calendar: %w", child.SchoolID, err)
			}
			closed[child.SchoolID] = isClosed
		}
		if isClosed {
			skipped++
			continue
		}
		eligible = append(eligible, a)
	}
	return eligible, skipped, nil
}

func smartCopyMessage(r SmartCopyResult, source Date) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Copied %d routes from %s", r.Copied, source)
	var notes []string
	if r.Skipped > 0 {
		notes = append(notes, fmt.Sprintf("%d skipped (school closed)", r.Skipped))
	}
	if r.AlreadyAssigned > 0 {
		notes = append(notes, fmt.Sprintf("%d already assigned", r.AlreadyAssigned))
	}
	if len(notes) > 0 {
		b.WriteString(" (" + strings.Join(notes, ", ") + ")")
	}
	return b.String()
}

// GapLabel describes the distance between a source day and target for the
// dispatcher, e.g. "yesterday" or "skipped weekend".
func GapLabel(source, target Date) string {
	daysAgo := DaysBetween(source, target)
	if daysAgo <= 1 {
		return "yesterday"
	}

	weekendDays, weekdays := 0, 0
	for d := source.AddDays(1); d.Before(target); d = d.AddDays(1) {
		if d.IsWeekend() {
			weekendDays++
		} else {
			weekdays++
		}
	}
	switch {
	case weekdays == 0:
		return "skipped weekend"
	case weekendDays == 0:
		return fmt.Sprintf("%d days ago (skipped %s)", daysAgo, plural(weekdays, "weekday"))
	default:
		return fmt.Sprintf("%d days ago (skipped weekend and %s)", daysAgo, plural(weekdays, "weekday"))
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) recordCopy(ctx context.Context, op string, from, to Date, period Period, actorID string, ids []AssignmentID, skipped int) {
	fromDate := from
	e.record(ctx, AuditEntry{
		Action:       AuditScheduleCopied,
		ResourceType: ResourceRoute,
		ResourceID:   to.String(),
		ActorID:      actorID,
		Details: AuditDetails{
			Date:     to,
			Period:   period,
			FromDate: &fromDate,
			Copied:   len(ids),
			Skipped:  skipped,
		},
	})
	e.publish(ctx, DispatchEvent{
		Payload: ScheduleChanged{
			Operation: op,
			FromDate:  from,
			ToDate:    to,
			Period:    period,
			Copied:    len(ids),
			Skipped:   skipped,
			RouteIDs:  ids,
		},
	})
}

func idsOf(as []Assignment) []AssignmentID {
	ids := make([]AssignmentID, len(as))
	for i, a := range as {
		ids[i] = a.ID
	}
	return ids
}
