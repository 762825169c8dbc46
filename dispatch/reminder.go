package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// REMINDERS - One pending task per assignment
// =============================================================================

// ScheduleReminder arms a reminder minutesBefore the assignment's
// scheduledTime. It returns "" without error when there is nothing to
// schedule: no scheduledTime, no scheduler, or a fire time that is not in
// the future. An existing reminder is cancelled before the new one is armed.
// Scheduling failures are logged, not returned.
func (e *Engine) ScheduleReminder(ctx context.Context, id AssignmentID, minutesBefore int) (TaskHandle, error) {
	if minutesBefore < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidReminder, minutesBefore)
	}
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if e.scheduler == nil || a.ScheduledTime == "" {
		return "", nil
	}

	pickupAt, err := e.pickupTime(a)
	if err != nil {
		e.logger.Warn("unparseable scheduled time",
			zap.String("route_id", string(id)),
			zap.String("scheduled_time", a.ScheduledTime))
		return "", nil
	}
	fireAt := pickupAt.Add(-time.Duration(minutesBefore) * time.Minute)
	if !fireAt.After(e.clock.Now()) {
		e.logger.Debug("reminder time already passed",
			zap.String("route_id", string(id)),
			zap.Time("fire_at", fireAt))
		return "", nil
	}

	prev := a.ReminderID
	if prev != "" {
		e.cancelTask(ctx, id, prev)
	}

	handle, err := e.scheduler.Schedule(ctx, fireAt, ReminderPayload{
		AssignmentID:  a.ID,
		ChildID:       a.ChildID,
		DriverID:      a.DriverID,
		Date:          a.Date,
		Period:        a.Period,
		ScheduledTime: a.ScheduledTime,
		MinutesBefore: minutesBefore,
	})
	if err != nil {
		e.logger.Warn("schedule reminder failed", zap.String("route_id", string(id)), zap.Error(err))
		if prev != "" {
			e.clearReminder(ctx, id, prev)
		}
		return "", nil
	}

	displaced, err := e.attachReminder(ctx, id, handle)
	if err != nil {
		// The row is gone or unwritable; the task must not outlive it.
		e.logger.Warn("attach reminder failed", zap.String("route_id", string(id)), zap.Error(err))
		e.cancelTask(ctx, id, handle)
		return "", nil
	}
	// A concurrent call attached its own task after our read.
	if displaced != "" && displaced != prev {
		e.cancelTask(ctx, id, displaced)
	}

	e.logger.Info("reminder scheduled",
		zap.String("route_id", string(id)),
		zap.String("handle", string(handle)),
		zap.Time("fire_at", fireAt))
	return handle, nil
}

// CancelReminder cancels and clears any pending reminder.
func (e *Engine) CancelReminder(ctx context.Context, id AssignmentID) error {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !a.HasReminder() {
		return nil
	}
	e.dropReminder(ctx, id, a.ReminderID)
	return nil
}

// HandleReminder is invoked by the scheduler when a task fires. It is
// idempotent: the handle is detached if it is still the assignment's
// current reminder, and a pickup reminder is published only when the
// assignment still exists with status scheduled.
func (e *Engine) HandleReminder(ctx context.Context, handle TaskHandle, p ReminderPayload) error {
	var (
		a   Assignment
		due bool
	)
	err := e.store.WithTx(ctx, func(s Store) error {
		cur, err := s.Get(ctx, p.AssignmentID)
		if errors.Is(err, ErrAssignmentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.ReminderID != handle {
			return nil
		}
		a = cur
		due = cur.Status == StatusScheduled
		return s.PatchReminder(ctx, cur.ID, "", e.clock.Now())
	})
	if err != nil {
		return fmt.Errorf("handle reminder %s: %w", handle, err)
	}
	if !due {
		e.logger.Debug("stale reminder ignored",
			zap.String("route_id", string(p.AssignmentID)),
			zap.String("handle", string(handle)))
		return nil
	}

	pickupAt, _ := e.pickupTime(a)
	e.publish(ctx, DispatchEvent{
		RouteID:  a.ID,
		ChildID:  a.ChildID,
		DriverID: a.DriverID,
		Notify:   true,
		Payload: PickupReminder{
			Date:          a.Date,
			Period:        a.Period,
			ScheduledTime: a.ScheduledTime,
			MinutesBefore: p.MinutesBefore,
			PickupAt:      pickupAt,
		},
	})
	e.logger.Info("pickup reminder sent", zap.String("route_id", string(a.ID)))
	return nil
}

// dropReminder cancels the task and clears the field, both best effort.
func (e *Engine) dropReminder(ctx context.Context, id AssignmentID, handle TaskHandle) {
	e.cancelTask(ctx, id, handle)
	e.clearReminder(ctx, id, handle)
}

// attachReminder sets the assignment's reminder to handle and returns the
// handle it replaced.
func (e *Engine) attachReminder(ctx context.Context, id AssignmentID, handle TaskHandle) (TaskHandle, error) {
	var displaced TaskHandle
	err := e.store.WithTx(ctx, func(s Store) error {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		displaced = cur.ReminderID
		return s.PatchReminder(ctx, id, handle, e.clock.Now())
	})
	return displaced, err
}

// clearReminder detaches handle only if it is still the assignment's
// current reminder, so a newer reminder is never orphaned.
func (e *Engine) clearReminder(ctx context.Context, id AssignmentID, handle TaskHandle) {
	err := e.store.WithTx(ctx, func(s Store) error {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.ReminderID != handle {
			return nil
		}
		return s.PatchReminder(ctx, id, "", e.clock.Now())
	})
	if err != nil && !errors.Is(err, ErrAssignmentNotFound) {
		e.logger.Warn("clear reminder failed", zap.String("route_id", string(id)), zap.Error(err))
	}
}

func (e *Engine) cancelTask(ctx context.Context, id AssignmentID, handle TaskHandle) {
	if e.scheduler == nil || handle == "" {
		return
	}
	if err := e.scheduler.Cancel(ctx, handle); err != nil {
		e.logger.Warn("cancel reminder failed",
			zap.String("route_id", string(id)),
			zap.String("handle", string(handle)),
			zap.Error(err))
	}
}

func (e *Engine) pickupTime(a Assignment) (time.Time, error) {
	ct, err := ParseClockTime(a.ScheduledTime)
	if err != nil {
		return time.Time{}, err
	}
	return ct.At(a.Date, e.loc), nil
}

// ReconcileReminders clears reminder handles on assignments dated within
// [from, to] whose task is no longer known to the scheduler, as happens when
// a task is lost across a crash. pending reports whether a handle is still
// armed or running. Returns the number of assignments cleared.
func (e *Engine) ReconcileReminders(ctx context.Context, from, to Date, pending func(TaskHandle) bool) (int, error) {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0, ErrInvalidRange
	}
	routes, err := e.store.ListRange(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("load range: %w", err)
	}

	cleared := 0
	for _, a := range routes {
		if !a.HasReminder() || pending(a.ReminderID) {
			continue
		}
		stale := a.ReminderID
		var patched bool
		err := e.store.WithTx(ctx, func(s Store) error {
			cur, err := s.Get(ctx, a.ID)
			if errors.Is(err, ErrAssignmentNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if cur.ReminderID != stale || pending(stale) {
				return nil
			}
			patched = true
			return s.PatchReminder(ctx, a.ID, "", e.clock.Now())
		})
		if err != nil {
			return cleared, fmt.Errorf("clear reminder on %s: %w", a.ID, err)
		}
		if patched {
			cleared++
			e.logger.Info("orphaned reminder cleared",
				zap.String("route_id", string(a.ID)),
				zap.String("handle", string(stale)))
		}
	}
	return cleared, nil
}
