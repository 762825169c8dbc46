package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dispatch-engine/dispatch"
)

func (h *harness) createTimed(t *testing.T, child, driver, at string, reminder *int) dispatch.AssignmentID {
	t.Helper()
	id, err := h.engine.CreateAssignment(context.Background(), dispatch.CreateRequest{
		Date:            dispatch.MustParseDate("2025-03-10"),
		Period:          dispatch.PeriodAM,
		ChildID:         dispatch.ChildID(child),
		DriverID:        dispatch.DriverID(driver),
		ScheduledTime:   at,
		ReminderMinutes: reminder,
	})
	require.NoError(t, err)
	return id
}

// =============================================================================
// SCHEDULING
// =============================================================================

func TestCreateAssignment_WithReminder_ArmsTask(t *testing.T) {
	// GIVEN: A route at 8:30 AM and a clock at 7:00 AM
	// WHEN: Created with a 15 minute reminder
	// THEN: A task fires at 8:15 and its handle is stored on the route

	h := newHarness(t)
	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))

	a, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, a.HasReminder())

	task, ok := h.sched.Task(a.ReminderID)
	require.True(t, ok)
	assert.True(t, task.FireAt.Equal(time.Date(2025, time.March, 10, 8, 15, 0, 0, time.UTC)))
	assert.Equal(t, id, task.Payload.AssignmentID)
	assert.Equal(t, 15, task.Payload.MinutesBefore)
	assert.Equal(t, "8:30 AM", task.Payload.ScheduledTime)
}

func TestScheduleReminder_ReplacesExisting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))
	before, err := h.engine.Get(ctx, id)
	require.NoError(t, err)

	handle, err := h.engine.ScheduleReminder(ctx, id, 30)
	require.NoError(t, err)
	require.NotEmpty(t, handle)
	assert.NotEqual(t, before.ReminderID, handle)
	assert.Contains(t, h.sched.Cancelled(), before.ReminderID)

	after, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, handle, after.ReminderID)
}

func TestScheduleReminder_NothingToSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	untimed := h.create(t, "2025-03-10", dispatch.PeriodAM, "c1", "d1")
	handle, err := h.engine.ScheduleReminder(ctx, untimed, 15)
	require.NoError(t, err)
	assert.Empty(t, handle)

	// 8:30 minus two hours is already in the past.
	timed := h.createTimed(t, "c2", "d1", "8:30 AM", nil)
	handle, err = h.engine.ScheduleReminder(ctx, timed, 120)
	require.NoError(t, err)
	assert.Empty(t, handle)

	a, err := h.engine.Get(ctx, timed)
	require.NoError(t, err)
	assert.False(t, a.HasReminder())
}

func TestScheduleReminder_PastTimeKeepsExisting(t *testing.T) {
	// GIVEN: A route with a live 15 minute reminder
	// WHEN: Asking for a lead time that is already in the past
	// THEN: Nothing is scheduled and the existing reminder stays armed

	h := newHarness(t)
	ctx := context.Background()
	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))
	before, err := h.engine.Get(ctx, id)
	require.NoError(t, err)

	handle, err := h.engine.ScheduleReminder(ctx, id, 120)
	require.NoError(t, err)
	assert.Empty(t, handle)

	after, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.ReminderID, after.ReminderID)
	_, live := h.sched.Task(before.ReminderID)
	assert.True(t, live)
	assert.Empty(t, h.sched.Cancelled())
}

func TestScheduleReminder_ConcurrentCalls_OneLiveTask(t *testing.T) {
	// GIVEN: A timed route and a slow scheduler
	// WHEN: Two reminder requests race
	// THEN: Exactly one task stays armed and it is the one on the route

	h := newHarness(t)
	ctx := context.Background()
	id := h.createTimed(t, "c1", "d1", "8:30 AM", nil)
	h.sched.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.engine.ScheduleReminder(ctx, id, 15)
		}()
	}
	wg.Wait()

	a, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	live := h.sched.Live(id)
	require.Len(t, live, 1)
	assert.Equal(t, live[0], a.ReminderID)
}

func TestCancelReminder_KeepsNewerHandle(t *testing.T) {
	// GIVEN: A route whose reminder is replaced while it is being cancelled
	// WHEN: CancelReminder finishes
	// THEN: The newer handle is left on the route

	h := newHarness(t)
	ctx := context.Background()
	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))

	h.sched.onCancel = func(dispatch.TaskHandle) {
		require.NoError(t, h.store.PatchReminder(ctx, id, "task-newer", testNow))
	}
	require.NoError(t, h.engine.CancelReminder(ctx, id))

	a, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.TaskHandle("task-newer"), a.ReminderID)
}

func TestScheduleReminder_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ScheduleReminder(ctx, "missing", 15)
	assert.True(t, errors.Is(err, dispatch.ErrAssignmentNotFound))

	id := h.createTimed(t, "c1", "d1", "8:30 AM", nil)
	_, err = h.engine.ScheduleReminder(ctx, id, -1)
	assert.True(t, errors.Is(err, dispatch.ErrInvalidReminder))
}

func TestScheduleReminder_SchedulerFailure_Swallowed(t *testing.T) {
	h := newHarness(t)
	h.sched.fail = errors.New("queue full")

	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))

	a, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, a.HasReminder())
}

func TestScheduleReminder_UsesConfiguredLocation(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	cfg.Location = time.FixedZone("EST", -5*3600)
	h := newHarnessWithConfig(t, cfg)

	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))
	a, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)

	task, ok := h.sched.Task(a.ReminderID)
	require.True(t, ok)
	assert.True(t, task.FireAt.Equal(time.Date(2025, time.March, 10, 13, 15, 0, 0, time.UTC)))
}

// =============================================================================
// FIRING
// =============================================================================

func TestHandleReminder_PublishesOnceAndClears(t *testing.T) {
	// GIVEN: A scheduled route with a pending reminder
	// WHEN: The task fires, then fires again
	// THEN: One pickup reminder, handle cleared

	h := newHarness(t)
	ctx := context.Background()
	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))
	a, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	task, _ := h.sched.Task(a.ReminderID)

	require.NoError(t, h.engine.HandleReminder(ctx, a.ReminderID, task.Payload))
	require.NoError(t, h.engine.HandleReminder(ctx, a.ReminderID, task.Payload))

	events := h.rec.EventsOfType(dispatch.EventPickupReminder)
	require.Len(t, events, 1)
	assert.True(t, events[0].Notify)
	assert.Equal(t, dispatch.DriverID("d1"), events[0].DriverID)
	payload := events[0].Payload.(dispatch.PickupReminder)
	assert.Equal(t, 15, payload.MinutesBefore)
	assert.True(t, payload.PickupAt.Equal(time.Date(2025, time.March, 10, 8, 30, 0, 0, time.UTC)))

	after, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, after.HasReminder())
}

func TestHandleReminder_NotScheduled_NoEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))
	_, err := h.engine.UpdateStatus(ctx, id, dispatch.StatusInProgress, "op")
	require.NoError(t, err)

	a, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, a.HasReminder())
	task, _ := h.sched.Task(a.ReminderID)

	require.NoError(t, h.engine.HandleReminder(ctx, a.ReminderID, task.Payload))

	assert.Empty(t, h.rec.EventsOfType(dispatch.EventPickupReminder))
	after, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, after.HasReminder())
}

func TestHandleReminder_StaleHandleOrMissingRoute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))
	a, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	task, _ := h.sched.Task(a.ReminderID)

	require.NoError(t, h.engine.HandleReminder(ctx, "task-old", task.Payload))
	still, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, a.ReminderID, still.ReminderID)

	_, err = h.engine.RemoveAssignment(ctx, id, "op")
	require.NoError(t, err)
	require.NoError(t, h.engine.HandleReminder(ctx, a.ReminderID, task.Payload))

	assert.Empty(t, h.rec.EventsOfType(dispatch.EventPickupReminder))
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestTerminalStatus_DropsReminder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))
	a, err := h.engine.Get(ctx, id)
	require.NoError(t, err)

	_, err = h.engine.UpdateStatus(ctx, id, dispatch.StatusEmergencyStop, "op")
	require.NoError(t, err)

	after, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, after.HasReminder())
	assert.Contains(t, h.sched.Cancelled(), a.ReminderID)
}

func TestRemoveAssignment_CancelsReminder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))
	a, err := h.engine.Get(ctx, id)
	require.NoError(t, err)

	_, err = h.engine.RemoveAssignment(ctx, id, "op")
	require.NoError(t, err)

	_, pending := h.sched.Task(a.ReminderID)
	assert.False(t, pending)
}

func TestCancelReminder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))

	require.NoError(t, h.engine.CancelReminder(ctx, id))
	a, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, a.HasReminder())

	// Nothing pending is fine.
	require.NoError(t, h.engine.CancelReminder(ctx, id))
	assert.Len(t, h.sched.Cancelled(), 1)

	assert.True(t, errors.Is(h.engine.CancelReminder(ctx, "missing"), dispatch.ErrAssignmentNotFound))
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcileReminders_ClearsLostTasks(t *testing.T) {
	// GIVEN: Two routes with reminders, one of which the scheduler lost
	// WHEN: Reconciling the day
	// THEN: Only the lost handle is cleared

	h := newHarness(t)
	ctx := context.Background()
	lost := h.createTimed(t, "c1", "d1", "8:30 AM", intPtr(15))
	kept := h.createTimed(t, "c2", "d1", "8:45 AM", intPtr(15))

	lostRoute, err := h.engine.Get(ctx, lost)
	require.NoError(t, err)
	pending := func(handle dispatch.TaskHandle) bool { return handle != lostRoute.ReminderID }

	day := dispatch.MustParseDate("2025-03-10")
	cleared, err := h.engine.ReconcileReminders(ctx, day, day, pending)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	a, err := h.engine.Get(ctx, lost)
	require.NoError(t, err)
	assert.False(t, a.HasReminder())
	b, err := h.engine.Get(ctx, kept)
	require.NoError(t, err)
	assert.True(t, b.HasReminder())

	cleared, err = h.engine.ReconcileReminders(ctx, day, day, pending)
	require.NoError(t, err)
	assert.Equal(t, 0, cleared)
}

func TestReconcileReminders_InvalidRange(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ReconcileReminders(context.Background(),
		dispatch.MustParseDate("2025-03-11"), dispatch.MustParseDate("2025-03-10"),
		func(dispatch.TaskHandle) bool { return true })
	assert.True(t, errors.Is(err, dispatch.ErrInvalidRange))
}
