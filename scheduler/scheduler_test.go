package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dispatch-engine/dispatch"
	"github.com/warp/dispatch-engine/scheduler"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fired struct {
	Handle  dispatch.TaskHandle
	Payload dispatch.ReminderPayload
}

func recorder() (scheduler.FireFunc, <-chan fired) {
	ch := make(chan fired, 16)
	return func(_ context.Context, h dispatch.TaskHandle, p dispatch.ReminderPayload) error {
		ch <- fired{Handle: h, Payload: p}
		return nil
	}, ch
}

// memTasks is an in-memory TaskStore.
type memTasks struct {
	mu    sync.Mutex
	tasks map[dispatch.TaskHandle]scheduler.Task
}

func newMemTasks(tasks ...scheduler.Task) *memTasks {
	m := &memTasks{tasks: make(map[dispatch.TaskHandle]scheduler.Task)}
	for _, t := range tasks {
		m.tasks[t.Handle] = t
	}
	return m
}

func (m *memTasks) SaveTask(_ context.Context, t scheduler.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.Handle] = t
	return nil
}

func (m *memTasks) DeleteTask(_ context.Context, h dispatch.TaskHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, h)
	return nil
}

func (m *memTasks) PendingTasks(context.Context) ([]scheduler.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []scheduler.Task
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *memTasks) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func waitFired(t *testing.T, ch <-chan fired) fired {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
		return fired{}
	}
}

// =============================================================================
// SCHEDULE / FIRE / CANCEL
// =============================================================================

func TestScheduler_FiresAtTime(t *testing.T) {
	// GIVEN: A started scheduler with a persisted store
	// WHEN: A task is scheduled 30ms ahead
	// THEN: It fires with its payload and is removed from the store

	tasks := newMemTasks()
	s := scheduler.New(scheduler.Options{Store: tasks})
	fire, ch := recorder()
	require.NoError(t, s.Start(context.Background(), fire))
	t.Cleanup(s.Stop)

	handle, err := s.Schedule(context.Background(), time.Now().Add(30*time.Millisecond), dispatch.ReminderPayload{AssignmentID: "r1", MinutesBefore: 10})
	require.NoError(t, err)
	assert.True(t, s.Has(handle))
	assert.Equal(t, 1, tasks.Len())

	f := waitFired(t, ch)
	assert.Equal(t, handle, f.Handle)
	assert.Equal(t, dispatch.AssignmentID("r1"), f.Payload.AssignmentID)

	require.Eventually(t, func() bool { return !s.Has(handle) && tasks.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Pending())
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	tasks := newMemTasks()
	s := scheduler.New(scheduler.Options{Store: tasks})
	fire, ch := recorder()
	require.NoError(t, s.Start(context.Background(), fire))
	t.Cleanup(s.Stop)

	handle, err := s.Schedule(context.Background(), time.Now().Add(100*time.Millisecond), dispatch.ReminderPayload{AssignmentID: "r1"})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), handle))
	assert.False(t, s.Has(handle))
	assert.Equal(t, 0, tasks.Len())

	select {
	case f := <-ch:
		t.Fatalf("cancelled task fired: %s", f.Handle)
	case <-time.After(250 * time.Millisecond):
	}

	// Unknown handles are a no-op.
	require.NoError(t, s.Cancel(context.Background(), "nope"))
}

func TestScheduler_RejectsPastTimes(t *testing.T) {
	s := scheduler.New(scheduler.Options{})

	_, err := s.Schedule(context.Background(), time.Now().Add(-time.Second), dispatch.ReminderPayload{})
	assert.True(t, errors.Is(err, scheduler.ErrNotInFuture))
}

func TestScheduler_ArmsTasksScheduledBeforeStart(t *testing.T) {
	s := scheduler.New(scheduler.Options{})
	handle, err := s.Schedule(context.Background(), time.Now().Add(20*time.Millisecond), dispatch.ReminderPayload{AssignmentID: "r1"})
	require.NoError(t, err)

	fire, ch := recorder()
	require.NoError(t, s.Start(context.Background(), fire))
	t.Cleanup(s.Stop)

	assert.Equal(t, handle, waitFired(t, ch).Handle)
}

func TestScheduler_RestoresPersistedTasks(t *testing.T) {
	// GIVEN: A task persisted by a previous process, already overdue
	// WHEN: The scheduler starts
	// THEN: The task fires immediately and is deleted

	overdue := scheduler.Task{
		Handle:  "rem-old",
		FireAt:  time.Now().Add(-time.Minute),
		Payload: dispatch.ReminderPayload{AssignmentID: "r9"},
	}
	tasks := newMemTasks(overdue)
	s := scheduler.New(scheduler.Options{Store: tasks})
	fire, ch := recorder()
	require.NoError(t, s.Start(context.Background(), fire))
	t.Cleanup(s.Stop)

	f := waitFired(t, ch)
	assert.Equal(t, dispatch.TaskHandle("rem-old"), f.Handle)
	assert.Equal(t, dispatch.AssignmentID("r9"), f.Payload.AssignmentID)
	require.Eventually(t, func() bool { return tasks.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_HasWhileRunning(t *testing.T) {
	s := scheduler.New(scheduler.Options{})
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Start(context.Background(), func(context.Context, dispatch.TaskHandle, dispatch.ReminderPayload) error {
		close(started)
		<-release
		return nil
	}))
	t.Cleanup(s.Stop)

	handle, err := s.Schedule(context.Background(), time.Now().Add(10*time.Millisecond), dispatch.ReminderPayload{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not start")
	}
	assert.True(t, s.Has(handle))
	assert.Empty(t, s.Pending())

	close(release)
	require.Eventually(t, func() bool { return !s.Has(handle) }, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopKeepsPersistedTasks(t *testing.T) {
	tasks := newMemTasks()
	s := scheduler.New(scheduler.Options{Store: tasks})
	fire, _ := recorder()
	require.NoError(t, s.Start(context.Background(), fire))

	_, err := s.Schedule(context.Background(), time.Now().Add(time.Hour), dispatch.ReminderPayload{})
	require.NoError(t, err)

	s.Stop()
	s.Stop()
	assert.Equal(t, 1, tasks.Len())

	_, err = s.Schedule(context.Background(), time.Now().Add(time.Hour), dispatch.ReminderPayload{})
	assert.True(t, errors.Is(err, scheduler.ErrStopped))
	assert.Error(t, s.Start(context.Background(), fire))
}

func TestScheduler_StartValidation(t *testing.T) {
	s := scheduler.New(scheduler.Options{})
	assert.Error(t, s.Start(context.Background(), nil))

	fire, _ := recorder()
	require.NoError(t, s.Start(context.Background(), fire))
	t.Cleanup(s.Stop)
	assert.Error(t, s.Start(context.Background(), fire))
}
