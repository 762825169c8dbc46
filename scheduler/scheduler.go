/*
Package scheduler runs one-shot reminder tasks at absolute wall-clock times.

PURPOSE:
  Implements dispatch.TaskScheduler. Each task is armed with a timer and,
  when a TaskStore is configured, persisted so it survives a restart.

DESIGN:
  - Schedule rejects fire times that are not strictly in the future
  - Cancel is best effort: unknown or already-fired handles are a no-op
  - Tasks fire on their own goroutine; the FireFunc decides whether the
    reminder is still relevant (the engine checks assignment status)
  - Start reloads persisted tasks; overdue ones fire immediately

CANCELLATION RACE:
  A task whose timer has already fired may still run after Cancel returns.
  The FireFunc must tolerate this; dispatch.Engine.HandleReminder does by
  comparing the handle with the assignment's current reminder.

USAGE:
  s := scheduler.New(scheduler.Options{Store: sqliteStore, Logger: logger})
  engine := dispatch.NewEngine(dispatch.Deps{Scheduler: s, ...}, cfg)
  s.Start(ctx, engine.HandleReminder)
  defer s.Stop()

SEE ALSO:
  - dispatch/reminder.go: ScheduleReminder / HandleReminder
  - store/sqlite/tasks.go: TaskStore implementation
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/dispatch-engine/dispatch"
)

var (
	// ErrNotInFuture is returned by Schedule when fireAt <= now.
	ErrNotInFuture = errors.New("fire time is not in the future")

	// ErrStopped is returned by Schedule after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// FireFunc handles a due task.
type FireFunc func(ctx context.Context, handle dispatch.TaskHandle, payload dispatch.ReminderPayload) error

// Task is a pending reminder.
type Task struct {
	Handle    dispatch.TaskHandle
	FireAt    time.Time
	Payload   dispatch.ReminderPayload
	CreatedAt time.Time
}

// TaskStore persists pending tasks.
type TaskStore interface {
	SaveTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, handle dispatch.TaskHandle) error
	PendingTasks(ctx context.Context) ([]Task, error)
}

type Options struct {
	Store  TaskStore // optional; nil keeps tasks in memory only
	Clock  dispatch.Clock
	Logger *zap.Logger
}

// Scheduler is a timer-backed dispatch.TaskScheduler.
type Scheduler struct {
	store  TaskStore
	clock  dispatch.Clock
	logger *zap.Logger

	mu      sync.Mutex
	tasks   map[dispatch.TaskHandle]Task
	timers  map[dispatch.TaskHandle]*time.Timer
	running map[dispatch.TaskHandle]bool
	fire    FireFunc
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

var _ dispatch.TaskScheduler = (*Scheduler)(nil)

func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = dispatch.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		store:   opts.Store,
		clock:   opts.Clock,
		logger:  opts.Logger.Named("scheduler"),
		tasks:   make(map[dispatch.TaskHandle]Task),
		timers:  make(map[dispatch.TaskHandle]*time.Timer),
		running: make(map[dispatch.TaskHandle]bool),
	}
}

// Start arms every pending task, including persisted ones, and routes
// due tasks to fire. ctx bounds the FireFunc calls.
func (s *Scheduler) Start(ctx context.Context, fire FireFunc) error {
	if fire == nil {
		return errors.New("scheduler: nil fire func")
	}

	var persisted []Task
	if s.store != nil {
		var err error
		persisted, err = s.store.PendingTasks(ctx)
		if err != nil {
			return fmt.Errorf("load pending tasks: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler: already started")
	}
	if s.stopped {
		return ErrStopped
	}
	s.started = true
	s.fire = fire
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, t := range persisted {
		if _, ok := s.tasks[t.Handle]; !ok {
			s.tasks[t.Handle] = t
		}
	}
	for _, t := range s.tasks {
		s.armLocked(t)
	}

	s.logger.Info("started", zap.Int("pending", len(s.tasks)), zap.Int("restored", len(persisted)))
	return nil
}

// Stop disarms all timers and waits for running tasks. Pending tasks stay
// in the TaskStore and are restored by the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for h, t := range s.timers {
		t.Stop()
		delete(s.timers, h)
	}
	cancel := s.cancel
	s.mu.Unlock()

	s.wg.Wait()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("stopped")
}

// Schedule arms a task for fireAt.
func (s *Scheduler) Schedule(ctx context.Context, fireAt time.Time, payload dispatch.ReminderPayload) (dispatch.TaskHandle, error) {
	now := s.clock.Now()
	if !fireAt.After(now) {
		return "", ErrNotInFuture
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	t := Task{
		Handle:    dispatch.TaskHandle("rem-" + uuid.NewString()),
		FireAt:    fireAt,
		Payload:   payload,
		CreatedAt: now,
	}
	if s.store != nil {
		if err := s.store.SaveTask(ctx, t); err != nil {
			return "", fmt.Errorf("persist task: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		// Persisted already; the next Start restores it.
		return "", ErrStopped
	}
	s.tasks[t.Handle] = t
	if s.started {
		s.armLocked(t)
	}

	s.logger.Debug("task scheduled",
		zap.String("handle", string(t.Handle)),
		zap.String("route_id", string(payload.AssignmentID)),
		zap.Time("fire_at", fireAt))
	return t.Handle, nil
}

// Cancel disarms a task. Unknown handles are ignored.
func (s *Scheduler) Cancel(ctx context.Context, handle dispatch.TaskHandle) error {
	s.mu.Lock()
	if timer, ok := s.timers[handle]; ok {
		timer.Stop()
		delete(s.timers, handle)
	}
	_, known := s.tasks[handle]
	delete(s.tasks, handle)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteTask(ctx, handle); err != nil {
			return fmt.Errorf("delete task %s: %w", handle, err)
		}
	}
	if known {
		s.logger.Debug("task cancelled", zap.String("handle", string(handle)))
	}
	return nil
}

// Pending returns the tasks not yet fired or cancelled, soonest first.
func (s *Scheduler) Pending() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// Has reports whether handle is armed or its FireFunc is running.
func (s *Scheduler) Has(handle dispatch.TaskHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, armed := s.tasks[handle]
	return armed || s.running[handle]
}

func (s *Scheduler) armLocked(t Task) {
	if _, armed := s.timers[t.Handle]; armed {
		return
	}
	delay := t.FireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	handle := t.Handle
	s.timers[handle] = time.AfterFunc(delay, func() { s.run(handle) })
}

func (s *Scheduler) run(handle dispatch.TaskHandle) {
	s.mu.Lock()
	t, ok := s.tasks[handle]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, handle)
	delete(s.timers, handle)
	s.running[handle] = true
	fire, ctx := s.fire, s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, handle)
		s.mu.Unlock()
		s.wg.Done()
	}()

	if err := fire(ctx, handle, t.Payload); err != nil {
		s.logger.Warn("task failed",
			zap.String("handle", string(handle)),
			zap.String("route_id", string(t.Payload.AssignmentID)),
			zap.Error(err))
	}
	if s.store != nil {
		if err := s.store.DeleteTask(ctx, handle); err != nil {
			s.logger.Warn("delete fired task failed", zap.String("handle", string(handle)), zap.Error(err))
		}
	}
}
