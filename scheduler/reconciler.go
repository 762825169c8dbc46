/*
reconciler.go - Periodic reminder reconciliation

PURPOSE:
  Keeps "reminderId is set iff a task is pending" true across crashes. A
  task can disappear without the assignment hearing about it (process died
  between firing and clearing, task table edited). The reconciler
  periodically clears such orphaned handles.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Sweeps assignments dated from yesterday through Horizon days ahead,
    with "today" taken in the dispatch time zone (Location)
  - A handle counts as pending while armed or while its task is running

USAGE:
  r := scheduler.NewReconciler(engine, sched, logger)
  r.Start()
  // ... later
  r.Stop()

SEE ALSO:
  - dispatch/reminder.go: Engine.ReconcileReminders
*/
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dispatch-engine/dispatch"
)

// ReminderSweeper is implemented by dispatch.Engine.
type ReminderSweeper interface {
	ReconcileReminders(ctx context.Context, from, to dispatch.Date, pending func(dispatch.TaskHandle) bool) (int, error)
}

// Reconciler runs ReconcileReminders on a ticker.
type Reconciler struct {
	Sweeper       ReminderSweeper
	Scheduler     *Scheduler
	CheckInterval time.Duration
	Horizon       int // days ahead of today
	Clock         dispatch.Clock
	Location      *time.Location

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewReconciler(sweeper ReminderSweeper, s *Scheduler, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		Sweeper:       sweeper,
		Scheduler:     s,
		CheckInterval: 15 * time.Minute,
		Horizon:       14,
		Clock:         dispatch.SystemClock{},
		Location:      time.UTC,
		logger:        logger.Named("reconciler"),
	}
}

// Start begins periodic sweeps. The first sweep runs immediately.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker != nil {
		return
	}

	r.ticker = time.NewTicker(r.CheckInterval)
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run(r.ticker, r.stop)

	r.logger.Info("started", zap.Duration("interval", r.CheckInterval))
}

// Stop ends the sweep loop and waits for an in-flight sweep.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.wg.Wait()
	r.ticker = nil
	r.logger.Info("stopped")
}

func (r *Reconciler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer r.wg.Done()

	r.RunNow(context.Background())
	for {
		select {
		case <-ticker.C:
			r.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns the number of handles cleared.
func (r *Reconciler) RunNow(ctx context.Context) int {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	today := dispatch.DateOf(r.Clock.Now().In(loc))
	from, to := today.AddDays(-1), today.AddDays(r.Horizon)

	cleared, err := r.Sweeper.ReconcileReminders(ctx, from, to, r.Scheduler.Has)
	if err != nil {
		r.logger.Warn("reminder sweep failed", zap.Error(err))
	}
	if cleared > 0 {
		r.logger.Info("reminder sweep completed", zap.Int("cleared", cleared))
	}
	return cleared
}
