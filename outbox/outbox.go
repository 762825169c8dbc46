/*
Package outbox decouples audit and event sinks from engine mutations.

PURPOSE:
  The engine calls AuditRecorder.Record and EventPublisher.Publish inline
  after every commit. Queue implements both interfaces by enqueueing the
  record and returning immediately; a worker goroutine delivers to the real
  sinks. A slow or failing sink therefore never delays or fails a mutation.

DELIVERY:
  - Best effort, at most once, in enqueue order
  - A full buffer rejects the record with ErrQueueFull (the engine logs it)
  - Each delivery gets its own timeout
  - Stop drains what is already queued, then returns

SEE ALSO:
  - dispatch/engine.go: record / publish helpers
  - store/sqlite/outbox.go: durable audit log and event table
*/
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dispatch-engine/dispatch"
)

var (
	ErrQueueFull = errors.New("outbox queue full")
	ErrClosed    = errors.New("outbox closed")
)

const (
	DefaultBufferSize      = 256
	DefaultDeliveryTimeout = 5 * time.Second
)

type Options struct {
	Audit           []dispatch.AuditRecorder
	Events          []dispatch.EventPublisher
	BufferSize      int
	DeliveryTimeout time.Duration
	Logger          *zap.Logger
}

type item struct {
	audit *dispatch.AuditEntry
	event *dispatch.DispatchEvent
}

// Queue is an asynchronous AuditRecorder and EventPublisher.
type Queue struct {
	audit   []dispatch.AuditRecorder
	events  []dispatch.EventPublisher
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	ch     chan item
	closed bool
	wg     sync.WaitGroup
}

var (
	_ dispatch.AuditRecorder  = (*Queue)(nil)
	_ dispatch.EventPublisher = (*Queue)(nil)
)

func New(opts Options) *Queue {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{
		audit:   opts.Audit,
		events:  opts.Events,
		timeout: opts.DeliveryTimeout,
		logger:  opts.Logger.Named("outbox"),
		ch:      make(chan item, opts.BufferSize),
	}
}

// Start launches the delivery worker.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop refuses new records, drains the buffer and waits for the worker.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) Record(_ context.Context, entry dispatch.AuditEntry) error {
	return q.enqueue(item{audit: &entry})
}

func (q *Queue) Publish(_ context.Context, ev dispatch.DispatchEvent) error {
	return q.enqueue(item{event: &ev})
}

func (q *Queue) enqueue(it item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- it:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for it := range q.ch {
		q.deliver(it)
	}
}

func (q *Queue) deliver(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if it.audit != nil {
		for _, sink := range q.audit {
			if err := sink.Record(ctx, *it.audit); err != nil {
				q.logger.Warn("audit delivery failed",
					zap.String("action", string(it.audit.Action)),
					zap.String("resource_id", it.audit.ResourceID),
					zap.Error(err))
			}
		}
	}
	if it.event != nil {
		for _, sink := range q.events {
			if err := sink.Publish(ctx, *it.event); err != nil {
				q.logger.Warn("event delivery failed",
					zap.String("type", string(it.event.Type())),
					zap.String("route_id", string(it.event.RouteID)),
					zap.Error(err))
			}
		}
	}
}

// =============================================================================
// LOG PUBLISHER - Stand-in for the push gateway
// =============================================================================

// LogPublisher writes events flagged for push delivery to the log. The
// push transport itself lives outside this service.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev dispatch.DispatchEvent) error {
	if !ev.Notify || p.Logger == nil {
		return nil
	}
	p.Logger.Info("push notification",
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type())),
		zap.String("route_id", string(ev.RouteID)),
		zap.String("driver_id", string(ev.DriverID)),
		zap.String("child_id", string(ev.ChildID)))
	return nil
}
