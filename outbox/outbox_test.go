package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/dispatch-engine/dispatch"
	"github.com/warp/dispatch-engine/dispatch/store"
	"github.com/warp/dispatch-engine/outbox"
)

// failingSink rejects everything.
type failingSink struct{}

func (failingSink) Record(context.Context, dispatch.AuditEntry) error {
	return errors.New("audit down")
}

func (failingSink) Publish(context.Context, dispatch.DispatchEvent) error {
	return errors.New("broker down")
}

// blockingSink holds deliveries until released.
type blockingSink struct {
	release chan struct{}
	once    sync.Once
}

func (b *blockingSink) Publish(ctx context.Context, _ dispatch.DispatchEvent) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func (b *blockingSink) Release() { b.once.Do(func() { close(b.release) }) }

func TestQueue_DeliversToEverySinkInOrder(t *testing.T) {
	// GIVEN: A queue with a failing and a recording sink
	// WHEN: Audit entries and events are enqueued
	// THEN: The recording sink receives all of them in order

	rec := store.NewRecorder()
	q := outbox.New(outbox.Options{
		Audit:  []dispatch.AuditRecorder{failingSink{}, rec},
		Events: []dispatch.EventPublisher{failingSink{}, rec},
	})
	q.Start()

	ctx := context.Background()
	require.NoError(t, q.Record(ctx, dispatch.AuditEntry{ID: "a1"}))
	require.NoError(t, q.Publish(ctx, dispatch.DispatchEvent{ID: "e1"}))
	require.NoError(t, q.Publish(ctx, dispatch.DispatchEvent{ID: "e2"}))
	q.Stop()

	require.Len(t, rec.AuditEntries(), 1)
	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
}

func TestQueue_FullBufferRejects(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	q := outbox.New(outbox.Options{
		Events:     []dispatch.EventPublisher{sink},
		BufferSize: 1,
	})
	q.Start()
	t.Cleanup(func() {
		sink.Release()
		q.Stop()
	})

	ctx := context.Background()
	// The worker takes the first event and blocks; the second fills the buffer.
	require.NoError(t, q.Publish(ctx, dispatch.DispatchEvent{ID: "e1"}))
	require.Eventually(t, func() bool {
		return q.Publish(ctx, dispatch.DispatchEvent{ID: "e2"}) == nil
	}, time.Second, 5*time.Millisecond)

	err := q.Publish(ctx, dispatch.DispatchEvent{ID: "e3"})
	assert.ErrorIs(t, err, outbox.ErrQueueFull)
}

func TestQueue_ClosedAfterStop(t *testing.T) {
	q := outbox.New(outbox.Options{})
	q.Start()
	q.Stop()
	q.Stop()

	assert.ErrorIs(t, q.Record(context.Background(), dispatch.AuditEntry{}), outbox.ErrClosed)
}

func TestQueue_EngineMutationsUnaffectedBySinks(t *testing.T) {
	// GIVEN: An engine whose only sinks always fail, behind the queue
	// WHEN: Creating a route
	// THEN: The route commits

	q := outbox.New(outbox.Options{
		Audit:  []dispatch.AuditRecorder{failingSink{}},
		Events: []dispatch.EventPublisher{failingSink{}},
	})
	q.Start()
	defer q.Stop()

	mem := store.NewMemory()
	engine := dispatch.NewEngine(dispatch.Deps{Store: mem, Audit: q, Events: q}, dispatch.DefaultConfig())

	_, err := engine.CreateAssignment(context.Background(), dispatch.CreateRequest{
		Date: dispatch.MustParseDate("2025-03-10"), Period: dispatch.PeriodAM, ChildID: "c1", DriverID: "d1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Len())
}

func TestLogPublisher_OnlyNotifyEvents(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := outbox.LogPublisher{Logger: zap.New(core)}
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, dispatch.DispatchEvent{ID: "quiet", Payload: dispatch.ScheduleChanged{}}))
	require.NoError(t, p.Publish(ctx, dispatch.DispatchEvent{ID: "loud", Notify: true, DriverID: "d1", Payload: dispatch.RouteCancelled{}}))

	entries := logs.FilterMessage("push notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "loud", entries[0].ContextMap()["event_id"])
	assert.Equal(t, "route_cancelled", entries[0].ContextMap()["type"])
}
