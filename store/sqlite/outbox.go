package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/dispatch-engine/dispatch"
)

// =============================================================================
// AUDIT LOG (dispatch.AuditRecorder interface)
// =============================================================================

// Record appends an audit entry. Entries are never updated or deleted.
func (s *Store) Record(ctx context.Context, e dispatch.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor_id, action, resource_type, resource_id, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTime(e.At), e.ActorID, e.Action, e.ResourceType, e.ResourceID, string(details))
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// AuditTrail returns the entries for one resource, oldest first.
func (s *Store) AuditTrail(ctx context.Context, resourceType, resourceID string) ([]dispatch.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, actor_id, action, resource_type, resource_id, details_json
		FROM audit_log
		WHERE resource_type = ? AND resource_id = ?
		ORDER BY at ASC, rowid ASC
	`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	out := []dispatch.AuditEntry{}
	for rows.Next() {
		var (
			e           dispatch.AuditEntry
			at, details string
		)
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &details); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(timeLayout, at)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// EVENT OUTBOX (dispatch.EventPublisher interface)
// =============================================================================

// Publish appends the event to dispatch_events. The push gateway tails the
// table by seq.
func (s *Store) Publish(ctx context.Context, ev dispatch.DispatchEvent) error {
	if ev.Payload == nil {
		return fmt.Errorf("event %s has no payload", ev.ID)
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispatch_events (id, type, route_id, child_id, driver_id, notify, occurred_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Type(), ev.RouteID, ev.ChildID, ev.DriverID, ev.Notify, formatTime(ev.OccurredAt), string(payload))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// StoredEvent is a published event with its position in the outbox.
type StoredEvent struct {
	Seq int64
	dispatch.DispatchEvent
}

// EventsAfter returns up to limit events with seq > after, in order.
func (s *Store) EventsAfter(ctx context.Context, after int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, type, route_id, child_id, driver_id, notify, occurred_at, payload_json
		FROM dispatch_events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := []StoredEvent{}
	for rows.Next() {
		var (
			ev                   StoredEvent
			typ, at, payloadJSON string
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &typ, &ev.RouteID, &ev.ChildID, &ev.DriverID, &ev.Notify, &at, &payloadJSON); err != nil {
			return nil, err
		}
		ev.OccurredAt, _ = time.Parse(timeLayout, at)
		ev.Payload, err = dispatch.DecodePayload(dispatch.EventType(typ), []byte(payloadJSON))
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
