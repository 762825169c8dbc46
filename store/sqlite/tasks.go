package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/dispatch-engine/dispatch"
	"github.com/warp/dispatch-engine/scheduler"
)

// =============================================================================
// REMINDER TASKS (scheduler.TaskStore interface)
// =============================================================================

var _ scheduler.TaskStore = (*Store)(nil)

func (s *Store) SaveTask(ctx context.Context, t scheduler.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode task payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reminder_tasks (handle, fire_at, payload_json, created_at)
		VALUES (?, ?, ?, ?)
	`, t.Handle, formatTime(t.FireAt), string(payload), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, handle dispatch.TaskHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM reminder_tasks WHERE handle = ?", handle)
	return err
}

// PendingTasks returns every stored task, soonest first.
func (s *Store) PendingTasks(ctx context.Context) ([]scheduler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT handle, fire_at, payload_json, created_at
		FROM reminder_tasks
		ORDER BY fire_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	out := []scheduler.Task{}
	for rows.Next() {
		var (
			t                          scheduler.Task
			fireAt, payload, createdAt string
		)
		if err := rows.Scan(&t.Handle, &fireAt, &payload, &createdAt); err != nil {
			return nil, err
		}
		if t.FireAt, err = time.Parse(timeLayout, fireAt); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.Handle, err)
		}
		t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.Handle, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
