package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/dispatch-engine/dispatch"
)

// =============================================================================
// ROSTER (dispatch.Roster interface)
// =============================================================================

// SaveChild inserts or replaces a child.
func (s *Store) SaveChild(ctx context.Context, c dispatch.Child) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO children (id, name, school_id, active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			school_id = excluded.school_id,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.SchoolID, c.Active, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save child: %w", err)
	}
	return nil
}

// SaveDriver inserts or replaces a driver.
func (s *Store) SaveDriver(ctx context.Context, d dispatch.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO drivers (id, name, active, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, d.ID, d.Name, d.Active, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save driver: %w", err)
	}
	return nil
}

func (s *Store) Child(ctx context.Context, id dispatch.ChildID) (dispatch.Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c dispatch.Child
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, school_id, active FROM children WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.SchoolID, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Child{}, dispatch.ErrChildNotFound
	}
	return c, err
}

func (s *Store) Driver(ctx context.Context, id dispatch.DriverID) (dispatch.Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d dispatch.Driver
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, active FROM drivers WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Driver{}, dispatch.ErrDriverNotFound
	}
	return d, err
}

func (s *Store) ActiveChildren(ctx context.Context) ([]dispatch.Child, error) {
	return s.listChildren(ctx, `SELECT id, name, school_id, active FROM children WHERE active ORDER BY id`)
}

func (s *Store) ActiveDrivers(ctx context.Context) ([]dispatch.Driver, error) {
	return s.listDrivers(ctx, `SELECT id, name, active FROM drivers WHERE active ORDER BY id`)
}

// ListChildren returns every child, active or not.
func (s *Store) ListChildren(ctx context.Context) ([]dispatch.Child, error) {
	return s.listChildren(ctx, `SELECT id, name, school_id, active FROM children ORDER BY id`)
}

// ListDrivers returns every driver, active or not.
func (s *Store) ListDrivers(ctx context.Context) ([]dispatch.Driver, error) {
	return s.listDrivers(ctx, `SELECT id, name, active FROM drivers ORDER BY id`)
}

func (s *Store) listChildren(ctx context.Context, query string) ([]dispatch.Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	out := []dispatch.Child{}
	for rows.Next() {
		var c dispatch.Child
		if err := rows.Scan(&c.ID, &c.Name, &c.SchoolID, &c.Active); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) listDrivers(ctx context.Context, query string) ([]dispatch.Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query drivers: %w", err)
	}
	defer rows.Close()

	out := []dispatch.Driver{}
	for rows.Next() {
		var d dispatch.Driver
		if err := rows.Scan(&d.ID, &d.Name, &d.Active); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// SCHOOL CALENDAR (dispatch.Calendar interface)
// =============================================================================

// SaveNonSchoolDay records a closure. Saving the same (school, date) again
// updates the reason.
func (s *Store) SaveNonSchoolDay(ctx context.Context, d dispatch.NonSchoolDay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO non_school_days (id, school_id, date, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(school_id, date) DO UPDATE SET
			reason = excluded.reason
	`
	_, err := s.db.ExecContext(ctx, query, d.ID, d.SchoolID, d.Date.String(), d.Reason, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save non-school day: %w", err)
	}
	return nil
}

// DeleteNonSchoolDay removes a closure by ID.
func (s *Store) DeleteNonSchoolDay(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM non_school_days WHERE id = ?", id)
	return err
}

// ListNonSchoolDays returns closures in [from, to] for every school.
func (s *Store) ListNonSchoolDays(ctx context.Context, from, to dispatch.Date) ([]dispatch.NonSchoolDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, school_id, date, reason FROM non_school_days
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC, school_id ASC
	`, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query non-school days: %w", err)
	}
	defer rows.Close()

	out := []dispatch.NonSchoolDay{}
	for rows.Next() {
		var (
			d    dispatch.NonSchoolDay
			date string
		)
		if err := rows.Scan(&d.ID, &d.SchoolID, &date, &d.Reason); err != nil {
			return nil, err
		}
		if d.Date, err = dispatch.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) IsNonSchoolDay(ctx context.Context, schoolID dispatch.SchoolID, date dispatch.Date) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM non_school_days WHERE school_id = ? AND date = ?`,
		schoolID, date.String(),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check non-school day: %w", err)
	}
	return count > 0, nil
}
