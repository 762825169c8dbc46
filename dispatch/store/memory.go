// Package store provides in-memory implementations of the dispatch
// collaborator interfaces.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/dispatch-engine/dispatch"
)

// =============================================================================
// MEMORY STORE - In-memory TxStore (for testing/dev)
// =============================================================================

type childKey struct {
	date   string
	period dispatch.Period
	child  dispatch.ChildID
}

type driverKey struct {
	date   string
	period dispatch.Period
	driver dispatch.DriverID
}

type idSet map[dispatch.AssignmentID]struct{}

// Memory keeps assignments in maps with one index per lookup the engine
// performs. A single mutex serializes WithTx against every other call.
type Memory struct {
	mu       sync.RWMutex
	byID     map[dispatch.AssignmentID]dispatch.Assignment
	byChild  map[childKey]dispatch.AssignmentID
	byDriver map[driverKey]idSet
	byDate   map[string]idSet
}

func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[dispatch.AssignmentID]dispatch.Assignment),
		byChild:  make(map[childKey]dispatch.AssignmentID),
		byDriver: make(map[driverKey]idSet),
		byDate:   make(map[string]idSet),
	}
}

var _ dispatch.TxStore = (*Memory)(nil)

func (m *Memory) Insert(_ context.Context, a dispatch.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(a)
}

func (m *Memory) Get(_ context.Context, id dispatch.AssignmentID) (dispatch.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) UpdateStatus(_ context.Context, id dispatch.AssignmentID, status dispatch.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.updateLocked(id, func(a *dispatch.Assignment) { a.Status = status; a.UpdatedAt = at })
	return err
}

func (m *Memory) PatchReminder(_ context.Context, id dispatch.AssignmentID, handle dispatch.TaskHandle, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.updateLocked(id, func(a *dispatch.Assignment) { a.ReminderID = handle; a.UpdatedAt = at })
	return err
}

func (m *Memory) Delete(_ context.Context, id dispatch.AssignmentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.deleteLocked(id)
	return err
}

func (m *Memory) ListByDate(_ context.Context, date dispatch.Date) ([]dispatch.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listByDateLocked(date, ""), nil
}

func (m *Memory) ListBySlot(_ context.Context, date dispatch.Date, period dispatch.Period) ([]dispatch.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listByDateLocked(date, period), nil
}

func (m *Memory) FindByChild(_ context.Context, date dispatch.Date, period dispatch.Period, childID dispatch.ChildID) (*dispatch.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByChildLocked(date, period, childID), nil
}

func (m *Memory) CountByDriver(_ context.Context, date dispatch.Date, period dispatch.Period, driverID dispatch.DriverID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byDriver[driverKey{date.String(), period, driverID}]), nil
}

func (m *Memory) ListRange(_ context.Context, from, to dispatch.Date) ([]dispatch.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRangeLocked(from, to), nil
}

// Len returns the number of stored assignments.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// =============================================================================
// LOCKED HELPERS
// =============================================================================

func (m *Memory) insertLocked(a dispatch.Assignment) error {
	if _, exists := m.byID[a.ID]; exists {
		return fmt.Errorf("assignment %s already exists", a.ID)
	}
	ck := childKey{a.Date.String(), a.Period, a.ChildID}
	if _, taken := m.byChild[ck]; taken {
		return dispatch.ErrDuplicateChildAssignment
	}

	m.byID[a.ID] = a
	m.byChild[ck] = a.ID
	add(m.byDriver, driverKey{a.Date.String(), a.Period, a.DriverID}, a.ID)
	add(m.byDate, a.Date.String(), a.ID)
	return nil
}

func (m *Memory) getLocked(id dispatch.AssignmentID) (dispatch.Assignment, error) {
	a, ok := m.byID[id]
	if !ok {
		return dispatch.Assignment{}, &dispatch.NotFoundError{ID: id}
	}
	return a, nil
}

// updateLocked applies fn and returns the previous value. Indexed fields
// (date, period, child, driver) are never changed by fn.
func (m *Memory) updateLocked(id dispatch.AssignmentID, fn func(*dispatch.Assignment)) (dispatch.Assignment, error) {
	a, ok := m.byID[id]
	if !ok {
		return dispatch.Assignment{}, &dispatch.NotFoundError{ID: id}
	}
	prev := a
	fn(&a)
	m.byID[id] = a
	return prev, nil
}

func (m *Memory) deleteLocked(id dispatch.AssignmentID) (dispatch.Assignment, error) {
	a, ok := m.byID[id]
	if !ok {
		return dispatch.Assignment{}, &dispatch.NotFoundError{ID: id}
	}
	delete(m.byID, id)
	delete(m.byChild, childKey{a.Date.String(), a.Period, a.ChildID})
	remove(m.byDriver, driverKey{a.Date.String(), a.Period, a.DriverID}, id)
	remove(m.byDate, a.Date.String(), id)
	return a, nil
}

func (m *Memory) listByDateLocked(date dispatch.Date, period dispatch.Period) []dispatch.Assignment {
	out := []dispatch.Assignment{}
	for id := range m.byDate[date.String()] {
		a := m.byID[id]
		if period == "" || a.Period == period {
			out = append(out, a)
		}
	}
	dispatch.SortAssignments(out)
	return out
}

func (m *Memory) findByChildLocked(date dispatch.Date, period dispatch.Period, childID dispatch.ChildID) *dispatch.Assignment {
	id, ok := m.byChild[childKey{date.String(), period, childID}]
	if !ok {
		return nil
	}
	a := m.byID[id]
	return &a
}

func (m *Memory) listRangeLocked(from, to dispatch.Date) []dispatch.Assignment {
	out := []dispatch.Assignment{}
	for d := from; !d.After(to); d = d.AddDays(1) {
		for id := range m.byDate[d.String()] {
			out = append(out, m.byID[id])
		}
	}
	dispatch.SortAssignments(out)
	return out
}

func add[K comparable](idx map[K]idSet, k K, id dispatch.AssignmentID) {
	set, ok := idx[k]
	if !ok {
		set = make(idSet)
		idx[k] = set
	}
	set[id] = struct{}{}
}

func remove[K comparable](idx map[K]idSet, k K, id dispatch.AssignmentID) {
	set := idx[k]
	delete(set, id)
	if len(set) == 0 {
		delete(idx, k)
	}
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn while holding the store lock. Writes are applied
// directly and undone in reverse order if fn returns an error.
func (m *Memory) WithTx(ctx context.Context, fn func(dispatch.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := &txView{parent: m}
	if err := fn(view); err != nil {
		view.rollback()
		return err
	}
	return nil
}

type txView struct {
	parent *Memory
	undo   []func()
}

func (tv *txView) rollback() {
	for i := len(tv.undo) - 1; i >= 0; i-- {
		tv.undo[i]()
	}
	tv.undo = nil
}

func (tv *txView) Insert(_ context.Context, a dispatch.Assignment) error {
	if err := tv.parent.insertLocked(a); err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() { tv.parent.deleteLocked(a.ID) })
	return nil
}

func (tv *txView) Get(_ context.Context, id dispatch.AssignmentID) (dispatch.Assignment, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) UpdateStatus(_ context.Context, id dispatch.AssignmentID, status dispatch.Status, at time.Time) error {
	prev, err := tv.parent.updateLocked(id, func(a *dispatch.Assignment) { a.Status = status; a.UpdatedAt = at })
	if err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() { tv.parent.byID[id] = prev })
	return nil
}

func (tv *txView) PatchReminder(_ context.Context, id dispatch.AssignmentID, handle dispatch.TaskHandle, at time.Time) error {
	prev, err := tv.parent.updateLocked(id, func(a *dispatch.Assignment) { a.ReminderID = handle; a.UpdatedAt = at })
	if err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() { tv.parent.byID[id] = prev })
	return nil
}

func (tv *txView) Delete(_ context.Context, id dispatch.AssignmentID) error {
	prev, err := tv.parent.deleteLocked(id)
	if err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() { tv.parent.insertLocked(prev) })
	return nil
}

func (tv *txView) ListByDate(_ context.Context, date dispatch.Date) ([]dispatch.Assignment, error) {
	return tv.parent.listByDateLocked(date, ""), nil
}

func (tv *txView) ListBySlot(_ context.Context, date dispatch.Date, period dispatch.Period) ([]dispatch.Assignment, error) {
	return tv.parent.listByDateLocked(date, period), nil
}

func (tv *txView) FindByChild(_ context.Context, date dispatch.Date, period dispatch.Period, childID dispatch.ChildID) (*dispatch.Assignment, error) {
	return tv.parent.findByChildLocked(date, period, childID), nil
}

func (tv *txView) CountByDriver(_ context.Context, date dispatch.Date, period dispatch.Period, driverID dispatch.DriverID) (int, error) {
	return len(tv.parent.byDriver[driverKey{date.String(), period, driverID}]), nil
}

func (tv *txView) ListRange(_ context.Context, from, to dispatch.Date) ([]dispatch.Assignment, error) {
	return tv.parent.listRangeLocked(from, to), nil
}
