package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/dispatch-engine/dispatch"
)

// =============================================================================
// MEMORY ROSTER - Children, drivers and school closures
// =============================================================================

// Roster is an in-memory dispatch.Roster and dispatch.Calendar.
type Roster struct {
	mu       sync.RWMutex
	children map[dispatch.ChildID]dispatch.Child
	drivers  map[dispatch.DriverID]dispatch.Driver
	closures map[dispatch.SchoolID]map[string]bool
}

func NewRoster() *Roster {
	return &Roster{
		children: make(map[dispatch.ChildID]dispatch.Child),
		drivers:  make(map[dispatch.DriverID]dispatch.Driver),
		closures: make(map[dispatch.SchoolID]map[string]bool),
	}
}

var (
	_ dispatch.Roster   = (*Roster)(nil)
	_ dispatch.Calendar = (*Roster)(nil)
)

func (r *Roster) AddChild(c dispatch.Child) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[c.ID] = c
}

func (r *Roster) AddDriver(d dispatch.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.ID] = d
}

// CloseSchool records a non-school day.
func (r *Roster) CloseSchool(schoolID dispatch.SchoolID, date dispatch.Date) {
	r.mu.Lock()
	defer r.mu.Unlock()
	days, ok := r.closures[schoolID]
	if !ok {
		days = make(map[string]bool)
		r.closures[schoolID] = days
	}
	days[date.String()] = true
}

func (r *Roster) Child(_ context.Context, id dispatch.ChildID) (dispatch.Child, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.children[id]
	if !ok {
		return dispatch.Child{}, dispatch.ErrChildNotFound
	}
	return c, nil
}

func (r *Roster) Driver(_ context.Context, id dispatch.DriverID) (dispatch.Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	if !ok {
		return dispatch.Driver{}, dispatch.ErrDriverNotFound
	}
	return d, nil
}

func (r *Roster) ActiveChildren(_ context.Context) ([]dispatch.Child, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []dispatch.Child
	for _, c := range r.children {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Roster) ActiveDrivers(_ context.Context) ([]dispatch.Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []dispatch.Driver
	for _, d := range r.drivers {
		if d.Active {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Roster) IsNonSchoolDay(_ context.Context, schoolID dispatch.SchoolID, date dispatch.Date) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closures[schoolID][date.String()], nil
}

// =============================================================================
// RECORDER - Captures audit entries and events
// =============================================================================

// Recorder is an in-memory AuditRecorder and EventPublisher.
type Recorder struct {
	mu     sync.Mutex
	audit  []dispatch.AuditEntry
	events []dispatch.DispatchEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

var (
	_ dispatch.AuditRecorder  = (*Recorder)(nil)
	_ dispatch.EventPublisher = (*Recorder)(nil)
)

func (r *Recorder) Record(_ context.Context, e dispatch.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, e)
	return nil
}

func (r *Recorder) Publish(_ context.Context, e dispatch.DispatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) AuditEntries() []dispatch.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.AuditEntry(nil), r.audit...)
}

func (r *Recorder) Events() []dispatch.DispatchEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.DispatchEvent(nil), r.events...)
}

// EventsOfType filters captured events.
func (r *Recorder) EventsOfType(t dispatch.EventType) []dispatch.DispatchEvent {
	var out []dispatch.DispatchEvent
	for _, e := range r.Events() {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}
