package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHEDULE SNAPSHOT - Derived view of one (date, period)
// =============================================================================

// ScheduleSnapshot is never stored; it is rebuilt from the store and the
// active roster on every read.
type ScheduleSnapshot struct {
	Date               Date
	Period             Period
	Assignments        []Assignment
	UnassignedChildren []Child
	UnassignedDrivers  []Driver
	DriverLoad         map[DriverID]int
	Capacity           int
}

// Snapshot returns the slot's assignments and the roster complement.
// Without a Roster the unassigned sets are empty.
func (e *Engine) Snapshot(ctx context.Context, date Date, period Period) (ScheduleSnapshot, error) {
	if date.IsZero() {
		return ScheduleSnapshot{}, ErrInvalidDate
	}
	if !period.Valid() {
		return ScheduleSnapshot{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}

	routes, err := e.store.ListBySlot(ctx, date, period)
	if err != nil {
		return ScheduleSnapshot{}, fmt.Errorf("load slot: %w", err)
	}

	snap := ScheduleSnapshot{
		Date:               date,
		Period:             period,
		Assignments:        routes,
		UnassignedChildren: []Child{},
		UnassignedDrivers:  []Driver{},
		DriverLoad:         make(map[DriverID]int),
		Capacity:           e.validator.Capacity,
	}
	assignedChildren := make(map[ChildID]bool, len(routes))
	for _, a := range routes {
		assignedChildren[a.ChildID] = true
		snap.DriverLoad[a.DriverID]++
	}

	if e.roster == nil {
		return snap, nil
	}

	children, err := e.roster.ActiveChildren(ctx)
	if err != nil {
		return ScheduleSnapshot{}, fmt.Errorf("load children: %w", err)
	}
	for _, c := range children {
		if !assignedChildren[c.ID] {
			snap.UnassignedChildren = append(snap.UnassignedChildren, c)
		}
	}

	drivers, err := e.roster.ActiveDrivers(ctx)
	if err != nil {
		return ScheduleSnapshot{}, fmt.Errorf("load drivers: %w", err)
	}
	for _, d := range drivers {
		if snap.DriverLoad[d.ID] == 0 {
			snap.UnassignedDrivers = append(snap.UnassignedDrivers, d)
		}
	}
	return snap, nil
}

// =============================================================================
// CALENDAR SUMMARY - Per-day counts over a range
// =============================================================================

// MaxSummaryDays bounds a calendar summary request.
const MaxSummaryDays = 366

// DaySummary aggregates one service day.
type DaySummary struct {
	Date        Date
	RouteCount  int
	AMCount     int
	PMCount     int
	DriverCount int
	// Utilization is routes / (driver-periods * capacity), 0 when idle.
	Utilization decimal.Decimal
}

// CalendarSummary returns one entry per day in [from, to], including days
// without routes.
func (e *Engine) CalendarSummary(ctx context.Context, from, to Date) ([]DaySummary, error) {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, ErrInvalidRange
	}
	if DaysBetween(from, to) >= MaxSummaryDays {
		return nil, fmt.Errorf("%w: more than %d days", ErrInvalidRange, MaxSummaryDays)
	}

	rows, err := e.store.ListRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load range: %w", err)
	}

	type acc struct {
		am, pm    int
		drivers   map[DriverID]bool
		amDrivers map[DriverID]bool
		pmDrivers map[DriverID]bool
	}
	days := make(map[string]*acc)
	for _, a := range rows {
		k := a.Date.String()
		d, ok := days[k]
		if !ok {
			d = &acc{
				drivers:   make(map[DriverID]bool),
				amDrivers: make(map[DriverID]bool),
				pmDrivers: make(map[DriverID]bool),
			}
			days[k] = d
		}
		d.drivers[a.DriverID] = true
		if a.Period == PeriodAM {
			d.am++
			d.amDrivers[a.DriverID] = true
		} else {
			d.pm++
			d.pmDrivers[a.DriverID] = true
		}
	}

	capacity := decimal.NewFromInt(int64(e.validator.Capacity))
	var out []DaySummary
	for d := from; !d.After(to); d = d.AddDays(1) {
		s := DaySummary{Date: d, Utilization: decimal.Zero}
		if a, ok := days[d.String()]; ok {
			s.AMCount, s.PMCount = a.am, a.pm
			s.RouteCount = a.am + a.pm
			s.DriverCount = len(a.drivers)
			seats := decimal.NewFromInt(int64(len(a.amDrivers) + len(a.pmDrivers))).Mul(capacity)
			if seats.IsPositive() {
				s.Utilization = decimal.NewFromInt(int64(s.RouteCount)).DivRound(seats, 4)
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// SortAssignments orders by date, period, then creation time. Stores use it
// to return lists in a stable order.
func SortAssignments(as []Assignment) {
	sort.SliceStable(as, func(i, j int) bool {
		if !as[i].Date.Equal(as[j].Date) {
			return as[i].Date.Before(as[j].Date)
		}
		if as[i].Period != as[j].Period {
			return as[i].Period < as[j].Period
		}
		return as[i].CreatedAt.Before(as[j].CreatedAt)
	})
}
