package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dispatch-engine/dispatch"
)

// =============================================================================
// STRICT PREVIOUS-DAY COPY
// =============================================================================

func TestCopyFromPreviousDay_CopiesEveryRoute(t *testing.T) {
	// GIVEN: Sunday has three routes, one completed and one with a time
	// WHEN: Copying onto an empty Monday
	// THEN: Three scheduled routes without times, one bulk event

	h := newHarness(t)
	ctx := context.Background()

	timed, err := h.engine.CreateAssignment(ctx, dispatch.CreateRequest{
		Date:          dispatch.MustParseDate("2025-03-09"),
		Period:        dispatch.PeriodAM,
		ChildID:       "c1",
		DriverID:      "d1",
		ScheduledTime: "8:30 AM",
	})
	require.NoError(t, err)
	h.create(t, "2025-03-09", dispatch.PeriodAM, "c2", "d1")
	done := h.create(t, "2025-03-09", dispatch.PeriodPM, "c1", "d2")
	_, err = h.engine.UpdateStatus(ctx, done, dispatch.StatusCompleted, "op")
	require.NoError(t, err)

	target := dispatch.MustParseDate("2025-03-10")
	result, err := h.engine.CopyFromPreviousDay(ctx, target, "op")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Copied)
	assert.Len(t, result.RouteIDs, 3)
	assert.Equal(t, "2025-03-09", result.FromDate.String())
	assert.Equal(t, "Copied 3 routes from 2025-03-09", result.Message)

	copied, err := h.store.ListByDate(ctx, target)
	require.NoError(t, err)
	require.Len(t, copied, 3)
	for _, a := range copied {
		assert.Equal(t, dispatch.StatusScheduled, a.Status)
		assert.Empty(t, a.ScheduledTime)
		assert.False(t, a.HasReminder())
		assert.NotEqual(t, timed, a.ID)
	}

	events := h.rec.EventsOfType(dispatch.EventScheduleChanged)
	require.Len(t, events, 1)
	assert.False(t, events[0].Notify)
	payload := events[0].Payload.(dispatch.ScheduleChanged)
	assert.Equal(t, "copy_previous_day", payload.Operation)
	assert.Equal(t, 3, payload.Copied)

	entries := h.rec.AuditEntries()
	last := entries[len(entries)-1]
	assert.Equal(t, dispatch.AuditScheduleCopied, last.Action)
	assert.Equal(t, target.String(), last.ResourceID)
	require.NotNil(t, last.Details.FromDate)
	assert.Equal(t, "2025-03-09", last.Details.FromDate.String())
}

func TestCopyFromPreviousDay_TargetAlreadyScheduled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "2025-03-09", dispatch.PeriodAM, "c1", "d1")
	h.create(t, "2025-03-10", dispatch.PeriodPM, "c2", "d2")

	_, err := h.engine.CopyFromPreviousDay(ctx, dispatch.MustParseDate("2025-03-10"), "op")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dispatch.ErrDateAlreadyScheduled))

	var se *dispatch.ScheduleError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 1, se.Count)

	routes, err := h.store.ListByDate(ctx, dispatch.MustParseDate("2025-03-10"))
	require.NoError(t, err)
	assert.Len(t, routes, 1)
}

func TestCopyFromPreviousDay_CapacityLowered_RollsBack(t *testing.T) {
	// GIVEN: Sunday built under capacity 3, d1 carrying three children
	// WHEN: An engine configured for capacity 2 copies it onto Monday
	// THEN: DriverCapacityExceeded and Monday stays empty

	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "2025-03-09", dispatch.PeriodAM, "c1", "d1")
	h.create(t, "2025-03-09", dispatch.PeriodAM, "c2", "d1")
	h.create(t, "2025-03-09", dispatch.PeriodAM, "c3", "d1")

	cfg := dispatch.DefaultConfig()
	cfg.CarpoolCapacity = 2
	smaller := dispatch.NewEngine(dispatch.Deps{
		Store:  h.store,
		Roster: h.roster,
		Audit:  h.rec,
		Events: h.rec,
		Clock:  h.clock,
	}, cfg)

	_, err := smaller.CopyFromPreviousDay(ctx, dispatch.MustParseDate("2025-03-10"), "op")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dispatch.ErrDriverCapacityExceeded))

	copied, err := h.store.ListByDate(ctx, dispatch.MustParseDate("2025-03-10"))
	require.NoError(t, err)
	assert.Empty(t, copied)
}

func TestCopyFromPreviousDay_NothingToCopy(t *testing.T) {
	h := newHarness(t)
	h.create(t, "2025-03-07", dispatch.PeriodAM, "c1", "d1")

	_, err := h.engine.CopyFromPreviousDay(context.Background(), dispatch.MustParseDate("2025-03-10"), "op")
	assert.True(t, errors.Is(err, dispatch.ErrNoPriorSchedule))
	assert.Empty(t, h.rec.EventsOfType(dispatch.EventScheduleChanged))
}

// =============================================================================
// TOLERANT COPY
// =============================================================================

func TestCopyFromDate_SkipsConflicts(t *testing.T) {
	// GIVEN: Friday has c1, c2 with d1; Monday already has c1 with d2
	// WHEN: Copying Friday onto Monday
	// THEN: Only c2 is copied

	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "2025-03-07", dispatch.PeriodAM, "c1", "d1")
	h.create(t, "2025-03-07", dispatch.PeriodAM, "c2", "d1")
	h.create(t, "2025-03-10", dispatch.PeriodAM, "c1", "d2")

	ids, err := h.engine.CopyFromDate(ctx, dispatch.MustParseDate("2025-03-07"), dispatch.MustParseDate("2025-03-10"), nil, "op")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	a, err := h.engine.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, dispatch.ChildID("c2"), a.ChildID)

	// Re-running is a no-op.
	ids, err = h.engine.CopyFromDate(ctx, dispatch.MustParseDate("2025-03-07"), dispatch.MustParseDate("2025-03-10"), nil, "op")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Len(t, h.rec.EventsOfType(dispatch.EventScheduleChanged), 1)
}

func TestCopyFromDate_RespectsCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "2025-03-07", dispatch.PeriodAM, "c1", "d1")
	h.create(t, "2025-03-10", dispatch.PeriodAM, "c2", "d1")
	h.create(t, "2025-03-10", dispatch.PeriodAM, "c3", "d1")
	h.create(t, "2025-03-10", dispatch.PeriodAM, "c4", "d1")

	ids, err := h.engine.CopyFromDate(ctx, dispatch.MustParseDate("2025-03-07"), dispatch.MustParseDate("2025-03-10"), nil, "op")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCopyFromDate_PeriodFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "2025-03-07", dispatch.PeriodAM, "c1", "d1")
	h.create(t, "2025-03-07", dispatch.PeriodPM, "c1", "d1")

	pm := dispatch.PeriodPM
	ids, err := h.engine.CopyFromDate(ctx, dispatch.MustParseDate("2025-03-07"), dispatch.MustParseDate("2025-03-10"), &pm, "op")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	a, err := h.engine.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, dispatch.PeriodPM, a.Period)

	bad := dispatch.Period("EVENING")
	_, err = h.engine.CopyFromDate(ctx, dispatch.MustParseDate("2025-03-07"), dispatch.MustParseDate("2025-03-10"), &bad, "op")
	assert.True(t, errors.Is(err, dispatch.ErrInvalidPeriod))
}

// =============================================================================
// LAST VALID SCHEDULE
// =============================================================================

func TestLastValidScheduleDate_SkipsWeekend(t *testing.T) {
	// GIVEN: Routes on Friday, nothing over the weekend
	// WHEN: Looking back from Monday
	// THEN: Friday, three days ago, labelled as a skipped weekend

	h := newHarness(t)
	h.create(t, "2025-03-07", dispatch.PeriodAM, "c1", "d1")
	h.create(t, "2025-03-07", dispatch.PeriodAM, "c2", "d2")
	h.create(t, "2025-03-07", dispatch.PeriodPM, "c1", "d1")
	h.create(t, "2025-03-06", dispatch.PeriodAM, "c1", "d3")

	last, err := h.engine.LastValidScheduleDate(context.Background(), dispatch.MustParseDate("2025-03-10"))
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "2025-03-07", last.Date.String())
	assert.Equal(t, 3, last.DaysAgo)
	assert.Equal(t, 3, last.RouteCount)
	assert.Equal(t, 2, last.DriverCount)
	assert.Equal(t, "skipped weekend", last.Label)
}

func TestLastValidScheduleDate_LookbackWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	target := dispatch.MustParseDate("2025-03-10")

	h.create(t, "2025-02-23", dispatch.PeriodAM, "c1", "d1")
	last, err := h.engine.LastValidScheduleDate(ctx, target)
	require.NoError(t, err)
	assert.Nil(t, last)

	h.create(t, "2025-02-24", dispatch.PeriodAM, "c1", "d1")
	last, err = h.engine.LastValidScheduleDate(ctx, target)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 14, last.DaysAgo)
}

func TestLastValidScheduleDate_IgnoresTargetAndFuture(t *testing.T) {
	h := newHarness(t)
	h.create(t, "2025-03-10", dispatch.PeriodAM, "c1", "d1")
	h.create(t, "2025-03-11", dispatch.PeriodAM, "c1", "d1")

	last, err := h.engine.LastValidScheduleDate(context.Background(), dispatch.MustParseDate("2025-03-10"))
	require.NoError(t, err)
	assert.Nil(t, last)
}

// =============================================================================
// SMART COPY
// =============================================================================

func TestCopyFromLastValidDay_ClosuresAndConflicts(t *testing.T) {
	// GIVEN: Friday routes for c1 (open school), c2 (school closed Monday),
	//        c3 (already placed on Monday) and an unknown child
	// WHEN: Smart-copying Friday onto Monday
	// THEN: c1 copied, two skipped, one already assigned

	h := newHarness(t)
	ctx := context.Background()
	h.roster.AddChild(dispatch.Child{ID: "c2", Name: "Child c2", SchoolID: "south", Active: true})
	h.roster.CloseSchool("south", dispatch.MustParseDate("2025-03-10"))

	h.create(t, "2025-03-07", dispatch.PeriodAM, "c1", "d1")
	h.create(t, "2025-03-07", dispatch.PeriodAM, "c2", "d1")
	h.create(t, "2025-03-07", dispatch.PeriodAM, "c3", "d2")
	h.create(t, "2025-03-07", dispatch.PeriodPM, "ghost", "d2")
	h.create(t, "2025-03-10", dispatch.PeriodAM, "c3", "d3")

	result, err := h.engine.CopyFromLastValidDay(ctx, dispatch.MustParseDate("2025-03-10"), dispatch.MustParseDate("2025-03-07"), "op")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Copied)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 1, result.AlreadyAssigned)
	require.Len(t, result.RouteIDs, 1)
	assert.Equal(t, "Copied 1 routes from 2025-03-07 (2 skipped (school closed), 1 already assigned)", result.Message)

	a, err := h.engine.Get(ctx, result.RouteIDs[0])
	require.NoError(t, err)
	assert.Equal(t, dispatch.ChildID("c1"), a.ChildID)

	events := h.rec.EventsOfType(dispatch.EventScheduleChanged)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Payload.(dispatch.ScheduleChanged).Skipped)
}

func TestCopyFromLastValidDay_EmptySource(t *testing.T) {
	h := newHarness(t)

	result, err := h.engine.CopyFromLastValidDay(context.Background(), dispatch.MustParseDate("2025-03-10"), dispatch.MustParseDate("2025-03-07"), "op")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Copied)
	assert.NotNil(t, result.RouteIDs)
	assert.Equal(t, "No routes found on 2025-03-07", result.Message)
	assert.Empty(t, h.rec.EventsOfType(dispatch.EventScheduleChanged))
}

type brokenCalendar struct{}

func (brokenCalendar) IsNonSchoolDay(context.Context, dispatch.SchoolID, dispatch.Date) (bool, error) {
	return false, errors.New("calendar unavailable")
}

func TestCopyFromLastValidDay_CalendarFailure_WritesNothing(t *testing.T) {
	h := newHarness(t)
	h.create(t, "2025-03-07", dispatch.PeriodAM, "c1", "d1")

	engine := dispatch.NewEngine(dispatch.Deps{
		Store:    h.store,
		Roster:   h.roster,
		Calendar: brokenCalendar{},
		Clock:    h.clock,
	}, dispatch.DefaultConfig())

	_, err := engine.CopyFromLastValidDay(context.Background(), dispatch.MustParseDate("2025-03-10"), dispatch.MustParseDate("2025-03-07"), "op")
	require.Error(t, err)
	assert.Equal(t, 1, h.store.Len())
}

// =============================================================================
// GAP LABEL
// =============================================================================

func TestGapLabel(t *testing.T) {
	cases := []struct {
		source, target string
		want           string
	}{
		{"2025-03-09", "2025-03-10", "yesterday"},
		{"2025-03-07", "2025-03-10", "skipped weekend"},
		{"2025-03-04", "2025-03-06", "2 days ago (skipped 1 weekday)"},
		{"2025-03-03", "2025-03-06", "3 days ago (skipped 2 weekdays)"},
		{"2025-03-06", "2025-03-11", "5 days ago (skipped weekend and 2 weekdays)"},
	}
	for _, tc := range cases {
		t.Run(tc.source+"->"+tc.target, func(t *testing.T) {
			got := dispatch.GapLabel(dispatch.MustParseDate(tc.source), dispatch.MustParseDate(tc.target))
			assert.Equal(t, tc.want, got)
		})
	}
}
