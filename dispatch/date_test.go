package dispatch_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dispatch-engine/dispatch"
)

func TestParseClockTime(t *testing.T) {
	cases := []struct {
		in         string
		hour, min  int
		normalized string
	}{
		{"8:30 AM", 8, 30, "8:30 AM"},
		{"8:30am", 8, 30, "8:30 AM"},
		{"08:05 PM", 20, 5, "8:05 PM"},
		{"12:00 PM", 12, 0, "12:00 PM"},
		{"12:15 AM", 0, 15, "12:15 AM"},
		{"15:45", 15, 45, "3:45 PM"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ct, err := dispatch.ParseClockTime(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.hour, ct.Hour)
			assert.Equal(t, tc.min, ct.Minute)
			assert.Equal(t, tc.normalized, ct.String())
		})
	}

	for _, bad := range []string{"", "noon", "25:00", "8:75 AM"} {
		_, err := dispatch.ParseClockTime(bad)
		assert.True(t, errors.Is(err, dispatch.ErrInvalidScheduledTime), "input %q", bad)
	}
}

func TestDate_ParseAndArithmetic(t *testing.T) {
	d, err := dispatch.ParseDate(" 2025-02-28 ")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01", d.AddDays(1).String())
	assert.True(t, d.AddDays(1).IsWeekend())
	assert.Equal(t, 3, dispatch.DaysBetween(d, d.AddDays(3)))

	_, err = dispatch.ParseDate("2025-13-01")
	assert.True(t, errors.Is(err, dispatch.ErrInvalidDate))

	local := time.Date(2025, time.March, 10, 23, 30, 0, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "2025-03-10", dispatch.DateOf(local).String())
}

func TestDate_JSONText(t *testing.T) {
	var v struct {
		Date dispatch.Date `json:"date"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"date":"2025-03-10"}`), &v))
	assert.Equal(t, dispatch.NewDate(2025, time.March, 10), v.Date)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2025-03-10"}`, string(out))
}

func TestParsePeriodAndStatus(t *testing.T) {
	p, err := dispatch.ParsePeriod(" pm ")
	require.NoError(t, err)
	assert.Equal(t, dispatch.PeriodPM, p)

	_, err = dispatch.ParsePeriod("midday")
	assert.True(t, errors.Is(err, dispatch.ErrInvalidPeriod))

	s, err := dispatch.ParseStatus("In_Progress")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusInProgress, s)
	assert.False(t, s.Terminal())
	assert.True(t, dispatch.StatusCancelled.Terminal())

	_, err = dispatch.ParseStatus("lost")
	assert.True(t, errors.Is(err, dispatch.ErrInvalidStatus))
}
