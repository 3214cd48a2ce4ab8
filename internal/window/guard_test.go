package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/mealsched/internal/domain/meal"
)

// 2026-06-01 is a Monday.
var monday = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func at(day time.Time, hhmm string, loc *time.Location) time.Time {
	return meal.MustTime(hhmm).On(day, loc)
}

func lunchConfig(loc *time.Location) meal.WindowConfig {
	cfg := meal.NewWindowConfig("t1", loc)
	cfg.Set(time.Monday, meal.Lunch, meal.MealWindows{
		Enabled: true,
		Booking: meal.Window{Start: meal.Ptr(meal.MustTime("11:00")), End: meal.Ptr(meal.MustTime("11:30"))},
		Serving: meal.Window{Start: meal.Ptr(meal.MustTime("12:30")), End: meal.Ptr(meal.MustTime("13:30"))},
	})
	cfg.Set(time.Monday, meal.Dinner, meal.MealWindows{Enabled: false})
	cfg.Set(time.Tuesday, meal.Lunch, meal.MealWindows{Enabled: true})
	return cfg
}

func TestIsOpenBounds(t *testing.T) {
	cfg := lunchConfig(time.UTC)

	tests := []struct {
		name   string
		kind   Kind
		now    string
		open   bool
		reason string
	}{
		{name: "before booking", kind: Booking, now: "10:59", reason: "booking opens at 11:00"},
		{name: "booking start inclusive", kind: Booking, now: "11:00", open: true},
		{name: "booking end inclusive", kind: Booking, now: "11:30", open: true},
		{name: "one minute after booking end", kind: Booking, now: "11:31", reason: "booking closed at 11:30"},
		{name: "serving start", kind: Serving, now: "12:30", open: true},
		{name: "serving during booking", kind: Serving, now: "11:10", reason: "serving opens at 12:30"},
		{name: "serving end inclusive", kind: Serving, now: "13:30", open: true},
		{name: "after serving", kind: Serving, now: "13:31", reason: "serving closed at 13:30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := IsOpen(cfg, tt.kind, time.Monday, meal.Lunch, at(monday, tt.now, time.UTC))
			assert.Equal(t, tt.open, d.Open)
			if tt.open {
				assert.NoError(t, d.Err)
				return
			}
			assert.Equal(t, tt.reason, d.Reason)
			var we *meal.WindowClosedError
			require.ErrorAs(t, d.Err, &we)
			assert.Equal(t, tt.kind == Booking && tt.now < "11:00" || tt.kind == Serving && tt.now < "12:30", we.NotYetOpen)
		})
	}
}

func TestIsOpenSecondsWithinBoundaryMinute(t *testing.T) {
	cfg := lunchConfig(time.UTC)
	now := at(monday, "11:30", time.UTC).Add(59 * time.Second)
	assert.True(t, IsOpen(cfg, Booking, time.Monday, meal.Lunch, now).Open)
}

func TestIsOpenDisabledAndMissing(t *testing.T) {
	cfg := lunchConfig(time.UTC)

	d := IsOpen(cfg, Booking, time.Monday, meal.Dinner, at(monday, "11:10", time.UTC))
	assert.False(t, d.Open)
	assert.Equal(t, "dinner not available on Monday", d.Reason)

	d = IsOpen(cfg, Booking, time.Wednesday, meal.Lunch, at(monday, "11:10", time.UTC))
	assert.False(t, d.Open)
	assert.Equal(t, "lunch not available on Wednesday", d.Reason)

	d = IsOpen(cfg, Booking, time.Tuesday, meal.Lunch, at(monday, "11:10", time.UTC))
	assert.False(t, d.Open)
	var ce *meal.ConfigurationError
	assert.ErrorAs(t, d.Err, &ce)

	d = IsOpen(meal.WindowConfig{}, Booking, time.Monday, meal.Lunch, monday)
	assert.False(t, d.Open, "an empty config is never open")
}

func TestIsOpenUsesTenantLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	cfg := lunchConfig(loc)

	// 06:10 UTC is 11:10 in the tenant's zone.
	now := time.Date(2026, 6, 1, 6, 10, 0, 0, time.UTC)
	assert.True(t, IsOpen(cfg, Booking, time.Monday, meal.Lunch, now).Open)
	assert.False(t, IsOpen(cfg, Booking, time.Monday, meal.Lunch, now.Add(5*time.Hour)).Open)
}

func TestCheckRequiresSameDay(t *testing.T) {
	cfg := lunchConfig(time.UTC)
	now := at(monday, "11:10", time.UTC)

	require.NoError(t, Check(cfg, Booking, meal.Lunch, monday, now))

	nextMonday := monday.AddDate(0, 0, 7)
	err := Check(cfg, Booking, meal.Lunch, nextMonday, now)
	var we *meal.WindowClosedError
	require.ErrorAs(t, err, &we)
	assert.True(t, we.NotYetOpen)
	assert.Equal(t, "booking opens at 11:00 on 2026-06-08", err.Error())

	lastMonday := monday.AddDate(0, 0, -7)
	err = Check(cfg, Booking, meal.Lunch, lastMonday, now)
	require.ErrorAs(t, err, &we)
	assert.False(t, we.NotYetOpen)
	assert.Equal(t, meal.MustTime("11:30"), *we.Boundary)

	err = Check(cfg, Booking, meal.Lunch, monday.AddDate(0, 0, 2), now)
	assert.EqualError(t, err, "lunch not available on Wednesday")
}

func TestToday(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	cfg := lunchConfig(loc)
	now := time.Date(2026, 6, 2, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, monday, Today(cfg, now))
}
