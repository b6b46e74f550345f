package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTradingDay(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	cal := NewCalendar(loc)

	tests := []struct {
		name string
		date time.Time
		want bool
	}{
		{"regular friday", time.Date(2026, 8, 28, 10, 0, 0, 0, loc), true},
		{"saturday", time.Date(2026, 8, 29, 10, 0, 0, 0, loc), false},
		{"sunday", time.Date(2026, 8, 30, 10, 0, 0, 0, loc), false},
		{"thanksgiving", time.Date(2026, 11, 26, 10, 0, 0, 0, loc), false},
		{"christmas", time.Date(2026, 12, 25, 10, 0, 0, 0, loc), false},
		{"day after christmas holiday", time.Date(2026, 12, 28, 10, 0, 0, 0, loc), true},
		{"labor day", time.Date(2026, 9, 7, 10, 0, 0, 0, loc), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.IsTradingDay(tt.date))
		})
	}
}

func TestIsTradingDayConvertsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	cal := NewCalendar(loc)

	// Saturday 01:00 UTC is still Friday evening in New York
	utcSaturday := time.Date(2026, 8, 29, 1, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsTradingDay(utcSaturday))
}

func TestHolidayName(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	cal := NewCalendar(loc)

	name, ok := cal.HolidayName(time.Date(2026, 7, 3, 10, 0, 0, 0, loc))
	assert.True(t, ok)
	assert.Contains(t, name, "Independence Day")

	_, ok = cal.HolidayName(time.Date(2026, 8, 28, 10, 0, 0, 0, loc))
	assert.False(t, ok)
}
