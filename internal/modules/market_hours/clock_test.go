package market_hours

import (
	"testing"
	"time"

	"github.com/aristath/daytrader/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usExchange(t *testing.T) *Exchange {
	t.Helper()
	ex, err := NewExchange(config.ExchangeConfig{
		Name:     "US",
		Timezone: "America/New_York",
		Open:     "09:30",
		Close:    "16:00",
		TickSize: 0.01,
	})
	require.NoError(t, err)
	return ex
}

func hkexExchange(t *testing.T) *Exchange {
	t.Helper()
	ex, err := NewExchange(config.ExchangeConfig{
		Name:       "HKEX",
		Timezone:   "Asia/Hong_Kong",
		Open:       "09:30",
		Close:      "16:00",
		LunchStart: "12:00",
		LunchEnd:   "13:00",
		TickSize:   0.01,
	})
	require.NoError(t, err)
	return ex
}

// nyTime builds a time on Wednesday 2024-06-12 in New York.
func nyTime(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(2024, 6, 12, hour, min, 0, 0, loc)
}

func TestInMarketHours(t *testing.T) {
	clock := NewClock(usExchange(t))

	testCases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", nyTime(t, 9, 29), false},
		{"at open", nyTime(t, 9, 30), true},
		{"mid session", nyTime(t, 12, 0), true},
		{"last minute", nyTime(t, 15, 59), true},
		{"at close", nyTime(t, 16, 0), false},
		{"after close", nyTime(t, 18, 0), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, clock.InMarketHours(tc.at))
		})
	}

	t.Run("weekend", func(t *testing.T) {
		loc, _ := time.LoadLocation("America/New_York")
		saturday := time.Date(2024, 6, 15, 12, 0, 0, 0, loc)
		assert.False(t, clock.InMarketHours(saturday))
	})
}

func TestInMarketHours_LunchBreak(t *testing.T) {
	clock := NewClock(hkexExchange(t))
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	require.NoError(t, err)

	morning := time.Date(2024, 6, 12, 11, 30, 0, 0, loc)
	lunch := time.Date(2024, 6, 12, 12, 30, 0, 0, loc)
	afternoon := time.Date(2024, 6, 12, 13, 0, 0, 0, loc)

	assert.True(t, clock.InMarketHours(morning))
	assert.False(t, clock.InMarketHours(lunch))
	assert.True(t, clock.InMarketHours(afternoon))
}

func TestInFinalMinutes(t *testing.T) {
	clock := NewClock(usExchange(t))

	// Fires strictly in the final window, never before.
	assert.False(t, clock.InFinalMinutes(nyTime(t, 15, 44), 15))
	assert.True(t, clock.InFinalMinutes(nyTime(t, 15, 45), 15))
	assert.True(t, clock.InFinalMinutes(nyTime(t, 15, 59), 15))
	assert.False(t, clock.InFinalMinutes(nyTime(t, 16, 0), 15))
}

func TestNewExchange_Validation(t *testing.T) {
	_, err := NewExchange(config.ExchangeConfig{Timezone: "America/New_York", Open: "16:00", Close: "09:30"})
	assert.Error(t, err)

	_, err = NewExchange(config.ExchangeConfig{Timezone: "Nope/Nowhere", Open: "09:30", Close: "16:00"})
	assert.Error(t, err)

	_, err = NewExchange(config.ExchangeConfig{Timezone: "America/New_York", Open: "9:61", Close: "16:00"})
	assert.Error(t, err)
}

func TestFakeClock(t *testing.T) {
	ex := usExchange(t)
	start := nyTime(t, 10, 0)
	clock := NewFakeClock(start, ex)

	assert.Equal(t, start, clock.Now())
	assert.True(t, clock.InMarketHours(clock.Now()))

	clock.Advance(7 * time.Hour)
	assert.False(t, clock.InMarketHours(clock.Now()))
}
