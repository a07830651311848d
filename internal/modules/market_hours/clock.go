// Package market_hours provides market-time reasoning: session boundaries,
// lunch breaks, and the end-of-session window. Exchange specifics (HKEX
// lunch break, US continuous session) come from configuration, not code
// branches in the engines.
package market_hours

import (
	"fmt"
	"time"

	"github.com/aristath/daytrader/internal/config"
)

// minuteOfDay is minutes since midnight local time.
type minuteOfDay int

func parseHHMM(s string) (minuteOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid HH:MM value %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	return minuteOfDay(h*60 + m), nil
}

// Exchange holds one exchange's session parameters in its local timezone.
type Exchange struct {
	Name     string
	Location *time.Location
	Open     minuteOfDay
	Close    minuteOfDay
	// Lunch break; both zero when the exchange trades a continuous session.
	LunchStart minuteOfDay
	LunchEnd   minuteOfDay
	TickSize   float64
}

// NewExchange builds an Exchange from configuration.
func NewExchange(cfg config.ExchangeConfig) (*Exchange, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
	}

	open, err := parseHHMM(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("exchange open: %w", err)
	}
	closeMin, err := parseHHMM(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("exchange close: %w", err)
	}
	if closeMin <= open {
		return nil, fmt.Errorf("exchange close %s must be after open %s", cfg.Close, cfg.Open)
	}

	ex := &Exchange{
		Name:     cfg.Name,
		Location: loc,
		Open:     open,
		Close:    closeMin,
		TickSize: cfg.TickSize,
	}

	if cfg.LunchStart != "" && cfg.LunchEnd != "" {
		ls, err := parseHHMM(cfg.LunchStart)
		if err != nil {
			return nil, fmt.Errorf("exchange lunch_start: %w", err)
		}
		le, err := parseHHMM(cfg.LunchEnd)
		if err != nil {
			return nil, fmt.Errorf("exchange lunch_end: %w", err)
		}
		ex.LunchStart = ls
		ex.LunchEnd = le
	}

	return ex, nil
}

// Clock is the production market clock for one exchange.
type Clock struct {
	exchange *Exchange
}

// NewClock creates a market clock for the given exchange.
func NewClock(exchange *Exchange) *Clock {
	return &Clock{exchange: exchange}
}

// Now returns the current time in the exchange's timezone.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.exchange.Location)
}

// InMarketHours reports whether t falls inside the trading session:
// a weekday, between open and close, and outside the lunch break.
func (c *Clock) InMarketHours(t time.Time) bool {
	local := t.In(c.exchange.Location)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	mod := minuteOfDay(local.Hour()*60 + local.Minute())
	if mod < c.exchange.Open || mod >= c.exchange.Close {
		return false
	}

	if c.exchange.LunchStart != c.exchange.LunchEnd {
		if mod >= c.exchange.LunchStart && mod < c.exchange.LunchEnd {
			return false
		}
	}

	return true
}

// InFinalMinutes reports whether t is within the last n minutes of the
// session. Strictly the final window: it never fires before close-n.
func (c *Clock) InFinalMinutes(t time.Time, n int) bool {
	if !c.InMarketHours(t) {
		return false
	}

	local := t.In(c.exchange.Location)
	mod := minuteOfDay(local.Hour()*60 + local.Minute())
	return mod >= c.exchange.Close-minuteOfDay(n)
}
