package universe

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/daytrader/internal/domain"
	"github.com/rs/zerolog"
)

// TimeRepository handles the time dimension.
type TimeRepository struct {
	db    *sql.DB
	clock domain.Clock
	log   zerolog.Logger
}

// NewTimeRepository creates a new time repository
func NewTimeRepository(db *sql.DB, clock domain.Clock, log zerolog.Logger) *TimeRepository {
	return &TimeRepository{
		db:    db,
		clock: clock,
		log:   log.With().Str("repo", "time").Logger(),
	}
}

// GetOrCreateTime returns the time dimension id for ts, inserting the row on
// first observation. Timestamps are truncated to the second; the unique ts
// index resolves concurrent inserts.
func (r *TimeRepository) GetOrCreateTime(ts time.Time) (int64, error) {
	ts = ts.Truncate(time.Second)
	unix := ts.Unix()

	if id, err := r.idByTimestamp(unix); err == nil {
		return id, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up time %d: %w", unix, err)
	}

	marketHours := 0
	if r.clock.InMarketHours(ts) {
		marketHours = 1
	}

	res, err := r.db.Exec(`
		INSERT INTO time_dimension (ts, date, time, hour, minute, dow, market_hours, market_phase)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts) DO NOTHING
	`,
		unix,
		ts.Format("2006-01-02"),
		ts.Format("15:04:05"),
		ts.Hour(),
		ts.Minute(),
		int(ts.Weekday()),
		marketHours,
		r.marketPhase(ts),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert time %d: %w", unix, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		if id, err := res.LastInsertId(); err == nil {
			return id, nil
		}
	}

	id, err := r.idByTimestamp(unix)
	if err != nil {
		return 0, fmt.Errorf("failed to read back time %d: %w", unix, err)
	}
	return id, nil
}

func (r *TimeRepository) idByTimestamp(unix int64) (int64, error) {
	var id int64
	err := r.db.QueryRow(`SELECT id FROM time_dimension WHERE ts = ?`, unix).Scan(&id)
	return id, err
}

func (r *TimeRepository) marketPhase(ts time.Time) string {
	if r.clock.InMarketHours(ts) {
		return "regular"
	}

	switch ts.Weekday() {
	case time.Saturday, time.Sunday:
		return "closed"
	}

	switch {
	case ts.Hour() < 9 && ts.Hour() >= 4:
		return "pre_market"
	case ts.Hour() >= 16 && ts.Hour() < 20:
		return "after_hours"
	}
	return "closed"
}
