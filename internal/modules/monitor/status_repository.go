package monitor

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// MonitorState is the daemon's per-position state.
type MonitorState string

const (
	StatePending  MonitorState = "pending"
	StateStarting MonitorState = "starting"
	StateRunning  MonitorState = "running"
	StateSleeping MonitorState = "sleeping"
	StateStopped  MonitorState = "stopped"
	StateError    MonitorState = "error"
)

// Status is the persisted per-position monitor row.
type Status struct {
	PositionID     string
	Symbol         string
	State          MonitorState
	LastPrice      float64
	HighWatermark  float64
	CurrentPnLPct  float64
	LastRSI        *float64
	LastMACDBull   *bool
	LastVWAPSide   string // above | below | unknown
	HoldSignals    []string
	ExitSignals    []string
	Recommendation Recommendation
	AdvisorCalls   int
	EstimatedCost  float64
	LastCheckin    time.Time
}

// StatusRepository upserts per-position monitor status rows.
type StatusRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStatusRepository creates a new monitor status repository
func NewStatusRepository(db *sql.DB, log zerolog.Logger) *StatusRepository {
	return &StatusRepository{
		db:  db,
		log: log.With().Str("repo", "monitor_status").Logger(),
	}
}

// Upsert writes the status row for a position, one row per position.
func (r *StatusRepository) Upsert(s Status) error {
	hold, _ := json.Marshal(s.HoldSignals)
	exit, _ := json.Marshal(s.ExitSignals)
	now := time.Now().Unix()

	var macdBull any
	if s.LastMACDBull != nil {
		if *s.LastMACDBull {
			macdBull = 1
		} else {
			macdBull = 0
		}
	}

	_, err := r.db.Exec(`
		INSERT INTO position_monitor_status
		(position_id, symbol, status, last_price, high_watermark, current_pnl_pct,
		 last_rsi, last_macd_bullish, last_vwap_position, hold_signals, exit_signals,
		 recommendation, advisor_calls, estimated_cost, last_checkin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(position_id) DO UPDATE SET
			status = excluded.status,
			last_price = excluded.last_price,
			high_watermark = excluded.high_watermark,
			current_pnl_pct = excluded.current_pnl_pct,
			last_rsi = excluded.last_rsi,
			last_macd_bullish = excluded.last_macd_bullish,
			last_vwap_position = excluded.last_vwap_position,
			hold_signals = excluded.hold_signals,
			exit_signals = excluded.exit_signals,
			recommendation = excluded.recommendation,
			advisor_calls = excluded.advisor_calls,
			estimated_cost = excluded.estimated_cost,
			last_checkin = excluded.last_checkin,
			updated_at = excluded.updated_at
	`, s.PositionID, s.Symbol, string(s.State), s.LastPrice, s.HighWatermark,
		s.CurrentPnLPct, s.LastRSI, macdBull, s.LastVWAPSide, string(hold), string(exit),
		string(s.Recommendation), s.AdvisorCalls, s.EstimatedCost,
		s.LastCheckin.Unix(), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert monitor status: %w", err)
	}
	return nil
}

// Get returns the status row for a position, nil when absent.
func (r *StatusRepository) Get(positionID string) (*Status, error) {
	row := r.db.QueryRow(`
		SELECT position_id, symbol, status, last_price, high_watermark, current_pnl_pct,
		       last_rsi, last_macd_bullish, last_vwap_position, hold_signals, exit_signals,
		       recommendation, advisor_calls, estimated_cost, last_checkin
		FROM position_monitor_status
		WHERE position_id = ?
	`, positionID)

	var s Status
	var state, vwapSide, hold, exit, rec string
	var rsi sql.NullFloat64
	var macdBull sql.NullInt64
	var lastCheckin int64

	err := row.Scan(&s.PositionID, &s.Symbol, &state, &s.LastPrice, &s.HighWatermark,
		&s.CurrentPnLPct, &rsi, &macdBull, &vwapSide, &hold, &exit, &rec,
		&s.AdvisorCalls, &s.EstimatedCost, &lastCheckin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor status: %w", err)
	}

	s.State = MonitorState(state)
	s.LastVWAPSide = vwapSide
	s.Recommendation = Recommendation(rec)
	if rsi.Valid {
		s.LastRSI = &rsi.Float64
	}
	if macdBull.Valid {
		b := macdBull.Int64 != 0
		s.LastMACDBull = &b
	}
	s.LastCheckin = time.Unix(lastCheckin, 0)
	_ = json.Unmarshal([]byte(hold), &s.HoldSignals)
	_ = json.Unmarshal([]byte(exit), &s.ExitSignals)
	return &s, nil
}

// MarkStopped flags a position's monitor row stopped (position closed).
func (r *StatusRepository) MarkStopped(positionID string) error {
	_, err := r.db.Exec(`
		UPDATE position_monitor_status SET status = ?, updated_at = ? WHERE position_id = ?
	`, string(StateStopped), time.Now().Unix(), positionID)
	if err != nil {
		return fmt.Errorf("failed to stop monitor status: %w", err)
	}
	return nil
}
