// Package cycles manages trading cycles: the per-date pipeline run records
// and the orchestrator that advances them through the staged filters.
package cycles

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/daytrader/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// cyclesColumns is the column list for the trading_cycles table.
// Order must match scanCycle.
const cyclesColumns = `id, date, state, mode, config, started_at, stopped_at,
	trades_executed, trades_won, trades_lost, daily_pnl, created_at, updated_at`

// CycleRepository handles trading cycle rows.
type CycleRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCycleRepository creates a new cycle repository
func NewCycleRepository(db *sql.DB, log zerolog.Logger) *CycleRepository {
	return &CycleRepository{
		db:  db,
		log: log.With().Str("repo", "cycle").Logger(),
	}
}

// GetOrCreateForDate returns the cycle for date, creating it when absent.
// The unique date index guarantees at most one cycle per date; a concurrent
// creator loses the race and reads the winner's row back.
func (r *CycleRepository) GetOrCreateForDate(date string, mode domain.CycleMode, configBlob string) (*domain.TradingCycle, error) {
	if existing, err := r.GetByDate(date); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now().Unix()
	id := uuid.New().String()

	_, err := r.db.Exec(`
		INSERT INTO trading_cycles (id, date, state, mode, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO NOTHING
	`, id, date, string(domain.CycleCreated), string(mode), configBlob, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create cycle for %s: %w", date, err)
	}

	cycle, err := r.GetByDate(date)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fmt.Errorf("cycle for %s vanished after insert", date)
	}

	if cycle.ID == id {
		r.log.Info().Str("cycle_id", id).Str("date", date).Msg("Trading cycle created")
	}
	return cycle, nil
}

// GetByDate retrieves the cycle for a date, nil when absent.
func (r *CycleRepository) GetByDate(date string) (*domain.TradingCycle, error) {
	row := r.db.QueryRow(`SELECT `+cyclesColumns+` FROM trading_cycles WHERE date = ?`, date)

	cycle, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle by date: %w", err)
	}
	return &cycle, nil
}

// GetByID retrieves a cycle by id, nil when absent.
func (r *CycleRepository) GetByID(id string) (*domain.TradingCycle, error) {
	row := r.db.QueryRow(`SELECT `+cyclesColumns+` FROM trading_cycles WHERE id = ?`, id)

	cycle, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle by id: %w", err)
	}
	return &cycle, nil
}

// SetState moves a cycle to the given pipeline state.
func (r *CycleRepository) SetState(id string, state domain.CycleState) error {
	now := time.Now().Unix()

	var startedAt any
	if state == domain.CycleScanning {
		startedAt = now
	}

	res, err := r.db.Exec(`
		UPDATE trading_cycles
		SET state = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ?
	`, string(state), startedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to set cycle state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cycle %s not found", id)
	}

	r.log.Info().Str("cycle_id", id).Str("state", string(state)).Msg("Cycle state changed")
	return nil
}

// Stop atomically flips the cycle to stopped unless it is already terminal.
// Returns true only for the caller that performed the flip, which makes the
// emergency stop single-entry under concurrent invocations.
func (r *CycleRepository) Stop(id string) (bool, error) {
	now := time.Now().Unix()

	res, err := r.db.Exec(`
		UPDATE trading_cycles
		SET state = ?, stopped_at = ?, updated_at = ?
		WHERE id = ? AND state NOT IN (?, ?, ?)
	`, string(domain.CycleStopped), now, now, id,
		string(domain.CycleStopped), string(domain.CycleClosed), string(domain.CycleError))
	if err != nil {
		return false, fmt.Errorf("failed to stop cycle: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read stop result: %w", err)
	}
	return n > 0, nil
}

// RecordExecution bumps the executed-trade counter.
func (r *CycleRepository) RecordExecution(id string) error {
	_, err := r.db.Exec(`
		UPDATE trading_cycles
		SET trades_executed = trades_executed + 1, updated_at = ?
		WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// RecordTradeResult applies a closed trade's realized P&L to the aggregates.
func (r *CycleRepository) RecordTradeResult(id string, realizedPnL float64) error {
	won, lost := 0, 0
	if realizedPnL >= 0 {
		won = 1
	} else {
		lost = 1
	}

	_, err := r.db.Exec(`
		UPDATE trading_cycles
		SET trades_won = trades_won + ?, trades_lost = trades_lost + ?,
		    daily_pnl = daily_pnl + ?, updated_at = ?
		WHERE id = ?
	`, won, lost, realizedPnL, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record trade result: %w", err)
	}
	return nil
}

// Touch refreshes updated_at; the watchdog uses it for staleness detection.
func (r *CycleRepository) Touch(id string) error {
	_, err := r.db.Exec(`UPDATE trading_cycles SET updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch cycle: %w", err)
	}
	return nil
}

// GetStale returns non-terminal cycles with no update for at least maxAge.
func (r *CycleRepository) GetStale(maxAge time.Duration) ([]domain.TradingCycle, error) {
	cutoff := time.Now().Add(-maxAge).Unix()

	rows, err := r.db.Query(`
		SELECT `+cyclesColumns+`
		FROM trading_cycles
		WHERE updated_at < ? AND state NOT IN (?, ?, ?)
	`, cutoff, string(domain.CycleStopped), string(domain.CycleClosed), string(domain.CycleError))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale cycles: %w", err)
	}
	defer rows.Close()

	var cycles []domain.TradingCycle
	for rows.Next() {
		cycle, err := scanCycleRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale cycle: %w", err)
		}
		cycles = append(cycles, cycle)
	}
	return cycles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row *sql.Row) (domain.TradingCycle, error) {
	return scanCycleFrom(row)
}

func scanCycleRows(rows *sql.Rows) (domain.TradingCycle, error) {
	return scanCycleFrom(rows)
}

func scanCycleFrom(s rowScanner) (domain.TradingCycle, error) {
	var c domain.TradingCycle
	var state, mode string
	var config sql.NullString
	var startedAt, stoppedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(&c.ID, &c.Date, &state, &mode, &config, &startedAt, &stoppedAt,
		&c.TradesExecuted, &c.TradesWon, &c.TradesLost, &c.DailyPnL, &createdAt, &updatedAt)
	if err != nil {
		return domain.TradingCycle{}, err
	}

	c.State = domain.CycleState(state)
	c.Mode = domain.CycleMode(mode)
	c.Config = config.String
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		c.StartedAt = &t
	}
	if stoppedAt.Valid {
		t := time.Unix(stoppedAt.Int64, 0)
		c.StoppedAt = &t
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return c, nil
}
