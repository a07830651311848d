// Package positions persists trading positions. Updates to a single position
// are linearized through the status guards in the UPDATE statements: a write
// that no longer matches the expected status affects zero rows and is
// reported to the caller instead of clobbering newer state.
package positions

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/daytrader/internal/domain"
	"github.com/rs/zerolog"
)

// positionsColumns is the column list for the positions table.
// Order must match scanPosition.
const positionsColumns = `id, cycle_id, security_id, symbol, side, qty,
	entry_price, entry_time, exit_price, exit_time, current_price,
	stop_loss, take_profit, risk_amount,
	realized_pnl, realized_pnl_pct, unrealized_pnl, unrealized_pnl_pct,
	status, pattern, catalyst, high_watermark, entry_volume,
	created_at, updated_at, metadata`

// PositionRepository handles position rows.
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "position").Logger(),
	}
}

// CreateTx inserts a new position inside the caller's transaction.
// The position row must exist before any broker call so reconciliation can
// always find a local row.
func (r *PositionRepository) CreateTx(tx *sql.Tx, p *domain.Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}

	now := time.Now().Unix()
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO positions
		(id, cycle_id, security_id, symbol, side, qty, entry_price, current_price,
		 stop_loss, take_profit, risk_amount, status, pattern, catalyst,
		 high_watermark, entry_volume, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.CycleID, p.SecurityID, p.Symbol, string(p.Side), p.Qty,
		p.EntryPrice, p.CurrentPrice,
		p.StopLoss, p.TakeProfit, p.RiskAmount, string(p.Status),
		nullString(p.Pattern), nullString(p.Catalyst),
		p.HighWatermark, p.EntryVolume, now, now, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}

	return nil
}

// GetByID retrieves a position by id, nil when absent.
func (r *PositionRepository) GetByID(id string) (*domain.Position, error) {
	row := r.db.QueryRow(`SELECT `+positionsColumns+` FROM positions WHERE id = ?`, id)

	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position by id: %w", err)
	}
	return &p, nil
}

// GetOpenByCycle returns open positions for a cycle.
func (r *PositionRepository) GetOpenByCycle(cycleID string) ([]domain.Position, error) {
	return r.queryPositions(`
		SELECT `+positionsColumns+` FROM positions
		WHERE cycle_id = ? AND status = ?
		ORDER BY created_at
	`, cycleID, string(domain.PositionOpen))
}

// GetOpenAll returns all open positions across cycles.
func (r *PositionRepository) GetOpenAll() ([]domain.Position, error) {
	return r.queryPositions(`
		SELECT `+positionsColumns+` FROM positions
		WHERE status = ?
		ORDER BY created_at
	`, string(domain.PositionOpen))
}

// HasOpenInSecurity reports whether an open or pending position exists for a
// security within a cycle. Used by risk validation for deduplication.
func (r *PositionRepository) HasOpenInSecurity(cycleID string, securityID int64) (bool, error) {
	var one int
	err := r.db.QueryRow(`
		SELECT 1 FROM positions
		WHERE cycle_id = ? AND security_id = ? AND status IN (?, ?)
		LIMIT 1
	`, cycleID, securityID, string(domain.PositionPending), string(domain.PositionOpen)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check open position for security %d: %w", securityID, err)
	}
	return true, nil
}

// CountActive counts pending and open positions in a cycle.
func (r *PositionRepository) CountActive(cycleID string) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM positions
		WHERE cycle_id = ? AND status IN (?, ?)
	`, cycleID, string(domain.PositionPending), string(domain.PositionOpen)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active positions: %w", err)
	}
	return count, nil
}

// SumRiskAmount totals the reserved risk of pending and open positions.
func (r *PositionRepository) SumRiskAmount(cycleID string) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT SUM(risk_amount) FROM positions
		WHERE cycle_id = ? AND status IN (?, ?)
	`, cycleID, string(domain.PositionPending), string(domain.PositionOpen)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum risk amounts: %w", err)
	}
	return total.Float64, nil
}

// CyclePnL returns the cycle's total P&L: realized on closed positions plus
// unrealized on open ones.
func (r *PositionRepository) CyclePnL(cycleID string) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT SUM(CASE WHEN status = ? THEN realized_pnl ELSE unrealized_pnl END)
		FROM positions
		WHERE cycle_id = ? AND status IN (?, ?)
	`, string(domain.PositionClosed), cycleID,
		string(domain.PositionClosed), string(domain.PositionOpen)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to compute cycle pnl: %w", err)
	}
	return total.Float64, nil
}

// MarkOpen transitions pending -> open on the entry fill.
func (r *PositionRepository) MarkOpen(id string, entryPrice float64, entryTime time.Time, entryVolume float64) error {
	res, err := r.db.Exec(`
		UPDATE positions
		SET status = ?, entry_price = ?, entry_time = ?, current_price = ?,
		    high_watermark = ?, entry_volume = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.PositionOpen), entryPrice, entryTime.Unix(), entryPrice,
		entryPrice, entryVolume, time.Now().Unix(), id, string(domain.PositionPending))
	if err != nil {
		return fmt.Errorf("failed to open position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s: %w (pending -> open)", id, domain.ErrInvalidTransition)
	}

	r.log.Info().Str("position_id", id).Float64("entry_price", entryPrice).Msg("Position opened")
	return nil
}

// MarkClosed transitions open -> closed with the realized result. The close
// reason (take_profit_hit, phantom_reconciliation, daily_loss_limit, ...) is
// kept in metadata for the audit trail.
func (r *PositionRepository) MarkClosed(id string, exitPrice float64, exitTime time.Time, realizedPnL, realizedPnLPct float64, reason string) error {
	metadata, _ := json.Marshal(map[string]any{"close_reason": reason})

	res, err := r.db.Exec(`
		UPDATE positions
		SET status = ?, exit_price = ?, exit_time = ?, current_price = ?,
		    realized_pnl = ?, realized_pnl_pct = ?,
		    unrealized_pnl = 0, unrealized_pnl_pct = 0, updated_at = ?, metadata = ?
		WHERE id = ? AND status = ?
	`, string(domain.PositionClosed), exitPrice, exitTime.Unix(), exitPrice,
		realizedPnL, realizedPnLPct, time.Now().Unix(), string(metadata),
		id, string(domain.PositionOpen))
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s: %w (open -> closed)", id, domain.ErrInvalidTransition)
	}

	r.log.Info().Str("position_id", id).Float64("realized_pnl", realizedPnL).Msg("Position closed")
	return nil
}

// MarkCancelled transitions pending -> cancelled when the entry never fills.
func (r *PositionRepository) MarkCancelled(id string, reason string) error {
	metadata, _ := json.Marshal(map[string]any{"cancel_reason": reason})

	res, err := r.db.Exec(`
		UPDATE positions
		SET status = ?, updated_at = ?, metadata = ?
		WHERE id = ? AND status = ?
	`, string(domain.PositionCancelled), time.Now().Unix(), string(metadata),
		id, string(domain.PositionPending))
	if err != nil {
		return fmt.Errorf("failed to cancel position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s: %w (pending -> cancelled)", id, domain.ErrInvalidTransition)
	}
	return nil
}

// UpdateMarketData refreshes price-derived fields on an open position.
// The status guard keeps a late tick from resurrecting a closed position.
func (r *PositionRepository) UpdateMarketData(id string, price, unrealizedPnL, unrealizedPnLPct, highWatermark float64) error {
	_, err := r.db.Exec(`
		UPDATE positions
		SET current_price = ?, unrealized_pnl = ?, unrealized_pnl_pct = ?,
		    high_watermark = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, price, unrealizedPnL, unrealizedPnLPct, highWatermark,
		time.Now().Unix(), id, string(domain.PositionOpen))
	if err != nil {
		return fmt.Errorf("failed to update market data: %w", err)
	}
	return nil
}

// AddRealizedPnL applies an incremental realized result from a partial exit
// fill while the position is still open.
func (r *PositionRepository) AddRealizedPnL(id string, delta float64) error {
	_, err := r.db.Exec(`
		UPDATE positions
		SET realized_pnl = realized_pnl + ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, delta, time.Now().Unix(), id, string(domain.PositionOpen))
	if err != nil {
		return fmt.Errorf("failed to add realized pnl: %w", err)
	}
	return nil
}

// UpdateQty sets the quantity after a reconciliation decision.
func (r *PositionRepository) UpdateQty(id string, qty float64) error {
	_, err := r.db.Exec(`
		UPDATE positions SET qty = ?, updated_at = ? WHERE id = ?
	`, qty, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update position qty: %w", err)
	}
	return nil
}

func (r *PositionRepository) queryPositions(query string, args ...any) ([]domain.Position, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var result []domain.Position
	for rows.Next() {
		p, err := scanPositionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row *sql.Row) (domain.Position, error) {
	return scanPositionFrom(row)
}

func scanPositionRows(rows *sql.Rows) (domain.Position, error) {
	return scanPositionFrom(rows)
}

func scanPositionFrom(s rowScanner) (domain.Position, error) {
	var p domain.Position
	var side, status string
	var entryTime, exitTime sql.NullInt64
	var exitPrice sql.NullFloat64
	var pattern, catalyst, metadata sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(&p.ID, &p.CycleID, &p.SecurityID, &p.Symbol, &side, &p.Qty,
		&p.EntryPrice, &entryTime, &exitPrice, &exitTime, &p.CurrentPrice,
		&p.StopLoss, &p.TakeProfit, &p.RiskAmount,
		&p.RealizedPnL, &p.RealizedPnLPct, &p.UnrealizedPnL, &p.UnrealizedPnLPct,
		&status, &pattern, &catalyst, &p.HighWatermark, &p.EntryVolume,
		&createdAt, &updatedAt, &metadata)
	if err != nil {
		return domain.Position{}, err
	}

	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	if entryTime.Valid {
		t := time.Unix(entryTime.Int64, 0)
		p.EntryTime = &t
	}
	if exitTime.Valid {
		t := time.Unix(exitTime.Int64, 0)
		p.ExitTime = &t
	}
	if exitPrice.Valid {
		p.ExitPrice = &exitPrice.Float64
	}
	p.Pattern = pattern.String
	p.Catalyst = catalyst.String
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &p.Metadata)
	}
	return p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}
