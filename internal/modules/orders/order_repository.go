// Package orders owns the order lifecycle: persistence, the state machine
// around broker submission and fills, bracket OCO semantics, and
// reconciliation against broker truth.
package orders

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/daytrader/internal/domain"
	"github.com/rs/zerolog"
)

// ordersColumns is the column list for the orders table.
// Order must match scanOrder.
const ordersColumns = `id, cycle_id, security_id, position_id, parent_order_id,
	order_class, order_purpose, side, order_type, time_in_force, qty,
	limit_price, stop_price, broker_order_id, status, filled_qty, filled_avg_price,
	created_at, submitted_at, accepted_at, filled_at, cancelled_at, expired_at,
	updated_at, reason, metadata`

// OrderRepository handles order rows. Status changes go through transition,
// which enforces the order state machine; a change the machine forbids
// returns domain.ErrInvalidTransition and leaves the row untouched.
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "order").Logger(),
	}
}

// CreateTx inserts a new order inside the caller's transaction.
func (r *OrderRepository) CreateTx(tx *sql.Tx, o *domain.Order) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	now := time.Now().Unix()
	metadata, err := marshalMetadata(o.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO orders
		(id, cycle_id, security_id, position_id, parent_order_id, order_class,
		 order_purpose, side, order_type, time_in_force, qty, limit_price,
		 stop_price, broker_order_id, status, filled_qty, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`,
		o.ID, o.CycleID, o.SecurityID, nullString(o.PositionID), nullString(o.ParentOrderID),
		string(o.Class), string(o.Purpose), string(o.Side), string(o.Type),
		string(o.TimeInForce), o.Qty, o.LimitPrice, o.StopPrice,
		nullString(o.BrokerOrderID), string(o.Status), now, now, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return nil
}

// GetByID retrieves an order by local id, nil when absent.
func (r *OrderRepository) GetByID(id string) (*domain.Order, error) {
	return r.getOne(`SELECT `+ordersColumns+` FROM orders WHERE id = ?`, id)
}

// GetByBrokerOrderID retrieves an order by broker id, nil when absent.
func (r *OrderRepository) GetByBrokerOrderID(brokerOrderID string) (*domain.Order, error) {
	return r.getOne(`SELECT `+ordersColumns+` FROM orders WHERE broker_order_id = ?`, brokerOrderID)
}

// GetByPosition returns all orders linked to a position, oldest first.
func (r *OrderRepository) GetByPosition(positionID string) ([]domain.Order, error) {
	return r.query(`
		SELECT `+ordersColumns+` FROM orders
		WHERE position_id = ? ORDER BY created_at
	`, positionID)
}

// GetSibling returns the other bracket leg sharing a parent, nil when absent.
func (r *OrderRepository) GetSibling(parentOrderID, orderID string) (*domain.Order, error) {
	return r.getOne(`
		SELECT `+ordersColumns+` FROM orders
		WHERE parent_order_id = ? AND id != ?
	`, parentOrderID, orderID)
}

// GetChildren returns the bracket legs of a parent order.
func (r *OrderRepository) GetChildren(parentOrderID string) ([]domain.Order, error) {
	return r.query(`
		SELECT `+ordersColumns+` FROM orders
		WHERE parent_order_id = ? ORDER BY order_purpose
	`, parentOrderID)
}

// GetStuck returns non-terminal orders submitted more than maxAge ago.
func (r *OrderRepository) GetStuck(maxAge time.Duration) ([]domain.Order, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	return r.query(`
		SELECT `+ordersColumns+` FROM orders
		WHERE submitted_at IS NOT NULL AND submitted_at < ?
		  AND status IN (?, ?, ?, ?)
		ORDER BY submitted_at
	`, cutoff,
		string(domain.OrderSubmitted), string(domain.OrderSubmittedUnknown),
		string(domain.OrderAccepted), string(domain.OrderPartialFill))
}

// GetNonTerminalSince returns non-terminal orders submitted within the window.
func (r *OrderRepository) GetNonTerminalSince(window time.Duration) ([]domain.Order, error) {
	cutoff := time.Now().Add(-window).Unix()
	return r.query(`
		SELECT `+ordersColumns+` FROM orders
		WHERE submitted_at IS NOT NULL AND submitted_at >= ?
		  AND status IN (?, ?, ?, ?)
		ORDER BY submitted_at
	`, cutoff,
		string(domain.OrderSubmitted), string(domain.OrderSubmittedUnknown),
		string(domain.OrderAccepted), string(domain.OrderPartialFill))
}

// MarkSubmitted records the broker id and moves created -> submitted.
// The broker id is set at most once; the unique index rejects reuse.
func (r *OrderRepository) MarkSubmitted(id, brokerOrderID string, at time.Time) error {
	return r.transition(id, domain.OrderSubmitted, func(o *domain.Order) (string, []any) {
		if o.BrokerOrderID != "" && o.BrokerOrderID != brokerOrderID {
			return "", nil
		}
		return `broker_order_id = ?, submitted_at = ?`, []any{brokerOrderID, at.Unix()}
	})
}

// MarkSubmittedUnknown flags an ambiguous submission outcome for
// reconciliation to resolve. Never retried.
func (r *OrderRepository) MarkSubmittedUnknown(id, reason string) error {
	return r.transition(id, domain.OrderSubmittedUnknown, func(o *domain.Order) (string, []any) {
		return `submitted_at = ?, reason = ?`, []any{time.Now().Unix(), reason}
	})
}

// MarkAccepted moves submitted -> accepted.
func (r *OrderRepository) MarkAccepted(id string, at time.Time) error {
	return r.transition(id, domain.OrderAccepted, func(o *domain.Order) (string, []any) {
		return `accepted_at = ?`, []any{at.Unix()}
	})
}

// MarkRejected terminates the order with the broker's reason.
func (r *OrderRepository) MarkRejected(id, reason string) error {
	return r.transition(id, domain.OrderRejected, func(o *domain.Order) (string, []any) {
		return `reason = ?`, []any{reason}
	})
}

// MarkCancelled terminates the order with a cancellation reason. A working
// order whose acceptance was never recorded (submitted or submitted_unknown)
// steps through accepted first, as in ApplyFill.
func (r *OrderRepository) MarkCancelled(id, reason string) error {
	o, err := r.GetByID(id)
	if err != nil {
		return err
	}
	if o != nil && (o.Status == domain.OrderSubmitted || o.Status == domain.OrderSubmittedUnknown) {
		if err := r.MarkAccepted(id, time.Now()); err != nil {
			return err
		}
	}
	return r.transition(id, domain.OrderCancelled, func(o *domain.Order) (string, []any) {
		return `cancelled_at = ?, reason = ?`, []any{time.Now().Unix(), reason}
	})
}

// MarkExpired terminates the order as expired.
func (r *OrderRepository) MarkExpired(id string) error {
	return r.transition(id, domain.OrderExpired, func(o *domain.Order) (string, []any) {
		return `expired_at = ?`, []any{time.Now().Unix()}
	})
}

// MarkNotFound resolves an ambiguous submission that the broker has no
// record of.
func (r *OrderRepository) MarkNotFound(id string) error {
	return r.transition(id, domain.OrderNotFound, nil)
}

// ApplyFill records a fill and returns the updated order. The cumulative
// filled quantity is monotone and bounded by qty; the average price is
// volume-weighted across fills.
func (r *OrderRepository) ApplyFill(id string, cumFilledQty, avgPrice float64, at time.Time) (*domain.Order, error) {
	o, err := r.GetByID(id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("order %s not found", id)
	}

	if cumFilledQty < o.FilledQty {
		return nil, fmt.Errorf("fill for order %s went backwards: %v < %v", id, cumFilledQty, o.FilledQty)
	}
	if cumFilledQty > o.Qty {
		return nil, fmt.Errorf("fill for order %s exceeds qty: %v > %v", id, cumFilledQty, o.Qty)
	}

	next := domain.OrderPartialFill
	var filledAt any
	if cumFilledQty == o.Qty {
		next = domain.OrderFilled
		filledAt = at.Unix()
	}

	// Submissions sometimes fill before an acceptance callback is seen;
	// step through accepted so the machine stays monotone.
	if o.Status == domain.OrderSubmitted || o.Status == domain.OrderSubmittedUnknown {
		if err := r.MarkAccepted(id, at); err != nil {
			return nil, err
		}
		o.Status = domain.OrderAccepted
	}

	if !o.Status.CanTransition(next) {
		return nil, fmt.Errorf("order %s %s -> %s: %w", id, o.Status, next, domain.ErrInvalidTransition)
	}

	_, err = r.db.Exec(`
		UPDATE orders
		SET status = ?, filled_qty = ?, filled_avg_price = ?, filled_at = COALESCE(?, filled_at),
		    updated_at = ?
		WHERE id = ?
	`, string(next), cumFilledQty, avgPrice, filledAt, time.Now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to apply fill: %w", err)
	}

	return r.GetByID(id)
}

// SyncFromBroker makes the local row match broker truth. The broker is
// authoritative: when it disagrees with a local terminal state the local row
// is still updated, loudly.
func (r *OrderRepository) SyncFromBroker(id string, truth domain.BrokerOrder) error {
	o, err := r.GetByID(id)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("order %s not found", id)
	}

	if o.Status == truth.Status {
		return nil
	}

	if o.Status.Terminal() {
		r.log.Warn().
			Str("order_id", id).
			Str("local", string(o.Status)).
			Str("broker", string(truth.Status)).
			Msg("Broker disagrees with terminal local status, overwriting local")
	}

	var filledAt any
	if truth.FilledAt != nil {
		filledAt = truth.FilledAt.Unix()
	}

	_, err = r.db.Exec(`
		UPDATE orders
		SET status = ?, filled_qty = ?, filled_avg_price = CASE WHEN ? > 0 THEN ? ELSE filled_avg_price END,
		    filled_at = COALESCE(?, filled_at), updated_at = ?
		WHERE id = ?
	`, string(truth.Status), truth.FilledQty, truth.FilledQty, truth.FilledAvgPrice,
		filledAt, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to sync order from broker: %w", err)
	}

	r.log.Info().
		Str("order_id", id).
		Str("from", string(o.Status)).
		Str("to", string(truth.Status)).
		Msg("Order status synced from broker")
	return nil
}

// transition applies one state machine step. extra may add SET clauses; when
// it returns an empty clause with nil args the transition is aborted.
func (r *OrderRepository) transition(id string, next domain.OrderStatus, extra func(*domain.Order) (string, []any)) error {
	o, err := r.GetByID(id)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("order %s not found", id)
	}

	if !o.Status.CanTransition(next) {
		return fmt.Errorf("order %s %s -> %s: %w", id, o.Status, next, domain.ErrInvalidTransition)
	}

	setClause := `status = ?, updated_at = ?`
	args := []any{string(next), time.Now().Unix()}

	if extra != nil {
		clause, extraArgs := extra(o)
		if clause == "" && extraArgs == nil && o.BrokerOrderID != "" {
			return fmt.Errorf("order %s broker id already set", id)
		}
		if clause != "" {
			setClause += ", " + clause
			args = append(args, extraArgs...)
		}
	}

	args = append(args, id, string(o.Status))

	res, err := r.db.Exec(`UPDATE orders SET `+setClause+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to transition order %s to %s: %w", id, next, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent transition.
		return fmt.Errorf("order %s %s -> %s: %w", id, o.Status, next, domain.ErrInvalidTransition)
	}

	r.log.Debug().Str("order_id", id).Str("from", string(o.Status)).Str("to", string(next)).Msg("Order transitioned")
	return nil
}

func (r *OrderRepository) getOne(query string, args ...any) (*domain.Order, error) {
	row := r.db.QueryRow(query, args...)
	o, err := scanOrderFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &o, nil
}

func (r *OrderRepository) query(query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var result []domain.Order
	for rows.Next() {
		o, err := scanOrderFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrderFrom(s rowScanner) (domain.Order, error) {
	var o domain.Order
	var positionID, parentOrderID, brokerOrderID, reason, metadata sql.NullString
	var class, purpose, side, orderType, tif, status string
	var limitPrice, stopPrice, filledAvgPrice sql.NullFloat64
	var createdAt, updatedAt int64
	var submittedAt, acceptedAt, filledAt, cancelledAt, expiredAt sql.NullInt64

	err := s.Scan(&o.ID, &o.CycleID, &o.SecurityID, &positionID, &parentOrderID,
		&class, &purpose, &side, &orderType, &tif, &o.Qty,
		&limitPrice, &stopPrice, &brokerOrderID, &status, &o.FilledQty, &filledAvgPrice,
		&createdAt, &submittedAt, &acceptedAt, &filledAt, &cancelledAt, &expiredAt,
		&updatedAt, &reason, &metadata)
	if err != nil {
		return domain.Order{}, err
	}

	o.PositionID = positionID.String
	o.ParentOrderID = parentOrderID.String
	o.BrokerOrderID = brokerOrderID.String
	o.Class = domain.OrderClass(class)
	o.Purpose = domain.OrderPurpose(purpose)
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.Reason = reason.String
	if limitPrice.Valid {
		o.LimitPrice = &limitPrice.Float64
	}
	if stopPrice.Valid {
		o.StopPrice = &stopPrice.Float64
	}
	if filledAvgPrice.Valid {
		o.FilledAvgPrice = &filledAvgPrice.Float64
	}
	o.CreatedAt = time.Unix(createdAt, 0)
	o.UpdatedAt = time.Unix(updatedAt, 0)
	o.SubmittedAt = unixPtr(submittedAt)
	o.AcceptedAt = unixPtr(acceptedAt)
	o.FilledAt = unixPtr(filledAt)
	o.CancelledAt = unixPtr(cancelledAt)
	o.ExpiredAt = unixPtr(expiredAt)
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &o.Metadata)
	}
	return o, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
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
