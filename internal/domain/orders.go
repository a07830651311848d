package domain

import (
	"fmt"
	"time"
)

// OrderClass describes how an order relates to other orders.
type OrderClass string

const (
	OrderClassSimple  OrderClass = "simple"
	OrderClassBracket OrderClass = "bracket"
	OrderClassOCO     OrderClass = "oco"
	OrderClassOTO     OrderClass = "oto"
)

// OrderPurpose describes the role an order plays in a position's lifecycle.
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "entry"
	PurposeExit       OrderPurpose = "exit"
	PurposeStopLoss   OrderPurpose = "stop_loss"
	PurposeTakeProfit OrderPurpose = "take_profit"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	TypeMarket       OrderType = "market"
	TypeLimit        OrderType = "limit"
	TypeStop         OrderType = "stop"
	TypeStopLimit    OrderType = "stop_limit"
	TypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce controls how long an order stays working at the broker.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderCreated     OrderStatus = "created"
	OrderSubmitted   OrderStatus = "submitted"
	OrderAccepted    OrderStatus = "accepted"
	OrderPartialFill OrderStatus = "partial_fill"
	OrderFilled      OrderStatus = "filled"
	OrderCancelled   OrderStatus = "cancelled"
	OrderRejected    OrderStatus = "rejected"
	OrderExpired     OrderStatus = "expired"
	OrderNotFound    OrderStatus = "not_found"

	// OrderSubmittedUnknown marks an order whose submission outcome is
	// ambiguous (timeout mid-submit). Reconciliation resolves it against
	// broker truth; it is never retried.
	OrderSubmittedUnknown OrderStatus = "submitted_unknown"
)

// orderTransitions lists the permitted order status transitions.
// Anything not listed is invalid. Terminal states have no entry.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:          {OrderSubmitted, OrderSubmittedUnknown, OrderRejected},
	OrderSubmitted:        {OrderAccepted, OrderRejected, OrderExpired},
	OrderSubmittedUnknown: {OrderSubmitted, OrderAccepted, OrderRejected, OrderExpired, OrderNotFound},
	OrderAccepted:         {OrderPartialFill, OrderFilled, OrderCancelled, OrderExpired},
	OrderPartialFill:      {OrderPartialFill, OrderFilled, OrderCancelled},
}

// Terminal reports whether s is a terminal order status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderNotFound:
		return true
	}
	return false
}

// CanTransition reports whether an order may move from s to next.
// Transitions to the same status are allowed only for partial_fill
// (repeated partial fills).
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is the local record of a broker order. Positions never carry broker
// order ids; everything order-shaped lives here.
type Order struct {
	ID            string
	CycleID       string
	SecurityID    int64
	PositionID    string // empty until known
	ParentOrderID string // set on bracket legs
	Class         OrderClass
	Purpose       OrderPurpose
	Side          OrderSide
	Type          OrderType
	TimeInForce   TimeInForce
	Qty           float64
	LimitPrice    *float64
	StopPrice     *float64
	BrokerOrderID string // set at most once, unique when present

	Status         OrderStatus
	FilledQty      float64
	FilledAvgPrice *float64

	CreatedAt   time.Time
	SubmittedAt *time.Time
	AcceptedAt  *time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
	ExpiredAt   *time.Time
	UpdatedAt   time.Time

	Reason   string // rejection or cancellation reason
	Metadata map[string]any
}

// Validate checks the order's structural invariants before persistence.
func (o *Order) Validate() error {
	if o.Qty <= 0 {
		return fmt.Errorf("order qty must be positive, got %v", o.Qty)
	}
	if o.FilledQty < 0 || o.FilledQty > o.Qty {
		return fmt.Errorf("filled_qty %v outside [0, %v]", o.FilledQty, o.Qty)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("invalid order side %q", o.Side)
	}
	// Bracket legs left working overnight as DAY would expire and orphan
	// the position. GTC is mandatory on them.
	if o.ParentOrderID != "" && (o.Purpose == PurposeStopLoss || o.Purpose == PurposeTakeProfit) {
		if o.TimeInForce != TIFGTC {
			return fmt.Errorf("bracket leg %s must be gtc, got %s", o.Purpose, o.TimeInForce)
		}
	}
	switch o.Type {
	case TypeLimit, TypeStopLimit:
		if o.LimitPrice == nil {
			return fmt.Errorf("%s order requires a limit price", o.Type)
		}
	}
	switch o.Type {
	case TypeStop, TypeStopLimit:
		if o.StopPrice == nil {
			return fmt.Errorf("%s order requires a stop price", o.Type)
		}
	}
	return nil
}

// EntrySideFor returns the order side that opens a position on the given side.
func EntrySideFor(side PositionSide) OrderSide {
	if side == PositionShort {
		return SideSell
	}
	return SideBuy
}

// ExitSideFor returns the order side that closes a position on the given side.
func ExitSideFor(side PositionSide) OrderSide {
	if side == PositionShort {
		return SideBuy
	}
	return SideSell
}

// ValidSideMapping checks an order's side against its position's side for the
// given purpose. Exit-shaped purposes (exit, stop_loss, take_profit) must use
// the closing side.
func ValidSideMapping(posSide PositionSide, purpose OrderPurpose, side OrderSide) bool {
	switch purpose {
	case PurposeEntry:
		return side == EntrySideFor(posSide)
	case PurposeExit, PurposeStopLoss, PurposeTakeProfit:
		return side == ExitSideFor(posSide)
	}
	return false
}
