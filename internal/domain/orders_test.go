package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusTransitions(t *testing.T) {
	testCases := []struct {
		name    string
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{"created to submitted", OrderCreated, OrderSubmitted, true},
		{"created to rejected", OrderCreated, OrderRejected, true},
		{"created to filled skips submission", OrderCreated, OrderFilled, false},
		{"submitted to accepted", OrderSubmitted, OrderAccepted, true},
		{"submitted to expired", OrderSubmitted, OrderExpired, true},
		{"submitted to cancelled not allowed", OrderSubmitted, OrderCancelled, false},
		{"accepted to partial fill", OrderAccepted, OrderPartialFill, true},
		{"accepted to filled", OrderAccepted, OrderFilled, true},
		{"partial fill repeats", OrderPartialFill, OrderPartialFill, true},
		{"partial fill to filled", OrderPartialFill, OrderFilled, true},
		{"partial fill to expired not allowed", OrderPartialFill, OrderExpired, false},
		{"filled is terminal", OrderFilled, OrderCancelled, false},
		{"rejected is terminal", OrderRejected, OrderSubmitted, false},
		{"ambiguous submit resolves via accepted", OrderSubmittedUnknown, OrderAccepted, true},
		{"ambiguous submit resolves to not_found", OrderSubmittedUnknown, OrderNotFound, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to))
		})
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderNotFound} {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}
	for _, s := range []OrderStatus{OrderCreated, OrderSubmitted, OrderAccepted, OrderPartialFill, OrderSubmittedUnknown} {
		assert.False(t, s.Terminal(), "expected %s to be non-terminal", s)
	}
}

func TestPositionStatusTransitions(t *testing.T) {
	assert.True(t, PositionPending.CanTransition(PositionOpen))
	assert.True(t, PositionPending.CanTransition(PositionCancelled))
	assert.True(t, PositionOpen.CanTransition(PositionClosed))
	assert.False(t, PositionOpen.CanTransition(PositionCancelled))
	assert.False(t, PositionClosed.CanTransition(PositionOpen))
	assert.False(t, PositionPending.CanTransition(PositionClosed))
}

func TestSideMapping(t *testing.T) {
	testCases := []struct {
		name    string
		posSide PositionSide
		purpose OrderPurpose
		side    OrderSide
		valid   bool
	}{
		{"long entry is buy", PositionLong, PurposeEntry, SideBuy, true},
		{"long entry sell invalid", PositionLong, PurposeEntry, SideSell, false},
		{"long exit is sell", PositionLong, PurposeExit, SideSell, true},
		{"long exit buy invalid", PositionLong, PurposeExit, SideBuy, false},
		{"long stop loss is sell", PositionLong, PurposeStopLoss, SideSell, true},
		{"long take profit is sell", PositionLong, PurposeTakeProfit, SideSell, true},
		{"short entry is sell", PositionShort, PurposeEntry, SideSell, true},
		{"short exit is buy", PositionShort, PurposeExit, SideBuy, true},
		{"short stop loss is buy", PositionShort, PurposeStopLoss, SideBuy, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidSideMapping(tc.posSide, tc.purpose, tc.side))
		})
	}
}

func TestOrderValidate(t *testing.T) {
	price := 150.0

	t.Run("bracket leg must be gtc", func(t *testing.T) {
		o := Order{
			ParentOrderID: "parent",
			Purpose:       PurposeStopLoss,
			Side:          SideSell,
			Type:          TypeStop,
			TimeInForce:   TIFDay,
			Qty:           10,
			StopPrice:     &price,
		}
		err := o.Validate()
		assert.ErrorContains(t, err, "must be gtc")
	})

	t.Run("filled qty bounded by qty", func(t *testing.T) {
		o := Order{Side: SideBuy, Type: TypeMarket, TimeInForce: TIFDay, Qty: 10, FilledQty: 11}
		assert.Error(t, o.Validate())
	})

	t.Run("limit order needs limit price", func(t *testing.T) {
		o := Order{Side: SideBuy, Type: TypeLimit, TimeInForce: TIFDay, Qty: 10}
		assert.Error(t, o.Validate())

		o.LimitPrice = &price
		assert.NoError(t, o.Validate())
	})

	t.Run("qty must be positive", func(t *testing.T) {
		o := Order{Side: SideBuy, Type: TypeMarket, TimeInForce: TIFDay, Qty: 0}
		assert.Error(t, o.Validate())
	})
}

func TestPositionPnLPct(t *testing.T) {
	long := Position{Side: PositionLong, EntryPrice: 100}
	assert.InDelta(t, 5.0, long.PnLPct(105), 1e-9)
	assert.InDelta(t, -5.0, long.PnLPct(95), 1e-9)

	short := Position{Side: PositionShort, EntryPrice: 100}
	assert.InDelta(t, 5.0, short.PnLPct(95), 1e-9)
	assert.InDelta(t, -5.0, short.PnLPct(105), 1e-9)
}
