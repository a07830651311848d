package alpaca

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/aristath/daytrader/internal/domain"
)

// roundToPenny rounds a price to the US equity minimum increment. Sub-penny
// limit prices are rejected by the broker outright.
func roundToPenny(price float64) decimal.Decimal {
	return decimal.NewFromFloat(price).Round(2)
}

func toAlpacaSide(side domain.OrderSide) alpaca.Side {
	if side == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func toAlpacaType(t domain.OrderType) alpaca.OrderType {
	switch t {
	case domain.TypeLimit:
		return alpaca.Limit
	case domain.TypeStop:
		return alpaca.Stop
	case domain.TypeStopLimit:
		return alpaca.StopLimit
	case domain.TypeTrailingStop:
		return alpaca.TrailingStop
	}
	return alpaca.Market
}

func toAlpacaTIF(tif domain.TimeInForce) alpaca.TimeInForce {
	switch tif {
	case domain.TIFGTC:
		return alpaca.GTC
	case domain.TIFIOC:
		return alpaca.IOC
	case domain.TIFFOK:
		return alpaca.FOK
	}
	return alpaca.Day
}

// fromAlpacaStatus maps Alpaca order states onto the local state machine.
func fromAlpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "new", "accepted", "pending_cancel", "pending_replace", "done_for_day":
		return domain.OrderAccepted
	case "pending_new":
		return domain.OrderSubmitted
	case "partially_filled":
		return domain.OrderPartialFill
	case "filled":
		return domain.OrderFilled
	case "canceled", "replaced":
		return domain.OrderCancelled
	case "rejected":
		return domain.OrderRejected
	case "expired":
		return domain.OrderExpired
	}
	return domain.OrderSubmitted
}

func transformAccount(acct *alpaca.Account) *domain.Account {
	return &domain.Account{
		Cash:          acct.Cash.InexactFloat64(),
		BuyingPower:   acct.BuyingPower.InexactFloat64(),
		Equity:        acct.Equity.InexactFloat64(),
		DayTradeCount: int(acct.DaytradeCount),
	}
}

func transformPosition(p *alpaca.Position) domain.BrokerPosition {
	out := domain.BrokerPosition{
		Symbol:        p.Symbol,
		Qty:           p.Qty.InexactFloat64(),
		AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
	}
	if p.MarketValue != nil {
		out.MarketValue = p.MarketValue.InexactFloat64()
	}
	if p.UnrealizedPL != nil {
		out.UnrealizedPL = p.UnrealizedPL.InexactFloat64()
	}
	return out
}

func transformOrder(o *alpaca.Order) domain.BrokerOrder {
	out := domain.BrokerOrder{
		ID:          o.ID,
		Symbol:      o.Symbol,
		Side:        domain.OrderSide(o.Side),
		Status:      fromAlpacaStatus(o.Status),
		FilledQty:   o.FilledQty.InexactFloat64(),
		SubmittedAt: o.SubmittedAt,
		FilledAt:    o.FilledAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return out
}

func transformBar(symbol string, bar marketdata.Bar) domain.Bar {
	return domain.Bar{
		Symbol:    symbol,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    float64(bar.Volume),
		Timestamp: bar.Timestamp,
	}
}

// translateError maps SDK errors onto the domain failure classes.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		// 403 is both auth and buying-power territory; the message decides.
		case strings.Contains(msg, "buying power"):
			return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrInsufficientBuyingPower)
		case strings.Contains(msg, "sub-penny") || strings.Contains(msg, "subpenny") ||
			strings.Contains(msg, "invalid limit_price") || strings.Contains(msg, "invalid stop_price"):
			return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrInvalidPrice)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrAuthFailed)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrRateLimited)
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrOrderNotFound)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrBrokerUnavailable)
		}
		return fmt.Errorf("alpaca: %s: %w", apiErr.Message, domain.ErrTransient)
	}

	// Transport-level failures (connection refused, timeouts).
	return fmt.Errorf("alpaca transport: %v: %w", err, domain.ErrBrokerUnavailable)
}
