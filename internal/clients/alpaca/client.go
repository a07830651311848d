// Package alpaca adapts the Alpaca trading and market-data APIs to the
// domain.Broker contract. All vendor-specific encoding (decimal prices,
// order statuses, error classes) lives here and nowhere else.
package alpaca

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/daytrader/internal/domain"
)

// Config holds the Alpaca connection settings.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // paper or live endpoint
}

// Client implements domain.Broker over the Alpaca SDK.
type Client struct {
	trading    *alpaca.Client
	marketData *marketdata.Client
	log        zerolog.Logger
}

// NewClient creates a new Alpaca broker client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		marketData: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		log: log.With().Str("client", "alpaca").Logger(),
	}
}

var _ domain.Broker = (*Client)(nil)

// Connect verifies the session by fetching the account.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.trading.GetAccount(); err != nil {
		return translateError(err)
	}
	c.log.Info().Msg("Alpaca session established")
	return nil
}

// GetAccount implements domain.Broker.
func (c *Client) GetAccount(ctx context.Context) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	acct, err := c.trading.GetAccount()
	if err != nil {
		return nil, translateError(err)
	}
	return transformAccount(acct), nil
}

// GetQuote implements domain.Broker.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	quote, err := c.marketData.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, translateError(err)
	}
	trade, err := c.marketData.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return nil, translateError(err)
	}

	return &domain.Quote{
		Symbol:    symbol,
		Bid:       quote.BidPrice,
		Ask:       quote.AskPrice,
		Last:      trade.Price,
		Timestamp: trade.Timestamp,
	}, nil
}

// ListPositions implements domain.Broker.
func (c *Client) ListPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	positions, err := c.trading.GetPositions()
	if err != nil {
		return nil, translateError(err)
	}

	out := make([]domain.BrokerPosition, 0, len(positions))
	for i := range positions {
		out = append(out, transformPosition(&positions[i]))
	}
	return out, nil
}

// ListOrders implements domain.Broker.
func (c *Client) ListOrders(ctx context.Context, statuses []domain.OrderStatus, since time.Time) ([]domain.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := alpaca.GetOrdersRequest{
		Status: "all",
		After:  since,
		Limit:  500,
		Nested: true,
	}

	alpacaOrders, err := c.trading.GetOrders(req)
	if err != nil {
		return nil, translateError(err)
	}

	want := make(map[domain.OrderStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	out := make([]domain.BrokerOrder, 0, len(alpacaOrders))
	for i := range alpacaOrders {
		o := transformOrder(&alpacaOrders[i])
		if len(want) > 0 && !want[o.Status] {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// GetOrder implements domain.Broker.
func (c *Client) GetOrder(ctx context.Context, brokerOrderID string) (*domain.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o, err := c.trading.GetOrder(brokerOrderID)
	if err != nil {
		return nil, translateError(err)
	}

	out := transformOrder(o)
	return &out, nil
}

// ListAssets implements domain.Broker.
func (c *Client) ListAssets(ctx context.Context) ([]domain.TradableAsset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	assets, err := c.trading.GetAssets(alpaca.GetAssetsRequest{Status: "active"})
	if err != nil {
		return nil, translateError(err)
	}

	out := make([]domain.TradableAsset, 0, len(assets))
	for _, a := range assets {
		out = append(out, domain.TradableAsset{
			Symbol:       a.Symbol,
			Exchange:     a.Exchange,
			Class:        string(a.Class),
			Tradable:     a.Tradable,
			Fractionable: a.Fractionable,
			Shortable:    a.Shortable,
		})
	}
	return out, nil
}

// GetLatestBars implements domain.Broker.
func (c *Client) GetLatestBars(ctx context.Context, symbols []string) (map[string]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bars, err := c.marketData.GetLatestBars(symbols, marketdata.GetLatestBarRequest{})
	if err != nil {
		return nil, translateError(err)
	}

	out := make(map[string]domain.Bar, len(bars))
	for symbol, bar := range bars {
		out[symbol] = transformBar(symbol, bar)
	}
	return out, nil
}

// GetIntradayBars implements domain.Broker.
func (c *Client) GetIntradayBars(ctx context.Context, symbol string, lookback time.Duration) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	end := time.Now()
	bars, err := c.marketData.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneMin,
		Start:     end.Add(-lookback),
		End:       end,
	})
	if err != nil {
		return nil, translateError(err)
	}

	out := make([]domain.Bar, 0, len(bars))
	for _, bar := range bars {
		out = append(out, transformBar(symbol, bar))
	}
	return out, nil
}

// SubmitBracket implements domain.Broker. Prices are rounded to the penny
// before submission. The whole bracket is placed with req.TimeInForce; no
// separate time in force is sent for the stop-loss and take-profit legs.
func (c *Client) SubmitBracket(ctx context.Context, req domain.BracketRequest) (*domain.BracketIDs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(req.Qty)
	takeProfit := roundToPenny(req.TakeProfitPrice)
	stopLoss := roundToPenny(req.StopLossPrice)

	orderReq := alpaca.PlaceOrderRequest{
		Symbol:      req.Symbol,
		Qty:         &qty,
		Side:        toAlpacaSide(req.Side),
		Type:        toAlpacaType(req.Entry.Type),
		TimeInForce: toAlpacaTIF(req.TimeInForce),
		OrderClass:  alpaca.Bracket,
		TakeProfit:  &alpaca.TakeProfit{LimitPrice: &takeProfit},
		StopLoss:    &alpaca.StopLoss{StopPrice: &stopLoss},
	}

	if req.Entry.Type == domain.TypeLimit {
		limit := roundToPenny(req.Entry.LimitPrice)
		orderReq.LimitPrice = &limit
	}

	placed, err := c.trading.PlaceOrder(orderReq)
	if err != nil {
		return nil, translateError(err)
	}

	ids := &domain.BracketIDs{EntryOrderID: placed.ID}
	for i := range placed.Legs {
		leg := &placed.Legs[i]
		switch leg.Type {
		case alpaca.Stop, alpaca.StopLimit:
			ids.StopLossOrderID = leg.ID
		case alpaca.Limit:
			ids.TakeProfitOrderID = leg.ID
		}
	}

	if ids.StopLossOrderID == "" || ids.TakeProfitOrderID == "" {
		return nil, fmt.Errorf("bracket submitted but legs missing in response (entry %s): %w",
			placed.ID, domain.ErrTransient)
	}

	c.log.Info().
		Str("symbol", req.Symbol).
		Str("entry_order_id", ids.EntryOrderID).
		Msg("Bracket placed")
	return ids, nil
}

// CancelOrder implements domain.Broker.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.trading.CancelOrder(brokerOrderID); err != nil {
		return translateError(err)
	}
	return nil
}

// ClosePosition implements domain.Broker.
func (c *Client) ClosePosition(ctx context.Context, symbol, reason string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	order, err := c.trading.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		return "", translateError(err)
	}

	c.log.Info().Str("symbol", symbol).Str("reason", reason).Str("order_id", order.ID).Msg("Position close placed")
	return order.ID, nil
}

// CloseAllPositions implements domain.Broker. Idempotent: closing an
// already-flat book succeeds with an empty result set.
func (c *Client) CloseAllPositions(ctx context.Context) ([]domain.CloseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Cancel working orders first so bracket legs don't race the closes.
	placed, err := c.trading.CloseAllPositions(alpaca.CloseAllPositionsRequest{CancelOrders: true})
	if err != nil {
		return nil, translateError(err)
	}

	results := make([]domain.CloseResult, 0, len(placed))
	for i := range placed {
		results = append(results, domain.CloseResult{Symbol: placed[i].Symbol})
	}
	return results, nil
}
