package domain

import (
	"context"
	"time"
)

// Quote is a current market quote for a symbol.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Timestamp time.Time
}

// Account is the broker account snapshot.
type Account struct {
	Cash          float64
	BuyingPower   float64
	Equity        float64
	DayTradeCount int
}

// BrokerPosition is a position as the broker reports it.
type BrokerPosition struct {
	Symbol        string
	Qty           float64
	AvgEntryPrice float64
	MarketValue   float64
	UnrealizedPL  float64
}

// BrokerOrder is an order as the broker reports it.
type BrokerOrder struct {
	ID             string
	Symbol         string
	Side           OrderSide
	Qty            float64
	FilledQty      float64
	FilledAvgPrice float64
	Status         OrderStatus
	SubmittedAt    time.Time
	FilledAt       *time.Time
}

// TradableAsset is an entry of the broker's tradable universe.
type TradableAsset struct {
	Symbol       string
	Exchange     string
	Class        string
	Tradable     bool
	Fractionable bool
	Shortable    bool
}

// Bar is one aggregated price bar.
type Bar struct {
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

// EntrySpec describes the entry leg of a bracket submission.
type EntrySpec struct {
	Type       OrderType // market or limit
	LimitPrice float64   // required for limit entries
}

// BracketRequest is a bracket submission: entry plus two OCO-linked exits.
// TimeInForce is the one time in force submitted with the bracket; the
// request carries no separate time in force for the exit legs.
type BracketRequest struct {
	Symbol          string
	Qty             float64
	Side            OrderSide
	TimeInForce     TimeInForce // time in force of the bracket as submitted
	Entry           EntrySpec
	StopLossPrice   float64
	TakeProfitPrice float64
}

// BracketIDs are the broker ids of the three legs of a submitted bracket.
type BracketIDs struct {
	EntryOrderID      string
	StopLossOrderID   string
	TakeProfitOrderID string
}

// CloseResult is the per-symbol outcome of a bulk close.
type CloseResult struct {
	Symbol string
	Err    error
}

// Broker is the uniform contract over a concrete broker. It is the sole
// place vendor-specific encoding lives; every other component depends only
// on this interface. Prices passed in are rounded to the broker's minimum
// increment by the adapter before submission.
type Broker interface {
	// Connect establishes the broker session. Returns ErrAuthFailed on bad
	// credentials, ErrBrokerUnavailable when the broker cannot be reached.
	Connect(ctx context.Context) error

	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetAccount(ctx context.Context) (*Account, error)
	ListPositions(ctx context.Context) ([]BrokerPosition, error)
	ListOrders(ctx context.Context, statuses []OrderStatus, since time.Time) ([]BrokerOrder, error)
	GetOrder(ctx context.Context, brokerOrderID string) (*BrokerOrder, error)

	// ListAssets returns the tradable universe.
	ListAssets(ctx context.Context) ([]TradableAsset, error)

	// GetLatestBars fetches the latest bar per symbol, batched internally.
	GetLatestBars(ctx context.Context, symbols []string) (map[string]Bar, error)

	// GetIntradayBars returns a symbol's minute bars from now minus lookback
	// up to now, oldest first.
	GetIntradayBars(ctx context.Context, symbol string, lookback time.Duration) ([]Bar, error)

	SubmitBracket(ctx context.Context, req BracketRequest) (*BracketIDs, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// ClosePosition submits a market order closing the entire position and
	// returns the broker order id.
	ClosePosition(ctx context.Context, symbol string, reason string) (string, error)

	// CloseAllPositions closes every open position. Idempotent; on partial
	// failure the per-symbol results carry the individual errors.
	CloseAllPositions(ctx context.Context) ([]CloseResult, error)
}

// Clock abstracts market-time reasoning so tests can inject a fake.
type Clock interface {
	Now() time.Time
	InMarketHours(t time.Time) bool
	// InFinalMinutes reports whether t falls in the last n minutes of the
	// trading session.
	InFinalMinutes(t time.Time, n int) bool
}
