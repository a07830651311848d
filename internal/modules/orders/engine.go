package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aristath/daytrader/internal/database"
	"github.com/aristath/daytrader/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Candidate is a trade proposal that already passed risk validation.
type Candidate struct {
	Symbol      string
	Side        domain.PositionSide
	Qty         float64
	EntryPrice  float64
	StopLoss    float64
	TakeProfit  float64
	RiskAmount  float64
	Pattern     string
	Catalyst    string
	EntryVolume float64
}

// OpenResult identifies the rows created by OpenPosition.
type OpenResult struct {
	PositionID        string
	EntryOrderID      string
	StopLossOrderID   string
	TakeProfitOrderID string
}

// CloseAllResult is the per-position outcome of CloseAll.
type CloseAllResult struct {
	PositionID string
	Symbol     string
	Err        error
}

// FillEvent is one fill notification from the broker.
type FillEvent struct {
	BrokerOrderID  string
	FilledQty      float64 // cumulative
	FilledAvgPrice float64
	Timestamp      time.Time
}

// Issue kinds surfaced by reconciliation.
const (
	IssuePhantomPosition     = "phantom_position"
	IssueOrphanPosition      = "orphan_position"
	IssueQtyMismatch         = "qty_mismatch"
	IssueOrderStatusMismatch = "order_status_mismatch"
	IssueStuckOrder          = "stuck_order"
	IssueStaleCycle          = "stale_cycle"
)

// ReconcileIssue is a structured divergence between local and broker truth.
type ReconcileIssue struct {
	Kind        string
	Severity    domain.AlertSeverity
	PositionID  string
	OrderID     string
	Symbol      string
	LocalQty    float64
	BrokerQty   float64
	Detail      string
	AutoFixable bool
}

// PositionStore is the position persistence the engine needs.
type PositionStore interface {
	CreateTx(tx *sql.Tx, p *domain.Position) error
	GetByID(id string) (*domain.Position, error)
	GetOpenByCycle(cycleID string) ([]domain.Position, error)
	GetOpenAll() ([]domain.Position, error)
	MarkOpen(id string, entryPrice float64, entryTime time.Time, entryVolume float64) error
	MarkClosed(id string, exitPrice float64, exitTime time.Time, realizedPnL, realizedPnLPct float64, reason string) error
	MarkCancelled(id string, reason string) error
	AddRealizedPnL(id string, delta float64) error
	UpdateQty(id string, qty float64) error
}

// CycleStore is the cycle bookkeeping the engine needs.
type CycleStore interface {
	RecordExecution(id string) error
	RecordTradeResult(id string, realizedPnL float64) error
}

// SecurityProvider resolves symbols to security dimension ids.
type SecurityProvider interface {
	GetOrCreateSecurity(symbol string) (int64, error)
}

// RiskEventRecorder appends to the risk event log.
type RiskEventRecorder interface {
	RecordEvent(cycleID, positionID, eventType string, severity domain.AlertSeverity, message string, details map[string]any)
}

// Engine owns order and position lifecycle: bracket submission, fills, OCO
// semantics, closes, and reconciliation against broker truth.
type Engine struct {
	db            *sql.DB
	orderRepo     *OrderRepository
	positions     PositionStore
	cycles        CycleStore
	securities    SecurityProvider
	broker        domain.Broker
	riskEvents    RiskEventRecorder
	brokerTimeout time.Duration
	log           zerolog.Logger
}

// NewEngine creates a new order engine.
func NewEngine(
	db *sql.DB,
	orderRepo *OrderRepository,
	positions PositionStore,
	cycles CycleStore,
	securities SecurityProvider,
	broker domain.Broker,
	riskEvents RiskEventRecorder,
	brokerTimeout time.Duration,
	log zerolog.Logger,
) *Engine {
	if brokerTimeout <= 0 {
		brokerTimeout = 10 * time.Second
	}
	return &Engine{
		db:            db,
		orderRepo:     orderRepo,
		positions:     positions,
		cycles:        cycles,
		securities:    securities,
		broker:        broker,
		riskEvents:    riskEvents,
		brokerTimeout: brokerTimeout,
		log:           log.With().Str("service", "order_engine").Logger(),
	}
}

func (e *Engine) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.brokerTimeout)
}

// OpenPosition submits a bracket for a validated candidate.
//
// The pending position and entry order rows are inserted in one transaction
// BEFORE the broker call, so reconciliation can always find a local row no
// matter where the submission fails. On success the two GTC exit legs are
// inserted together in a second transaction, so partial bracket state never
// exists locally.
func (e *Engine) OpenPosition(ctx context.Context, cycle *domain.TradingCycle, c Candidate) (*OpenResult, error) {
	qty := math.Floor(c.Qty)
	if qty < 1 {
		return nil, fmt.Errorf("candidate %s qty %v rounds below 1 share", c.Symbol, c.Qty)
	}

	securityID, err := e.securities.GetOrCreateSecurity(c.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve security %s: %w", c.Symbol, err)
	}

	now := time.Now()
	positionID := uuid.New().String()
	entryID := uuid.New().String()
	entryPrice := c.EntryPrice

	position := &domain.Position{
		ID:           positionID,
		CycleID:      cycle.ID,
		SecurityID:   securityID,
		Symbol:       c.Symbol,
		Side:         c.Side,
		Qty:          qty,
		EntryPrice:   c.EntryPrice,
		CurrentPrice: c.EntryPrice,
		StopLoss:     c.StopLoss,
		TakeProfit:   c.TakeProfit,
		RiskAmount:   c.RiskAmount,
		Status:       domain.PositionPending,
		Pattern:      c.Pattern,
		Catalyst:     c.Catalyst,
		EntryVolume:  c.EntryVolume,
	}

	entry := &domain.Order{
		ID:          entryID,
		CycleID:     cycle.ID,
		SecurityID:  securityID,
		PositionID:  positionID,
		Class:       domain.OrderClassBracket,
		Purpose:     domain.PurposeEntry,
		Side:        domain.EntrySideFor(c.Side),
		Type:        domain.TypeLimit,
		TimeInForce: domain.TIFDay,
		Qty:         qty,
		LimitPrice:  &entryPrice,
		Status:      domain.OrderCreated,
	}

	err = database.WithTransaction(e.db, func(tx *sql.Tx) error {
		if err := e.positions.CreateTx(tx, position); err != nil {
			return err
		}
		return e.orderRepo.CreateTx(tx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stage position for %s: %w", c.Symbol, err)
	}

	brokerCtx, cancel := e.withDeadline(ctx)
	defer cancel()

	ids, submitErr := e.broker.SubmitBracket(brokerCtx, domain.BracketRequest{
		Symbol:          c.Symbol,
		Qty:             qty,
		Side:            entry.Side,
		TimeInForce:     domain.TIFDay,
		Entry:           domain.EntrySpec{Type: domain.TypeLimit, LimitPrice: c.EntryPrice},
		StopLossPrice:   c.StopLoss,
		TakeProfitPrice: c.TakeProfit,
	})
	if submitErr != nil {
		return nil, e.handleSubmitFailure(cycle.ID, positionID, entryID, c.Symbol, submitErr)
	}

	if err := e.orderRepo.MarkSubmitted(entryID, ids.EntryOrderID, now); err != nil {
		return nil, err
	}

	stopLossID := uuid.New().String()
	takeProfitID := uuid.New().String()
	stopPrice := c.StopLoss
	tpPrice := c.TakeProfit
	exitSide := domain.ExitSideFor(c.Side)

	// Both legs in one transaction: a bracket with half its legs on record
	// would make OCO bookkeeping impossible.
	err = database.WithTransaction(e.db, func(tx *sql.Tx) error {
		stopLeg := &domain.Order{
			ID:            stopLossID,
			CycleID:       cycle.ID,
			SecurityID:    securityID,
			PositionID:    positionID,
			ParentOrderID: entryID,
			Class:         domain.OrderClassBracket,
			Purpose:       domain.PurposeStopLoss,
			Side:          exitSide,
			Type:          domain.TypeStop,
			TimeInForce:   domain.TIFGTC,
			Qty:           qty,
			StopPrice:     &stopPrice,
			BrokerOrderID: ids.StopLossOrderID,
			Status:        domain.OrderCreated,
		}
		if err := e.orderRepo.CreateTx(tx, stopLeg); err != nil {
			return err
		}

		tpLeg := &domain.Order{
			ID:            takeProfitID,
			CycleID:       cycle.ID,
			SecurityID:    securityID,
			PositionID:    positionID,
			ParentOrderID: entryID,
			Class:         domain.OrderClassBracket,
			Purpose:       domain.PurposeTakeProfit,
			Side:          exitSide,
			Type:          domain.TypeLimit,
			TimeInForce:   domain.TIFGTC,
			Qty:           qty,
			LimitPrice:    &tpPrice,
			BrokerOrderID: ids.TakeProfitOrderID,
			Status:        domain.OrderCreated,
		}
		return e.orderRepo.CreateTx(tx, tpLeg)
	})
	if err != nil {
		return nil, fmt.Errorf("bracket submitted but legs not recorded for %s: %w", c.Symbol, err)
	}

	e.log.Info().
		Str("symbol", c.Symbol).
		Str("position_id", positionID).
		Float64("qty", qty).
		Float64("entry", c.EntryPrice).
		Float64("stop_loss", c.StopLoss).
		Float64("take_profit", c.TakeProfit).
		Msg("Bracket submitted")

	return &OpenResult{
		PositionID:        positionID,
		EntryOrderID:      entryID,
		StopLossOrderID:   stopLossID,
		TakeProfitOrderID: takeProfitID,
	}, nil
}

// handleSubmitFailure classifies a failed bracket submission. Definitive
// rejections cancel the pending position; ambiguous outcomes leave it
// pending with the entry in submitted_unknown for reconciliation.
func (e *Engine) handleSubmitFailure(cycleID, positionID, entryID, symbol string, submitErr error) error {
	ambiguous := errors.Is(submitErr, context.DeadlineExceeded) || domain.Retryable(submitErr)

	if ambiguous {
		if err := e.orderRepo.MarkSubmittedUnknown(entryID, submitErr.Error()); err != nil {
			e.log.Error().Err(err).Str("order_id", entryID).Msg("Failed to flag ambiguous submit")
		}
		e.riskEvents.RecordEvent(cycleID, positionID, "order_submit_ambiguous", domain.AlertWarning,
			fmt.Sprintf("bracket submit outcome unknown for %s", symbol),
			map[string]any{"error": submitErr.Error()})
		return fmt.Errorf("bracket submit for %s ambiguous, left for reconciliation: %w", symbol, submitErr)
	}

	if err := e.orderRepo.MarkRejected(entryID, submitErr.Error()); err != nil {
		e.log.Error().Err(err).Str("order_id", entryID).Msg("Failed to mark entry rejected")
	}
	if err := e.positions.MarkCancelled(positionID, submitErr.Error()); err != nil {
		e.log.Error().Err(err).Str("position_id", positionID).Msg("Failed to cancel pending position")
	}

	e.riskEvents.RecordEvent(cycleID, positionID, "order_submit_rejected", domain.AlertWarning,
		fmt.Sprintf("bracket submit rejected for %s", symbol),
		map[string]any{"error": submitErr.Error()})

	return fmt.Errorf("bracket submit for %s rejected: %w", symbol, submitErr)
}

// OnFill applies one fill notification.
//
// Entry fill: position goes pending -> open with the volume-weighted entry
// price and the GTC legs become active. Exit-shaped fill: realized P&L is
// updated incrementally; a full fill closes the position and cancels the
// OCO sibling.
func (e *Engine) OnFill(ctx context.Context, event FillEvent) error {
	o, err := e.orderRepo.GetByBrokerOrderID(event.BrokerOrderID)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("fill for unknown broker order %s: %w", event.BrokerOrderID, domain.ErrOrderNotFound)
	}

	if o.Status.Terminal() && o.Status == domain.OrderFilled && o.FilledQty == event.FilledQty {
		// Duplicate notification.
		return nil
	}

	updated, err := e.orderRepo.ApplyFill(o.ID, event.FilledQty, event.FilledAvgPrice, event.Timestamp)
	if err != nil {
		return err
	}

	switch o.Purpose {
	case domain.PurposeEntry:
		return e.onEntryFill(o, updated, event)
	case domain.PurposeExit, domain.PurposeStopLoss, domain.PurposeTakeProfit:
		return e.onExitFill(ctx, o, updated, event)
	}
	return nil
}

func (e *Engine) onEntryFill(before, updated *domain.Order, event FillEvent) error {
	if updated.Status != domain.OrderFilled {
		return nil
	}

	p, err := e.positions.GetByID(updated.PositionID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("entry fill for order %s: position %s missing", updated.ID, updated.PositionID)
	}

	if err := e.positions.MarkOpen(p.ID, event.FilledAvgPrice, event.Timestamp, p.EntryVolume); err != nil {
		return err
	}
	if err := e.cycles.RecordExecution(p.CycleID); err != nil {
		e.log.Error().Err(err).Str("cycle_id", p.CycleID).Msg("Failed to record execution")
	}

	// The GTC legs were working at the broker from submission; locally they
	// activate once the entry is filled.
	children, err := e.orderRepo.GetChildren(updated.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status != domain.OrderCreated {
			continue
		}
		if err := e.orderRepo.MarkSubmitted(child.ID, child.BrokerOrderID, event.Timestamp); err != nil {
			e.log.Error().Err(err).Str("order_id", child.ID).Msg("Failed to activate bracket leg")
		}
	}

	e.log.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Float64("entry_price", event.FilledAvgPrice).
		Msg("Entry filled, position open")
	return nil
}

func (e *Engine) onExitFill(ctx context.Context, before, updated *domain.Order, event FillEvent) error {
	p, err := e.positions.GetByID(updated.PositionID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("exit fill for order %s: position %s missing", updated.ID, updated.PositionID)
	}

	sign := 1.0
	if p.Side == domain.PositionShort {
		sign = -1.0
	}

	if updated.Status == domain.OrderFilled {
		realized := sign * (event.FilledAvgPrice - p.EntryPrice) * updated.Qty
		pct := p.PnLPct(event.FilledAvgPrice)
		reason := string(updated.Purpose)

		if err := e.positions.MarkClosed(p.ID, event.FilledAvgPrice, event.Timestamp, realized, pct, reason); err != nil {
			return err
		}
		if err := e.cycles.RecordTradeResult(p.CycleID, realized); err != nil {
			e.log.Error().Err(err).Str("cycle_id", p.CycleID).Msg("Failed to record trade result")
		}

		if err := e.cancelOCOSibling(ctx, updated, event.Timestamp); err != nil {
			e.log.Error().Err(err).Str("order_id", updated.ID).Msg("Failed to cancel OCO sibling")
		}

		e.log.Info().
			Str("position_id", p.ID).
			Str("symbol", p.Symbol).
			Float64("realized_pnl", realized).
			Str("exit_purpose", string(updated.Purpose)).
			Msg("Exit filled, position closed")
		return nil
	}

	// Partial exit: realize incrementally against the cumulative average.
	soFar := sign * (event.FilledAvgPrice - p.EntryPrice) * event.FilledQty
	delta := soFar - p.RealizedPnL
	if delta != 0 {
		if err := e.positions.AddRealizedPnL(p.ID, delta); err != nil {
			return err
		}
	}
	return nil
}

// cancelOCOSibling cancels the other bracket leg after a terminal fill.
func (e *Engine) cancelOCOSibling(ctx context.Context, filled *domain.Order, at time.Time) error {
	if filled.ParentOrderID == "" {
		return nil
	}

	sibling, err := e.orderRepo.GetSibling(filled.ParentOrderID, filled.ID)
	if err != nil {
		return err
	}
	if sibling == nil || sibling.Status.Terminal() {
		return nil
	}

	if sibling.BrokerOrderID != "" {
		brokerCtx, cancel := e.withDeadline(ctx)
		defer cancel()
		if err := e.broker.CancelOrder(brokerCtx, sibling.BrokerOrderID); err != nil &&
			!errors.Is(err, domain.ErrOrderNotFound) {
			return fmt.Errorf("broker cancel of sibling %s failed: %w", sibling.ID, err)
		}
	}

	return e.orderRepo.MarkCancelled(sibling.ID, "oco_sibling_filled")
}

// ClosePosition submits a market exit for an open position and cancels its
// outstanding bracket legs. The exit side is derived from the position side.
func (e *Engine) ClosePosition(ctx context.Context, positionID, reason string) error {
	p, err := e.positions.GetByID(positionID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("position %s not found", positionID)
	}
	if p.Status != domain.PositionOpen {
		return fmt.Errorf("position %s is %s, not open", positionID, p.Status)
	}

	exitID := uuid.New().String()
	exit := &domain.Order{
		ID:          exitID,
		CycleID:     p.CycleID,
		SecurityID:  p.SecurityID,
		PositionID:  p.ID,
		Class:       domain.OrderClassSimple,
		Purpose:     domain.PurposeExit,
		Side:        domain.ExitSideFor(p.Side),
		Type:        domain.TypeMarket,
		TimeInForce: domain.TIFDay,
		Qty:         p.Qty,
		Status:      domain.OrderCreated,
		Metadata:    map[string]any{"close_reason": reason},
	}

	err = database.WithTransaction(e.db, func(tx *sql.Tx) error {
		return e.orderRepo.CreateTx(tx, exit)
	})
	if err != nil {
		return fmt.Errorf("failed to stage exit order for %s: %w", p.Symbol, err)
	}

	brokerCtx, cancel := e.withDeadline(ctx)
	defer cancel()

	brokerOrderID, submitErr := e.broker.ClosePosition(brokerCtx, p.Symbol, reason)
	if submitErr != nil {
		ambiguous := errors.Is(submitErr, context.DeadlineExceeded) || domain.Retryable(submitErr)
		if ambiguous {
			_ = e.orderRepo.MarkSubmittedUnknown(exitID, submitErr.Error())
		} else {
			_ = e.orderRepo.MarkRejected(exitID, submitErr.Error())
		}
		return fmt.Errorf("failed to close %s at broker: %w", p.Symbol, submitErr)
	}

	if err := e.orderRepo.MarkSubmitted(exitID, brokerOrderID, time.Now()); err != nil {
		e.log.Error().Err(err).Str("order_id", exitID).Msg("Failed to mark exit submitted")
	}

	// The exit supersedes the bracket legs; cancel whatever is still working.
	if err := e.cancelOpenLegs(ctx, p.ID, "position_closing"); err != nil {
		e.log.Error().Err(err).Str("position_id", p.ID).Msg("Failed to cancel bracket legs")
	}

	e.log.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("reason", reason).
		Msg("Close submitted")
	return nil
}

func (e *Engine) cancelOpenLegs(ctx context.Context, positionID, reason string) error {
	all, err := e.orderRepo.GetByPosition(positionID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, o := range all {
		if o.Purpose != domain.PurposeStopLoss && o.Purpose != domain.PurposeTakeProfit {
			continue
		}
		if o.Status.Terminal() {
			continue
		}

		if o.BrokerOrderID != "" {
			brokerCtx, cancel := e.withDeadline(ctx)
			err := e.broker.CancelOrder(brokerCtx, o.BrokerOrderID)
			cancel()
			if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		if err := e.orderRepo.MarkCancelled(o.ID, reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CloseAll closes every open position in the cycle (all cycles when cycleID
// is empty). Used by the emergency stop. Continues past per-position
// failures and reports each outcome.
func (e *Engine) CloseAll(ctx context.Context, cycleID, reason string) []CloseAllResult {
	var open []domain.Position
	var err error
	if cycleID == "" {
		open, err = e.positions.GetOpenAll()
	} else {
		open, err = e.positions.GetOpenByCycle(cycleID)
	}
	if err != nil {
		e.log.Error().Err(err).Msg("CloseAll could not list open positions")
		return []CloseAllResult{{Err: err}}
	}

	results := make([]CloseAllResult, 0, len(open))
	for _, p := range open {
		closeErr := e.ClosePosition(ctx, p.ID, reason)
		results = append(results, CloseAllResult{PositionID: p.ID, Symbol: p.Symbol, Err: closeErr})
	}
	return results
}

// ProcessFills applies a batch of fills in broker-timestamp order; at equal
// timestamps entry fills are applied before exit-leg fills. Continues past
// per-fill failures.
func (e *Engine) ProcessFills(ctx context.Context, events []FillEvent) []error {
	type resolved struct {
		event   FillEvent
		purpose domain.OrderPurpose
	}

	items := make([]resolved, 0, len(events))
	var errs []error
	for _, ev := range events {
		o, err := e.orderRepo.GetByBrokerOrderID(ev.BrokerOrderID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		purpose := domain.PurposeExit
		if o != nil {
			purpose = o.Purpose
		}
		items = append(items, resolved{event: ev, purpose: purpose})
	}

	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := items[i].event.Timestamp, items[j].event.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return items[i].purpose == domain.PurposeEntry && items[j].purpose != domain.PurposeEntry
	})

	for _, item := range items {
		if err := e.OnFill(ctx, item.event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Reconcile compares local open positions with broker truth and returns the
// divergences. It never mutates; fixes are applied separately so the
// watchdog's rules decide what is automated.
func (e *Engine) Reconcile(ctx context.Context, cycleID string) ([]ReconcileIssue, error) {
	brokerCtx, cancel := e.withDeadline(ctx)
	defer cancel()

	brokerPositions, err := e.broker.ListPositions(brokerCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list broker positions: %w", err)
	}

	atBroker := make(map[string]domain.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		atBroker[bp.Symbol] = bp
	}

	var local []domain.Position
	if cycleID == "" {
		local, err = e.positions.GetOpenAll()
	} else {
		local, err = e.positions.GetOpenByCycle(cycleID)
	}
	if err != nil {
		return nil, err
	}

	localSymbols := make(map[string]bool, len(local))
	var issues []ReconcileIssue

	for _, p := range local {
		localSymbols[p.Symbol] = true

		bp, ok := atBroker[p.Symbol]
		if !ok {
			issues = append(issues, ReconcileIssue{
				Kind:        IssuePhantomPosition,
				Severity:    domain.AlertCritical,
				PositionID:  p.ID,
				Symbol:      p.Symbol,
				LocalQty:    p.Qty,
				Detail:      "open locally, not present at broker",
				AutoFixable: true,
			})
			continue
		}

		brokerQty := math.Abs(bp.Qty)
		if brokerQty != p.Qty && p.Qty > 0 {
			diff := math.Abs(brokerQty-p.Qty) / p.Qty
			issue := ReconcileIssue{
				Kind:       IssueQtyMismatch,
				PositionID: p.ID,
				Symbol:     p.Symbol,
				LocalQty:   p.Qty,
				BrokerQty:  brokerQty,
				Detail:     fmt.Sprintf("qty differs by %.1f%%", diff*100),
			}
			if diff >= 0.10 {
				// Large divergences mean something structural went wrong;
				// a human decides.
				issue.Severity = domain.AlertCritical
				issue.AutoFixable = false
			} else {
				issue.Severity = domain.AlertWarning
				issue.AutoFixable = true
			}
			issues = append(issues, issue)
		}
	}

	for symbol, bp := range atBroker {
		if localSymbols[symbol] {
			continue
		}
		// Real money without a local record: never auto-created.
		issues = append(issues, ReconcileIssue{
			Kind:        IssueOrphanPosition,
			Severity:    domain.AlertCritical,
			Symbol:      symbol,
			BrokerQty:   math.Abs(bp.Qty),
			Detail:      "present at broker, no local open position",
			AutoFixable: false,
		})
	}

	return issues, nil
}

// ReconcileOrders syncs non-terminal orders submitted within the window
// against broker truth. Fills discovered here run through the normal fill
// path so OCO and P&L bookkeeping stay consistent.
func (e *Engine) ReconcileOrders(ctx context.Context, window time.Duration) []error {
	stale, err := e.orderRepo.GetNonTerminalSince(window)
	if err != nil {
		return []error{err}
	}

	var errs []error
	for _, o := range stale {
		if o.BrokerOrderID == "" {
			continue
		}

		brokerCtx, cancel := e.withDeadline(ctx)
		truth, err := e.broker.GetOrder(brokerCtx, o.BrokerOrderID)
		cancel()

		if errors.Is(err, domain.ErrOrderNotFound) {
			if syncErr := e.orderRepo.SyncFromBroker(o.ID, domain.BrokerOrder{Status: domain.OrderNotFound}); syncErr != nil {
				errs = append(errs, syncErr)
			}
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to fetch order %s: %w", o.BrokerOrderID, err))
			continue
		}

		switch truth.Status {
		case domain.OrderFilled, domain.OrderPartialFill:
			ts := truth.SubmittedAt
			if truth.FilledAt != nil {
				ts = *truth.FilledAt
			}
			if fillErr := e.OnFill(ctx, FillEvent{
				BrokerOrderID:  o.BrokerOrderID,
				FilledQty:      truth.FilledQty,
				FilledAvgPrice: truth.FilledAvgPrice,
				Timestamp:      ts,
			}); fillErr != nil {
				errs = append(errs, fillErr)
			}
		default:
			if truth.Status != o.Status {
				if syncErr := e.orderRepo.SyncFromBroker(o.ID, *truth); syncErr != nil {
					errs = append(errs, syncErr)
				}
			}
		}
	}
	return errs
}

// FixPhantom closes a phantom position locally. The broker has no position,
// so whatever was unrealized is taken as the final result.
func (e *Engine) FixPhantom(positionID string) error {
	p, err := e.positions.GetByID(positionID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("position %s not found", positionID)
	}

	if err := e.positions.MarkClosed(p.ID, p.CurrentPrice, time.Now(),
		p.RealizedPnL+p.UnrealizedPnL, p.UnrealizedPnLPct, "phantom_reconciliation"); err != nil {
		return err
	}
	if err := e.cycles.RecordTradeResult(p.CycleID, p.RealizedPnL+p.UnrealizedPnL); err != nil {
		e.log.Error().Err(err).Str("cycle_id", p.CycleID).Msg("Failed to record phantom close result")
	}

	e.riskEvents.RecordEvent(p.CycleID, p.ID, "phantom_position_closed", domain.AlertCritical,
		fmt.Sprintf("position %s closed by reconciliation", p.Symbol), nil)
	return nil
}

// FixQty adopts the broker's quantity for a small mismatch.
func (e *Engine) FixQty(positionID string, brokerQty float64) error {
	return e.positions.UpdateQty(positionID, brokerQty)
}

