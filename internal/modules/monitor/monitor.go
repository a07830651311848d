package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aristath/daytrader/internal/config"
	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/pkg/formulas"
	"github.com/rs/zerolog"
)

// PositionLister reads open positions and refreshes market-derived fields.
type PositionLister interface {
	GetOpenAll() ([]domain.Position, error)
	UpdateMarketData(id string, price, unrealizedPnL, unrealizedPnLPct, highWatermark float64) error
}

// PositionCloser submits exits; satisfied by the order engine.
type PositionCloser interface {
	ClosePosition(ctx context.Context, positionID, reason string) error
}

// Service is the long-lived position monitor. It wakes on the configured
// interval during market hours, evaluates every open position, and acts on
// the verdicts: EXIT closes, REVIEW optionally consults the advisor within
// its budget, HOLD does nothing.
type Service struct {
	positions PositionLister
	closer    PositionCloser
	broker    domain.Broker
	statuses  *StatusRepository
	advisor   domain.Advisor
	clock     domain.Clock
	watcher   *config.Watcher
	alerts    domain.AlertSender
	log       zerolog.Logger

	ticking atomic.Bool

	// Advisor budget for the current trading day.
	advisorDate  string
	advisorCalls int
}

// NewService creates the position monitor. advisor may be nil; the monitor
// functions fully without one.
func NewService(
	positions PositionLister,
	closer PositionCloser,
	broker domain.Broker,
	statuses *StatusRepository,
	advisor domain.Advisor,
	clock domain.Clock,
	watcher *config.Watcher,
	alerts domain.AlertSender,
	log zerolog.Logger,
) *Service {
	return &Service{
		positions: positions,
		closer:    closer,
		broker:    broker,
		statuses:  statuses,
		advisor:   advisor,
		clock:     clock,
		watcher:   watcher,
		alerts:    alerts,
		log:       log.With().Str("service", "position_monitor").Logger(),
	}
}

// Run ticks until ctx is cancelled. Ticks are skipped while a previous tick
// is still running and outside market hours.
func (s *Service) Run(ctx context.Context) {
	interval := time.Duration(s.watcher.Snapshot().Monitor.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("Position monitor started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Position monitor stopped")
			return
		case <-ticker.C:
			if !s.clock.InMarketHours(s.clock.Now()) {
				continue
			}
			if !s.ticking.CompareAndSwap(false, true) {
				s.log.Warn().Msg("Previous tick still running, skipping")
				continue
			}
			s.Tick(ctx)
			s.ticking.Store(false)
		}
	}
}

// Tick evaluates every open position once.
func (s *Service) Tick(ctx context.Context) {
	open, err := s.positions.GetOpenAll()
	if err != nil {
		s.log.Error().Err(err).Msg("Tick could not list open positions")
		return
	}

	snapshot := s.watcher.Snapshot()
	for _, p := range open {
		if s.holdTimeExceeded(&p, snapshot.Positions.MaxHoldTimeMinutes) {
			s.log.Info().Str("symbol", p.Symbol).Msg("Max hold time exceeded, closing position")
			if err := s.closer.ClosePosition(ctx, p.ID, "max_hold_time"); err != nil {
				s.log.Error().Err(err).Str("position_id", p.ID).Msg("Hold-time close failed")
			}
			continue
		}
		s.evaluatePosition(ctx, p, &snapshot.Monitor)
	}
}

func (s *Service) holdTimeExceeded(p *domain.Position, maxMinutes int) bool {
	if maxMinutes <= 0 || p.EntryTime == nil {
		return false
	}
	return s.clock.Now().Sub(*p.EntryTime) > time.Duration(maxMinutes)*time.Minute
}

// evaluatePosition refreshes one position's market view, evaluates signals,
// acts on the verdict and persists the status row (one retry, then the
// monitor row goes to error).
func (s *Service) evaluatePosition(ctx context.Context, p domain.Position, cfg *config.MonitorConfig) {
	status := Status{
		PositionID:    p.ID,
		Symbol:        p.Symbol,
		State:         StateRunning,
		HighWatermark: p.HighWatermark,
		LastVWAPSide:  "unknown",
		LastCheckin:   s.clock.Now(),
	}

	snapshot, err := s.buildSnapshot(ctx, &p)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("No market data this tick")
		status.State = StateSleeping
		s.persistStatus(status)
		return
	}

	status.LastPrice = snapshot.Price
	status.HighWatermark = snapshot.HighWatermark
	status.CurrentPnLPct = snapshot.PnLPct
	status.LastRSI = snapshot.RSI
	status.LastMACDBull = snapshot.MACDBullish
	if snapshot.AboveVWAP != nil {
		if *snapshot.AboveVWAP {
			status.LastVWAPSide = "above"
		} else {
			status.LastVWAPSide = "below"
		}
	}

	// Persist refreshed market fields on the position itself.
	unrealized := (snapshot.Price - p.EntryPrice) * p.Qty
	if p.Side == domain.PositionShort {
		unrealized = -unrealized
	}
	if err := s.positions.UpdateMarketData(p.ID, snapshot.Price, unrealized, snapshot.PnLPct, snapshot.HighWatermark); err != nil {
		s.log.Error().Err(err).Str("position_id", p.ID).Msg("Failed to refresh position market data")
	}

	holdSignals := EvaluateHold(*snapshot)
	exitSignals := EvaluateExit(*snapshot, cfg)
	verdict := Verdict(exitSignals)

	status.HoldSignals = holdSignals
	for _, sig := range exitSignals {
		status.ExitSignals = append(status.ExitSignals, fmt.Sprintf("%s:%s", sig.Name, sig.Strength))
	}

	switch verdict {
	case RecommendExit:
		reason := exitSignals[0].Name
		for _, sig := range exitSignals {
			if sig.Strength == StrengthStrong {
				reason = sig.Name
				break
			}
		}
		s.log.Info().Str("symbol", p.Symbol).Str("signal", reason).Msg("EXIT verdict, closing position")
		if err := s.closer.ClosePosition(ctx, p.ID, reason); err != nil {
			s.log.Error().Err(err).Str("position_id", p.ID).Msg("Close failed, watchdog will retry")
			s.alerts.Send(domain.Alert{
				Severity: domain.AlertCritical,
				Title:    "Monitor close failed",
				Message:  fmt.Sprintf("%s: %v", p.Symbol, err),
			})
		}

	case RecommendReview:
		verdict = s.consultAdvisor(ctx, p, *snapshot, holdSignals, exitSignals, cfg, &status)
	}

	status.Recommendation = verdict
	s.persistStatus(status)
}

// consultAdvisor asks the advisor about a REVIEW verdict when one is
// configured and the daily budget allows; otherwise the REVIEW stands.
func (s *Service) consultAdvisor(ctx context.Context, p domain.Position, snap Snapshot, hold []string, exits []ExitSignal, cfg *config.MonitorConfig, status *Status) Recommendation {
	if s.advisor == nil {
		return RecommendReview
	}

	today := s.clock.Now().Format("2006-01-02")
	if s.advisorDate != today {
		s.advisorDate = today
		s.advisorCalls = 0
	}
	if s.advisorCalls >= cfg.MaxAdvisorCalls {
		s.log.Debug().Str("symbol", p.Symbol).Msg("Advisor budget exhausted, keeping REVIEW")
		return RecommendReview
	}
	s.advisorCalls++
	status.AdvisorCalls = s.advisorCalls

	exitNames := make([]string, len(exits))
	for i, sig := range exits {
		exitNames[i] = sig.Name
	}

	verdict, reason, err := s.advisor.Consult(ctx, domain.AdvisorRequest{
		Symbol:      p.Symbol,
		Side:        p.Side,
		PnLPct:      snap.PnLPct,
		ExitSignals: exitNames,
		HoldSignals: hold,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Advisor unavailable, keeping REVIEW")
		return RecommendReview
	}

	s.log.Info().Str("symbol", p.Symbol).Str("verdict", string(verdict)).Str("reason", reason).Msg("Advisor consulted")

	if verdict == domain.AdvisorExit {
		if err := s.closer.ClosePosition(ctx, p.ID, "advisor_exit"); err != nil {
			s.log.Error().Err(err).Str("position_id", p.ID).Msg("Advisor close failed")
			return RecommendReview
		}
		return RecommendExit
	}
	return RecommendHold
}

// buildSnapshot assembles the signal inputs for one position.
func (s *Service) buildSnapshot(ctx context.Context, p *domain.Position) (*Snapshot, error) {
	quote, err := s.broker.GetQuote(ctx, p.Symbol)
	if err != nil {
		return nil, fmt.Errorf("quote for %s: %w", p.Symbol, err)
	}

	price := quote.Last
	hwm := p.HighWatermark
	if price > hwm {
		hwm = price
	}

	snap := &Snapshot{
		Price:          price,
		PnLPct:         p.PnLPct(price),
		HighWatermark:  hwm,
		InFinalMinutes: s.clock.InFinalMinutes(s.clock.Now(), s.finalMinutes()),
	}

	// Indicators are best-effort: a missing series leaves its pointer nil
	// and the corresponding signals silent.
	bars, err := s.broker.GetIntradayBars(ctx, p.Symbol, 3*time.Hour)
	if err != nil || len(bars) == 0 {
		return snap, nil
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	snap.RSI = formulas.CalculateRSI(closes, 14)

	if macd := formulas.CalculateMACD(closes, 12, 26, 9); macd != nil {
		bullish := macd.Bullish()
		snap.MACDBullish = &bullish
	}

	if vwap := formulas.CalculateVWAP(highs, lows, closes, volumes); vwap != nil {
		above := price > *vwap
		snap.AboveVWAP = &above
	}

	if p.EntryVolume > 0 {
		ratio := bars[len(bars)-1].Volume / p.EntryVolume
		snap.VolumeRatio = &ratio
	}

	return snap, nil
}

func (s *Service) finalMinutes() int {
	n := s.watcher.Snapshot().Monitor.FinalMinutes
	if n <= 0 {
		n = 15
	}
	return n
}

// persistStatus writes the status row with one retry; persistent failure
// downgrades the row to error on a best-effort basis.
func (s *Service) persistStatus(status Status) {
	if err := s.statuses.Upsert(status); err == nil {
		return
	}

	if err := s.statuses.Upsert(status); err != nil {
		s.log.Error().Err(err).Str("position_id", status.PositionID).Msg("Status write failed twice, marking error")
		status.State = StateError
		if err := s.statuses.Upsert(status); err != nil {
			s.log.Error().Err(err).Str("position_id", status.PositionID).Msg("Could not record monitor error state")
		}
	}
}
