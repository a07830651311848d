package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/daytrader/internal/config"
	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/internal/modules/orders"
	"github.com/rs/zerolog"
)

// CycleStopper flips cycle state for the emergency stop.
type CycleStopper interface {
	GetByID(id string) (*domain.TradingCycle, error)
	Stop(id string) (bool, error)
}

// PnLReader reads the cycle's combined realized + unrealized P&L.
type PnLReader interface {
	CyclePnL(cycleID string) (float64, error)
}

// Liquidator closes all positions; satisfied by the order engine.
type Liquidator interface {
	CloseAll(ctx context.Context, cycleID, reason string) []orders.CloseAllResult
}

// Monitor is the long-lived per-cycle P&L watcher. Each tick it reads the
// cycle's P&L, emits a WARNING once per threshold crossing, and on a breach
// of max_daily_loss runs the emergency stop protocol.
type Monitor struct {
	cycles  CycleStopper
	pnl     PnLReader
	engine  Liquidator
	events  *EventRepository
	alerts  domain.AlertSender
	watcher *config.Watcher
	log     zerolog.Logger

	warned bool // rate-limits the WARNING to one per threshold transition
}

// NewMonitor creates a new risk monitor.
func NewMonitor(
	cycles CycleStopper,
	pnl PnLReader,
	engine Liquidator,
	events *EventRepository,
	alerts domain.AlertSender,
	watcher *config.Watcher,
	log zerolog.Logger,
) *Monitor {
	return &Monitor{
		cycles:  cycles,
		pnl:     pnl,
		engine:  engine,
		events:  events,
		alerts:  alerts,
		watcher: watcher,
		log:     log.With().Str("service", "risk_monitor").Logger(),
	}
}

// Run ticks until ctx is cancelled or the cycle reaches a terminal state.
func (m *Monitor) Run(ctx context.Context, cycleID string) {
	interval := time.Duration(m.watcher.Snapshot().Risk.MonitorIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info().Str("cycle_id", cycleID).Dur("interval", interval).Msg("Risk monitor started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Str("cycle_id", cycleID).Msg("Risk monitor stopped")
			return
		case <-ticker.C:
			done, err := m.Tick(ctx, cycleID)
			if err != nil {
				m.log.Error().Err(err).Str("cycle_id", cycleID).Msg("Risk monitor tick failed")
				continue
			}
			if done {
				m.log.Info().Str("cycle_id", cycleID).Msg("Cycle terminal, risk monitor exiting")
				return
			}
		}
	}
}

// Tick evaluates the cycle once. Returns done=true when the cycle is in a
// terminal state and the monitor should exit.
func (m *Monitor) Tick(ctx context.Context, cycleID string) (bool, error) {
	cycle, err := m.cycles.GetByID(cycleID)
	if err != nil {
		return false, err
	}
	if cycle == nil {
		return true, fmt.Errorf("cycle %s not found", cycleID)
	}
	if cycle.State.Terminal() {
		return true, nil
	}

	cfg := m.watcher.Snapshot().Risk

	pnl, err := m.pnl.CyclePnL(cycleID)
	if err != nil {
		return false, err
	}

	if pnl <= -cfg.MaxDailyLoss {
		m.emergencyStop(ctx, cycleID, pnl, cfg)
		return true, nil
	}

	warnLevel := cfg.WarningThresholdPct * cfg.MaxDailyLoss
	if pnl <= -warnLevel {
		if !m.warned {
			m.warned = true
			m.alerts.Send(domain.Alert{
				Severity: domain.AlertWarning,
				Title:    "Daily loss approaching limit",
				Message:  fmt.Sprintf("cycle %s pnl %.2f is past %.0f%% of the %.2f daily loss limit", cycleID, pnl, cfg.WarningThresholdPct*100, cfg.MaxDailyLoss),
			})
			m.events.RecordEvent(cycleID, "", "daily_loss_warning", domain.AlertWarning,
				fmt.Sprintf("pnl %.2f past warning threshold", pnl),
				map[string]any{"pnl": pnl, "max_daily_loss": cfg.MaxDailyLoss})
		}
	} else {
		// Recovered above the threshold; re-arm the warning.
		m.warned = false
	}

	return false, nil
}

// emergencyStop runs the stop protocol. Safe to invoke repeatedly: the
// atomic cycle-state flip guarantees the liquidation runs once.
func (m *Monitor) emergencyStop(ctx context.Context, cycleID string, pnl float64, cfg config.RiskConfig) {
	flipped, err := m.cycles.Stop(cycleID)
	if err != nil {
		m.log.Error().Err(err).Str("cycle_id", cycleID).Msg("Emergency stop could not flip cycle state")
		return
	}
	if !flipped {
		// Another invocation got here first.
		return
	}

	m.log.Error().
		Str("cycle_id", cycleID).
		Float64("pnl", pnl).
		Float64("max_daily_loss", cfg.MaxDailyLoss).
		Msg("EMERGENCY STOP: daily loss limit breached, liquidating")

	results := m.engine.CloseAll(ctx, cycleID, "daily_loss_limit")

	var closed int
	var failures []string
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", r.Symbol, r.Err))
		} else {
			closed++
		}
	}

	m.events.RecordEvent(cycleID, "", "emergency_stop", domain.AlertCritical,
		fmt.Sprintf("daily loss %.2f breached limit %.2f", pnl, cfg.MaxDailyLoss),
		map[string]any{
			"pnl":            pnl,
			"closed":         closed,
			"close_errors":   failures,
			"position_count": len(results),
		})

	m.alerts.Send(domain.Alert{
		Severity: domain.AlertCritical,
		Title:    "EMERGENCY STOP",
		Message: fmt.Sprintf("cycle %s stopped at pnl %.2f: %d/%d closes submitted, %d failed; manual restart required",
			cycleID, pnl, closed, len(results), len(failures)),
		Fields: map[string]string{"cycle_id": cycleID},
	})

	if len(failures) > 0 {
		m.log.Error().Strs("failures", failures).Msg("Emergency stop left positions for the watchdog")
	}
}
