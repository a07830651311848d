package risk

import (
	"fmt"
	"math"

	"github.com/aristath/daytrader/internal/config"
	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/internal/modules/orders"
	"github.com/rs/zerolog"
)

// Rejection reasons returned by Validate. Stable strings: they end up in
// risk events and operator tooling.
const (
	ReasonCycleStopped       = "cycle_stopped"
	ReasonCycleInactive      = "cycle_inactive"
	ReasonMaxPositions       = "max_positions_reached"
	ReasonRiskBudget         = "risk_budget_exceeded"
	ReasonDuplicatePosition  = "duplicate_position"
	ReasonSectorExposure     = "sector_exposure_exceeded"
	ReasonProjectedDailyLoss = "projected_daily_loss"
)

// Result is the outcome of pre-trade validation.
type Result struct {
	Approved   bool
	Reason     string
	RiskAmount float64
}

// CycleProvider reads current cycle state.
type CycleProvider interface {
	GetByID(id string) (*domain.TradingCycle, error)
}

// PositionProvider reads position aggregates for the checks.
type PositionProvider interface {
	CountActive(cycleID string) (int, error)
	SumRiskAmount(cycleID string) (float64, error)
	HasOpenInSecurity(cycleID string, securityID int64) (bool, error)
	GetOpenByCycle(cycleID string) ([]domain.Position, error)
	CyclePnL(cycleID string) (float64, error)
}

// SecurityProvider resolves symbols and sectors.
type SecurityProvider interface {
	GetOrCreateSecurity(symbol string) (int64, error)
	SectorIDForSecurity(id int64) (*int64, error)
}

// Validator runs the ordered pre-trade checks. Each rejection is recorded as
// a risk event with its specific reason.
type Validator struct {
	cycles     CycleProvider
	positions  PositionProvider
	securities SecurityProvider
	events     *EventRepository
	log        zerolog.Logger
}

// NewValidator creates a new pre-trade validator.
func NewValidator(
	cycles CycleProvider,
	positions PositionProvider,
	securities SecurityProvider,
	events *EventRepository,
	log zerolog.Logger,
) *Validator {
	return &Validator{
		cycles:     cycles,
		positions:  positions,
		securities: securities,
		events:     events,
		log:        log.With().Str("service", "risk_validator").Logger(),
	}
}

// Validate runs the checks in order and returns the first failure, or
// approval with the computed risk amount for the order engine to reserve.
// account is the current broker account snapshot (equity is the exposure
// base for the sector check).
func (v *Validator) Validate(cycleID string, c orders.Candidate, account *domain.Account, cfg *config.RiskConfig) (Result, error) {
	// 1. Cycle must be active and not emergency-stopped.
	cycle, err := v.cycles.GetByID(cycleID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load cycle: %w", err)
	}
	if cycle == nil {
		return Result{}, fmt.Errorf("cycle %s not found", cycleID)
	}
	if cycle.State == domain.CycleStopped {
		return v.reject(cycleID, c, ReasonCycleStopped, "cycle was emergency-stopped, manual restart required"), nil
	}
	if cycle.State.Terminal() {
		return v.reject(cycleID, c, ReasonCycleInactive, fmt.Sprintf("cycle state is %s", cycle.State)), nil
	}

	// 2. Position count ceiling.
	active, err := v.positions.CountActive(cycleID)
	if err != nil {
		return Result{}, err
	}
	if active >= cfg.MaxPositions {
		return v.reject(cycleID, c, ReasonMaxPositions,
			fmt.Sprintf("%d active positions at limit %d", active, cfg.MaxPositions)), nil
	}

	// 3. Risk budget.
	riskAmount := math.Abs(c.EntryPrice-c.StopLoss) * math.Floor(c.Qty)
	used, err := v.positions.SumRiskAmount(cycleID)
	if err != nil {
		return Result{}, err
	}
	if riskAmount > cfg.TotalRiskBudget-used {
		return v.reject(cycleID, c, ReasonRiskBudget,
			fmt.Sprintf("risk %.2f exceeds remaining budget %.2f", riskAmount, cfg.TotalRiskBudget-used)), nil
	}

	// 4. One position per security.
	securityID, err := v.securities.GetOrCreateSecurity(c.Symbol)
	if err != nil {
		return Result{}, err
	}
	dup, err := v.positions.HasOpenInSecurity(cycleID, securityID)
	if err != nil {
		return Result{}, err
	}
	if dup {
		return v.reject(cycleID, c, ReasonDuplicatePosition,
			fmt.Sprintf("already holding %s in this cycle", c.Symbol)), nil
	}

	// 5. Sector exposure against account equity.
	if account != nil && account.Equity > 0 {
		exposure, err := v.sectorExposure(cycleID, securityID)
		if err != nil {
			return Result{}, err
		}
		posValue := c.EntryPrice * math.Floor(c.Qty)
		projectedPct := (exposure + posValue) / account.Equity * 100
		if projectedPct > cfg.MaxSectorExposurePct {
			return v.reject(cycleID, c, ReasonSectorExposure,
				fmt.Sprintf("sector exposure %.1f%% would exceed %.1f%%", projectedPct, cfg.MaxSectorExposurePct)), nil
		}
	}

	// 6. Adverse case must not breach the daily loss limit.
	pnl, err := v.positions.CyclePnL(cycleID)
	if err != nil {
		return Result{}, err
	}
	if pnl-riskAmount < -cfg.MaxDailyLoss {
		return v.reject(cycleID, c, ReasonProjectedDailyLoss,
			fmt.Sprintf("stop-out would take daily pnl to %.2f past limit %.2f", pnl-riskAmount, -cfg.MaxDailyLoss)), nil
	}

	return Result{Approved: true, RiskAmount: riskAmount}, nil
}

// sectorExposure sums the open value of positions sharing the candidate's
// sector. Positions without a sector never contribute.
func (v *Validator) sectorExposure(cycleID string, securityID int64) (float64, error) {
	sectorID, err := v.securities.SectorIDForSecurity(securityID)
	if err != nil {
		return 0, err
	}
	if sectorID == nil {
		return 0, nil
	}

	open, err := v.positions.GetOpenByCycle(cycleID)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, p := range open {
		pSector, err := v.securities.SectorIDForSecurity(p.SecurityID)
		if err != nil || pSector == nil {
			continue
		}
		if *pSector == *sectorID {
			total += p.CurrentPrice * p.Qty
		}
	}
	return total, nil
}

func (v *Validator) reject(cycleID string, c orders.Candidate, reason, message string) Result {
	v.events.RecordEvent(cycleID, "", "validation_failed", domain.AlertWarning,
		fmt.Sprintf("%s: %s", c.Symbol, message),
		map[string]any{"reason": reason, "symbol": c.Symbol})

	v.log.Info().Str("symbol", c.Symbol).Str("reason", reason).Msg("Trade rejected")
	return Result{Approved: false, Reason: reason}
}
