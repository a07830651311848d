package cycles

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/aristath/daytrader/internal/config"
	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/internal/modules/filters"
	"github.com/aristath/daytrader/internal/modules/orders"
	"github.com/aristath/daytrader/internal/modules/risk"
	"github.com/aristath/daytrader/internal/modules/scanner"
	"github.com/rs/zerolog"
)

// Scanner produces the initial candidate universe.
type Scanner interface {
	Scan(ctx context.Context, cycleID string, cfg *config.WorkflowConfig) ([]scanner.Candidate, error)
}

// FilterPipeline funnels candidates through the staged filters.
type FilterPipeline interface {
	Run(ctx context.Context, candidates []scanner.Candidate, cfg *config.FiltersConfig, onStage func(stage string)) []scanner.Candidate
}

// TradeValidator runs pre-trade risk checks.
type TradeValidator interface {
	Validate(cycleID string, c orders.Candidate, account *domain.Account, cfg *config.RiskConfig) (risk.Result, error)
}

// TradeExecutor opens validated positions; satisfied by the order engine.
type TradeExecutor interface {
	OpenPosition(ctx context.Context, cycle *domain.TradingCycle, c orders.Candidate) (*orders.OpenResult, error)
}

// ScanResultUpdater finalizes scan rows with scores and selection status.
type ScanResultUpdater interface {
	UpdateScores(cycleID string, securityID int64, catalyst, pattern, technical, composite float64, status scanner.ScanStatus) error
}

// Orchestrator drives one trading cycle through the staged pipeline:
//
//	scan -> news -> pattern -> technical -> risk validation -> execute
//
// Stage failures degrade per the filter policy; per-candidate execution
// failures never abort the cycle, which always ends in monitoring (or error
// when the scan itself is impossible).
type Orchestrator struct {
	repo      *CycleRepository
	scanner   Scanner
	pipeline  FilterPipeline
	validator TradeValidator
	executor  TradeExecutor
	scans     ScanResultUpdater
	broker    domain.Broker
	clock     domain.Clock
	watcher   *config.Watcher
	alerts    domain.AlertSender
	log       zerolog.Logger
}

// NewOrchestrator creates a new cycle orchestrator.
func NewOrchestrator(
	repo *CycleRepository,
	scan Scanner,
	pipeline FilterPipeline,
	validator TradeValidator,
	executor TradeExecutor,
	scans ScanResultUpdater,
	broker domain.Broker,
	clock domain.Clock,
	watcher *config.Watcher,
	alerts domain.AlertSender,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		scanner:   scan,
		pipeline:  pipeline,
		validator: validator,
		executor:  executor,
		scans:     scans,
		broker:    broker,
		clock:     clock,
		watcher:   watcher,
		alerts:    alerts,
		log:       log.With().Str("service", "orchestrator").Logger(),
	}
}

// RunCycle executes one pass of the pipeline for today's cycle, creating it
// on the first run of the day. Re-invocations on a terminal cycle are no-ops.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	cfg := o.watcher.Snapshot()
	date := o.clock.Now().Format("2006-01-02")

	configBlob, _ := json.Marshal(cfg)
	cycle, err := o.repo.GetOrCreateForDate(date, domain.CycleMode(cfg.Session.Mode), string(configBlob))
	if err != nil {
		return err
	}

	if cycle.State.Terminal() {
		o.log.Info().Str("cycle_id", cycle.ID).Str("state", string(cycle.State)).Msg("Cycle terminal, skipping run")
		return nil
	}

	// Scan.
	if err := o.repo.SetState(cycle.ID, domain.CycleScanning); err != nil {
		return err
	}

	candidates, err := o.scanner.Scan(ctx, cycle.ID, &cfg.Workflow)
	if err != nil {
		_ = o.repo.SetState(cycle.ID, domain.CycleError)
		o.alerts.Send(domain.Alert{
			Severity: domain.AlertCritical,
			Title:    "Cycle failed during scan",
			Message:  fmt.Sprintf("cycle %s: %v", cycle.ID, err),
		})
		return fmt.Errorf("cycle %s failed during scan: %w", cycle.ID, err)
	}

	// Staged filters. The pipeline owns per-stage degradation policy; the
	// cycle state follows each stage for observability.
	stageStates := map[string]domain.CycleState{
		filters.StageNews:      domain.CycleFilteringNews,
		filters.StagePattern:   domain.CycleFilteringPatterns,
		filters.StageTechnical: domain.CycleFilteringTechnical,
	}

	filtered := o.pipeline.Run(ctx, candidates, &cfg.Filters, func(stage string) {
		if st, ok := stageStates[stage]; ok {
			if err := o.repo.SetState(cycle.ID, st); err != nil {
				o.log.Error().Err(err).Str("stage", stage).Msg("Failed to advance cycle state")
			}
		}
	})
	scored := filters.Score(filtered)
	selected := filters.SelectTopK(scored, cfg.Workflow.ExecuteTopN, cfg.Workflow.MinConfidenceScore)

	o.persistScores(cycle.ID, scored, selected)

	// Risk validation.
	if err := o.repo.SetState(cycle.ID, domain.CycleRiskValidation); err != nil {
		return err
	}

	account, err := o.broker.GetAccount(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("No account snapshot, sector exposure check will be skipped")
		account = nil
	}

	approved := make([]orders.Candidate, 0, len(selected))
	for _, c := range selected {
		candidate := o.buildOrderCandidate(c, &cfg.Positions, &cfg.Risk)
		if candidate == nil {
			continue
		}

		result, err := o.validator.Validate(cycle.ID, *candidate, account, &cfg.Risk)
		if err != nil {
			o.log.Error().Err(err).Str("symbol", c.Symbol).Msg("Validation errored, skipping candidate")
			continue
		}
		if !result.Approved {
			o.log.Info().Str("symbol", c.Symbol).Str("reason", result.Reason).Msg("Candidate rejected by risk")
			continue
		}

		candidate.RiskAmount = result.RiskAmount
		approved = append(approved, *candidate)
	}

	// Execute. Per-candidate failures are logged and skipped; the cycle
	// still moves to monitoring.
	if err := o.repo.SetState(cycle.ID, domain.CycleExecuting); err != nil {
		return err
	}

	executed := 0
	for _, candidate := range approved {
		if _, err := o.executor.OpenPosition(ctx, cycle, candidate); err != nil {
			o.log.Error().Err(err).Str("symbol", candidate.Symbol).Msg("Execution failed, continuing")
			continue
		}
		executed++
	}

	if err := o.repo.SetState(cycle.ID, domain.CycleMonitoring); err != nil {
		return err
	}

	o.log.Info().
		Str("cycle_id", cycle.ID).
		Int("scanned", len(candidates)).
		Int("filtered", len(filtered)).
		Int("selected", len(selected)).
		Int("approved", len(approved)).
		Int("executed", executed).
		Msg("Cycle run complete")

	return nil
}

// CloseCycle moves a monitoring cycle to closed at end of day.
func (o *Orchestrator) CloseCycle(cycleID string) error {
	cycle, err := o.repo.GetByID(cycleID)
	if err != nil {
		return err
	}
	if cycle == nil {
		return fmt.Errorf("cycle %s not found", cycleID)
	}
	if cycle.State.Terminal() {
		return nil
	}
	return o.repo.SetState(cycleID, domain.CycleClosed)
}

// buildOrderCandidate sizes the position and derives stops from policy.
func (o *Orchestrator) buildOrderCandidate(c scanner.Candidate, pos *config.PositionsConfig, riskCfg *config.RiskConfig) *orders.Candidate {
	if c.Price <= 0 {
		return nil
	}

	qty := math.Floor(riskCfg.MaxPositionSize / c.Price)
	if qty < 1 {
		o.log.Debug().Str("symbol", c.Symbol).Float64("price", c.Price).Msg("Too expensive for position size budget")
		return nil
	}

	stopLoss := c.Price * (1 - pos.DefaultStopLossPct/100)
	takeProfit := c.Price * (1 + pos.DefaultTakeProfitPct/100)

	return &orders.Candidate{
		Symbol:      c.Symbol,
		Side:        domain.PositionLong,
		Qty:         qty,
		EntryPrice:  c.Price,
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		Pattern:     fmt.Sprintf("pattern_score_%.2f", c.PatternScore),
		Catalyst:    fmt.Sprintf("catalyst_score_%.2f", c.CatalystScore),
		EntryVolume: c.Volume,
	}
}

func (o *Orchestrator) persistScores(cycleID string, scored, selected []scanner.Candidate) {
	isSelected := make(map[string]bool, len(selected))
	for _, c := range selected {
		isSelected[c.Symbol] = true
	}

	for _, c := range scored {
		status := scanner.ScanRejected
		if isSelected[c.Symbol] {
			status = scanner.ScanSelected
		}
		if err := o.scans.UpdateScores(cycleID, c.SecurityID, c.CatalystScore, c.PatternScore,
			c.TechnicalScore, c.CompositeScore, status); err != nil {
			o.log.Error().Err(err).Str("symbol", c.Symbol).Msg("Failed to persist scan scores")
		}
	}
}
