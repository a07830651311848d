package domain

import "time"

// CycleState is the pipeline state of a trading cycle.
type CycleState string

const (
	CycleCreated            CycleState = "created"
	CycleScanning           CycleState = "scanning"
	CycleFilteringNews      CycleState = "filtering_news"
	CycleFilteringPatterns  CycleState = "filtering_patterns"
	CycleFilteringTechnical CycleState = "filtering_technical"
	CycleRiskValidation     CycleState = "risk_validation"
	CycleExecuting          CycleState = "executing"
	CycleMonitoring         CycleState = "monitoring"
	CycleClosed             CycleState = "closed"
	CycleError              CycleState = "error"

	// CycleStopped is set atomically by the emergency stop; it requires a
	// manual restart and blocks all further entries.
	CycleStopped CycleState = "stopped"
)

// Terminal reports whether the cycle state accepts no further transitions.
func (s CycleState) Terminal() bool {
	return s == CycleClosed || s == CycleError || s == CycleStopped
}

// CycleMode is the operating mode of a trading cycle.
type CycleMode string

const (
	ModeAutonomous CycleMode = "autonomous"
	ModeSupervised CycleMode = "supervised"
	ModePaper      CycleMode = "paper"
)

// TradingCycle is one trading day's pipeline run. Exactly one open cycle
// exists per date (unique date constraint).
type TradingCycle struct {
	ID     string
	Date   string // YYYY-MM-DD
	State  CycleState
	Mode   CycleMode
	Config string // serialized configuration snapshot

	StartedAt *time.Time
	StoppedAt *time.Time

	TradesExecuted int
	TradesWon      int
	TradesLost     int
	DailyPnL       float64

	CreatedAt time.Time
	UpdatedAt time.Time
}
