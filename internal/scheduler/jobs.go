package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/daytrader/internal/config"
	"github.com/aristath/daytrader/internal/database"
	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/internal/modules/cycles"
	"github.com/aristath/daytrader/internal/modules/orders"
	"github.com/aristath/daytrader/internal/reliability"
	"github.com/rs/zerolog"
)

// TradingCycleJob runs the orchestrator pipeline. Registered for the
// pre-market scan and the intra-day rescans; runs outside market hours are
// skipped (pre-market is driven by its own schedule slot).
type TradingCycleJob struct {
	orchestrator *cycles.Orchestrator
	clock        domain.Clock
	requireOpen  bool
	name         string
	log          zerolog.Logger
}

// NewTradingCycleJob creates a cycle job. requireOpen skips runs outside
// market hours (used for the intra-day cadence, not the pre-market slot).
func NewTradingCycleJob(orchestrator *cycles.Orchestrator, clock domain.Clock, requireOpen bool, name string, log zerolog.Logger) *TradingCycleJob {
	return &TradingCycleJob{
		orchestrator: orchestrator,
		clock:        clock,
		requireOpen:  requireOpen,
		name:         name,
		log:          log.With().Str("job", name).Logger(),
	}
}

// Name implements Job.
func (j *TradingCycleJob) Name() string { return j.name }

// Run implements Job.
func (j *TradingCycleJob) Run() error {
	if j.requireOpen && !j.clock.InMarketHours(j.clock.Now()) {
		return nil
	}
	return j.orchestrator.RunCycle(context.Background())
}

// WatchdogJob runs one reconciliation pass.
type WatchdogJob struct {
	watchdog interface {
		RunOnce(ctx context.Context) error
	}
}

// NewWatchdogJob creates the watchdog job.
func NewWatchdogJob(w interface{ RunOnce(ctx context.Context) error }) *WatchdogJob {
	return &WatchdogJob{watchdog: w}
}

// Name implements Job.
func (j *WatchdogJob) Name() string { return "watchdog" }

// Run implements Job.
func (j *WatchdogJob) Run() error {
	return j.watchdog.RunOnce(context.Background())
}

// MarketCloseJob is the end-of-session hook: optionally liquidates the
// day's remaining positions and closes the cycle.
type MarketCloseJob struct {
	orchestrator *cycles.Orchestrator
	cycleRepo    *cycles.CycleRepository
	engine       *orders.Engine
	clock        domain.Clock
	watcher      *config.Watcher
	log          zerolog.Logger
}

// NewMarketCloseJob creates the market-close hook.
func NewMarketCloseJob(
	orchestrator *cycles.Orchestrator,
	cycleRepo *cycles.CycleRepository,
	engine *orders.Engine,
	clock domain.Clock,
	watcher *config.Watcher,
	log zerolog.Logger,
) *MarketCloseJob {
	return &MarketCloseJob{
		orchestrator: orchestrator,
		cycleRepo:    cycleRepo,
		engine:       engine,
		clock:        clock,
		watcher:      watcher,
		log:          log.With().Str("job", "market_close").Logger(),
	}
}

// Name implements Job.
func (j *MarketCloseJob) Name() string { return "market_close" }

// Run implements Job.
func (j *MarketCloseJob) Run() error {
	date := j.clock.Now().Format("2006-01-02")
	cycle, err := j.cycleRepo.GetByDate(date)
	if err != nil {
		return err
	}
	if cycle == nil || cycle.State.Terminal() {
		return nil
	}

	if j.watcher.Snapshot().Positions.CloseAllAtMarketClose {
		results := j.engine.CloseAll(context.Background(), cycle.ID, "market_close")
		for _, r := range results {
			if r.Err != nil {
				j.log.Error().Err(r.Err).Str("symbol", r.Symbol).Msg("End-of-day close failed")
			}
		}
	}

	return j.orchestrator.CloseCycle(cycle.ID)
}

// MaintenanceJob is the weekly housekeeping pass: WAL checkpoints, cache
// cleanup, vacuum, and the optional S3 backup.
type MaintenanceJob struct {
	databases []*database.DB
	cleaner   interface{ CleanupExpired() (int64, error) }
	backup    *reliability.BackupService
	log       zerolog.Logger
}

// NewMaintenanceJob creates the maintenance job. backup may be nil.
func NewMaintenanceJob(
	databases []*database.DB,
	cleaner interface{ CleanupExpired() (int64, error) },
	backup *reliability.BackupService,
	log zerolog.Logger,
) *MaintenanceJob {
	return &MaintenanceJob{
		databases: databases,
		cleaner:   cleaner,
		backup:    backup,
		log:       log.With().Str("job", "maintenance").Logger(),
	}
}

// Name implements Job.
func (j *MaintenanceJob) Name() string { return "maintenance" }

// Run implements Job.
func (j *MaintenanceJob) Run() error {
	var firstErr error

	for _, db := range j.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Error().Err(err).Str("db", db.Name()).Msg("WAL checkpoint failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if j.cleaner != nil {
		if _, err := j.cleaner.CleanupExpired(); err != nil {
			j.log.Error().Err(err).Msg("Cache cleanup failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, db := range j.databases {
		if err := db.Vacuum(); err != nil {
			j.log.Error().Err(err).Str("db", db.Name()).Msg("Vacuum failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if j.backup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		paths := make([]string, 0, len(j.databases))
		for _, db := range j.databases {
			paths = append(paths, db.Path())
		}
		if err := j.backup.BackupFiles(ctx, paths); err != nil {
			j.log.Error().Err(err).Msg("Backup failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("backup failed: %w", err)
			}
		}
	}

	return firstErr
}
