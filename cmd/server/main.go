// Package main is the entry point for the autonomous day-trading service.
//
// Startup order matters: configuration first, then the databases (with
// schema validation that refuses to start on a mismatch), then the broker
// client, then the services, and finally the scheduler and HTTP server.
// Shutdown is the reverse, driven by SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/daytrader/internal/advisor"
	"github.com/aristath/daytrader/internal/alerts"
	alpacaclient "github.com/aristath/daytrader/internal/clients/alpaca"
	"github.com/aristath/daytrader/internal/clientdata"
	"github.com/aristath/daytrader/internal/config"
	"github.com/aristath/daytrader/internal/database"
	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/internal/modules/cycles"
	"github.com/aristath/daytrader/internal/modules/filters"
	"github.com/aristath/daytrader/internal/modules/market_hours"
	"github.com/aristath/daytrader/internal/modules/monitor"
	"github.com/aristath/daytrader/internal/modules/orders"
	"github.com/aristath/daytrader/internal/modules/positions"
	"github.com/aristath/daytrader/internal/modules/risk"
	"github.com/aristath/daytrader/internal/modules/scanner"
	"github.com/aristath/daytrader/internal/modules/universe"
	"github.com/aristath/daytrader/internal/modules/watchdog"
	"github.com/aristath/daytrader/internal/reliability"
	"github.com/aristath/daytrader/internal/scheduler"
	"github.com/aristath/daytrader/internal/server"
	"github.com/aristath/daytrader/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting day trader")

	watcher, err := config.NewWatcher(cfg.ConfigFile, time.Minute, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load trading configuration")
	}

	exchange, err := market_hours.NewExchange(watcher.Snapshot().Exchange)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid exchange configuration")
	}
	clock := market_hours.NewClock(exchange)

	// Databases. Schema validation is fatal: trading against a partial
	// schema silently corrupts real-money state, so the service refuses to
	// start instead.
	dbs := openDatabases(cfg.DataDir, log)
	defer func() {
		for _, db := range dbs.all() {
			_ = db.Close()
		}
	}()

	// Repositories.
	securityRepo := universe.NewSecurityRepository(dbs.universe.Conn(), log)
	sectorRepo := universe.NewSectorRepository(dbs.universe.Conn(), log)
	timeRepo := universe.NewTimeRepository(dbs.universe.Conn(), clock, log)
	cycleRepo := cycles.NewCycleRepository(dbs.trading.Conn(), log)
	positionRepo := positions.NewPositionRepository(dbs.trading.Conn(), log)
	orderRepo := orders.NewOrderRepository(dbs.trading.Conn(), log)
	scanRepo := scanner.NewScanRepository(dbs.trading.Conn(), log)
	statusRepo := monitor.NewStatusRepository(dbs.trading.Conn(), log)
	riskEvents := risk.NewEventRepository(dbs.audit.Conn(), log)
	rulesRepo := watchdog.NewRulesRepository(dbs.audit.Conn(), log)
	activityRepo := watchdog.NewActivityRepository(dbs.audit.Conn(), log)
	cacheRepo := clientdata.NewRepository(dbs.cache.Conn(), log)

	if err := sectorRepo.Seed(); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed sectors")
	}
	if err := rulesRepo.Seed(); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed watchdog rules")
	}
	if err := securityRepo.ProbeHelpers(); err != nil {
		log.Fatal().Err(err).Msg("Schema helper probe failed, refusing to start")
	}

	// Broker.
	broker := alpacaclient.NewClient(alpacaclient.Config{
		APIKey:    cfg.AlpacaAPIKey,
		APISecret: cfg.AlpacaAPISecret,
		BaseURL:   cfg.AlpacaBaseURL,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := broker.Connect(connectCtx); err != nil {
		log.Error().Err(err).Msg("Broker connect failed; trading will stay degraded until it recovers")
	}
	cancel()

	// Alerting: log sink always; delivery is async and never blocks trading.
	dispatcher := alerts.NewDispatcher(256, log, alerts.NewLogSink(log))
	go dispatcher.Run(ctx)
	go watcher.Run(ctx)

	// Core services.
	brokerTimeout := time.Duration(watcher.Snapshot().Risk.BrokerTimeoutSecs) * time.Second
	engine := orders.NewEngine(dbs.trading.Conn(), orderRepo, positionRepo, cycleRepo,
		securityRepo, broker, riskEvents, brokerTimeout, log)

	validator := risk.NewValidator(cycleRepo, positionRepo, securityRepo, riskEvents, log)
	riskMonitor := risk.NewMonitor(cycleRepo, positionRepo, engine, riskEvents, dispatcher, watcher, log)

	scanService := scanner.NewService(broker, scanRepo, securityRepo, timeRepo, clock, log)
	pipeline := filters.NewPipeline(log,
		filters.NewNewsStage(filters.NullNewsClient{}),
		filters.NewPatternStage(),
		filters.NewTechnicalStage(broker, log),
	)

	orchestrator := cycles.NewOrchestrator(cycleRepo, scanService, pipeline, validator,
		engine, scanRepo, broker, clock, watcher, dispatcher, log)

	positionMonitor := monitor.NewService(positionRepo, engine, broker, statusRepo,
		advisor.NewNull(log), clock, watcher, dispatcher, log)
	go positionMonitor.Run(ctx)

	watchdogService := watchdog.NewService(engine, orderRepo, cycleRepo, rulesRepo,
		activityRepo, dispatcher, clock, log)

	go superviseRiskMonitors(ctx, cycleRepo, riskMonitor, clock, log)

	// Optional S3 backup for the weekly maintenance pass.
	backupService, err := reliability.NewBackupService(ctx, watcher.Snapshot().Backup, log)
	if err != nil {
		log.Error().Err(err).Msg("Backup disabled: configuration invalid")
	}

	// Scheduler. Times are in the exchange's local timezone via the clock's
	// market-hours guards; the cron itself runs in server-local time.
	sched := scheduler.New(log)
	registerJobs(sched, orchestrator, cycleRepo, engine, watchdogService, clock, watcher,
		dbs, cacheRepo, backupService, log)
	sched.Start()
	defer sched.Stop()

	// HTTP status API.
	handlers := server.NewHandlers(cycleRepo, positionRepo, riskEvents, activityRepo, clock, log)
	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Databases: dbs.all(),
		Handlers:  handlers,
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}

// databases groups the four stores.
type databases struct {
	universe *database.DB
	trading  *database.DB
	audit    *database.DB
	cache    *database.DB
}

func (d *databases) all() []*database.DB {
	return []*database.DB{d.universe, d.trading, d.audit, d.cache}
}

func openDatabases(dataDir string, log zerolog.Logger) *databases {
	open := func(name string, profile database.DatabaseProfile) *database.DB {
		db, err := database.New(database.Config{
			Path:    filepath.Join(dataDir, name+".db"),
			Profile: profile,
			Name:    name,
		})
		if err != nil {
			log.Fatal().Err(err).Str("db", name).Msg("Failed to open database")
		}
		if err := db.ApplySchema(); err != nil {
			log.Fatal().Err(err).Str("db", name).Msg("Failed to apply schema")
		}
		if err := db.ValidateSchema(); err != nil {
			log.Fatal().Err(err).Str("db", name).Msg("Schema validation failed, refusing to start")
		}
		return db
	}

	return &databases{
		universe: open("universe", database.ProfileStandard),
		trading:  open("trading", database.ProfileStandard),
		audit:    open("audit", database.ProfileLedger),
		cache:    open("cache", database.ProfileCache),
	}
}

// superviseRiskMonitors keeps exactly one risk monitor loop per active
// cycle. Checked every minute: cycles appear at the first scheduled scan
// and their monitors exit when the cycle goes terminal.
func superviseRiskMonitors(ctx context.Context, repo *cycles.CycleRepository, riskMonitor *risk.Monitor, clock domain.Clock, log zerolog.Logger) {
	running := map[string]bool{}
	var mu sync.Mutex

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			date := clock.Now().Format("2006-01-02")
			cycle, err := repo.GetByDate(date)
			if err != nil || cycle == nil || cycle.State.Terminal() {
				continue
			}

			mu.Lock()
			if !running[cycle.ID] {
				running[cycle.ID] = true
				go func(id string) {
					riskMonitor.Run(ctx, id)
					mu.Lock()
					delete(running, id)
					mu.Unlock()
				}(cycle.ID)
			}
			mu.Unlock()
		}
	}
}

func registerJobs(
	sched *scheduler.Scheduler,
	orchestrator *cycles.Orchestrator,
	cycleRepo *cycles.CycleRepository,
	engine *orders.Engine,
	watchdogService *watchdog.Service,
	clock domain.Clock,
	watcher *config.Watcher,
	dbs *databases,
	cacheRepo *clientdata.Repository,
	backupService *reliability.BackupService,
	log zerolog.Logger,
) {
	mustAdd := func(schedule string, job scheduler.Job) {
		if err := sched.AddJob(schedule, job); err != nil {
			log.Fatal().Err(err).Str("job", job.Name()).Msg("Failed to register job")
		}
	}

	// Pre-market scan shortly before the open.
	mustAdd("0 15 9 * * MON-FRI",
		scheduler.NewTradingCycleJob(orchestrator, clock, false, "premarket_scan", log))

	// Intra-day rescans on the configured cadence, market hours only.
	freq := watcher.Snapshot().Workflow.ScanFrequencyMinutes
	if freq <= 0 {
		freq = 30
	}
	mustAdd(fmt.Sprintf("0 */%d * * * MON-FRI", freq),
		scheduler.NewTradingCycleJob(orchestrator, clock, true, "intraday_scan", log))

	// Market close hook just before the bell.
	mustAdd("0 50 15 * * MON-FRI",
		scheduler.NewMarketCloseJob(orchestrator, cycleRepo, engine, clock, watcher, log))

	// Watchdog every five minutes; it no-ops outside market hours.
	mustAdd("0 */5 * * * *", scheduler.NewWatchdogJob(watchdogService))

	// Weekly maintenance: WAL checkpoints, cache cleanup, backup.
	mustAdd("0 0 2 * * SUN",
		scheduler.NewMaintenanceJob(dbs.all(), cacheRepo, backupService, log))
}
