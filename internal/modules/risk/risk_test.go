package risk

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aristath/daytrader/internal/config"
	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/internal/modules/orders"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuditDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE risk_events (
			id TEXT PRIMARY KEY,
			cycle_id TEXT,
			position_id TEXT,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			resolved_at INTEGER
		);
	`)
	require.NoError(t, err)

	return db
}

// stubCycleProvider serves a mutable cycle and counts Stop flips.
type stubCycleProvider struct {
	mu    sync.Mutex
	cycle domain.TradingCycle
	stops int
}

func (s *stubCycleProvider) GetByID(id string) (*domain.TradingCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cycle
	return &c, nil
}

func (s *stubCycleProvider) Stop(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycle.State == domain.CycleStopped {
		return false, nil
	}
	s.cycle.State = domain.CycleStopped
	s.stops++
	return true, nil
}

type stubPositions struct {
	active     int
	usedRisk   float64
	duplicates map[int64]bool
	open       []domain.Position
	pnl        float64
}

func (s *stubPositions) CountActive(cycleID string) (int, error)       { return s.active, nil }
func (s *stubPositions) SumRiskAmount(cycleID string) (float64, error) { return s.usedRisk, nil }
func (s *stubPositions) HasOpenInSecurity(cycleID string, securityID int64) (bool, error) {
	return s.duplicates[securityID], nil
}
func (s *stubPositions) GetOpenByCycle(cycleID string) ([]domain.Position, error) {
	return s.open, nil
}
func (s *stubPositions) CyclePnL(cycleID string) (float64, error) { return s.pnl, nil }

type stubSecurities struct {
	ids     map[string]int64
	sectors map[int64]int64
}

func (s *stubSecurities) GetOrCreateSecurity(symbol string) (int64, error) {
	if id, ok := s.ids[symbol]; ok {
		return id, nil
	}
	return 99, nil
}

func (s *stubSecurities) SectorIDForSecurity(id int64) (*int64, error) {
	if sector, ok := s.sectors[id]; ok {
		return &sector, nil
	}
	return nil, nil
}

func defaultRiskConfig() *config.RiskConfig {
	cfg := config.DefaultTradingConfig().Risk
	cfg.MaxDailyLoss = 2000
	cfg.TotalRiskBudget = 10000
	return &cfg
}

func validatorFixture(t *testing.T, cycles *stubCycleProvider, pos *stubPositions, sec *stubSecurities) *Validator {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	events := NewEventRepository(newAuditDB(t), log)
	return NewValidator(cycles, pos, sec, events, log)
}

func candidate() orders.Candidate {
	return orders.Candidate{
		Symbol:     "AAPL",
		Side:       domain.PositionLong,
		Qty:        10,
		EntryPrice: 150.00,
		StopLoss:   145.00,
		TakeProfit: 165.00,
	}
}

func activeCycle() *stubCycleProvider {
	return &stubCycleProvider{cycle: domain.TradingCycle{
		ID: "cycle-1", State: domain.CycleRiskValidation, Mode: domain.ModePaper,
	}}
}

func TestValidate_Approves(t *testing.T) {
	v := validatorFixture(t, activeCycle(), &stubPositions{}, &stubSecurities{})

	res, err := v.Validate("cycle-1", candidate(), &domain.Account{Equity: 100000}, defaultRiskConfig())
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.InDelta(t, 50.00, res.RiskAmount, 1e-9)
}

func TestValidate_RejectionReasons(t *testing.T) {
	testCases := []struct {
		name   string
		cycles *stubCycleProvider
		pos    *stubPositions
		sec    *stubSecurities
		cfg    func(*config.RiskConfig)
		reason string
	}{
		{
			name:   "stopped cycle",
			cycles: &stubCycleProvider{cycle: domain.TradingCycle{ID: "cycle-1", State: domain.CycleStopped}},
			pos:    &stubPositions{},
			sec:    &stubSecurities{},
			reason: ReasonCycleStopped,
		},
		{
			name:   "max positions",
			cycles: activeCycle(),
			pos:    &stubPositions{active: 5},
			sec:    &stubSecurities{},
			reason: ReasonMaxPositions,
		},
		{
			name:   "risk budget exhausted",
			cycles: activeCycle(),
			pos:    &stubPositions{usedRisk: 9980},
			sec:    &stubSecurities{},
			reason: ReasonRiskBudget,
		},
		{
			name:   "duplicate position",
			cycles: activeCycle(),
			pos:    &stubPositions{duplicates: map[int64]bool{99: true}},
			sec:    &stubSecurities{},
			reason: ReasonDuplicatePosition,
		},
		{
			name:   "sector exposure",
			cycles: activeCycle(),
			pos: &stubPositions{open: []domain.Position{
				{SecurityID: 7, CurrentPrice: 200, Qty: 250}, // 50k in the same sector
			}},
			sec: &stubSecurities{
				ids:     map[string]int64{"AAPL": 99},
				sectors: map[int64]int64{99: 1, 7: 1},
			},
			reason: ReasonSectorExposure,
		},
		{
			name:   "projected daily loss",
			cycles: activeCycle(),
			pos:    &stubPositions{pnl: -1960},
			sec:    &stubSecurities{},
			reason: ReasonProjectedDailyLoss,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := validatorFixture(t, tc.cycles, tc.pos, tc.sec)
			cfg := defaultRiskConfig()
			if tc.cfg != nil {
				tc.cfg(cfg)
			}

			res, err := v.Validate("cycle-1", candidate(), &domain.Account{Equity: 100000}, cfg)
			require.NoError(t, err)
			assert.False(t, res.Approved)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

// recordingAlerts captures alerts without any delivery machinery.
type recordingAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (r *recordingAlerts) Send(a domain.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingAlerts) bySeverity(s domain.AlertSeverity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Severity == s {
			n++
		}
	}
	return n
}

type recordingLiquidator struct {
	mu      sync.Mutex
	calls   []string
	results []orders.CloseAllResult
}

func (r *recordingLiquidator) CloseAll(ctx context.Context, cycleID, reason string) []orders.CloseAllResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reason)
	return r.results
}

func monitorFixture(t *testing.T, cycles *stubCycleProvider, pnl float64) (*Monitor, *recordingAlerts, *recordingLiquidator, *stubPositions) {
	t.Helper()

	log := zerolog.New(nil).Level(zerolog.Disabled)
	events := NewEventRepository(newAuditDB(t), log)
	alerts := &recordingAlerts{}
	liquidator := &recordingLiquidator{results: []orders.CloseAllResult{{Symbol: "AAPL"}}}
	pos := &stubPositions{pnl: pnl}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("risk:\n  max_daily_loss: 2000\n"), 0644))
	watcher, err := config.NewWatcher(path, time.Minute, log)
	require.NoError(t, err)

	return NewMonitor(cycles, pos, liquidator, events, alerts, watcher, log), alerts, liquidator, pos
}

func TestMonitorTick_Warning(t *testing.T) {
	cycles := activeCycle()
	m, alerts, liquidator, _ := monitorFixture(t, cycles, -1600) // past 75% of 2000

	done, err := m.Tick(context.Background(), "cycle-1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, alerts.bySeverity(domain.AlertWarning))
	assert.Empty(t, liquidator.calls)

	// Second tick at the same level does not re-alert.
	done, err = m.Tick(context.Background(), "cycle-1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, alerts.bySeverity(domain.AlertWarning))
}

func TestMonitorTick_EmergencyStop(t *testing.T) {
	cycles := activeCycle()
	m, alerts, liquidator, pos := monitorFixture(t, cycles, 0)

	// Realized -1800 plus unrealized -250 breaches the 2000 limit.
	pos.pnl = -2050

	done, err := m.Tick(context.Background(), "cycle-1")
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, domain.CycleStopped, cycles.cycle.State)
	assert.Equal(t, []string{"daily_loss_limit"}, liquidator.calls)
	assert.Equal(t, 1, alerts.bySeverity(domain.AlertCritical))

	// Re-running coalesces on the state flip: no second liquidation.
	done, err = m.Tick(context.Background(), "cycle-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, liquidator.calls, 1)
	assert.Equal(t, 1, cycles.stops)
}
