package watchdog

import (
	"context"
	"database/sql"
	"testing"
	"time"

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
		CREATE TABLE watchdog_activity (
			id TEXT PRIMARY KEY,
			logged_at INTEGER NOT NULL,
			session TEXT NOT NULL,
			cycle_id TEXT,
			observation_type TEXT NOT NULL,
			issues_summary TEXT,
			decision TEXT NOT NULL,
			action_type TEXT,
			action_detail TEXT,
			action_result TEXT,
			issue_type TEXT,
			issue_severity TEXT,
			observe_ms INTEGER NOT NULL DEFAULT 0,
			act_ms INTEGER NOT NULL DEFAULT 0,
			metadata TEXT
		);
		CREATE TABLE watchdog_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			issue_type TEXT NOT NULL,
			auto_fix_enabled INTEGER NOT NULL DEFAULT 0,
			fix_template TEXT,
			max_fixes_per_hour INTEGER NOT NULL DEFAULT 10,
			cooldown_minutes INTEGER NOT NULL DEFAULT 5,
			escalation_priority TEXT NOT NULL DEFAULT 'medium',
			active INTEGER NOT NULL DEFAULT 1
		);
		CREATE UNIQUE INDEX idx_watchdog_rules_issue_type ON watchdog_rules(issue_type);
	`)
	require.NoError(t, err)

	return db
}

type stubEngine struct {
	issues        []orders.ReconcileIssue
	phantomFixes  []string
	qtyFixes      map[string]float64
	reconcileErrs []error
}

func (s *stubEngine) Reconcile(ctx context.Context, cycleID string) ([]orders.ReconcileIssue, error) {
	return s.issues, nil
}
func (s *stubEngine) ReconcileOrders(ctx context.Context, window time.Duration) []error {
	return s.reconcileErrs
}
func (s *stubEngine) FixPhantom(positionID string) error {
	s.phantomFixes = append(s.phantomFixes, positionID)
	return nil
}
func (s *stubEngine) FixQty(positionID string, brokerQty float64) error {
	if s.qtyFixes == nil {
		s.qtyFixes = map[string]float64{}
	}
	s.qtyFixes[positionID] = brokerQty
	return nil
}

type stubOrders struct{ stuck []domain.Order }

func (s *stubOrders) GetStuck(maxAge time.Duration) ([]domain.Order, error) { return s.stuck, nil }

type stubCycles struct{ stale []domain.TradingCycle }

func (s *stubCycles) GetStale(maxAge time.Duration) ([]domain.TradingCycle, error) {
	return s.stale, nil
}

type openClock struct{}

func (openClock) Now() time.Time                     { return time.Now() }
func (openClock) InMarketHours(time.Time) bool       { return true }
func (openClock) InFinalMinutes(time.Time, int) bool { return false }

type captureAlerts struct{ alerts []domain.Alert }

func (c *captureAlerts) Send(a domain.Alert) { c.alerts = append(c.alerts, a) }

type watchdogFixture struct {
	svc      *Service
	engine   *stubEngine
	activity *ActivityRepository
	alerts   *captureAlerts
}

func newFixture(t *testing.T, engine *stubEngine) *watchdogFixture {
	t.Helper()

	db := newAuditDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	rules := NewRulesRepository(db, log)
	require.NoError(t, rules.Seed())
	activity := NewActivityRepository(db, log)
	alerts := &captureAlerts{}

	svc := NewService(engine, &stubOrders{}, &stubCycles{}, rules, activity, alerts, openClock{}, log)
	return &watchdogFixture{svc: svc, engine: engine, activity: activity, alerts: alerts}
}

func TestRunOnce_AutoFixesPhantom(t *testing.T) {
	engine := &stubEngine{issues: []orders.ReconcileIssue{{
		Kind:        orders.IssuePhantomPosition,
		Severity:    domain.AlertCritical,
		PositionID:  "pos-1",
		Symbol:      "SYMX",
		Detail:      "open locally, not present at broker",
		AutoFixable: true,
	}}}
	f := newFixture(t, engine)

	require.NoError(t, f.svc.RunOnce(context.Background()))

	assert.Equal(t, []string{"pos-1"}, engine.phantomFixes)

	recent, err := f.activity.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, DecisionAutoFix, recent[0].Decision)
	assert.Equal(t, "success", recent[0].ActionResult)
	assert.Equal(t, orders.IssuePhantomPosition, recent[0].IssueType)
}

func TestRunOnce_OrphanEscalatesNeverFixes(t *testing.T) {
	engine := &stubEngine{issues: []orders.ReconcileIssue{{
		Kind:        orders.IssueOrphanPosition,
		Severity:    domain.AlertCritical,
		Symbol:      "TSLA",
		Detail:      "present at broker, no local open position",
		AutoFixable: false,
	}}}
	f := newFixture(t, engine)

	require.NoError(t, f.svc.RunOnce(context.Background()))

	assert.Empty(t, engine.phantomFixes)
	assert.Empty(t, engine.qtyFixes)
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, domain.AlertCritical, f.alerts.alerts[0].Severity)

	recent, err := f.activity.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, DecisionEscalate, recent[0].Decision)
}

func TestRunOnce_LargeQtyMismatchEscalates(t *testing.T) {
	engine := &stubEngine{issues: []orders.ReconcileIssue{{
		Kind:        orders.IssueQtyMismatch,
		Severity:    domain.AlertCritical,
		PositionID:  "pos-1",
		Symbol:      "NVDA",
		LocalQty:    10,
		BrokerQty:   5,
		AutoFixable: false, // >= 10% divergence
	}}}
	f := newFixture(t, engine)

	require.NoError(t, f.svc.RunOnce(context.Background()))

	assert.Empty(t, engine.qtyFixes, "large mismatches are never auto-fixed")
	require.Len(t, f.alerts.alerts, 1)
}

func TestRunOnce_SmallQtyMismatchAutoFixes(t *testing.T) {
	engine := &stubEngine{issues: []orders.ReconcileIssue{{
		Kind:        orders.IssueQtyMismatch,
		Severity:    domain.AlertWarning,
		PositionID:  "pos-1",
		Symbol:      "MSFT",
		LocalQty:    10,
		BrokerQty:   9.5,
		AutoFixable: true,
	}}}
	f := newFixture(t, engine)

	require.NoError(t, f.svc.RunOnce(context.Background()))
	assert.Equal(t, map[string]float64{"pos-1": 9.5}, engine.qtyFixes)
}

func TestRunOnce_CooldownDefers(t *testing.T) {
	issue := orders.ReconcileIssue{
		Kind:        orders.IssuePhantomPosition,
		Severity:    domain.AlertCritical,
		PositionID:  "pos-1",
		Symbol:      "SYMX",
		AutoFixable: true,
	}
	engine := &stubEngine{issues: []orders.ReconcileIssue{issue}}
	f := newFixture(t, engine)

	require.NoError(t, f.svc.RunOnce(context.Background()))
	require.Len(t, engine.phantomFixes, 1)

	// Same issue again inside the cooldown window: deferred, not re-fixed.
	engine.issues = []orders.ReconcileIssue{issue}
	require.NoError(t, f.svc.RunOnce(context.Background()))
	assert.Len(t, engine.phantomFixes, 1)

	recent, err := f.activity.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	decisions := []string{recent[0].Decision, recent[1].Decision}
	assert.ElementsMatch(t, []string{DecisionAutoFix, DecisionDefer}, decisions)
}

func TestRunOnce_OutsideMarketHoursIsNoop(t *testing.T) {
	engine := &stubEngine{issues: []orders.ReconcileIssue{{
		Kind:        orders.IssuePhantomPosition,
		PositionID:  "pos-1",
		AutoFixable: true,
	}}}

	db := newAuditDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	rules := NewRulesRepository(db, log)
	require.NoError(t, rules.Seed())
	activity := NewActivityRepository(db, log)

	closed := closedClock{}
	svc := NewService(engine, &stubOrders{}, &stubCycles{}, rules, activity, &captureAlerts{}, closed, log)

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Empty(t, engine.phantomFixes)
}

type closedClock struct{}

func (closedClock) Now() time.Time                     { return time.Now() }
func (closedClock) InMarketHours(time.Time) bool       { return false }
func (closedClock) InFinalMinutes(time.Time, int) bool { return false }
