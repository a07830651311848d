package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/internal/modules/orders"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EngineOps is the slice of the order engine the watchdog drives.
type EngineOps interface {
	Reconcile(ctx context.Context, cycleID string) ([]orders.ReconcileIssue, error)
	ReconcileOrders(ctx context.Context, window time.Duration) []error
	FixPhantom(positionID string) error
	FixQty(positionID string, brokerQty float64) error
}

// OrderReader reads stuck orders.
type OrderReader interface {
	GetStuck(maxAge time.Duration) ([]domain.Order, error)
}

// CycleReader reads stale cycles.
type CycleReader interface {
	GetStale(maxAge time.Duration) ([]domain.TradingCycle, error)
}

// Service is the reconciliation watchdog. Each run observes (stuck orders,
// position reconcile, order status reconcile, stale cycles), consults the
// rules table, applies permitted fixes within budget, and logs every
// decision to the append-only activity log.
type Service struct {
	engine   EngineOps
	orders   OrderReader
	cycles   CycleReader
	rules    *RulesRepository
	activity *ActivityRepository
	alerts   domain.AlertSender
	clock    domain.Clock
	log      zerolog.Logger

	stuckOrderAge   time.Duration
	orderSyncWindow time.Duration
	staleCycleAge   time.Duration
}

// NewService creates a new watchdog.
func NewService(
	engine EngineOps,
	orderReader OrderReader,
	cycleReader CycleReader,
	rules *RulesRepository,
	activity *ActivityRepository,
	alerts domain.AlertSender,
	clock domain.Clock,
	log zerolog.Logger,
) *Service {
	return &Service{
		engine:          engine,
		orders:          orderReader,
		cycles:          cycleReader,
		rules:           rules,
		activity:        activity,
		alerts:          alerts,
		clock:           clock,
		log:             log.With().Str("service", "watchdog").Logger(),
		stuckOrderAge:   5 * time.Minute,
		orderSyncWindow: 24 * time.Hour,
		staleCycleAge:   30 * time.Minute,
	}
}

// RunOnce performs one full watchdog pass. Outside market hours it is a
// no-op: there is nothing to reconcile against a closed market.
func (s *Service) RunOnce(ctx context.Context) error {
	if !s.clock.InMarketHours(s.clock.Now()) {
		return nil
	}

	session := uuid.New().String()
	started := time.Now()

	var issues []orders.ReconcileIssue

	// Stuck orders: non-terminal past the age limit.
	stuck, err := s.orders.GetStuck(s.stuckOrderAge)
	if err != nil {
		s.log.Error().Err(err).Msg("Stuck order scan failed")
	}
	for _, o := range stuck {
		issues = append(issues, orders.ReconcileIssue{
			Kind:     orders.IssueStuckOrder,
			Severity: domain.AlertWarning,
			OrderID:  o.ID,
			Symbol:   fmt.Sprintf("order %s", o.ID),
			Detail:   fmt.Sprintf("status %s since %v", o.Status, o.SubmittedAt),
		})
	}

	// Position reconciliation against broker truth.
	posIssues, err := s.engine.Reconcile(ctx, "")
	if err != nil {
		s.log.Error().Err(err).Msg("Position reconcile failed")
		s.logActivity(Activity{
			Session:         session,
			ObservationType: "position_reconcile",
			Decision:        DecisionDefer,
			ActionResult:    err.Error(),
			ObserveMs:       time.Since(started).Milliseconds(),
		})
	} else {
		issues = append(issues, posIssues...)
	}

	// Order status sync is direct broker-truth adoption; not rules-gated.
	if errs := s.engine.ReconcileOrders(ctx, s.orderSyncWindow); len(errs) > 0 {
		for _, err := range errs {
			s.log.Warn().Err(err).Msg("Order status sync issue")
		}
	}

	// Stale cycles.
	staleCycles, err := s.cycles.GetStale(s.staleCycleAge)
	if err != nil {
		s.log.Error().Err(err).Msg("Stale cycle scan failed")
	}
	for _, c := range staleCycles {
		issues = append(issues, orders.ReconcileIssue{
			Kind:     orders.IssueStaleCycle,
			Severity: domain.AlertWarning,
			Symbol:   c.ID,
			Detail:   fmt.Sprintf("cycle in state %s with no update since %s", c.State, c.UpdatedAt.Format(time.RFC3339)),
		})
	}

	observeMs := time.Since(started).Milliseconds()

	for _, issue := range issues {
		s.handleIssue(session, issue, observeMs)
	}

	if len(issues) == 0 {
		s.logActivity(Activity{
			Session:         session,
			ObservationType: "full_pass",
			IssuesSummary:   "no issues",
			Decision:        DecisionNoAction,
			ObserveMs:       observeMs,
		})
	}

	s.log.Info().Int("issues", len(issues)).Msg("Watchdog pass complete")
	return nil
}

// handleIssue decides and acts on one issue per the rules table.
func (s *Service) handleIssue(session string, issue orders.ReconcileIssue, observeMs int64) {
	rule, err := s.rules.GetByIssueType(issue.Kind)
	if err != nil {
		s.log.Error().Err(err).Str("issue", issue.Kind).Msg("Rule lookup failed")
	}

	activity := Activity{
		Session:         session,
		ObservationType: issue.Kind,
		IssuesSummary:   fmt.Sprintf("%s: %s", issue.Symbol, issue.Detail),
		IssueType:       issue.Kind,
		IssueSeverity:   string(issue.Severity),
		ObserveMs:       observeMs,
	}

	if !issue.AutoFixable || rule == nil || !rule.Active || !rule.AutoFixEnabled {
		activity.Decision = s.escalateOrMonitor(issue)
		s.logActivity(activity)
		return
	}

	allowed, why := s.fixBudgetAllows(rule)
	if !allowed {
		activity.Decision = DecisionDefer
		activity.ActionResult = why
		s.logActivity(activity)
		return
	}

	actStart := time.Now()
	fixErr := s.applyFix(issue)

	activity.Decision = DecisionAutoFix
	activity.ActionType = rule.FixTemplate
	activity.ActionDetail = fmt.Sprintf("position=%s order=%s", issue.PositionID, issue.OrderID)
	activity.ActMs = time.Since(actStart).Milliseconds()
	if fixErr != nil {
		activity.ActionResult = "failed: " + fixErr.Error()
		s.alerts.Send(domain.Alert{
			Severity: domain.AlertCritical,
			Title:    "Watchdog auto-fix failed",
			Message:  fmt.Sprintf("%s on %s: %v", issue.Kind, issue.Symbol, fixErr),
		})
	} else {
		activity.ActionResult = "success"
	}
	s.logActivity(activity)
}

// escalateOrMonitor routes non-fixable issues: critical ones alert, the rest
// are just watched.
func (s *Service) escalateOrMonitor(issue orders.ReconcileIssue) string {
	if issue.Severity == domain.AlertCritical {
		s.alerts.Send(domain.Alert{
			Severity: domain.AlertCritical,
			Title:    "Watchdog escalation: " + issue.Kind,
			Message:  fmt.Sprintf("%s: %s", issue.Symbol, issue.Detail),
		})
		return DecisionEscalate
	}
	return DecisionMonitor
}

// fixBudgetAllows enforces the per-hour budget and cooldown for a rule.
func (s *Service) fixBudgetAllows(rule *Rule) (bool, string) {
	count, err := s.activity.CountAutoFixes(rule.IssueType, time.Now().Add(-time.Hour))
	if err != nil {
		return false, "fix budget check failed: " + err.Error()
	}
	if rule.MaxFixesPerHour > 0 && count >= rule.MaxFixesPerHour {
		return false, fmt.Sprintf("hourly fix budget %d exhausted", rule.MaxFixesPerHour)
	}

	if rule.CooldownMinutes > 0 {
		last, err := s.activity.LastAutoFix(rule.IssueType)
		if err != nil {
			return false, "cooldown check failed: " + err.Error()
		}
		if last != nil && time.Since(*last) < time.Duration(rule.CooldownMinutes)*time.Minute {
			return false, fmt.Sprintf("in %dm cooldown", rule.CooldownMinutes)
		}
	}

	return true, ""
}

// applyFix runs the pre-approved mutation for an issue kind. Only local
// bookkeeping: nothing here places broker orders or closes real positions.
func (s *Service) applyFix(issue orders.ReconcileIssue) error {
	switch issue.Kind {
	case orders.IssuePhantomPosition:
		return s.engine.FixPhantom(issue.PositionID)
	case orders.IssueQtyMismatch:
		return s.engine.FixQty(issue.PositionID, issue.BrokerQty)
	}
	return fmt.Errorf("no fix template for issue kind %s", issue.Kind)
}

func (s *Service) logActivity(a Activity) {
	if err := s.activity.Log(a); err != nil {
		s.log.Error().Err(err).Msg("Failed to log watchdog activity")
	}
}
