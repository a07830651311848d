// Package watchdog periodically audits local state against broker truth and
// the pipeline's own liveness. Every observation lands in an append-only
// activity log; fixes are gated by a per-issue-kind rules table and a
// hard-coded forbidden list (no new orders, no closing real positions, no
// orphan adoption).
package watchdog

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/daytrader/internal/modules/orders"
	"github.com/rs/zerolog"
)

// Rule is the auto-fix policy for one issue kind.
type Rule struct {
	ID                 int64
	IssueType          string
	AutoFixEnabled     bool
	FixTemplate        string
	MaxFixesPerHour    int
	CooldownMinutes    int
	EscalationPriority string
	Active             bool
}

// RulesRepository reads and seeds the watchdog rules table.
type RulesRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRulesRepository creates a new rules repository
func NewRulesRepository(db *sql.DB, log zerolog.Logger) *RulesRepository {
	return &RulesRepository{
		db:  db,
		log: log.With().Str("repo", "watchdog_rules").Logger(),
	}
}

// defaultRules is the shipped policy. Orphan positions and anything that
// would touch real money stay escalate-only regardless of this table; the
// flags here only govern the benign bookkeeping fixes.
var defaultRules = []Rule{
	{IssueType: orders.IssuePhantomPosition, AutoFixEnabled: true, FixTemplate: "close_local_position", MaxFixesPerHour: 10, CooldownMinutes: 5, EscalationPriority: "high", Active: true},
	{IssueType: orders.IssueQtyMismatch, AutoFixEnabled: true, FixTemplate: "adopt_broker_qty", MaxFixesPerHour: 10, CooldownMinutes: 5, EscalationPriority: "medium", Active: true},
	{IssueType: orders.IssueOrphanPosition, AutoFixEnabled: false, EscalationPriority: "critical", MaxFixesPerHour: 0, CooldownMinutes: 0, Active: true},
	{IssueType: orders.IssueStuckOrder, AutoFixEnabled: false, EscalationPriority: "high", MaxFixesPerHour: 0, CooldownMinutes: 0, Active: true},
	{IssueType: orders.IssueStaleCycle, AutoFixEnabled: false, EscalationPriority: "medium", MaxFixesPerHour: 0, CooldownMinutes: 0, Active: true},
}

// Seed inserts the default rules; operator-edited rows are left alone.
func (r *RulesRepository) Seed() error {
	for _, rule := range defaultRules {
		autoFix := 0
		if rule.AutoFixEnabled {
			autoFix = 1
		}
		active := 0
		if rule.Active {
			active = 1
		}

		_, err := r.db.Exec(`
			INSERT INTO watchdog_rules
			(issue_type, auto_fix_enabled, fix_template, max_fixes_per_hour,
			 cooldown_minutes, escalation_priority, active)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(issue_type) DO NOTHING
		`, rule.IssueType, autoFix, rule.FixTemplate, rule.MaxFixesPerHour,
			rule.CooldownMinutes, rule.EscalationPriority, active)
		if err != nil {
			return fmt.Errorf("failed to seed rule %s: %w", rule.IssueType, err)
		}
	}
	return nil
}

// GetByIssueType returns the rule for an issue kind, nil when absent.
func (r *RulesRepository) GetByIssueType(issueType string) (*Rule, error) {
	row := r.db.QueryRow(`
		SELECT id, issue_type, auto_fix_enabled, fix_template, max_fixes_per_hour,
		       cooldown_minutes, escalation_priority, active
		FROM watchdog_rules
		WHERE issue_type = ?
	`, issueType)

	var rule Rule
	var autoFix, active int
	var template sql.NullString

	err := row.Scan(&rule.ID, &rule.IssueType, &autoFix, &template,
		&rule.MaxFixesPerHour, &rule.CooldownMinutes, &rule.EscalationPriority, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule for %s: %w", issueType, err)
	}

	rule.AutoFixEnabled = autoFix != 0
	rule.Active = active != 0
	rule.FixTemplate = template.String
	return &rule, nil
}
