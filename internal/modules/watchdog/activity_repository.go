package watchdog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Decisions logged by the watchdog.
const (
	DecisionAutoFix  = "auto_fix"
	DecisionEscalate = "escalate"
	DecisionMonitor  = "monitor"
	DecisionNoAction = "no_action"
	DecisionDefer    = "defer"
)

// Activity is one observe/decide/act tuple in the append-only log.
type Activity struct {
	ID              string
	LoggedAt        time.Time
	Session         string
	CycleID         string
	ObservationType string
	IssuesSummary   string
	Decision        string
	ActionType      string
	ActionDetail    string
	ActionResult    string
	IssueType       string
	IssueSeverity   string
	ObserveMs       int64
	ActMs           int64
	Metadata        map[string]any
}

// ActivityRepository appends to and reads the watchdog activity log.
type ActivityRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *sql.DB, log zerolog.Logger) *ActivityRepository {
	return &ActivityRepository{
		db:  db,
		log: log.With().Str("repo", "watchdog_activity").Logger(),
	}
}

// Log appends one activity row. Append-only: rows are never updated.
func (r *ActivityRepository) Log(a Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.LoggedAt.IsZero() {
		a.LoggedAt = time.Now()
	}

	var metadata any
	if len(a.Metadata) > 0 {
		if b, err := json.Marshal(a.Metadata); err == nil {
			metadata = string(b)
		}
	}

	_, err := r.db.Exec(`
		INSERT INTO watchdog_activity
		(id, logged_at, session, cycle_id, observation_type, issues_summary,
		 decision, action_type, action_detail, action_result, issue_type,
		 issue_severity, observe_ms, act_ms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.LoggedAt.Unix(), a.Session, nullString(a.CycleID), a.ObservationType,
		nullString(a.IssuesSummary), a.Decision, nullString(a.ActionType),
		nullString(a.ActionDetail), nullString(a.ActionResult), nullString(a.IssueType),
		nullString(a.IssueSeverity), a.ObserveMs, a.ActMs, metadata)
	if err != nil {
		return fmt.Errorf("failed to log watchdog activity: %w", err)
	}
	return nil
}

// CountAutoFixes counts auto-fix decisions for an issue kind since a cutoff.
// Feeds the per-hour fix budget.
func (r *ActivityRepository) CountAutoFixes(issueType string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM watchdog_activity
		WHERE issue_type = ? AND decision = ? AND logged_at >= ?
	`, issueType, DecisionAutoFix, since.Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count auto fixes: %w", err)
	}
	return count, nil
}

// LastAutoFix returns when an issue kind was last auto-fixed, nil if never.
// Feeds the cooldown check.
func (r *ActivityRepository) LastAutoFix(issueType string) (*time.Time, error) {
	var loggedAt sql.NullInt64
	err := r.db.QueryRow(`
		SELECT MAX(logged_at) FROM watchdog_activity
		WHERE issue_type = ? AND decision = ?
	`, issueType, DecisionAutoFix).Scan(&loggedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to find last auto fix: %w", err)
	}
	if !loggedAt.Valid {
		return nil, nil
	}
	t := time.Unix(loggedAt.Int64, 0)
	return &t, nil
}

// Recent returns the newest activity rows.
func (r *ActivityRepository) Recent(limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`
		SELECT id, logged_at, session, cycle_id, observation_type, issues_summary,
		       decision, action_type, action_detail, action_result, issue_type,
		       issue_severity, observe_ms, act_ms, metadata
		FROM watchdog_activity
		ORDER BY logged_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchdog activity: %w", err)
	}
	defer rows.Close()

	var result []Activity
	for rows.Next() {
		var a Activity
		var loggedAt int64
		var cycleID, summary, actionType, actionDetail, actionResult, issueType, issueSeverity, metadata sql.NullString

		if err := rows.Scan(&a.ID, &loggedAt, &a.Session, &cycleID, &a.ObservationType,
			&summary, &a.Decision, &actionType, &actionDetail, &actionResult,
			&issueType, &issueSeverity, &a.ObserveMs, &a.ActMs, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan watchdog activity: %w", err)
		}

		a.LoggedAt = time.Unix(loggedAt, 0)
		a.CycleID = cycleID.String
		a.IssuesSummary = summary.String
		a.ActionType = actionType.String
		a.ActionDetail = actionDetail.String
		a.ActionResult = actionResult.String
		a.IssueType = issueType.String
		a.IssueSeverity = issueSeverity.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &a.Metadata)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
