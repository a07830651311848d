// Package risk enforces the capital protection rules: pre-trade validation,
// the continuous P&L monitor, and the emergency stop protocol.
package risk

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/daytrader/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RiskEvent is one row of the append-only risk event log.
type RiskEvent struct {
	ID         string
	CycleID    string
	PositionID string
	EventType  string
	Severity   domain.AlertSeverity
	Message    string
	Details    map[string]any
	Resolved   bool
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// EventRepository appends to and reads the risk event log in audit.db.
type EventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewEventRepository creates a new risk event repository
func NewEventRepository(db *sql.DB, log zerolog.Logger) *EventRepository {
	return &EventRepository{
		db:  db,
		log: log.With().Str("repo", "risk_event").Logger(),
	}
}

// RecordEvent appends a risk event. Fire-and-forget: persistence failures
// are logged, never propagated, so risk bookkeeping cannot block trading
// decisions that have already been made.
func (r *EventRepository) RecordEvent(cycleID, positionID, eventType string, severity domain.AlertSeverity, message string, details map[string]any) {
	var detailsJSON any
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}

	_, err := r.db.Exec(`
		INSERT INTO risk_events (id, cycle_id, position_id, event_type, severity, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), nullString(cycleID), nullString(positionID),
		eventType, string(severity), message, detailsJSON, time.Now().Unix())
	if err != nil {
		r.log.Error().Err(err).Str("event_type", eventType).Msg("Failed to record risk event")
		return
	}

	r.log.Debug().Str("event_type", eventType).Str("severity", string(severity)).Msg("Risk event recorded")
}

// GetByCycle returns the cycle's risk events, newest first.
func (r *EventRepository) GetByCycle(cycleID string, limit int) ([]RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(`
		SELECT id, cycle_id, position_id, event_type, severity, message, details, resolved, created_at, resolved_at
		FROM risk_events
		WHERE cycle_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, cycleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk events: %w", err)
	}
	defer rows.Close()

	var events []RiskEvent
	for rows.Next() {
		var e RiskEvent
		var cycle, position, details sql.NullString
		var resolved int
		var createdAt int64
		var resolvedAt sql.NullInt64

		if err := rows.Scan(&e.ID, &cycle, &position, &e.EventType, &e.Severity,
			&e.Message, &details, &resolved, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk event: %w", err)
		}

		e.CycleID = cycle.String
		e.PositionID = position.String
		e.Resolved = resolved != 0
		e.CreatedAt = time.Unix(createdAt, 0)
		if resolvedAt.Valid {
			t := time.Unix(resolvedAt.Int64, 0)
			e.ResolvedAt = &t
		}
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Resolve marks an event handled.
func (r *EventRepository) Resolve(id string) error {
	_, err := r.db.Exec(`
		UPDATE risk_events SET resolved = 1, resolved_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve risk event: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
