package scanner

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/daytrader/internal/database"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ScanRepository persists scan results.
type ScanRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewScanRepository creates a new scan repository
func NewScanRepository(db *sql.DB, log zerolog.Logger) *ScanRepository {
	return &ScanRepository{
		db:  db,
		log: log.With().Str("repo", "scan").Logger(),
	}
}

// InsertBatch writes one scan's results in a single transaction. The unique
// (cycle, security, ts) index makes re-running a scan for the same instant a
// no-op instead of a duplicate.
func (r *ScanRepository) InsertBatch(results []ScanResult) error {
	if len(results) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO scan_results
			(id, cycle_id, security_id, time_id, scan_ts, rank, price, volume,
			 gap_pct, rel_volume, float_shares, catalyst_score, pattern_score,
			 technical_score, composite_score, status, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(cycle_id, security_id, scan_ts) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare scan insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().Unix()
		for _, res := range results {
			id := res.ID
			if id == "" {
				id = uuid.New().String()
			}

			var metadata any
			if len(res.Metadata) > 0 {
				if b, err := json.Marshal(res.Metadata); err == nil {
					metadata = string(b)
				}
			}

			if _, err := stmt.Exec(
				id, res.CycleID, res.SecurityID, res.TimeID, res.ScanTS.Unix(),
				res.Rank, res.Price, res.Volume, res.GapPct, res.RelVolume,
				res.FloatShares, res.CatalystScore, res.PatternScore,
				res.TechnicalScore, res.CompositeScore, string(res.Status),
				metadata, now,
			); err != nil {
				return fmt.Errorf("failed to insert scan result for security %d: %w", res.SecurityID, err)
			}
		}
		return nil
	})
}

// UpdateScores writes the final stage scores and status for one security's
// scan row in a cycle.
func (r *ScanRepository) UpdateScores(cycleID string, securityID int64, catalyst, pattern, technical, composite float64, status ScanStatus) error {
	_, err := r.db.Exec(`
		UPDATE scan_results
		SET catalyst_score = ?, pattern_score = ?, technical_score = ?,
		    composite_score = ?, status = ?
		WHERE cycle_id = ? AND security_id = ?
	`, catalyst, pattern, technical, composite, string(status), cycleID, securityID)
	if err != nil {
		return fmt.Errorf("failed to update scan scores: %w", err)
	}
	return nil
}

// CountByCycle returns the number of scan rows for a cycle.
func (r *ScanRepository) CountByCycle(cycleID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM scan_results WHERE cycle_id = ?`, cycleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count scan results: %w", err)
	}
	return count, nil
}
