// Package clientdata is a small TTL cache over cache.db for broker-derived
// data (quotes, bars). It keeps monitor ticks and scan stages from
// re-fetching the same series inside the broker's rate budget. Values are
// msgpack-encoded; expired rows are treated as absent and reaped by the
// cleanup job.
package clientdata

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Repository is the client data cache.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new client data repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "clientdata").Logger(),
	}
}

// Put stores value under key with the given TTL.
func (r *Repository) Put(key string, value any, ttl time.Duration) error {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for %s: %w", key, err)
	}

	now := time.Now()
	_, err = r.db.Exec(`
		INSERT INTO client_data (key, payload, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, payload, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to store cache value for %s: %w", key, err)
	}
	return nil
}

// Get loads key into dest. Returns false when absent or expired.
func (r *Repository) Get(key string, dest any) (bool, error) {
	var payload []byte
	var expiresAt int64

	err := r.db.QueryRow(`
		SELECT payload, expires_at FROM client_data WHERE key = ?
	`, key).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache value for %s: %w", key, err)
	}

	if time.Now().Unix() >= expiresAt {
		return false, nil
	}

	if err := msgpack.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("failed to decode cache value for %s: %w", key, err)
	}
	return true, nil
}

// CleanupExpired deletes rows past their TTL and reports how many.
func (r *Repository) CleanupExpired() (int64, error) {
	res, err := r.db.Exec(`DELETE FROM client_data WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired cache rows: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Debug().Int64("deleted", n).Msg("Expired cache rows removed")
	}
	return n, nil
}
