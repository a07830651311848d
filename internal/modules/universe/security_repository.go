package universe

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// securitiesColumns is the column list for the securities table.
// Order must match scanSecurity.
const securitiesColumns = `id, symbol, name, sector_id, exchange, asset_type, active, created_at, updated_at`

// SecurityRepository handles security dimension rows.
type SecurityRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSecurityRepository creates a new security repository
func NewSecurityRepository(db *sql.DB, log zerolog.Logger) *SecurityRepository {
	return &SecurityRepository{
		db:  db,
		log: log.With().Str("repo", "security").Logger(),
	}
}

// GetOrCreateSecurity returns the id for a symbol, inserting the row on first
// reference. Safe under concurrent callers: the unique symbol index resolves
// the race and the loser re-reads the winner's row. Never duplicates.
func (r *SecurityRepository) GetOrCreateSecurity(symbol string) (int64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, fmt.Errorf("symbol is empty")
	}

	if id, err := r.idBySymbol(symbol); err == nil {
		return id, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up security %s: %w", symbol, err)
	}

	now := time.Now().Unix()
	res, err := r.db.Exec(`
		INSERT INTO securities (symbol, active, created_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(symbol) DO NOTHING
	`, symbol, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert security %s: %w", symbol, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		if id, err := res.LastInsertId(); err == nil {
			r.log.Debug().Str("symbol", symbol).Int64("id", id).Msg("Security created")
			return id, nil
		}
	}

	// Lost the race; the row exists now.
	id, err := r.idBySymbol(symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to read back security %s: %w", symbol, err)
	}
	return id, nil
}

func (r *SecurityRepository) idBySymbol(symbol string) (int64, error) {
	var id int64
	err := r.db.QueryRow(`SELECT id FROM securities WHERE symbol = ?`, symbol).Scan(&id)
	return id, err
}

// GetBySymbol retrieves a security by symbol, nil when absent.
func (r *SecurityRepository) GetBySymbol(symbol string) (*Security, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	row := r.db.QueryRow(`SELECT `+securitiesColumns+` FROM securities WHERE symbol = ?`, symbol)

	sec, err := scanSecurity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security by symbol: %w", err)
	}
	return &sec, nil
}

// GetByID retrieves a security by id, nil when absent.
func (r *SecurityRepository) GetByID(id int64) (*Security, error) {
	row := r.db.QueryRow(`SELECT `+securitiesColumns+` FROM securities WHERE id = ?`, id)

	sec, err := scanSecurity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security by id: %w", err)
	}
	return &sec, nil
}

// UpdateMetadata updates the mutable attributes of a security.
func (r *SecurityRepository) UpdateMetadata(id int64, name, exchange, assetType string, sectorID *int64, active bool) error {
	activeInt := 0
	if active {
		activeInt = 1
	}
	_, err := r.db.Exec(`
		UPDATE securities
		SET name = ?, exchange = ?, asset_type = ?, sector_id = ?, active = ?, updated_at = ?
		WHERE id = ?
	`, name, exchange, assetType, sectorID, activeInt, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update security metadata: %w", err)
	}
	return nil
}

// SectorIDForSecurity returns the sector id of a security, nil when unset.
func (r *SecurityRepository) SectorIDForSecurity(id int64) (*int64, error) {
	var sectorID sql.NullInt64
	err := r.db.QueryRow(`SELECT sector_id FROM securities WHERE id = ?`, id).Scan(&sectorID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sector for security %d: %w", id, err)
	}
	if !sectorID.Valid {
		return nil, nil
	}
	return &sectorID.Int64, nil
}

// ProbeHelpers verifies that the get-or-create helpers work against the live
// schema. Run at startup inside a rolled-back transaction; a failure means
// the schema is unusable and the service must not start.
func (r *SecurityRepository) ProbeHelpers() error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin helper probe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	if _, err := tx.Exec(`
		INSERT INTO securities (symbol, active, created_at, updated_at)
		VALUES ('__PROBE__', 1, ?, ?)
		ON CONFLICT(symbol) DO NOTHING
	`, now, now); err != nil {
		return fmt.Errorf("security helper probe failed: %w", err)
	}

	return nil
}

func scanSecurity(row *sql.Row) (Security, error) {
	var s Security
	var name, exchange, assetType sql.NullString
	var sectorID sql.NullInt64
	var active int
	var createdAt, updatedAt int64

	err := row.Scan(&s.ID, &s.Symbol, &name, &sectorID, &exchange, &assetType, &active, &createdAt, &updatedAt)
	if err != nil {
		return Security{}, err
	}

	s.Name = name.String
	s.Exchange = exchange.String
	s.AssetType = assetType.String
	if sectorID.Valid {
		s.SectorID = &sectorID.Int64
	}
	s.Active = active != 0
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return s, nil
}
