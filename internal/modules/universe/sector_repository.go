package universe

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// SectorRepository handles static sector reference data.
type SectorRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSectorRepository creates a new sector repository
func NewSectorRepository(db *sql.DB, log zerolog.Logger) *SectorRepository {
	return &SectorRepository{
		db:  db,
		log: log.With().Str("repo", "sector").Logger(),
	}
}

// defaultSectors is the GICS-style seed set.
var defaultSectors = []Sector{
	{Code: "ENER", Name: "Energy"},
	{Code: "MATR", Name: "Materials"},
	{Code: "INDU", Name: "Industrials"},
	{Code: "COND", Name: "Consumer Discretionary"},
	{Code: "CONS", Name: "Consumer Staples"},
	{Code: "HLTH", Name: "Health Care"},
	{Code: "FINL", Name: "Financials"},
	{Code: "INFT", Name: "Information Technology"},
	{Code: "TELS", Name: "Communication Services"},
	{Code: "UTIL", Name: "Utilities"},
	{Code: "REAL", Name: "Real Estate"},
}

// Seed inserts the default sector set; existing codes are left alone.
func (r *SectorRepository) Seed() error {
	for _, s := range defaultSectors {
		_, err := r.db.Exec(`
			INSERT INTO sectors (code, name) VALUES (?, ?)
			ON CONFLICT(code) DO NOTHING
		`, s.Code, s.Name)
		if err != nil {
			return fmt.Errorf("failed to seed sector %s: %w", s.Code, err)
		}
	}
	return nil
}

// GetByCode retrieves a sector by code, nil when absent.
func (r *SectorRepository) GetByCode(code string) (*Sector, error) {
	var s Sector
	err := r.db.QueryRow(`SELECT id, code, name FROM sectors WHERE code = ?`, code).
		Scan(&s.ID, &s.Code, &s.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sector by code: %w", err)
	}
	return &s, nil
}

// GetAll returns all sectors.
func (r *SectorRepository) GetAll() ([]Sector, error) {
	rows, err := r.db.Query(`SELECT id, code, name FROM sectors ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sectors: %w", err)
	}
	defer rows.Close()

	var sectors []Sector
	for rows.Next() {
		var s Sector
		if err := rows.Scan(&s.ID, &s.Code, &s.Name); err != nil {
			return nil, fmt.Errorf("failed to scan sector: %w", err)
		}
		sectors = append(sectors, s)
	}
	return sectors, rows.Err()
}
