// Package universe manages the reference dimensions: securities, sectors and
// the time dimension. Rows are created on first reference and never deleted.
package universe

import "time"

// Security is one tradable instrument. Unique by upper-cased symbol.
// Immutable except for metadata (name, sector, exchange, active flag).
type Security struct {
	ID        int64
	Symbol    string
	Name      string
	SectorID  *int64
	Exchange  string
	AssetType string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sector is static reference data.
type Sector struct {
	ID   int64
	Code string
	Name string
}

// TimeKey is one row of the time dimension, unique by timestamp.
type TimeKey struct {
	ID          int64
	Timestamp   time.Time
	Date        string // YYYY-MM-DD
	Time        string // HH:MM:SS
	Hour        int
	Minute      int
	DOW         int
	MarketHours bool
	MarketPhase string // pre_market | regular | after_hours | closed
}
