package database

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed schemas/*.sql
var schemaFS embed.FS

// schemaFiles maps database names to their schema files.
// Each database's schema file is its single source of truth.
var schemaFiles = map[string]string{
	"universe": "schemas/universe_schema.sql",
	"trading":  "schemas/trading_schema.sql",
	"audit":    "schemas/audit_schema.sql",
	"cache":    "schemas/cache_schema.sql",
}

// requiredObjects lists, per database, the tables and named unique indexes
// that must exist for the service to run. Startup refuses to proceed when
// any is missing; schema mismatches are never swallowed.
var requiredObjects = map[string]struct {
	tables  []string
	indexes []string
}{
	"universe": {
		tables:  []string{"sectors", "securities", "time_dimension"},
		indexes: []string{"idx_securities_symbol", "idx_time_dimension_ts"},
	},
	"trading": {
		tables: []string{"trading_cycles", "scan_results", "orders", "positions", "position_monitor_status"},
		indexes: []string{
			"idx_trading_cycles_date",
			"idx_scan_results_cycle_security_ts",
			"idx_orders_broker_order_id",
			"idx_monitor_status_position",
		},
	},
	"audit": {
		tables:  []string{"risk_events", "watchdog_activity", "watchdog_rules"},
		indexes: []string{"idx_watchdog_rules_issue_type"},
	},
	"cache": {
		tables: []string{"client_data"},
	},
}

// ApplySchema applies the embedded schema for this database inside one
// transaction. Schemas use IF NOT EXISTS throughout, so re-running is safe.
func (db *DB) ApplySchema() error {
	schemaFile, ok := schemaFiles[db.name]
	if !ok {
		return fmt.Errorf("no schema registered for database %q", db.name)
	}

	content, err := schemaFS.ReadFile(schemaFile)
	if err != nil {
		return fmt.Errorf("failed to read schema %s: %w", schemaFile, err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema %s: %w", schemaFile, err)
	}

	if _, err := tx.Exec(string(content)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to execute schema %s for %s: %w", schemaFile, db.name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema %s for %s: %w", schemaFile, db.name, err)
	}

	return nil
}

// ValidateSchema verifies that every required table and unique index exists.
// A miss is fatal to startup: trading against a partial schema corrupts the
// local record of real-money state.
func (db *DB) ValidateSchema() error {
	required, ok := requiredObjects[db.name]
	if !ok {
		return fmt.Errorf("no schema requirements registered for database %q", db.name)
	}

	var missing []string

	for _, table := range required.tables {
		var name string
		err := db.conn.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			missing = append(missing, "table "+table)
		}
	}

	for _, index := range required.indexes {
		var name string
		err := db.conn.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, index,
		).Scan(&name)
		if err != nil {
			missing = append(missing, "index "+index)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("database %s schema validation failed, missing: %s",
			db.name, strings.Join(missing, ", "))
	}

	return nil
}
