package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyAndValidateSchema(t *testing.T) {
	for name, profile := range map[string]DatabaseProfile{
		"universe": ProfileStandard,
		"trading":  ProfileStandard,
		"audit":    ProfileLedger,
		"cache":    ProfileCache,
	} {
		t.Run(name, func(t *testing.T) {
			db, err := New(Config{
				Path:    filepath.Join(t.TempDir(), name+".db"),
				Profile: profile,
				Name:    name,
			})
			require.NoError(t, err)
			defer db.Close()

			require.NoError(t, db.ApplySchema())
			assert.NoError(t, db.ValidateSchema())

			// Re-applying is idempotent.
			require.NoError(t, db.ApplySchema())
		})
	}
}

func TestValidateSchema_RefusesMissingTables(t *testing.T) {
	db, err := New(Config{
		Path: filepath.Join(t.TempDir(), "trading.db"),
		Name: "trading",
	})
	require.NoError(t, err)
	defer db.Close()

	// No schema applied: validation must fail loudly, not be swallowed.
	err = db.ValidateSchema()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Contains(t, err.Error(), "orders")
}

func TestValidateSchema_UnknownDatabase(t *testing.T) {
	db, err := New(Config{
		Path: filepath.Join(t.TempDir(), "mystery.db"),
		Name: "mystery",
	})
	require.NoError(t, err)
	defer db.Close()

	assert.Error(t, db.ValidateSchema())
	assert.Error(t, db.ApplySchema())
}

func TestHealthCheckAndMaintenance(t *testing.T) {
	db, err := New(Config{
		Path: filepath.Join(t.TempDir(), "trading.db"),
		Name: "trading",
	})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.ApplySchema())

	assert.NoError(t, db.HealthCheck(context.Background()))
	assert.NoError(t, db.WALCheckpoint(""))
	assert.NoError(t, db.Vacuum())
}

func TestWithTransaction(t *testing.T) {
	db, err := New(Config{
		Path: filepath.Join(t.TempDir(), "cache.db"),
		Name: "cache",
	})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.ApplySchema())

	put := func(key string) error {
		return WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO client_data (key, payload, expires_at, updated_at) VALUES (?, x'00', 1, 1)`, key)
			return err
		})
	}

	t.Run("commit on success", func(t *testing.T) {
		require.NoError(t, put("a"))

		var count int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM client_data`).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("rollback on error", func(t *testing.T) {
		err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			if _, err := tx.Exec(`INSERT INTO client_data (key, payload, expires_at, updated_at) VALUES ('b', x'00', 1, 1)`); err != nil {
				return err
			}
			return errors.New("boom")
		})
		require.Error(t, err)

		var count int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM client_data WHERE key = 'b'`).Scan(&count))
		assert.Equal(t, 0, count)
	})

	t.Run("panic is recovered and rolled back", func(t *testing.T) {
		err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			panic("boom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panic")
	})
}
