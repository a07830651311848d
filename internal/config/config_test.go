package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTradingConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadTradingConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Session.Mode)
	assert.Equal(t, 2000.0, cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 5, cfg.Risk.MaxPositions)
	assert.Equal(t, 0.5, cfg.Filters.News.FallbackScore)
	assert.False(t, cfg.Filters.News.Required)
	assert.True(t, cfg.Filters.Technical.Required)
}

func TestLoadTradingConfig_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
risk:
  max_daily_loss: 500
filters:
  news:
    enabled: true
    required: true
    fallback_score: 0.4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadTradingConfig(path)
	require.NoError(t, err)

	// Overridden keys take effect.
	assert.Equal(t, 500.0, cfg.Risk.MaxDailyLoss)
	assert.True(t, cfg.Filters.News.Required)
	assert.Equal(t, 0.4, cfg.Filters.News.FallbackScore)

	// Untouched keys keep defaults.
	assert.Equal(t, 5, cfg.Risk.MaxPositions)
	assert.Equal(t, 0.75, cfg.Risk.WarningThresholdPct)
	assert.Equal(t, 3, cfg.Workflow.ExecuteTopN)
}

func TestLoadTradingConfig_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	testCases := []struct {
		name    string
		content string
	}{
		{"zero daily loss", "risk:\n  max_daily_loss: 0\n"},
		{"bad mode", "session:\n  mode: yolo\n"},
		{"warning threshold out of range", "risk:\n  warning_threshold_pct: 1.5\n"},
		{"malformed yaml", "risk: [\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0644))
			_, err := LoadTradingConfig(path)
			assert.Error(t, err)
		})
	}
}
