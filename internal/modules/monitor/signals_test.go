package monitor

import (
	"testing"

	"github.com/aristath/daytrader/internal/config"
	"github.com/stretchr/testify/assert"
)

func monitorConfig() *config.MonitorConfig {
	cfg := config.DefaultTradingConfig().Monitor
	return &cfg
}

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }

func names(signals []ExitSignal) []string {
	out := make([]string, len(signals))
	for i, s := range signals {
		out[i] = s.Name
	}
	return out
}

func TestEvaluateExit_HardStops(t *testing.T) {
	cfg := monitorConfig() // stop -5%, target +10%, trail 3%

	testCases := []struct {
		name     string
		snap     Snapshot
		expected []string
	}{
		{
			name:     "stop loss hit exactly at boundary",
			snap:     Snapshot{PnLPct: -5.0, Price: 95, HighWatermark: 100},
			expected: []string{SignalStopLossHit, SignalTrailingStopHit},
		},
		{
			name:     "just above the stop",
			snap:     Snapshot{PnLPct: -2.9, Price: 97.1, HighWatermark: 97.1},
			expected: nil,
		},
		{
			name:     "take profit hit",
			snap:     Snapshot{PnLPct: 10.0, Price: 110, HighWatermark: 110},
			expected: []string{SignalTakeProfitHit},
		},
		{
			name: "trailing stop with watermark at entry behaves as plain stop",
			// high watermark == entry price: 3% off entry fires the trail
			snap:     Snapshot{PnLPct: -3.0, Price: 97, HighWatermark: 100},
			expected: []string{SignalTrailingStopHit},
		},
		{
			name:     "market closing window",
			snap:     Snapshot{PnLPct: 1, Price: 101, HighWatermark: 101, InFinalMinutes: true},
			expected: []string{SignalMarketClosing},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateExit(tc.snap, cfg)
			assert.ElementsMatch(t, tc.expected, names(got))
		})
	}
}

func TestEvaluateExit_Strengths(t *testing.T) {
	cfg := monitorConfig()

	t.Run("rsi overbought grades", func(t *testing.T) {
		got := EvaluateExit(Snapshot{PnLPct: 1, Price: 101, HighWatermark: 101, RSI: fptr(86)}, cfg)
		assert.Equal(t, []ExitSignal{{SignalRSIOverbought, StrengthStrong}}, got)

		got = EvaluateExit(Snapshot{PnLPct: 1, Price: 101, HighWatermark: 101, RSI: fptr(78)}, cfg)
		assert.Equal(t, []ExitSignal{{SignalRSIOverbought, StrengthModerate}}, got)
	})

	t.Run("volume collapse grades", func(t *testing.T) {
		got := EvaluateExit(Snapshot{PnLPct: 1, Price: 101, HighWatermark: 101, VolumeRatio: fptr(0.2)}, cfg)
		assert.Equal(t, []ExitSignal{{SignalVolumeCollapse, StrengthStrong}}, got)

		got = EvaluateExit(Snapshot{PnLPct: 1, Price: 101, HighWatermark: 101, VolumeRatio: fptr(0.35)}, cfg)
		assert.Equal(t, []ExitSignal{{SignalVolumeCollapse, StrengthModerate}}, got)
	})

	t.Run("macd bearish is moderate", func(t *testing.T) {
		got := EvaluateExit(Snapshot{PnLPct: 1, Price: 101, HighWatermark: 101, MACDBullish: bptr(false)}, cfg)
		assert.Equal(t, []ExitSignal{{SignalMACDBearish, StrengthModerate}}, got)
	})
}

func TestEvaluateHold(t *testing.T) {
	snap := Snapshot{
		PnLPct:      2.5,
		RSI:         fptr(55),
		VolumeRatio: fptr(1.5),
		AboveVWAP:   bptr(true),
		MACDBullish: bptr(true),
	}

	got := EvaluateHold(snap)
	assert.ElementsMatch(t, []string{
		SignalHealthyProfit, SignalRSIHealthy, SignalVolumeStrong, SignalAboveVWAP, SignalMACDBullish,
	}, got)

	// Runaway profit is no longer "healthy", missing indicators stay silent.
	got = EvaluateHold(Snapshot{PnLPct: 7})
	assert.Empty(t, got)
}

func TestVerdict(t *testing.T) {
	assert.Equal(t, RecommendHold, Verdict(nil))
	assert.Equal(t, RecommendExit, Verdict([]ExitSignal{{SignalStopLossHit, StrengthStrong}}))
	assert.Equal(t, RecommendReview, Verdict([]ExitSignal{{SignalMACDBearish, StrengthModerate}}))
	assert.Equal(t, RecommendExit, Verdict([]ExitSignal{
		{SignalMACDBearish, StrengthModerate},
		{SignalMarketClosing, StrengthStrong},
	}))
}
