// Package monitor is the position monitor daemon: a scheduled signal
// detection engine that produces hold/exit/review verdicts for every open
// position during market hours.
package monitor

import (
	"github.com/aristath/daytrader/internal/config"
)

// Strength tags an exit signal.
type Strength string

const (
	StrengthWeak     Strength = "WEAK"
	StrengthModerate Strength = "MODERATE"
	StrengthStrong   Strength = "STRONG"
)

// Recommendation is the per-position verdict.
type Recommendation string

const (
	RecommendHold   Recommendation = "HOLD"
	RecommendExit   Recommendation = "EXIT"
	RecommendReview Recommendation = "REVIEW"
)

// Exit signal names.
const (
	SignalStopLossHit     = "stop_loss_hit"
	SignalTakeProfitHit   = "take_profit_hit"
	SignalTrailingStopHit = "trailing_stop_hit"
	SignalRSIOverbought   = "rsi_overbought"
	SignalVolumeCollapse  = "volume_collapse"
	SignalMACDBearish     = "macd_bearish"
	SignalMarketClosing   = "market_closing"
)

// Hold signal names.
const (
	SignalHealthyProfit = "healthy_profit"
	SignalRSIHealthy    = "rsi_healthy"
	SignalVolumeStrong  = "volume_strong"
	SignalAboveVWAP     = "above_vwap"
	SignalMACDBullish   = "macd_bullish"
)

// ExitSignal is one detected exit condition.
type ExitSignal struct {
	Name     string
	Strength Strength
}

// Snapshot is everything signal evaluation needs for one position at one
// instant. Indicator pointers are nil when the data was unavailable;
// evaluation is O(1) over this struct.
type Snapshot struct {
	Price          float64
	PnLPct         float64
	HighWatermark  float64
	RSI            *float64
	MACDBullish    *bool
	VolumeRatio    *float64 // current bar volume vs entry volume
	AboveVWAP      *bool
	InFinalMinutes bool
}

// EvaluateExit returns all firing exit signals in a fixed order (stop loss,
// take profit, trailing stop, RSI, volume, MACD, market closing); the order
// does not rank them by strength.
func EvaluateExit(s Snapshot, cfg *config.MonitorConfig) []ExitSignal {
	var signals []ExitSignal

	// Hard stop and target are inclusive at the boundary.
	if s.PnLPct <= -cfg.StopLossStrongPct {
		signals = append(signals, ExitSignal{SignalStopLossHit, StrengthStrong})
	}
	if s.PnLPct >= cfg.TakeProfitStrongPct {
		signals = append(signals, ExitSignal{SignalTakeProfitHit, StrengthStrong})
	}

	if s.HighWatermark > 0 {
		drawdown := (s.HighWatermark - s.Price) / s.HighWatermark * 100
		if drawdown >= cfg.TrailPct {
			signals = append(signals, ExitSignal{SignalTrailingStopHit, StrengthStrong})
		}
	}

	if s.RSI != nil {
		switch {
		case *s.RSI >= 85:
			signals = append(signals, ExitSignal{SignalRSIOverbought, StrengthStrong})
		case *s.RSI >= 75:
			signals = append(signals, ExitSignal{SignalRSIOverbought, StrengthModerate})
		}
	}

	if s.VolumeRatio != nil {
		switch {
		case *s.VolumeRatio <= 0.25:
			signals = append(signals, ExitSignal{SignalVolumeCollapse, StrengthStrong})
		case *s.VolumeRatio <= 0.40:
			signals = append(signals, ExitSignal{SignalVolumeCollapse, StrengthModerate})
		}
	}

	if s.MACDBullish != nil && !*s.MACDBullish {
		signals = append(signals, ExitSignal{SignalMACDBearish, StrengthModerate})
	}

	if s.InFinalMinutes {
		signals = append(signals, ExitSignal{SignalMarketClosing, StrengthStrong})
	}

	return signals
}

// EvaluateHold returns all firing hold signals.
func EvaluateHold(s Snapshot) []string {
	var signals []string

	if s.PnLPct > 0 && s.PnLPct <= 5 {
		signals = append(signals, SignalHealthyProfit)
	}
	if s.RSI != nil && *s.RSI >= 40 && *s.RSI <= 65 {
		signals = append(signals, SignalRSIHealthy)
	}
	if s.VolumeRatio != nil && *s.VolumeRatio >= 1.2 {
		signals = append(signals, SignalVolumeStrong)
	}
	if s.AboveVWAP != nil && *s.AboveVWAP {
		signals = append(signals, SignalAboveVWAP)
	}
	if s.MACDBullish != nil && *s.MACDBullish {
		signals = append(signals, SignalMACDBullish)
	}

	return signals
}

// Verdict reduces exit signals to a recommendation: any STRONG exits, any
// MODERATE (with no STRONG) goes to review, otherwise hold.
func Verdict(exitSignals []ExitSignal) Recommendation {
	hasModerate := false
	for _, s := range exitSignals {
		switch s.Strength {
		case StrengthStrong:
			return RecommendExit
		case StrengthModerate:
			hasModerate = true
		}
	}
	if hasModerate {
		return RecommendReview
	}
	return RecommendHold
}
