// Package formulas provides the technical indicator and statistics helpers used
// by the scan scoring and position monitoring code.
package formulas

import (
	"github.com/markcheno/go-talib"
)

// MACDResult holds the last values of the MACD line, signal line and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// Bullish reports whether the MACD line is above the signal line.
func (m MACDResult) Bullish() bool {
	return m.MACD > m.Signal
}

// CalculateRSI calculates the Relative Strength Index.
//
// RSI Formula:
//
//	RSI = 100 - (100 / (1 + RS))
//	where RS = Average Gain / Average Loss over N periods
//
// Returns the current RSI value (0-100) or nil if insufficient data.
func CalculateRSI(closes []float64, length int) *float64 {
	if len(closes) < length+1 {
		return nil
	}

	rsi := talib.Rsi(closes, length)

	if len(rsi) > 0 && !isNaN(rsi[len(rsi)-1]) {
		result := rsi[len(rsi)-1]
		return &result
	}

	return nil
}

// CalculateMACD calculates MACD(fast, slow, signal) and returns the last values.
// Returns nil if there is not enough data for the slow period plus signal warmup.
func CalculateMACD(closes []float64, fast, slow, signal int) *MACDResult {
	if len(closes) < slow+signal {
		return nil
	}

	macd, sig, hist := talib.Macd(closes, fast, slow, signal)

	n := len(macd)
	if n == 0 || isNaN(macd[n-1]) || isNaN(sig[n-1]) {
		return nil
	}

	return &MACDResult{
		MACD:      macd[n-1],
		Signal:    sig[n-1],
		Histogram: hist[n-1],
	}
}

// CalculateVWAP computes the volume-weighted average price over intraday bars.
// Each bar contributes its typical price (H+L+C)/3 weighted by volume.
// Returns nil when there is no volume.
func CalculateVWAP(highs, lows, closes, volumes []float64) *float64 {
	n := len(closes)
	if n == 0 || len(highs) != n || len(lows) != n || len(volumes) != n {
		return nil
	}

	var pv, vol float64
	for i := 0; i < n; i++ {
		typical := (highs[i] + lows[i] + closes[i]) / 3
		pv += typical * volumes[i]
		vol += volumes[i]
	}

	if vol == 0 {
		return nil
	}

	vwap := pv / vol
	return &vwap
}

// isNaN checks if a float64 is NaN
func isNaN(f float64) bool {
	return f != f
}
