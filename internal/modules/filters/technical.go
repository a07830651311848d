package filters

import (
	"context"
	"time"

	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/internal/modules/scanner"
	"github.com/aristath/daytrader/pkg/formulas"
	"github.com/rs/zerolog"
)

// TechnicalStage scores candidates on intraday indicators: RSI, MACD and
// position against VWAP. Symbols whose bars cannot be fetched are left
// unscored; the stage policy decides their fate.
type TechnicalStage struct {
	broker   domain.Broker
	lookback time.Duration
	log      zerolog.Logger
}

// NewTechnicalStage creates the technical stage.
func NewTechnicalStage(broker domain.Broker, log zerolog.Logger) *TechnicalStage {
	return &TechnicalStage{
		broker:   broker,
		lookback: 3 * time.Hour,
		log:      log.With().Str("stage", StageTechnical).Logger(),
	}
}

// Name implements Stage.
func (s *TechnicalStage) Name() string { return StageTechnical }

// Score implements Stage.
func (s *TechnicalStage) Score(ctx context.Context, candidates []scanner.Candidate) (map[string]float64, error) {
	scores := make(map[string]float64, len(candidates))

	for _, c := range candidates {
		bars, err := s.broker.GetIntradayBars(ctx, c.Symbol, s.lookback)
		if err != nil {
			s.log.Debug().Err(err).Str("symbol", c.Symbol).Msg("No intraday bars, leaving unscored")
			continue
		}
		if score, ok := technicalScore(bars, c.Price); ok {
			scores[c.Symbol] = score
		}
	}

	return scores, nil
}

// technicalScore combines RSI health, MACD direction and VWAP position.
func technicalScore(bars []domain.Bar, price float64) (float64, bool) {
	n := len(bars)
	if n == 0 {
		return 0, false
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	rsi := formulas.CalculateRSI(closes, 14)
	if rsi == nil {
		return 0, false
	}

	score := 0.2

	// RSI with room to run scores best; exhaustion scores worst.
	switch {
	case *rsi >= 45 && *rsi <= 65:
		score += 0.4
	case *rsi > 65 && *rsi < 75:
		score += 0.2
	case *rsi >= 30 && *rsi < 45:
		score += 0.15
	}

	if macd := formulas.CalculateMACD(closes, 12, 26, 9); macd != nil && macd.Bullish() {
		score += 0.2
	}

	if vwap := formulas.CalculateVWAP(highs, lows, closes, volumes); vwap != nil && price > *vwap {
		score += 0.2
	}

	return formulas.Clamp(score, 0, 1), true
}
