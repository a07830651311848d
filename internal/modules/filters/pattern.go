package filters

import (
	"context"
	"math"

	"github.com/aristath/daytrader/internal/modules/scanner"
	"github.com/aristath/daytrader/pkg/formulas"
)

// PatternStage scores day-trade setups from the scan metrics: gap size and
// relative volume. Purely local, so it never degrades.
type PatternStage struct{}

// NewPatternStage creates the pattern stage.
func NewPatternStage() *PatternStage {
	return &PatternStage{}
}

// Name implements Stage.
func (s *PatternStage) Name() string { return StagePattern }

// Score implements Stage.
func (s *PatternStage) Score(ctx context.Context, candidates []scanner.Candidate) (map[string]float64, error) {
	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		scores[c.Symbol] = patternScore(c)
	}
	return scores, nil
}

// patternScore favors gap-and-go setups: a meaningful gap confirmed by
// above-average volume.
func patternScore(c scanner.Candidate) float64 {
	score := 0.3

	gap := math.Abs(c.GapPct)
	switch {
	case gap >= 4:
		score += 0.35
	case gap >= 2:
		score += 0.25
	case gap >= 1:
		score += 0.1
	}

	switch {
	case c.RelVolume >= 2:
		score += 0.35
	case c.RelVolume >= 1.2:
		score += 0.2
	case c.RelVolume >= 1:
		score += 0.1
	}

	return formulas.Clamp(score, 0, 1)
}
