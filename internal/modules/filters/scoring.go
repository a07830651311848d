package filters

import (
	"sort"

	"github.com/aristath/daytrader/internal/modules/scanner"
	"github.com/aristath/daytrader/pkg/formulas"
)

// Composite score weights. Catalyst and technical carry the signal; momentum
// and volume confirm it.
const (
	weightCatalyst  = 0.30
	weightTechnical = 0.30
	weightMomentum  = 0.20
	weightVolume    = 0.20
)

// Score fills in the momentum, volume and composite scores for each
// candidate and returns the slice sorted best-first. Ties break toward
// higher relative volume, then lower price.
func Score(candidates []scanner.Candidate) []scanner.Candidate {
	for i := range candidates {
		c := &candidates[i]
		c.MomentumScore = formulas.Clamp(0.5+c.GapPct/10, 0, 1)
		c.VolumeScore = formulas.Clamp(c.RelVolume/3, 0, 1)
		c.CompositeScore = weightCatalyst*c.CatalystScore +
			weightTechnical*c.TechnicalScore +
			weightMomentum*c.MomentumScore +
			weightVolume*c.VolumeScore
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CompositeScore != b.CompositeScore {
			return a.CompositeScore > b.CompositeScore
		}
		if a.RelVolume != b.RelVolume {
			return a.RelVolume > b.RelVolume
		}
		return a.Price < b.Price
	})

	return candidates
}

// SelectTopK returns the top k candidates with composite at or above the
// minimum confidence score.
func SelectTopK(candidates []scanner.Candidate, k int, minScore float64) []scanner.Candidate {
	if k <= 0 {
		return nil
	}

	selected := make([]scanner.Candidate, 0, k)
	for _, c := range candidates {
		if c.CompositeScore < minScore {
			continue
		}
		selected = append(selected, c)
		if len(selected) == k {
			break
		}
	}
	return selected
}
