package scanner

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/aristath/daytrader/internal/config"
	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/pkg/formulas"
	"github.com/rs/zerolog"
)

// SecurityResolver maps symbols to security dimension ids.
type SecurityResolver interface {
	GetOrCreateSecurity(symbol string) (int64, error)
}

// TimeResolver maps timestamps to time dimension ids.
type TimeResolver interface {
	GetOrCreateTime(ts time.Time) (int64, error)
}

// Service runs the universe scan: broker assets, filtered and sampled to
// stay inside the market-data rate budget, ranked by volume.
type Service struct {
	broker     domain.Broker
	repo       *ScanRepository
	securities SecurityResolver
	times      TimeResolver
	clock      domain.Clock
	log        zerolog.Logger
}

// NewService creates a new scanner service.
func NewService(
	broker domain.Broker,
	repo *ScanRepository,
	securities SecurityResolver,
	times TimeResolver,
	clock domain.Clock,
	log zerolog.Logger,
) *Service {
	return &Service{
		broker:     broker,
		repo:       repo,
		securities: securities,
		times:      times,
		clock:      clock,
		log:        log.With().Str("service", "scanner").Logger(),
	}
}

// Scan builds the cycle's initial candidate universe and persists the scan
// rows. An unreachable broker propagates; the orchestrator moves the cycle
// to error in that case.
func (s *Service) Scan(ctx context.Context, cycleID string, cfg *config.WorkflowConfig) ([]Candidate, error) {
	assets, err := s.broker.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("universe scan failed: %w", err)
	}

	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		if !a.Tradable || !a.Fractionable || !a.Shortable {
			continue
		}
		symbols = append(symbols, a.Symbol)
	}

	// Random-sample to stay under the market-data request ceiling.
	sampleSize := cfg.ScanSampleSize
	if sampleSize <= 0 {
		sampleSize = 500
	}
	if len(symbols) > sampleSize {
		rand.Shuffle(len(symbols), func(i, j int) {
			symbols[i], symbols[j] = symbols[j], symbols[i]
		})
		symbols = symbols[:sampleSize]
	}

	bars, err := s.fetchBars(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("universe scan failed fetching bars: %w", err)
	}

	type scored struct {
		symbol string
		bar    domain.Bar
	}

	kept := make([]scored, 0, len(bars))
	volumes := make([]float64, 0, len(bars))
	for sym, bar := range bars {
		if bar.Close < cfg.MinPrice || bar.Close > cfg.MaxPrice {
			continue
		}
		kept = append(kept, scored{symbol: sym, bar: bar})
		volumes = append(volumes, bar.Volume)
	}

	sort.Slice(kept, func(i, j int) bool {
		return kept[i].bar.Volume > kept[j].bar.Volume
	})

	limit := cfg.InitialUniverseSize
	if limit <= 0 {
		limit = 200
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}

	meanVolume := formulas.Mean(volumes)
	scanTS := s.clock.Now()

	candidates := make([]Candidate, 0, len(kept))
	results := make([]ScanResult, 0, len(kept))

	for rank, item := range kept {
		securityID, err := s.securities.GetOrCreateSecurity(item.symbol)
		if err != nil {
			s.log.Error().Err(err).Str("symbol", item.symbol).Msg("Skipping unresolvable symbol")
			continue
		}
		timeID, err := s.times.GetOrCreateTime(scanTS)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve scan time: %w", err)
		}

		gap := 0.0
		if item.bar.Open > 0 {
			gap = (item.bar.Close - item.bar.Open) / item.bar.Open * 100
		}
		relVolume := 0.0
		if meanVolume > 0 {
			relVolume = item.bar.Volume / meanVolume
		}

		candidates = append(candidates, Candidate{
			Symbol:     item.symbol,
			SecurityID: securityID,
			Price:      item.bar.Close,
			Volume:     item.bar.Volume,
			GapPct:     gap,
			RelVolume:  relVolume,
		})

		results = append(results, ScanResult{
			CycleID:    cycleID,
			SecurityID: securityID,
			TimeID:     timeID,
			ScanTS:     scanTS,
			Rank:       rank + 1,
			Price:      item.bar.Close,
			Volume:     item.bar.Volume,
			GapPct:     gap,
			RelVolume:  relVolume,
			Status:     ScanCandidate,
		})
	}

	if err := s.repo.InsertBatch(results); err != nil {
		return nil, fmt.Errorf("failed to persist scan results: %w", err)
	}

	s.log.Info().
		Str("cycle_id", cycleID).
		Int("universe", len(assets)).
		Int("sampled", len(symbols)).
		Int("candidates", len(candidates)).
		Msg("Scan complete")

	return candidates, nil
}

// fetchBars pulls latest bars in batches of 100, the broker's market-data
// batch ceiling.
func (s *Service) fetchBars(ctx context.Context, symbols []string) (map[string]domain.Bar, error) {
	const batchSize = 100

	all := make(map[string]domain.Bar, len(symbols))
	for start := 0; start < len(symbols); start += batchSize {
		end := start + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		bars, err := s.broker.GetLatestBars(ctx, symbols[start:end])
		if err != nil {
			return nil, err
		}
		for sym, bar := range bars {
			all[sym] = bar
		}
	}
	return all, nil
}
