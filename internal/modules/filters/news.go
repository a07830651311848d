package filters

import (
	"context"
	"errors"

	"github.com/aristath/daytrader/internal/modules/scanner"
)

// ErrNewsUnconfigured is returned by NullNewsClient.
var ErrNewsUnconfigured = errors.New("news service not configured")

// NewsClient is the external news/sentiment source. Out of scope here; the
// trading system only depends on this contract.
type NewsClient interface {
	// Sentiment returns a 0..1 sentiment score per symbol. Symbols with no
	// coverage are simply absent from the map.
	Sentiment(ctx context.Context, symbols []string) (map[string]float64, error)
}

// NewsStage scores candidates by catalyst sentiment.
type NewsStage struct {
	client NewsClient
}

// NewNewsStage creates the news stage.
func NewNewsStage(client NewsClient) *NewsStage {
	return &NewsStage{client: client}
}

// Name implements Stage.
func (s *NewsStage) Name() string { return StageNews }

// Score implements Stage.
func (s *NewsStage) Score(ctx context.Context, candidates []scanner.Candidate) (map[string]float64, error) {
	symbols := make([]string, len(candidates))
	for i, c := range candidates {
		symbols[i] = c.Symbol
	}
	return s.client.Sentiment(ctx, symbols)
}

// NullNewsClient is used when no news service is configured; the stage
// policy decides whether candidates fall back or drop.
type NullNewsClient struct{}

// Sentiment always reports the service as absent.
func (NullNewsClient) Sentiment(ctx context.Context, symbols []string) (map[string]float64, error) {
	return nil, ErrNewsUnconfigured
}
