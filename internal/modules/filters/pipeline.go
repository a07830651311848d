// Package filters implements the staged candidate funnel: news/catalyst,
// pattern, technical. Each stage carries the policy {enabled, required,
// fallback_score, threshold}; an optional stage without signal assigns its
// fallback score and lets the candidate through instead of blocking the
// pipeline.
package filters

import (
	"context"

	"github.com/aristath/daytrader/internal/config"
	"github.com/aristath/daytrader/internal/modules/scanner"
	"github.com/rs/zerolog"
)

// Stage names, also the keys into the filters configuration.
const (
	StageNews      = "news"
	StagePattern   = "pattern"
	StageTechnical = "technical"
)

// Stage scores candidates. A stage returns per-symbol scores; symbols
// missing from the map (or a stage-wide error) count as unusable data and
// engage the stage policy.
type Stage interface {
	Name() string
	Score(ctx context.Context, candidates []scanner.Candidate) (map[string]float64, error)
}

// Pipeline runs the configured stages in order.
type Pipeline struct {
	stages []Stage
	log    zerolog.Logger
}

// NewPipeline creates a pipeline over the given stages, applied in order.
func NewPipeline(log zerolog.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{
		stages: stages,
		log:    log.With().Str("service", "filter_pipeline").Logger(),
	}
}

// Run funnels candidates through every stage and returns the survivors with
// their stage scores filled in. onStage, when non-nil, is invoked with each
// stage's name before it runs; the orchestrator uses it to advance the
// cycle's pipeline state.
func (p *Pipeline) Run(ctx context.Context, candidates []scanner.Candidate, cfg *config.FiltersConfig, onStage func(stage string)) []scanner.Candidate {
	for _, stage := range p.stages {
		if onStage != nil {
			onStage(stage.Name())
		}
		stageCfg := stageConfig(cfg, stage.Name())
		candidates = p.runStage(ctx, stage, stageCfg, candidates)
	}
	return candidates
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, cfg config.StageConfig, candidates []scanner.Candidate) []scanner.Candidate {
	if len(candidates) == 0 {
		return candidates
	}

	if !cfg.Enabled {
		// Disabled stages contribute their fallback score so the composite
		// weights stay meaningful.
		for i := range candidates {
			setStageScore(&candidates[i], stage.Name(), cfg.FallbackScore)
		}
		return candidates
	}

	scores, err := stage.Score(ctx, candidates)
	if err != nil {
		p.log.Warn().Err(err).Str("stage", stage.Name()).Msg("Stage returned no usable data")
		scores = nil
	}

	degraded := 0
	out := candidates[:0]
	for i := range candidates {
		c := candidates[i]
		score, ok := scores[c.Symbol]

		switch {
		case !ok && cfg.Required:
			// Required stage with no signal drops the candidate.
			continue
		case !ok:
			score = cfg.FallbackScore
			c.Degraded = append(c.Degraded, stage.Name())
			degraded++
		case score < cfg.Threshold:
			// A real score below threshold filters the candidate out.
			continue
		}

		setStageScore(&c, stage.Name(), score)
		out = append(out, c)
	}

	if degraded > 0 {
		p.log.Warn().
			Str("stage", stage.Name()).
			Int("degraded", degraded).
			Float64("fallback_score", cfg.FallbackScore).
			Msg("Stage running in degraded mode")
	}

	p.log.Info().
		Str("stage", stage.Name()).
		Int("in", len(candidates)).
		Int("out", len(out)).
		Msg("Stage complete")

	return out
}

func stageConfig(cfg *config.FiltersConfig, name string) config.StageConfig {
	switch name {
	case StageNews:
		return cfg.News
	case StagePattern:
		return cfg.Pattern
	case StageTechnical:
		return cfg.Technical
	}
	return config.StageConfig{}
}

func setStageScore(c *scanner.Candidate, stage string, score float64) {
	switch stage {
	case StageNews:
		c.CatalystScore = score
	case StagePattern:
		c.PatternScore = score
	case StageTechnical:
		c.TechnicalScore = score
	}
}
