// Package advisor is the optional external consultation port. The monitor
// asks it about REVIEW verdicts under a strict per-day budget; the system
// is fully functional with no advisor configured.
package advisor

import (
	"context"

	"github.com/aristath/daytrader/internal/domain"
	"github.com/rs/zerolog"
)

// Null is the no-advisor implementation: it records that a consultation
// was requested and holds. Deterministic rules stay in charge.
type Null struct {
	log zerolog.Logger
}

// NewNull creates the null advisor.
func NewNull(log zerolog.Logger) *Null {
	return &Null{log: log.With().Str("service", "advisor").Logger()}
}

// Consult implements domain.Advisor.
func (a *Null) Consult(ctx context.Context, req domain.AdvisorRequest) (domain.AdvisorVerdict, string, error) {
	a.log.Info().
		Str("symbol", req.Symbol).
		Float64("pnl_pct", req.PnLPct).
		Strs("exit_signals", req.ExitSignals).
		Msg("Advisor consultation requested, no advisor configured")
	return domain.AdvisorHold, "no advisor configured", nil
}

var _ domain.Advisor = (*Null)(nil)
