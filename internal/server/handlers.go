package server

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/aristath/daytrader/internal/domain"
	"github.com/aristath/daytrader/internal/modules/risk"
	"github.com/aristath/daytrader/internal/modules/watchdog"
)

// CycleReader serves today's cycle.
type CycleReader interface {
	GetByDate(date string) (*domain.TradingCycle, error)
}

// PositionReader serves open positions.
type PositionReader interface {
	GetOpenAll() ([]domain.Position, error)
}

// Handlers bundles the API endpoint implementations.
type Handlers struct {
	cycles    CycleReader
	positions PositionReader
	events    *risk.EventRepository
	activity  *watchdog.ActivityRepository
	clock     domain.Clock
	log       zerolog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(
	cycles CycleReader,
	positions PositionReader,
	events *risk.EventRepository,
	activity *watchdog.ActivityRepository,
	clock domain.Clock,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		cycles:    cycles,
		positions: positions,
		events:    events,
		activity:  activity,
		clock:     clock,
		log:       log.With().Str("component", "handlers").Logger(),
	}
}

// CycleToday returns the current trading date's cycle.
func (h *Handlers) CycleToday(w http.ResponseWriter, r *http.Request) {
	date := h.clock.Now().Format("2006-01-02")
	cycle, err := h.cycles.GetByDate(date)
	if err != nil {
		h.fail(w, err)
		return
	}
	if cycle == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cycle for " + date})
		return
	}
	writeJSON(w, http.StatusOK, cycle)
}

// OpenPositions returns all open positions.
func (h *Handlers) OpenPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.GetOpenAll()
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(positions), "positions": positions})
}

// RiskEvents returns risk events for a cycle (?cycle_id=...&limit=N).
func (h *Handlers) RiskEvents(w http.ResponseWriter, r *http.Request) {
	cycleID := r.URL.Query().Get("cycle_id")
	if cycleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cycle_id is required"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.events.GetByCycle(cycleID, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(events), "events": events})
}

// WatchdogActivity returns the newest watchdog activity rows (?limit=N).
func (h *Handlers) WatchdogActivity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	activity, err := h.activity.Recent(limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(activity), "activity": activity})
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	h.log.Error().Err(err).Msg("Request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
