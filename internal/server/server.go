// Package server provides the read-only HTTP status API. The trading loops
// never depend on it; it exists for operators and tooling.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/daytrader/internal/database"
)

// Config holds server configuration.
type Config struct {
	Port      int
	Log       zerolog.Logger
	Databases []*database.DB
	Handlers  *Handlers
}

// Server is the HTTP status server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	databases []*database.DB
	log       zerolog.Logger
}

// New creates the HTTP server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		databases: cfg.Databases,
		log:       cfg.Log.With().Str("component", "server").Logger(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
	}))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/cycles/today", cfg.Handlers.CycleToday)
		r.Get("/positions", cfg.Handlers.OpenPositions)
		r.Get("/risk/events", cfg.Handlers.RiskEvents)
		r.Get("/watchdog/activity", cfg.Handlers.WatchdogActivity)
		r.Get("/system/health", cfg.Handlers.SystemHealth)
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start begins serving; blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth pings every database; any failure fails the endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for _, db := range s.databases {
		if err := db.Conn().PingContext(ctx); err != nil {
			status[db.Name()] = err.Error()
			healthy = false
		} else {
			status[db.Name()] = "ok"
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"healthy": healthy, "databases": status})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
