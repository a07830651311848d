package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Watcher hot-reloads the trading configuration file. Readers always see a
// consistent immutable snapshot; a broken file on disk keeps the previous
// snapshot in place.
type Watcher struct {
	path     string
	interval time.Duration
	current  atomic.Pointer[TradingConfig]
	log      zerolog.Logger
}

// NewWatcher loads the initial snapshot from path and returns the watcher.
func NewWatcher(path string, interval time.Duration, log zerolog.Logger) (*Watcher, error) {
	cfg, err := LoadTradingConfig(path)
	if err != nil {
		return nil, err
	}

	if interval <= 0 {
		interval = 60 * time.Second
	}

	w := &Watcher{
		path:     path,
		interval: interval,
		log:      log.With().Str("component", "config_watcher").Logger(),
	}
	w.current.Store(cfg)
	return w, nil
}

// Snapshot returns the current configuration. The returned value must be
// treated as read-only; each reload publishes a fresh pointer.
func (w *Watcher) Snapshot() *TradingConfig {
	return w.current.Load()
}

// Run reloads the file on the watch interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadTradingConfig(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous snapshot")
		return
	}
	w.current.Store(cfg)
	w.log.Debug().Str("path", w.path).Msg("Config reloaded")
}
