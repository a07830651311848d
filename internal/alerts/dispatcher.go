// Package alerts delivers severity-routed notifications. Dispatch is
// asynchronous behind a bounded mailbox: the trading hot path enqueues and
// moves on, delivery failures are logged and swallowed, and on overflow the
// oldest alert is dropped with a log line.
package alerts

import (
	"context"

	"github.com/aristath/daytrader/internal/domain"
	"github.com/rs/zerolog"
)

// Sink is one delivery channel (log, email, chat webhook).
type Sink interface {
	Name() string
	Deliver(alert domain.Alert) error
}

// Dispatcher fans alerts out to the configured sinks.
type Dispatcher struct {
	mailbox chan domain.Alert
	sinks   []Sink
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher with the given mailbox capacity.
func NewDispatcher(capacity int, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	if capacity <= 0 {
		capacity = 256
	}
	return &Dispatcher{
		mailbox: make(chan domain.Alert, capacity),
		sinks:   sinks,
		log:     log.With().Str("service", "alerts").Logger(),
	}
}

// Send enqueues an alert without blocking. When the mailbox is full the
// oldest pending alert is dropped to make room.
func (d *Dispatcher) Send(alert domain.Alert) {
	for {
		select {
		case d.mailbox <- alert:
			return
		default:
		}

		select {
		case dropped := <-d.mailbox:
			d.log.Warn().
				Str("severity", string(dropped.Severity)).
				Str("title", dropped.Title).
				Msg("Alert mailbox full, dropped oldest")
		default:
		}
	}
}

// Run drains the mailbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Int("sinks", len(d.sinks)).Msg("Alert dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Alert dispatcher stopped")
			return
		case alert := <-d.mailbox:
			d.deliver(alert)
		}
	}
}

func (d *Dispatcher) deliver(alert domain.Alert) {
	for _, sink := range d.sinks {
		if err := sink.Deliver(alert); err != nil {
			// Swallowed on purpose: alert delivery never propagates.
			d.log.Error().Err(err).Str("sink", sink.Name()).Str("title", alert.Title).Msg("Alert delivery failed")
		}
	}
}

// LogSink writes alerts to the structured log; always configured so no
// alert is ever silently lost.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("sink", "log").Logger()}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(alert domain.Alert) error {
	event := s.log.Info()
	switch alert.Severity {
	case domain.AlertWarning:
		event = s.log.Warn()
	case domain.AlertCritical:
		event = s.log.Error()
	}

	for k, v := range alert.Fields {
		event = event.Str(k, v)
	}
	event.Str("severity", string(alert.Severity)).Str("title", alert.Title).Msg(alert.Message)
	return nil
}
