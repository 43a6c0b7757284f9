package consensus

import (
	"time"

	"github.com/Iron-Ham/switchboard/internal/event"
	"github.com/Iron-Ham/switchboard/internal/logging"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStrategy sets the strategy new rounds are tallied with.
func WithStrategy(s Strategy) EngineOption {
	return func(e *Engine) {
		if s != "" {
			e.strategy = s
		}
	}
}

// WithDefaultTimeout sets the round deadline used when none is given.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithPollInterval sets how often CollectVotes checks a round.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithArchive records every closed round in a.
func WithArchive(a Archive) EngineOption {
	return func(e *Engine) {
		e.archive = a
	}
}

// WithClock overrides the time source for deadlines and vote times.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBus attaches an event bus for round lifecycle events.
func WithBus(bus *event.Bus) EngineOption {
	return func(e *Engine) {
		e.bus = bus
	}
}
