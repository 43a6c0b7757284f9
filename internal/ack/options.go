package ack

import (
	"time"

	"github.com/Iron-Ham/switchboard/internal/event"
	"github.com/Iron-Ham/switchboard/internal/logging"
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithTimeout sets the default acknowledgment timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithMaxRetries sets how many resends happen before escalation. Zero
// escalates at the first deadline.
func WithMaxRetries(n int) Option {
	return func(t *Tracker) {
		if n >= 0 {
			t.maxRetries = n
		}
	}
}

// WithEscalation enables or disables the escalation broadcast. When
// disabled, exhausted messages are dropped.
func WithEscalation(enabled bool) Option {
	return func(t *Tracker) {
		t.escalate = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithBus attaches an event bus for ack lifecycle events.
func WithBus(bus *event.Bus) Option {
	return func(t *Tracker) {
		t.bus = bus
	}
}
