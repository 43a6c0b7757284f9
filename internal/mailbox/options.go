package mailbox

import (
	"time"

	"github.com/Iron-Ham/switchboard/internal/event"
	"github.com/Iron-Ham/switchboard/internal/logging"
)

// Option configures a Substrate.
type Option func(*Substrate)

// WithBus attaches an event bus. Sends, broadcasts and rejected messages
// are published to it.
func WithBus(bus *event.Bus) Option {
	return func(s *Substrate) {
		s.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Substrate) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRateLimiter replaces the default limiter.
func WithRateLimiter(r *RateLimiter) Option {
	return func(s *Substrate) {
		if r != nil {
			s.limiter = r
		}
	}
}

// WithDeliveryLog records every delivery attempt to log.
func WithDeliveryLog(log *DeliveryLog) Option {
	return func(s *Substrate) {
		s.deliveries = log
	}
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Substrate) {
		s.now = now
	}
}

// WithMaxConcurrency bounds parallel deliveries during a broadcast.
func WithMaxConcurrency(n int) Option {
	return func(s *Substrate) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}
