package coordination

import (
	"time"

	"github.com/Iron-Ham/switchboard/internal/logging"
	"github.com/Iron-Ham/switchboard/internal/mailbox"
)

// hubConfig holds optional configuration for a Hub.
type hubConfig struct {
	logger    *logging.Logger
	transport mailbox.Transport
	now       func() time.Time
}

func (c hubConfig) clock() func() time.Time {
	if c.now != nil {
		return c.now
	}
	return time.Now
}

// Option configures a Hub.
type Option func(*hubConfig)

// WithLogger replaces the log file configured in the logging section.
// The hub does not close a logger passed this way.
func WithLogger(l *logging.Logger) Option {
	return func(c *hubConfig) { c.logger = l }
}

// WithTransport overrides the transport selected by messaging.transport.
func WithTransport(t mailbox.Transport) Option {
	return func(c *hubConfig) { c.transport = t }
}

// WithClock sets the time source shared by every component.
func WithClock(now func() time.Time) Option {
	return func(c *hubConfig) { c.now = now }
}
