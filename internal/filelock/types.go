package filelock

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/Iron-Ham/switchboard/internal/event"
	"github.com/Iron-Ham/switchboard/internal/logging"
)

// Record name suffixes within the store.
const (
	lockSuffix  = ".lock"
	guardSuffix = ".guard"
	tempSuffix  = ".tmp-"
)

// DefaultStaleAfter is the age past which an unrefreshed lock is presumed
// abandoned.
const DefaultStaleAfter = 5 * time.Minute

// FileLock is exclusive ownership of a path or glob pattern.
type FileLock struct {
	Owner      string    `json:"owner"`
	Target     string    `json:"target"`
	AcquiredAt time.Time `json:"acquired_at"`
	Reason     string    `json:"reason,omitempty"`

	// StaleAfter is the threshold the lock was acquired with. Zero (records
	// written before it was tracked) means the manager default.
	StaleAfter time.Duration `json:"stale_after,omitempty"`
}

// Age returns how long ago the lock was acquired or last refreshed.
func (l FileLock) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// Stale reports whether the lock's age exceeds staleAfter.
func (l FileLock) Stale(now time.Time, staleAfter time.Duration) bool {
	return l.Age(now) > staleAfter
}

func (l FileLock) staleAfterOr(def time.Duration) time.Duration {
	if l.StaleAfter > 0 {
		return l.StaleAfter
	}
	return def
}

// recordName derives a lock's store name from its normalized target.
func recordName(target string) string {
	sum := sha256.Sum256([]byte(target))
	return hex.EncodeToString(sum[:16]) + lockSuffix
}

// Option configures a Manager.
type Option func(*Manager)

// WithRoot sets the directory targets are resolved against.
func WithRoot(root string) Option {
	return func(m *Manager) {
		m.root = root
	}
}

// WithStaleAfter sets the default staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBus publishes lock events to bus.
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}
