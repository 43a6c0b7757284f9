package mailbox

import (
	"sync"
	"time"

	"github.com/Iron-Ham/switchboard/internal/errors"
)

// Rate limiter defaults.
const (
	DefaultRateLimit  = 10
	DefaultRateWindow = 60 * time.Second
)

// RateLimiter bounds how many messages each sender may send within a
// trailing window. Checking and recording a send happen under the
// sender's own mutex, so concurrent sends cannot both claim the last slot.
// With a WindowStore the window also lives outside the process and the
// check runs inside the store's exclusive update, so separate processes
// share it.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	store  WindowStore

	mu      sync.Mutex
	senders map[string]*senderWindow
}

type senderWindow struct {
	mu   sync.Mutex
	sent []time.Time
}

// NewRateLimiter creates a limiter allowing limit sends per window.
// Non-positive values fall back to the defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		senders: make(map[string]*senderWindow),
	}
}

// SetClock overrides the time source. Used by tests.
func (r *RateLimiter) SetClock(now func() time.Time) {
	r.now = now
}

// SetStore keeps windows in store instead of process memory.
func (r *RateLimiter) SetStore(store WindowStore) {
	r.store = store
}

// Limit returns the per-window allotment.
func (r *RateLimiter) Limit() int { return r.limit }

// Window returns the window length.
func (r *RateLimiter) Window() time.Duration { return r.window }

func (r *RateLimiter) windowFor(sender string) *senderWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.senders[sender]
	if !ok {
		w = &senderWindow{}
		r.senders[sender] = w
	}
	return w
}

// prune drops sends at or before the window start. Caller holds w.mu.
func (w *senderWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.sent) && !w.sent[i].After(cutoff) {
		i++
	}
	w.sent = w.sent[i:]
}

// with runs fn on sender's window while holding it. With a store, the
// window is loaded from and saved back to it around fn.
func (r *RateLimiter) with(sender string, fn func(w *senderWindow)) error {
	w := r.windowFor(sender)
	w.mu.Lock()
	defer w.mu.Unlock()
	if r.store == nil {
		fn(w)
		return nil
	}
	err := r.store.Update(sender, func(sent []time.Time) []time.Time {
		w.sent = sent
		fn(w)
		return w.sent
	})
	if err != nil {
		return errors.Wrapf(err, "rate window for %s", sender)
	}
	return nil
}

// Allow records a send for sender if the window has room, or returns a
// *errors.RateLimitError saying when the oldest send expires.
func (r *RateLimiter) Allow(sender string) error {
	var limited error
	err := r.with(sender, func(w *senderWindow) {
		now := r.now()
		w.prune(now, r.window)
		if len(w.sent) >= r.limit {
			retryAfter := w.sent[0].Add(r.window).Sub(now)
			limited = errors.NewRateLimitError(sender, r.limit, r.window, retryAfter)
			return
		}
		w.sent = append(w.sent, now)
	})
	if err != nil {
		return err
	}
	return limited
}

// Remaining returns how many sends sender has left in the current window.
func (r *RateLimiter) Remaining(sender string) int {
	n := r.limit
	_ = r.with(sender, func(w *senderWindow) {
		w.prune(r.now(), r.window)
		n = r.limit - len(w.sent)
	})
	return n
}

// Reset forgets sender's history.
func (r *RateLimiter) Reset(sender string) {
	if r.store != nil {
		_ = r.with(sender, func(w *senderWindow) { w.sent = nil })
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.senders, sender)
}
