package mailbox

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/testutil"
)

func TestRateLimiter_WindowRollsForward(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(10, time.Minute)
	rl.SetClock(clock.Now)

	for i := 0; i < 10; i++ {
		if err := rl.Allow("agent-a"); err != nil {
			t.Fatalf("send %d rejected: %v", i+1, err)
		}
		clock.Advance(time.Second)
	}

	err := rl.Allow("agent-a")
	var rlErr *errors.RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("11th send error = %v, want RateLimitError", err)
	}
	if rlErr.Limit != 10 || rlErr.Window != time.Minute {
		t.Errorf("RateLimitError = %+v", rlErr)
	}
	// The first send was at t=0 and it is now t=10s.
	if rlErr.RetryAfter != 50*time.Second {
		t.Errorf("RetryAfter = %v, want 50s", rlErr.RetryAfter)
	}

	if err := rl.Allow("agent-b"); err != nil {
		t.Errorf("other sender limited: %v", err)
	}

	clock.Advance(50 * time.Second)
	if err := rl.Allow("agent-a"); err != nil {
		t.Errorf("send after oldest expired rejected: %v", err)
	}
	if err := rl.Allow("agent-a"); !errors.Is(err, errors.ErrRateLimited) {
		t.Errorf("second send after one slot freed = %v, want rate limited", err)
	}
}

func TestRateLimiter_Remaining(t *testing.T) {
	clock := testutil.NewClock(time.Unix(0, 0))
	rl := NewRateLimiter(3, 10*time.Second)
	rl.SetClock(clock.Now)

	if got := rl.Remaining("a"); got != 3 {
		t.Errorf("Remaining = %d, want 3", got)
	}
	_ = rl.Allow("a")
	_ = rl.Allow("a")
	if got := rl.Remaining("a"); got != 1 {
		t.Errorf("Remaining = %d, want 1", got)
	}
	clock.Advance(10 * time.Second)
	if got := rl.Remaining("a"); got != 3 {
		t.Errorf("Remaining after window = %d, want 3", got)
	}
	_ = rl.Allow("a")
	rl.Reset("a")
	if got := rl.Remaining("a"); got != 3 {
		t.Errorf("Remaining after Reset = %d, want 3", got)
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.Limit() != DefaultRateLimit || rl.Window() != DefaultRateWindow {
		t.Errorf("defaults = %d/%v", rl.Limit(), rl.Window())
	}
}

func TestRateLimiter_ConcurrentSendsNeverExceedLimit(t *testing.T) {
	rl := NewRateLimiter(10, time.Hour)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if rl.Allow("agent-a") == nil {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if allowed.Load() != 10 {
		t.Errorf("allowed = %d, want exactly 10", allowed.Load())
	}
}
