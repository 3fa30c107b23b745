package limiter

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/blueberrycongee/streamgate/internal/quota"
	gwerrors "github.com/blueberrycongee/streamgate/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(clock *fakeClock, limits quota.Limits) (*Limiter, *quota.Store) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := quota.NewStore(quota.StoreConfig{
		LimitsFor: func(string) quota.Limits { return limits },
		BackoffFor: func(string) quota.BackoffParams {
			return quota.BackoffParams{Initial: 5 * time.Minute, Max: 20 * time.Minute, Multiplier: 2}
		},
		Logger: logger,
		Now:    clock.Now,
	})
	return New(Config{Store: store, Logger: logger, Now: clock.Now}), store
}

func TestAdmit_EndToEndScenario(t *testing.T) {
	clock := newFakeClock()
	lim, _ := newTestLimiter(clock, quota.Limits{Minute: 2, Day: 10})

	d := lim.Admit("m")
	if !d.Allowed {
		t.Fatal("first Admit should be allowed")
	}
	d = lim.Admit("m")
	if !d.Allowed {
		t.Fatal("second Admit should be allowed")
	}
	if w, _ := d.Snapshot.Window(quota.WindowMinute); w.Remaining != 0 {
		t.Errorf("minute remaining = %d, want 0", w.Remaining)
	}

	d = lim.Admit("m")
	if d.Allowed {
		t.Fatal("third Admit should be denied")
	}
	if d.Reason != quota.ReasonMinuteLimit {
		t.Errorf("reason = %q, want %q", d.Reason, quota.ReasonMinuteLimit)
	}
	if d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want <= 60s", d.RetryAfter)
	}
	err := d.Err("m")
	if err == nil || err.Type != gwerrors.TypeQuotaExceeded {
		t.Errorf("Err() = %v, want quota exceeded", err)
	}

	clock.Advance(61 * time.Second)

	d = lim.Admit("m")
	if !d.Allowed {
		t.Fatal("fourth Admit should be allowed after rollover")
	}
	if w, _ := d.Snapshot.Window(quota.WindowMinute); w.Remaining != 1 {
		t.Errorf("minute remaining = %d, want 1", w.Remaining)
	}
}

func TestAdmit_DayLimitTakesPrecedence(t *testing.T) {
	clock := newFakeClock()
	lim, _ := newTestLimiter(clock, quota.Limits{Minute: 2, Day: 2})

	lim.Admit("m")
	lim.Admit("m")

	d := lim.Admit("m")
	if d.Allowed {
		t.Fatal("Admit should be denied")
	}
	// Both windows are exhausted; the day limit is reported but the wait
	// covers the longest condition.
	if d.Reason != quota.ReasonDayLimit {
		t.Errorf("reason = %q, want %q", d.Reason, quota.ReasonDayLimit)
	}
	if d.RetryAfter <= time.Minute {
		t.Errorf("RetryAfter = %v, want the day rollover wait", d.RetryAfter)
	}
}

func TestAdmit_BackoffDenies(t *testing.T) {
	clock := newFakeClock()
	lim, store := newTestLimiter(clock, quota.Limits{Minute: 10, Day: 100})

	store.RecordProviderThrottle("m")

	d := lim.Admit("m")
	if d.Allowed {
		t.Fatal("Admit should be denied during backoff")
	}
	if d.Reason != quota.ReasonBackoff {
		t.Errorf("reason = %q, want %q", d.Reason, quota.ReasonBackoff)
	}
	if d.RetryAfter != 5*time.Minute {
		t.Errorf("RetryAfter = %v, want 5m", d.RetryAfter)
	}
	err := d.Err("m")
	if err == nil || err.Type != gwerrors.TypeProviderThrottled {
		t.Errorf("Err() = %v, want provider throttled", err)
	}

	// Backoff denials must not consume window headroom
	if w, _ := d.Snapshot.Window(quota.WindowMinute); w.Used != 0 {
		t.Errorf("minute used during backoff denial = %d, want 0", w.Used)
	}
}

func TestAdmit_DeniedDoesNotConsume(t *testing.T) {
	clock := newFakeClock()
	lim, store := newTestLimiter(clock, quota.Limits{Minute: 1, Day: 10})

	lim.Admit("m")
	for i := 0; i < 3; i++ {
		lim.Admit("m")
	}

	snap := store.SnapshotFor("m")
	if w, _ := snap.Window(quota.WindowDay); w.Used != 1 {
		t.Errorf("day used = %d, want 1 (denials must not count)", w.Used)
	}
}

func TestAdmit_DifferentModelsIndependent(t *testing.T) {
	clock := newFakeClock()
	lim, _ := newTestLimiter(clock, quota.Limits{Minute: 1, Day: 10})

	if d := lim.Admit("a"); !d.Allowed {
		t.Fatal("model a should be admitted")
	}
	if d := lim.Admit("a"); d.Allowed {
		t.Fatal("model a should now be denied")
	}
	if d := lim.Admit("b"); !d.Allowed {
		t.Error("model b must not be affected by model a's quota")
	}
}

func TestDecision_ErrNilWhenAllowed(t *testing.T) {
	d := Decision{Allowed: true}
	if d.Err("m") != nil {
		t.Error("Err() should be nil for allowed decisions")
	}
}
