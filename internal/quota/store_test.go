package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(clock *fakeClock, limits Limits) *Store {
	return NewStore(StoreConfig{
		LimitsFor: func(string) Limits { return limits },
		BackoffFor: func(string) BackoffParams {
			return BackoffParams{Initial: 5 * time.Minute, Max: 20 * time.Minute, Multiplier: 2}
		},
		Logger: testLogger(),
		Now:    clock.Now,
	})
}

func TestTryConsume_AdmissionMonotonicity(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 3, Day: 100})

	for i := 0; i < 3; i++ {
		admitted, _ := store.TryConsume("m")
		if !admitted {
			t.Fatalf("call %d should be admitted", i+1)
		}
	}

	// Calls L+1 onward stay denied until the window rolls
	for i := 0; i < 5; i++ {
		admitted, snap := store.TryConsume("m")
		if admitted {
			t.Fatalf("call after limit should be denied (attempt %d)", i+1)
		}
		w, _ := snap.Window(WindowMinute)
		if w.Used != 3 {
			t.Errorf("denied call mutated counter: used = %d, want 3", w.Used)
		}
	}
}

func TestTryConsume_DeniedWhenAnyWindowFull(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 100, Day: 2})

	store.TryConsume("m")
	store.TryConsume("m")

	admitted, snap := store.TryConsume("m")
	if admitted {
		t.Fatal("request should be denied when the day window is full")
	}
	minute, _ := snap.Window(WindowMinute)
	if minute.Used != 2 {
		t.Errorf("minute used = %d, want 2 (denial must not mutate)", minute.Used)
	}
}

func TestWindowRollover_ResetsExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 2, Day: 100})

	store.TryConsume("m")
	store.TryConsume("m")

	clock.Advance(61 * time.Second)

	// Multiple stale accesses before any admission attempt roll only once.
	store.SnapshotFor("m")
	avail := store.IsAvailable("m")
	if !avail.Available {
		t.Fatalf("model should be available after rollover, got reason %q", avail.Reason)
	}

	snap := store.SnapshotFor("m")
	w, _ := snap.Window(WindowMinute)
	if w.Used != 0 {
		t.Errorf("used after rollover = %d, want 0", w.Used)
	}
	if !w.ResetAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("new window end = %v, want now+1m", w.ResetAt)
	}
}

func TestWindowRollover_NoDriftAfterLongSleep(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 2, Day: 100})
	store.TryConsume("m")

	// Sleep across many window lengths: the new window starts at now,
	// not at an incremented boundary.
	clock.Advance(7 * time.Minute)
	snap := store.SnapshotFor("m")
	w, _ := snap.Window(WindowMinute)
	if !w.ResetAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("window end = %v, want now+1m after long sleep", w.ResetAt)
	}
	if w.Used != 0 {
		t.Errorf("used = %d, want 0", w.Used)
	}
}

func TestIsAvailable_ReasonPrecedence(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 1, Day: 1})

	store.TryConsume("m")
	store.RecordProviderThrottle("m")

	avail := store.IsAvailable("m")
	if avail.Available {
		t.Fatal("model should be unavailable")
	}
	// Day window exhaustion outranks backoff and minute in the reported reason
	if avail.Reason != ReasonDayLimit {
		t.Errorf("reason = %q, want %q", avail.Reason, ReasonDayLimit)
	}
	// ResetAt is the earliest clearing condition: the minute rollover
	wantReset := clock.Now().Add(time.Minute)
	if !avail.ResetAt.Equal(wantReset) {
		t.Errorf("ResetAt = %v, want %v", avail.ResetAt, wantReset)
	}
}

func TestIsAvailable_BackoffBlocksDespiteHeadroom(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 10, Day: 100})

	store.RecordProviderThrottle("m")

	avail := store.IsAvailable("m")
	if avail.Available {
		t.Fatal("model should be unavailable during backoff even with counter headroom")
	}
	if avail.Reason != ReasonBackoff {
		t.Errorf("reason = %q, want %q", avail.Reason, ReasonBackoff)
	}

	clock.Advance(5*time.Minute + time.Second)
	if avail := store.IsAvailable("m"); !avail.Available {
		t.Errorf("model should be available after backoff expiry, got %q", avail.Reason)
	}
}

func TestEndToEndScenario(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 2, Day: 10})

	admitted, snap := store.TryConsume("m")
	if !admitted {
		t.Fatal("first call should be admitted")
	}
	admitted, snap = store.TryConsume("m")
	if !admitted {
		t.Fatal("second call should be admitted")
	}
	if w, _ := snap.Window(WindowMinute); w.Remaining != 0 {
		t.Errorf("minute remaining = %d, want 0", w.Remaining)
	}

	admitted, _ = store.TryConsume("m")
	if admitted {
		t.Fatal("third call should be denied")
	}
	avail := store.IsAvailable("m")
	if avail.Reason != ReasonMinuteLimit {
		t.Errorf("reason = %q, want %q", avail.Reason, ReasonMinuteLimit)
	}
	if wait := avail.ResetAt.Sub(clock.Now()); wait > time.Minute {
		t.Errorf("retry wait = %v, want <= 60s", wait)
	}

	clock.Advance(61 * time.Second)

	admitted, snap = store.TryConsume("m")
	if !admitted {
		t.Fatal("fourth call should be admitted after rollover")
	}
	if w, _ := snap.Window(WindowMinute); w.Remaining != 1 {
		t.Errorf("minute remaining = %d, want 1", w.Remaining)
	}
	// The day window did not roll
	if w, _ := snap.Window(WindowDay); w.Used != 3 {
		t.Errorf("day used = %d, want 3", w.Used)
	}
}

func TestTryConsume_ConcurrentSingleModel(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 50, Day: 50})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admittedCount := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if admitted, _ := store.TryConsume("m"); admitted {
				mu.Lock()
				admittedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admittedCount != 50 {
		t.Errorf("admitted = %d, want exactly 50", admittedCount)
	}
}

func TestGetOrInit_UnknownModelGetsDefaults(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 7, Day: 70})

	snap := store.SnapshotFor("never-seen-before")
	w, ok := snap.Window(WindowMinute)
	if !ok || w.Limit != 7 {
		t.Errorf("unknown model minute limit = %d, want 7", w.Limit)
	}
}

func TestClearBackoff(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 10, Day: 100})

	store.RecordProviderThrottle("m")
	store.RecordProviderThrottle("m")
	store.ClearBackoff("m")

	if avail := store.IsAvailable("m"); !avail.Available {
		t.Errorf("model should be available after ClearBackoff, got %q", avail.Reason)
	}

	// Escalation restarts from the initial duration
	b := store.RecordProviderThrottle("m")
	if b.ErrorCount != 1 {
		t.Errorf("error count after clear = %d, want 1", b.ErrorCount)
	}
}

func TestSnapshotAll_SortedAndStable(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, Limits{Minute: 5, Day: 50})

	store.TryConsume("zeta")
	store.TryConsume("alpha")
	store.TryConsume("mike")

	snaps := store.SnapshotAll()
	if len(snaps) != 3 {
		t.Fatalf("len(snaps) = %d, want 3", len(snaps))
	}
	want := []string{"alpha", "mike", "zeta"}
	for i, snap := range snaps {
		if snap.Model != want[i] {
			t.Errorf("snaps[%d].Model = %q, want %q", i, snap.Model, want[i])
		}
	}
}

type failingSnapshotStore struct{}

func (failingSnapshotStore) Save(context.Context, map[string]PersistedQuota) error {
	return errors.New("disk full")
}

func (failingSnapshotStore) Load(context.Context) (map[string]PersistedQuota, error) {
	return nil, errors.New("disk full")
}

func TestPersistFailuresAreSwallowed(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(StoreConfig{
		LimitsFor: func(string) Limits { return Limits{Minute: 2, Day: 10} },
		Snapshots: failingSnapshotStore{},
		Logger:    testLogger(),
		Now:       clock.Now,
	})

	// Restore and consume must both survive a broken backend.
	store.Restore(context.Background())
	admitted, _ := store.TryConsume("m")
	if !admitted {
		t.Fatal("admission must not depend on persistence")
	}
	store.RecordProviderThrottle("m")
}

func TestRestoreRoundTrip(t *testing.T) {
	clock := newFakeClock()
	fileStore, err := NewFileSnapshotStore(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("NewFileSnapshotStore() error = %v", err)
	}

	limits := func(string) Limits { return Limits{Minute: 5, Day: 50} }
	store := NewStore(StoreConfig{
		LimitsFor: limits,
		Snapshots: fileStore,
		Logger:    testLogger(),
		Now:       clock.Now,
	})

	store.TryConsume("m")
	store.TryConsume("m")
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	restored := NewStore(StoreConfig{
		LimitsFor: limits,
		Snapshots: fileStore,
		Logger:    testLogger(),
		Now:       clock.Now,
	})
	restored.Restore(context.Background())

	snap := restored.SnapshotFor("m")
	w, _ := snap.Window(WindowMinute)
	if w.Used != 2 {
		t.Errorf("restored minute used = %d, want 2", w.Used)
	}
}

// Eviction runs on the wall clock inside go-cache, so these tests use real
// time with short TTLs instead of the fake clock.

func TestEviction_ReadOnlyPollingDoesNotKeepEntriesAlive(t *testing.T) {
	store := NewStore(StoreConfig{
		LimitsFor: func(string) Limits { return Limits{Minute: 5, Day: 50} },
		StaleTTL:  100 * time.Millisecond,
		Logger:    testLogger(),
	})
	store.TryConsume("idle-model")

	// Snapshot polling, as the broadcaster does on every tick, must not
	// restart the eviction clock.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		store.SnapshotAll()
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	if snaps := store.SnapshotAll(); len(snaps) != 0 {
		t.Fatalf("SnapshotAll() returned %d entries, want 0 after staleness TTL of read-only polling", len(snaps))
	}
}

func TestEviction_AdmissionActivityKeepsEntryAlive(t *testing.T) {
	store := NewStore(StoreConfig{
		LimitsFor: func(string) Limits { return Limits{Minute: 100, Day: 1000} },
		StaleTTL:  250 * time.Millisecond,
		Logger:    testLogger(),
	})

	// Consume more often than the TTL for longer than the TTL.
	for i := 0; i < 6; i++ {
		store.TryConsume("busy-model")
		time.Sleep(50 * time.Millisecond)
	}

	if snaps := store.SnapshotAll(); len(snaps) != 1 {
		t.Fatalf("SnapshotAll() returned %d entries, want the active model to survive", len(snaps))
	}
}
