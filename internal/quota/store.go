package quota

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/streamgate/internal/metrics"
)

const (
	// DefaultStaleTTL bounds memory: entries untouched this long are evicted.
	DefaultStaleTTL = 24 * time.Hour

	// evictionSweepInterval is how often the eviction janitor runs.
	evictionSweepInterval = time.Hour
)

// StoreConfig contains dependencies and settings for a quota Store.
type StoreConfig struct {
	// LimitsFor resolves window limits per model. Required.
	LimitsFor func(model string) Limits
	// BackoffFor resolves backoff parameters per model. Optional;
	// DefaultBackoffParams is used when nil.
	BackoffFor func(model string) BackoffParams
	// Snapshots is the optional persistence backend. Failures are logged
	// and swallowed; in-memory state stays authoritative.
	Snapshots SnapshotStore
	// StaleTTL overrides DefaultStaleTTL.
	StaleTTL time.Duration
	Logger   *slog.Logger
	// Now overrides the clock; tests use this to drive window rollovers.
	Now func() time.Time
}

// Store is the single point of truth for request counters. Admission
// check-and-increment is atomic per model; different models never block
// each other.
type Store struct {
	mu      sync.Mutex // guards entry creation only
	entries *gocache.Cache

	limitsFor  func(model string) Limits
	backoffFor func(model string) BackoffParams
	snapshots  SnapshotStore
	logger     *slog.Logger
	now        func() time.Time

	persistMu sync.Mutex
}

// NewStore creates a quota store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BackoffFor == nil {
		cfg.BackoffFor = func(string) BackoffParams { return DefaultBackoffParams }
	}
	ttl := cfg.StaleTTL
	if ttl <= 0 {
		ttl = DefaultStaleTTL
	}

	return &Store{
		entries:    gocache.New(ttl, evictionSweepInterval),
		limitsFor:  cfg.LimitsFor,
		backoffFor: cfg.BackoffFor,
		snapshots:  cfg.Snapshots,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// GetOrInit returns the quota state for a model, creating it lazily with the
// configured (or default) limits. Never fails. The staleness TTL is set at
// creation and refreshed only by mutating operations, so snapshot polling
// by the broadcaster or observers never keeps an idle entry alive.
func (s *Store) GetOrInit(model string) *ModelQuota {
	if v, ok := s.entries.Get(model); ok {
		return v.(*ModelQuota)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring the creation lock
	if v, ok := s.entries.Get(model); ok {
		return v.(*ModelQuota)
	}

	q := s.newQuota(model)
	s.entries.SetDefault(model, q)
	return q
}

// touch restarts the eviction clock for an entry. Only admission attempts
// and backoff mutations call this; read paths leave it untouched.
func (s *Store) touch(model string, q *ModelQuota) {
	s.entries.SetDefault(model, q)
}

func (s *Store) newQuota(model string) *ModelQuota {
	now := s.now()
	limits := s.limitsFor(model)
	return &ModelQuota{
		Key: model,
		Windows: []Window{
			{Kind: WindowMinute, Limit: limits.Minute, Start: now, End: now.Add(WindowMinute.Length())},
			{Kind: WindowDay, Limit: limits.Day, Start: now, End: now.Add(WindowDay.Length())},
		},
		LastUpdated: now,
	}
}

// rollWindowsLocked resets every expired window. A window whose end has
// passed restarts at now, never at an incremented boundary, so a process
// asleep across several window lengths rolls exactly once. Idempotent.
// q.mu must be held.
func rollWindowsLocked(q *ModelQuota, now time.Time) {
	for i := range q.Windows {
		w := &q.Windows[i]
		if !w.End.After(now) {
			w.Used = 0
			w.Start = now
			w.End = now.Add(w.Kind.Length())
		}
	}
}

// TryConsume atomically rolls expired windows and, if every window has
// headroom, counts one request against all of them. The returned snapshot
// reflects the post-decision state either way.
func (s *Store) TryConsume(model string) (bool, Snapshot) {
	q := s.GetOrInit(model)
	now := s.now()

	q.mu.Lock()
	rollWindowsLocked(q, now)

	admitted := true
	for _, w := range q.Windows {
		if w.Used >= w.Limit {
			admitted = false
			break
		}
	}
	if admitted {
		for i := range q.Windows {
			q.Windows[i].Used++
		}
		q.LastUpdated = now
	}
	snap := snapshotLocked(q, now)
	q.mu.Unlock()

	s.touch(model, q)
	if admitted {
		s.persist()
	}
	return admitted, snap
}

// RecordProviderThrottle escalates the model's backoff after an
// upstream-reported throttle signal. Backoff is independent of and in
// addition to the window counters.
func (s *Store) RecordProviderThrottle(model string) Backoff {
	q := s.GetOrInit(model)
	params := s.backoffFor(model)
	now := s.now()

	q.mu.Lock()
	q.Backoff.ErrorCount++
	d := params.Duration(q.Backoff.ErrorCount)
	q.Backoff.Until = now.Add(d)
	q.LastUpdated = now
	b := q.Backoff
	q.mu.Unlock()

	s.touch(model, q)
	metrics.ThrottleEventsTotal.WithLabelValues(model).Inc()
	s.logger.Warn("provider throttle recorded",
		"model", model,
		"error_count", b.ErrorCount,
		"backoff_until", b.Until,
	)
	s.persist()
	return b
}

// ClearBackoff resets the throttle escalation state for a model.
// Called after a successful provider round trip.
func (s *Store) ClearBackoff(model string) {
	q := s.GetOrInit(model)

	q.mu.Lock()
	cleared := q.Backoff.ErrorCount > 0
	q.Backoff = Backoff{}
	q.mu.Unlock()

	if cleared {
		s.touch(model, q)
		s.persist()
	}
}

// IsAvailable reports whether an admission attempt for the model would
// succeed right now: no active backoff and headroom in every window.
// When unavailable, ResetAt is the earliest time any blocking condition
// clears.
func (s *Store) IsAvailable(model string) Availability {
	q := s.GetOrInit(model)
	now := s.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	rollWindowsLocked(q, now)

	var reason string
	var resetAt time.Time
	block := func(r string, at time.Time) {
		if resetAt.IsZero() || at.Before(resetAt) {
			resetAt = at
		}
		if reason == "" {
			reason = r
		}
	}

	// Reason precedence follows blocking-condition duration: day over
	// backoff over minute.
	for _, w := range q.Windows {
		if w.Kind == WindowDay && w.Used >= w.Limit {
			block(ReasonDayLimit, w.End)
		}
	}
	if q.Backoff.Active(now) {
		block(ReasonBackoff, q.Backoff.Until)
	}
	for _, w := range q.Windows {
		if w.Kind == WindowMinute && w.Used >= w.Limit {
			block(ReasonMinuteLimit, w.End)
		}
	}

	if reason == "" {
		return Availability{Available: true}
	}
	return Availability{Available: false, Reason: reason, ResetAt: resetAt}
}

// SnapshotFor returns the current snapshot for one model, rolling expired
// windows first.
func (s *Store) SnapshotFor(model string) Snapshot {
	q := s.GetOrInit(model)
	now := s.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	rollWindowsLocked(q, now)
	return snapshotLocked(q, now)
}

// SnapshotAll returns snapshots for every tracked model, sorted by model key
// so the result is stable for fingerprinting.
func (s *Store) SnapshotAll() []Snapshot {
	items := s.entries.Items()
	models := make([]string, 0, len(items))
	for model := range items {
		models = append(models, model)
	}
	sort.Strings(models)

	snaps := make([]Snapshot, 0, len(models))
	for _, model := range models {
		snaps = append(snaps, s.SnapshotFor(model))
	}
	return snaps
}

func snapshotLocked(q *ModelQuota, now time.Time) Snapshot {
	snap := Snapshot{
		Model:         q.Key,
		Windows:       make([]WindowSnapshot, 0, len(q.Windows)),
		BackoffActive: q.Backoff.Active(now),
		ErrorCount:    q.Backoff.ErrorCount,
	}
	if snap.BackoffActive {
		snap.BackoffUntil = q.Backoff.Until
	}
	for _, w := range q.Windows {
		snap.Windows = append(snap.Windows, WindowSnapshot{
			Kind:      w.Kind,
			Limit:     w.Limit,
			Used:      w.Used,
			Remaining: w.Remaining(),
			ResetAt:   w.End,
		})
	}
	return snap
}

// Restore loads persisted counters, best effort. Restored windows roll
// normally on first access, so stale state can only under-admit.
func (s *Store) Restore(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	records, err := s.snapshots.Load(ctx)
	if err != nil {
		s.logger.Warn("quota snapshot restore failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for model, rec := range records {
		q := s.newQuota(model)
		for i := range q.Windows {
			for _, pw := range rec.Windows {
				if pw.Kind == q.Windows[i].Kind {
					q.Windows[i].Used = pw.Used
					q.Windows[i].Start = pw.Start
					q.Windows[i].End = pw.End
				}
			}
		}
		q.Backoff = rec.Backoff
		q.LastUpdated = rec.LastUpdated
		s.entries.SetDefault(model, q)
	}
	s.logger.Info("quota snapshot restored", "models", len(records))
}

// Flush persists the current counters synchronously. Used at shutdown.
func (s *Store) Flush(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	return s.snapshots.Save(ctx, s.export())
}

// persist writes a best-effort snapshot. Failures are logged and swallowed;
// the in-memory state remains authoritative for the life of the process.
func (s *Store) persist() {
	if s.snapshots == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.snapshots.Save(ctx, s.export()); err != nil {
		metrics.SnapshotPersistFailuresTotal.Inc()
		s.logger.Warn("quota snapshot persist failed", "error", err)
	}
}

func (s *Store) export() map[string]PersistedQuota {
	out := make(map[string]PersistedQuota)
	for model, item := range s.entries.Items() {
		q := item.Object.(*ModelQuota)
		q.mu.Lock()
		rec := PersistedQuota{
			Windows:     append([]Window(nil), q.Windows...),
			Backoff:     q.Backoff,
			LastUpdated: q.LastUpdated,
		}
		q.mu.Unlock()
		out[model] = rec
	}
	return out
}
