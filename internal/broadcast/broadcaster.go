package broadcast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/streamgate/internal/metrics"
	"github.com/blueberrycongee/streamgate/internal/quota"
)

// Update is the payload written to observers.
type Update struct {
	Models []quota.Snapshot `json:"models"`
}

// Config contains dependencies and settings for a Broadcaster.
type Config struct {
	Store    *quota.Store
	Registry *Registry
	// Interval is the sampling tick. Deliberately coarse: quota windows
	// are minutes to a day long, and delta suppression means a tick
	// without state change writes nothing.
	Interval time.Duration
	Logger   *slog.Logger
}

// Broadcaster samples the quota store on a fixed interval and fans
// delta-suppressed countdown snapshots out to observers. It is eventually
// consistent with the store, with staleness bounded by the interval.
type Broadcaster struct {
	store    *quota.Store
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Broadcaster.
func New(cfg Config) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broadcaster{
		store:    cfg.Store,
		registry: cfg.Registry,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}
}

// Subscribe registers an observer and unconditionally sends its first
// snapshot to establish known state. On write failure the observer is
// removed and the error returned.
func (b *Broadcaster) Subscribe(id, filter string, w ObserverWriter) (*Observer, error) {
	o := b.registry.Register(id, filter, w)
	if err := b.send(o, true); err != nil {
		b.registry.Evict(o)
		return nil, err
	}
	return o, nil
}

// Unsubscribe removes an observer. Idempotent.
func (b *Broadcaster) Unsubscribe(id string) {
	b.registry.Unregister(id)
}

// Run ticks until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("quota broadcaster started", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("quota broadcaster stopped")
			return
		case <-ticker.C:
			b.BroadcastOnce()
		}
	}
}

// BroadcastOnce runs one sampling pass. Per-observer writes are
// independent and failure-isolated: one slow or dead observer never stalls
// the others.
func (b *Broadcaster) BroadcastOnce() {
	var wg sync.WaitGroup
	b.registry.ForEachMatching("", func(o *Observer) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.send(o, false)
		}()
	})
	wg.Wait()
}

// send computes the observer's snapshot, applies delta suppression, and
// writes. A write failure is an implicit unregister; it is never surfaced
// to any user.
func (b *Broadcaster) send(o *Observer, force bool) error {
	payload, hash, err := b.snapshotFor(o.Filter)
	if err != nil {
		b.logger.Error("failed to encode countdown snapshot", "error", err)
		return err
	}

	written, err := o.deliver(payload, hash, force)
	if err != nil {
		metrics.ObserverWriteFailuresTotal.Inc()
		b.logger.Debug("observer write failed, unregistering",
			"observer_id", o.ID,
			"error", err,
		)
		b.registry.Evict(o)
		return err
	}
	if written {
		metrics.BroadcastSendsTotal.Inc()
	} else {
		metrics.BroadcastSuppressedTotal.Inc()
	}
	return nil
}

// snapshotFor serializes the countdown state visible through a filter and
// fingerprints it. Snapshots carry absolute reset timestamps, so the bytes
// only change when the underlying quota state does.
func (b *Broadcaster) snapshotFor(filter string) ([]byte, string, error) {
	var update Update
	if filter == "" {
		update.Models = b.store.SnapshotAll()
	} else {
		update.Models = []quota.Snapshot{b.store.SnapshotFor(filter)}
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(payload)
	return payload, hex.EncodeToString(sum[:]), nil
}
