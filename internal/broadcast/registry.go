// Package broadcast pushes quota countdown snapshots to subscribed
// observers. The registry keeps connection bookkeeping only; all quota
// knowledge lives in the broadcaster.
package broadcast

import (
	"sync"

	"github.com/blueberrycongee/streamgate/internal/metrics"
)

// ObserverWriter delivers one serialized snapshot to an observer
// connection. The handle is owned by the transport layer; implementations
// must not block indefinitely on a slow or dead connection.
type ObserverWriter interface {
	WriteSnapshot(payload []byte) error
}

// Observer is one subscribed countdown connection.
type Observer struct {
	ID string
	// Filter restricts the snapshot to one model; empty means all models.
	Filter string

	writer ObserverWriter

	// mu serializes writes and synchronizes removal with in-flight
	// broadcast passes: once closed is set, no write ever happens again.
	mu       sync.Mutex
	closed   bool
	lastHash string
}

// Registry tracks active observers. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	observers map[string]*Observer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{observers: make(map[string]*Observer)}
}

// Register adds an observer. Re-registering an ID replaces the previous
// observer, closing it first.
func (r *Registry) Register(id, filter string, w ObserverWriter) *Observer {
	o := &Observer{ID: id, Filter: filter, writer: w}

	r.mu.Lock()
	prev := r.observers[id]
	r.observers[id] = o
	r.mu.Unlock()

	if prev != nil {
		prev.close()
	} else {
		metrics.Observers.Inc()
	}
	return o
}

// Unregister removes an observer. Idempotent: unregistering an unknown or
// already-removed observer is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	o, ok := r.observers[id]
	if ok {
		delete(r.observers, id)
	}
	r.mu.Unlock()

	if ok {
		o.close()
		metrics.Observers.Dec()
	}
}

// Evict removes a specific observer. Unlike Unregister it compares
// pointer identity, so a replacement that reused the ID between a failed
// write and the cleanup is left registered. Idempotent.
func (r *Registry) Evict(o *Observer) {
	r.mu.Lock()
	removed := r.observers[o.ID] == o
	if removed {
		delete(r.observers, o.ID)
	}
	r.mu.Unlock()

	o.close()
	if removed {
		metrics.Observers.Dec()
	}
}

// ForEachMatching calls fn for every observer whose filter matches the
// model (empty model matches all). The observer set is copied first, so fn
// may unregister observers without deadlocking the registry.
func (r *Registry) ForEachMatching(model string, fn func(*Observer)) {
	for _, o := range r.snapshot() {
		if model == "" || o.Filter == "" || o.Filter == model {
			fn(o)
		}
	}
}

// Len returns the number of registered observers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

func (r *Registry) snapshot() []*Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Observer, 0, len(r.observers))
	for _, o := range r.observers {
		out = append(out, o)
	}
	return out
}

// close marks the observer dead. Any broadcast pass that already holds a
// reference will see the flag before writing.
func (o *Observer) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// deliver writes a payload unless the observer is closed or the payload
// fingerprint matches the last delivered one. force bypasses the
// fingerprint check for the initial snapshot after subscribing.
// Returns (written, err).
func (o *Observer) deliver(payload []byte, hash string, force bool) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false, nil
	}
	if !force && hash == o.lastHash {
		return false, nil
	}
	if err := o.writer.WriteSnapshot(payload); err != nil {
		return false, err
	}
	o.lastHash = hash
	return true, nil
}
