// Package quota implements the authoritative per-(model, window) request
// counters for the gateway. Counters are wall-clock-timestamp driven: every
// access re-derives window and backoff validity from the current time, so
// correctness never depends on timers firing on schedule.
package quota

import (
	"sync"
	"time"
)

// WindowKind identifies a fixed-duration counting period.
type WindowKind string

const (
	WindowMinute WindowKind = "minute"
	WindowDay    WindowKind = "day"
)

// Length returns the duration of one window of this kind.
func (k WindowKind) Length() time.Duration {
	switch k {
	case WindowMinute:
		return time.Minute
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Window is one active counting period for a model.
type Window struct {
	Kind  WindowKind `json:"kind"`
	Limit int        `json:"limit"`
	Used  int        `json:"used"`
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
}

// Remaining returns the admission headroom left in the window.
func (w Window) Remaining() int {
	if w.Used >= w.Limit {
		return 0
	}
	return w.Limit - w.Used
}

// Backoff tracks escalating cooldown after upstream-reported throttling.
// It is independent of the window counters.
type Backoff struct {
	ErrorCount int       `json:"error_count"`
	Until      time.Time `json:"until"`
}

// Active reports whether the backoff window covers now.
func (b Backoff) Active(now time.Time) bool {
	return now.Before(b.Until)
}

// ModelQuota is the per-model mutable state. All fields are guarded by mu;
// different models never contend on each other's locks.
type ModelQuota struct {
	mu sync.Mutex

	Key         string
	Windows     []Window
	Backoff     Backoff
	LastUpdated time.Time
}

// Limits holds the per-window admission limits for one model.
type Limits struct {
	Minute int
	Day    int
}

// WindowSnapshot is a read-only view of one window at a point in time.
// Reset times are absolute so the snapshot stays byte-stable between
// mutations, which delta suppression depends on.
type WindowSnapshot struct {
	Kind      WindowKind `json:"kind"`
	Limit     int        `json:"limit"`
	Used      int        `json:"used"`
	Remaining int        `json:"remaining"`
	ResetAt   time.Time  `json:"reset_at"`
}

// Snapshot is a read-only view of one model's quota state.
type Snapshot struct {
	Model         string           `json:"model"`
	Windows       []WindowSnapshot `json:"windows"`
	BackoffActive bool             `json:"backoff_active"`
	BackoffUntil  time.Time        `json:"backoff_until,omitempty"`
	ErrorCount    int              `json:"error_count,omitempty"`
}

// Window returns the snapshot window of the given kind, if present.
func (s Snapshot) Window(kind WindowKind) (WindowSnapshot, bool) {
	for _, w := range s.Windows {
		if w.Kind == kind {
			return w, true
		}
	}
	return WindowSnapshot{}, false
}

// Availability is the result of an availability probe.
type Availability struct {
	Available bool
	// Reason is empty when Available; otherwise the primary blocking condition.
	Reason string
	// ResetAt is the earliest time any blocking condition clears.
	ResetAt time.Time
}

// Blocking condition names used in Availability.Reason and denial decisions.
const (
	ReasonDayLimit    = "day_limit"
	ReasonMinuteLimit = "minute_limit"
	ReasonBackoff     = "provider_backoff"
)
