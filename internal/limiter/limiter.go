// Package limiter is the single admission entry point used by the stream
// relay before opening a provider connection. A Decision is always resolved
// locally; callers never see raw quota state.
package limiter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/blueberrycongee/streamgate/internal/metrics"
	"github.com/blueberrycongee/streamgate/internal/quota"
	gwerrors "github.com/blueberrycongee/streamgate/pkg/errors"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Reason names the primary blocking condition when denied.
	Reason string
	// RetryAfter is the wait after which all blocking conditions have
	// cleared. Zero when allowed.
	RetryAfter time.Duration
	// Snapshot is the post-decision quota state for the model.
	Snapshot quota.Snapshot
}

// Limiter decides admission against the quota store.
type Limiter struct {
	store  *quota.Store
	logger *slog.Logger
	now    func() time.Time
}

// Config contains dependencies for a Limiter.
type Config struct {
	Store  *quota.Store
	Logger *slog.Logger
	// Now overrides the clock for tests.
	Now func() time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// Admit performs the atomic check-and-increment for one request. An Allowed
// decision means the request has already been counted against every window;
// callers must not consume again.
func (l *Limiter) Admit(model string) Decision {
	snap := l.store.SnapshotFor(model)

	if !snap.BackoffActive {
		admitted, after := l.store.TryConsume(model)
		if admitted {
			metrics.AdmissionsTotal.WithLabelValues(model).Inc()
			return Decision{Allowed: true, Snapshot: after}
		}
		snap = after
	}

	decision := l.denial(model, snap)
	metrics.DenialsTotal.WithLabelValues(model, decision.Reason).Inc()
	l.logger.Info("request denied",
		"model", model,
		"reason", decision.Reason,
		"retry_after", decision.RetryAfter,
	)
	return decision
}

// denial derives the user-facing reason and wait from the blocking
// conditions in a snapshot. The longest-duration condition is reported as
// the primary reason (day over backoff over minute); RetryAfter is the
// maximum of the individual waits, since all conditions must clear before
// another admission can succeed.
func (l *Limiter) denial(model string, snap quota.Snapshot) Decision {
	now := l.now()

	var reason string
	var retryAfter time.Duration
	block := func(r string, resetAt time.Time) {
		if reason == "" {
			reason = r
		}
		if wait := resetAt.Sub(now); wait > retryAfter {
			retryAfter = wait
		}
	}

	if w, ok := snap.Window(quota.WindowDay); ok && w.Remaining == 0 {
		block(quota.ReasonDayLimit, w.ResetAt)
	}
	if snap.BackoffActive {
		block(quota.ReasonBackoff, snap.BackoffUntil)
	}
	if w, ok := snap.Window(quota.WindowMinute); ok && w.Remaining == 0 {
		block(quota.ReasonMinuteLimit, w.ResetAt)
	}

	if reason == "" {
		// Defensive: TryConsume denied but no window shows exhaustion.
		reason = quota.ReasonMinuteLimit
	}
	if retryAfter < 0 {
		retryAfter = 0
	}

	return Decision{
		Reason:     reason,
		RetryAfter: retryAfter,
		Snapshot:   snap,
	}
}

// Err converts a denied decision to the gateway error taxonomy.
// Returns nil for allowed decisions.
func (d Decision) Err(model string) *gwerrors.GatewayError {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case quota.ReasonBackoff:
		return gwerrors.NewProviderThrottledError(model,
			fmt.Sprintf("the provider is throttling requests for %s; try again in about %s",
				model, humanDuration(d.RetryAfter)),
			d.RetryAfter)
	case quota.ReasonDayLimit:
		return gwerrors.NewQuotaExceededError(model,
			fmt.Sprintf("the daily request limit for %s has been reached; try again in about %s",
				model, humanDuration(d.RetryAfter)),
			d.RetryAfter)
	default:
		return gwerrors.NewQuotaExceededError(model,
			fmt.Sprintf("the per-minute request limit for %s has been reached; try again in about %s",
				model, humanDuration(d.RetryAfter)),
			d.RetryAfter)
	}
}

// humanDuration renders a wait estimate at coarse granularity.
func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%.0f hours", d.Hours())
	case d >= time.Minute:
		return fmt.Sprintf("%.0f minutes", d.Minutes())
	default:
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	}
}
