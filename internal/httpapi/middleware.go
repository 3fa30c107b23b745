package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	gwerrors "github.com/blueberrycongee/streamgate/pkg/errors"
)

// ClientRateLimiter provides per-client-address request pacing at the
// transport layer. It sits in front of quota accounting: a paced-out
// request never touches any quota window.
type ClientRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time

	ratePerSec rate.Limit
	burst      int
	cleanupTTL time.Duration
	logger     *slog.Logger
}

// ClientRateLimiterConfig contains configuration for the client rate limiter.
type ClientRateLimiterConfig struct {
	RPM        int           // Requests per minute per client address
	Burst      int           // Burst size
	CleanupTTL time.Duration // TTL for inactive limiters
	Logger     *slog.Logger
}

// NewClientRateLimiter creates a per-client rate limiter and starts its
// cleanup goroutine.
func NewClientRateLimiter(cfg ClientRateLimiterConfig) *ClientRateLimiter {
	if cfg.RPM <= 0 {
		cfg.RPM = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.CleanupTTL <= 0 {
		cfg.CleanupTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &ClientRateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		ratePerSec: rate.Limit(float64(cfg.RPM) / 60.0),
		burst:      cfg.Burst,
		cleanupTTL: cfg.CleanupTTL,
		logger:     cfg.Logger,
	}

	go c.cleanupLoop()

	return c
}

// Allow reports whether the client identified by addr may proceed.
func (c *ClientRateLimiter) Allow(addr string) bool {
	c.mu.Lock()
	lim, ok := c.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(c.ratePerSec, c.burst)
		c.limiters[addr] = lim
	}
	c.lastAccess[addr] = time.Now()
	c.mu.Unlock()

	return lim.Allow()
}

// Middleware wraps a handler with per-client pacing. Rejections are
// reported in the standard error envelope with a Retry-After header.
func (c *ClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		if !c.Allow(addr) {
			c.logger.Warn("client rate limited", "addr", addr, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeError(w, gwerrors.NewRateLimitedError("too many requests, slow down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr extracts the client host from the request, stripping the port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanupLoop evicts limiters for clients idle longer than the TTL.
func (c *ClientRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupTTL)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-c.cleanupTTL)
		c.mu.Lock()
		for addr, last := range c.lastAccess {
			if last.Before(cutoff) {
				delete(c.limiters, addr)
				delete(c.lastAccess, addr)
			}
		}
		c.mu.Unlock()
	}
}
