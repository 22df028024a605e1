// Package ratelimit provides token bucket limiters keyed by client address.
// It guards both the operator API and INVITE admission on the SIP listener.
package ratelimit

import (
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a keyed limiter.
type Config struct {
	// Rate is the number of events allowed per second per key.
	Rate rate.Limit
	// Burst is the maximum burst size per key.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// entry tracks a per-key limiter and when it was last used.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed holds one token bucket per key.
type Keyed struct {
	name string
	cfg  Config

	mu      sync.Mutex
	entries map[string]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a keyed limiter and starts background cleanup. name only
// labels log lines.
func New(name string, cfg Config) *Keyed {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	k := &Keyed{
		name:    name,
		cfg:     cfg,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
	go k.cleanupLoop()
	return k
}

// Allow reports whether an event for key may happen now.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.cfg.Rate, k.cfg.Burst)}
		k.entries[key] = e
	}
	e.lastSeen = time.Now()
	k.mu.Unlock()

	return e.limiter.Allow()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// RetryAfter is the time for one token to refill, in whole seconds, as
// used by Retry-After headers.
func (k *Keyed) RetryAfter() string {
	secs := 1
	if k.cfg.Rate > 0 && k.cfg.Rate < 1 {
		secs = int(math.Ceil(1 / float64(k.cfg.Rate)))
	}
	return strconv.Itoa(secs)
}

// Stop terminates the background cleanup goroutine. It is safe to call
// more than once.
func (k *Keyed) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

func (k *Keyed) cleanupLoop() {
	ticker := time.NewTicker(k.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.cleanup()
		case <-k.stopCh:
			return
		}
	}
}

// cleanup removes entries that haven't been seen within MaxAge.
func (k *Keyed) cleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := time.Now().Add(-k.cfg.MaxAge)
	removed := 0
	for key, e := range k.entries {
		if !e.lastSeen.After(cutoff) {
			delete(k.entries, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter cleanup", "limiter", k.name, "removed", removed, "remaining", len(k.entries))
	}
}
