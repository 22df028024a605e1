package ratelimit

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// LockoutConfig configures a Lockout.
type LockoutConfig struct {
	// MaxFailures within Window block the key.
	MaxFailures int
	Window      time.Duration
	// BlockFor is the first block length. Each repeat offence doubles it,
	// up to MaxBlockFor.
	BlockFor    time.Duration
	MaxBlockFor time.Duration
}

// DefaultLockoutConfig blocks a key for 5 minutes after 10 failures in 10
// minutes, doubling up to a day.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxFailures: 10,
		Window:      10 * time.Minute,
		BlockFor:    5 * time.Minute,
		MaxBlockFor: 24 * time.Hour,
	}
}

type lockoutRecord struct {
	failures  []time.Time
	blockedAt time.Time
	until     time.Time // zero when not blocked
	next      time.Duration
}

func (r *lockoutRecord) blocked(now time.Time) bool {
	return !r.until.IsZero() && now.Before(r.until)
}

// Lockout blocks keys, usually client addresses, that fail authentication
// too often.
type Lockout struct {
	name string
	cfg  LockoutConfig
	now  func() time.Time

	mu      sync.Mutex
	records map[string]*lockoutRecord

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLockout creates an empty lockout and starts forgetting idle keys
// once per Window. name only labels log lines.
func NewLockout(name string, cfg LockoutConfig) *Lockout {
	if cfg.Window <= 0 {
		cfg.Window = DefaultLockoutConfig().Window
	}
	l := &Lockout{
		name:    name,
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*lockoutRecord),
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop terminates the background cleanup. It is safe to call more than
// once.
func (l *Lockout) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Lockout) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// Blocked reports whether key is blocked and for how much longer.
func (l *Lockout) Blocked(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return false, 0
	}
	now := l.now()
	if !rec.blocked(now) {
		return false, 0
	}
	return true, rec.until.Sub(now)
}

// Failure records a failed attempt for key and blocks it once the
// threshold is reached. It reports whether key is now blocked.
func (l *Lockout) Failure(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[key]
	if !ok {
		rec = &lockoutRecord{next: l.cfg.BlockFor}
		l.records[key] = rec
	}
	if rec.blocked(now) {
		return true
	}

	cutoff := now.Add(-l.cfg.Window)
	kept := rec.failures[:0]
	for _, t := range rec.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.failures = append(kept, now)

	if len(rec.failures) < l.cfg.MaxFailures {
		return false
	}

	rec.failures = nil
	rec.blockedAt = now
	rec.until = now.Add(rec.next)
	slog.Warn("key blocked after repeated failures",
		"lockout", l.name,
		"key", key,
		"block_duration", rec.next.String(),
	)
	rec.next = min(rec.next*2, l.cfg.MaxBlockFor)
	return true
}

// Success clears the failure count for key. The escalated block length is
// kept so repeat offenders still get longer blocks.
func (l *Lockout) Success(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[key]; ok {
		rec.failures = nil
	}
}

// LockoutEntry is one blocked key.
type LockoutEntry struct {
	Key       string    `json:"key"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Entries returns the currently blocked keys, soonest expiry first.
func (l *Lockout) Entries() []LockoutEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entries := []LockoutEntry{}
	for key, rec := range l.records {
		if rec.blocked(now) {
			entries = append(entries, LockoutEntry{Key: key, BlockedAt: rec.blockedAt, ExpiresAt: rec.until})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ExpiresAt.Before(entries[j].ExpiresAt)
	})
	return entries
}

// Unblock lifts the block on key. It reports whether key was blocked.
func (l *Lockout) Unblock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok || !rec.blocked(l.now()) {
		return false
	}
	rec.until = time.Time{}
	rec.failures = nil
	slog.Info("key manually unblocked", "lockout", l.name, "key", key)
	return true
}

// Cleanup forgets keys with no active block and no failures in the window.
func (l *Lockout) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)
	for key, rec := range l.records {
		if rec.blocked(now) {
			continue
		}
		recent := false
		for _, t := range rec.failures {
			if t.After(cutoff) {
				recent = true
				break
			}
		}
		if !recent {
			delete(l.records, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Lockout) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
