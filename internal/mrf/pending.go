package mrf

import (
	"context"
	"sync"
	"time"

	"github.com/flowpbx/astmrf/internal/ari"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultAllocationTimeout bounds the wait for both halves of an allocation.
const DefaultAllocationTimeout = 4 * time.Second

// recentTokens is how many settled tokens are remembered to tell late
// arrivals from unknown ones in the logs.
const recentTokens = 1024

// lateDestroyTimeout bounds the BYE sent for a dialog that arrived late.
const lateDestroyTimeout = 5 * time.Second

// Settlement outcomes, remembered per token.
const (
	outcomeResolved  = "resolved"
	outcomeFailed    = "failed"
	outcomeTimedOut  = "timed_out"
	outcomeDiscarded = "discarded"
)

// buildFunc turns a correlated channel and dialog into an Endpoint. It is
// called once per resolved allocation, without registry locks held.
type buildFunc func(token string, ch ari.Channel, d Dialog) *Endpoint

// allocationResult is the single outcome of an allocation.
type allocationResult struct {
	endpoint *Endpoint
	err      error
}

// allocation is the pending state of one token.
type allocation struct {
	token   string
	started time.Time
	build   buildFunc
	timer   *time.Timer
	channel ari.Channel
	dialog  Dialog
	settled bool
	result  chan allocationResult
}

// deliver hands out the outcome. Callers guarantee it runs once.
func (a *allocation) deliver(r allocationResult) {
	a.result <- r
}

// RegistryStats is a snapshot of registry counters.
type RegistryStats struct {
	Pending   int    `json:"pending"`
	Begun     uint64 `json:"begun"`
	Resolved  uint64 `json:"resolved"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Discarded uint64 `json:"discarded"`
	Unknown   uint64 `json:"unknown"`
	Late      uint64 `json:"late"`
}

// PendingRegistry correlates the two halves of endpoint allocations: the
// outbound dialog result and the channel-started event carrying the same
// token. Each allocation gets exactly one outcome.
//
// An allocation is settled under the lock; settling removes it from the
// table and stops its timer. Delivery and all calls into channels and
// dialogs happen after the lock is released.
type PendingRegistry struct {
	logger Logger

	mu      sync.Mutex
	pending map[string]*allocation
	recent  *lru.Cache[string, string]
	stats   RegistryStats
}

// NewPendingRegistry creates an empty registry.
func NewPendingRegistry(logger Logger) *PendingRegistry {
	recent, _ := lru.New[string, string](recentTokens)
	return &PendingRegistry{
		logger:  logger,
		pending: make(map[string]*allocation),
		recent:  recent,
	}
}

// Begin registers a new allocation and arms its deadline. The returned
// channel receives exactly one result.
func (r *PendingRegistry) Begin(timeout time.Duration, build buildFunc) (string, <-chan allocationResult) {
	if timeout <= 0 {
		timeout = DefaultAllocationTimeout
	}

	a := &allocation{
		started: time.Now(),
		build:   build,
		result:  make(chan allocationResult, 1),
	}

	r.mu.Lock()
	for {
		a.token = uuid.NewString()
		if _, taken := r.pending[a.token]; !taken {
			break
		}
	}
	r.pending[a.token] = a
	r.stats.Begun++
	a.timer = time.AfterFunc(timeout, func() { r.expire(a) })
	r.mu.Unlock()

	return a.token, a.result
}

// ReportChannel records the channel that entered the application for
// token. A channel with no open allocation is handed back to the dialplan.
func (r *PendingRegistry) ReportChannel(token string, ch ari.Channel) {
	r.mu.Lock()
	a, ok := r.pending[token]
	if !ok || a.settled || a.channel != nil {
		late := r.noteStrayLocked(token)
		r.mu.Unlock()

		r.logger.Info("channel for unknown token, continuing in dialplan",
			"token", token,
			"channel_id", ch.ID(),
			"late", late,
			"duplicate", ok,
		)
		if err := ch.Continue(); err != nil {
			r.logger.Error("failed to continue channel", "channel_id", ch.ID(), "error", err)
		}
		return
	}

	a.channel = ch
	ready := a.dialog != nil
	if ready {
		r.settleLocked(a, outcomeResolved)
	}
	r.mu.Unlock()

	if err := ch.Answer(); err != nil {
		r.logger.Error("failed to answer channel", "token", token, "channel_id", ch.ID(), "error", err)
	}
	if ready {
		r.complete(a)
	}
}

// ReportDialog records the outcome of the outbound dialog for token. A
// failure settles the allocation at once. A successful dialog that is no
// longer wanted is torn down.
func (r *PendingRegistry) ReportDialog(token string, d Dialog, err error) {
	r.mu.Lock()
	a, ok := r.pending[token]
	if !ok || a.settled {
		late := r.noteStrayLocked(token)
		r.mu.Unlock()

		if err != nil {
			r.logger.Info("dialog failure for settled token", "token", token, "late", late, "error", err)
			return
		}
		r.logger.Info("received late response, destroying dialog",
			"token", token,
			"call_id", d.ID(),
			"late", late,
		)
		go destroyDialog(r.logger, d)
		return
	}

	if err != nil {
		r.settleLocked(a, outcomeFailed)
		ch := a.channel
		r.mu.Unlock()

		if ch != nil {
			hangupChannel(r.logger, ch)
		}
		a.deliver(allocationResult{err: err})
		return
	}

	a.dialog = d
	ready := a.channel != nil
	if ready {
		r.settleLocked(a, outcomeResolved)
	}
	r.mu.Unlock()

	if ready {
		r.complete(a)
	}
}

// Discard forgets the channel of a still-open allocation whose channel
// left the application before it was claimed. The allocation stays armed
// and ends in a timeout unless it is settled otherwise; a dialog arriving
// for it afterwards is torn down. It reports whether token was open.
func (r *PendingRegistry) Discard(token, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.pending[token]
	if !ok || a.settled {
		return false
	}
	if a.channel != nil && a.channel.ID() != channelID {
		return false
	}
	delete(r.pending, token)
	a.channel = nil
	r.recent.Add(token, outcomeDiscarded)
	r.stats.Discarded++
	return true
}

// Pending reports whether token has an open allocation.
func (r *PendingRegistry) Pending(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.pending[token]
	return ok && !a.settled
}

// Stats returns a snapshot of the registry counters.
func (r *PendingRegistry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Pending = len(r.pending)
	return s
}

// expire runs when the deadline of a fires.
func (r *PendingRegistry) expire(a *allocation) {
	r.mu.Lock()
	if a.settled {
		r.mu.Unlock()
		return
	}
	r.settleLocked(a, outcomeTimedOut)
	ch, d := a.channel, a.dialog
	r.mu.Unlock()

	r.logger.Error("timeout connecting to asterisk",
		"token", a.token,
		"channel_arrived", ch != nil,
		"dialog_arrived", d != nil,
	)

	if ch != nil {
		hangupChannel(r.logger, ch)
	}
	if d != nil {
		go destroyDialog(r.logger, d)
	}
	a.deliver(allocationResult{err: ErrConnectionTimeout})
}

// settleLocked marks a as settled, removes it from the table and stops its
// deadline. r.mu must be held.
func (r *PendingRegistry) settleLocked(a *allocation, outcome string) {
	a.settled = true
	if a.timer != nil {
		a.timer.Stop()
	}
	if cur, ok := r.pending[a.token]; ok && cur == a {
		delete(r.pending, a.token)
	}
	r.recent.Add(a.token, outcome)

	switch outcome {
	case outcomeResolved:
		r.stats.Resolved++
	case outcomeFailed:
		r.stats.Failed++
	case outcomeTimedOut:
		r.stats.TimedOut++
	}
}

// noteStrayLocked counts an arrival for a token with no open allocation and
// reports whether the token was settled recently. r.mu must be held.
func (r *PendingRegistry) noteStrayLocked(token string) bool {
	if r.recent.Contains(token) {
		r.stats.Late++
		return true
	}
	r.stats.Unknown++
	return false
}

// complete builds the endpoint of a settled allocation and delivers it.
func (r *PendingRegistry) complete(a *allocation) {
	ep := a.build(a.token, a.channel, a.dialog)
	a.deliver(allocationResult{endpoint: ep})
}

func hangupChannel(logger Logger, ch ari.Channel) {
	if err := ch.Hangup(); err != nil {
		logger.Error("failed to hang up channel", "channel_id", ch.ID(), "error", err)
	}
}

func destroyDialog(logger Logger, d Dialog) {
	ctx, cancel := context.WithTimeout(context.Background(), lateDestroyTimeout)
	defer cancel()
	if err := d.Destroy(ctx); err != nil {
		logger.Error("failed to destroy dialog", "call_id", d.ID(), "error", err)
	}
}
