package mrf

import (
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/astmrf/internal/ari"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bareBuild builds endpoints without a media server.
func bareBuild(built *int, mu *sync.Mutex) buildFunc {
	return func(token string, ch ari.Channel, d Dialog) *Endpoint {
		mu.Lock()
		*built++
		mu.Unlock()
		return &Endpoint{token: token, channel: ch, dialog: d}
	}
}

func expectNoResult(t *testing.T, ch <-chan allocationResult, wait time.Duration) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected second result: %+v", r)
	case <-time.After(wait):
	}
}

func TestPendingRegistry_ArrivalOrder(t *testing.T) {
	tests := []struct {
		name         string
		channelFirst bool
	}{
		{"channel then dialog", true},
		{"dialog then channel", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu    sync.Mutex
				built int
			)
			r := NewPendingRegistry(testLogger())
			token, res := r.Begin(time.Second, bareBuild(&built, &mu))
			require.True(t, r.Pending(token))

			ch := newFakeChannel("1.1")
			d := newFakeDialog("call-1")
			if tt.channelFirst {
				r.ReportChannel(token, ch)
				require.True(t, r.Pending(token))
				r.ReportDialog(token, d, nil)
			} else {
				r.ReportDialog(token, d, nil)
				require.True(t, r.Pending(token))
				r.ReportChannel(token, ch)
			}

			out := waitResult(t, res)
			require.NoError(t, out.err)
			assert.Equal(t, token, out.endpoint.Token())
			assert.Same(t, ch, out.endpoint.channel)
			assert.Same(t, d, out.endpoint.dialog)
			assert.Equal(t, int32(1), ch.answered.Load())
			assert.False(t, r.Pending(token))
			assert.Equal(t, 1, built)

			expectNoResult(t, res, 50*time.Millisecond)
			stats := r.Stats()
			assert.Equal(t, 0, stats.Pending)
			assert.Equal(t, uint64(1), stats.Resolved)
		})
	}
}

func TestPendingRegistry_TimeoutWithDialogOnly(t *testing.T) {
	var (
		mu    sync.Mutex
		built int
	)
	r := NewPendingRegistry(testLogger())
	token, res := r.Begin(100*time.Millisecond, bareBuild(&built, &mu))

	d := newFakeDialog("call-2")
	time.AfterFunc(50*time.Millisecond, func() { r.ReportDialog(token, d, nil) })

	start := time.Now()
	out := waitResult(t, res)
	assert.ErrorIs(t, out.err, ErrConnectionTimeout)
	assert.Nil(t, out.endpoint)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	// The half-established dialog is torn down.
	assert.Eventually(t, func() bool { return d.destroyCount() == 1 }, time.Second, 5*time.Millisecond)

	// A channel showing up afterwards is handed back and nothing is delivered.
	ch := newFakeChannel("1.2")
	r.ReportChannel(token, ch)
	assert.Equal(t, int32(1), ch.continued.Load())
	assert.Equal(t, int32(0), ch.answered.Load())
	expectNoResult(t, res, 50*time.Millisecond)

	assert.Equal(t, 0, built)
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.TimedOut)
	assert.Equal(t, uint64(1), stats.Late)
}

func TestPendingRegistry_TimeoutWithChannelOnly(t *testing.T) {
	var (
		mu    sync.Mutex
		built int
	)
	r := NewPendingRegistry(testLogger())
	token, res := r.Begin(50*time.Millisecond, bareBuild(&built, &mu))

	ch := newFakeChannel("1.3")
	r.ReportChannel(token, ch)

	out := waitResult(t, res)
	assert.ErrorIs(t, out.err, ErrConnectionTimeout)
	assert.Equal(t, int32(1), ch.hungup.Load())

	// The dialog answer that arrives after the deadline gets a BYE.
	d := newFakeDialog("call-3")
	r.ReportDialog(token, d, nil)
	assert.Eventually(t, func() bool { return d.destroyCount() == 1 }, time.Second, 5*time.Millisecond)
	expectNoResult(t, res, 50*time.Millisecond)
	assert.Equal(t, 0, built)
}

func TestPendingRegistry_DialogFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		built int
	)
	r := NewPendingRegistry(testLogger())
	token, res := r.Begin(time.Second, bareBuild(&built, &mu))

	failure := &SignalingError{Status: 486, Reason: "Busy Here"}
	r.ReportDialog(token, nil, failure)

	out := waitResult(t, res)
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, ErrSignalingFailure)
	assert.False(t, r.Pending(token))

	ch := newFakeChannel("1.4")
	r.ReportChannel(token, ch)
	assert.Equal(t, int32(1), ch.continued.Load())
	expectNoResult(t, res, 50*time.Millisecond)
	assert.Equal(t, uint64(1), r.Stats().Failed)
	assert.Equal(t, 0, built)
}

func TestPendingRegistry_DialogFailureAfterChannel(t *testing.T) {
	var (
		mu    sync.Mutex
		built int
	)
	r := NewPendingRegistry(testLogger())
	token, res := r.Begin(time.Second, bareBuild(&built, &mu))

	ch := newFakeChannel("1.5")
	r.ReportChannel(token, ch)
	r.ReportDialog(token, nil, errBusy)

	out := waitResult(t, res)
	assert.ErrorIs(t, out.err, errBusy)
	assert.Equal(t, int32(1), ch.hungup.Load())
}

func TestPendingRegistry_UnknownToken(t *testing.T) {
	r := NewPendingRegistry(testLogger())

	ch := newFakeChannel("1.6")
	r.ReportChannel("not-a-token", ch)
	assert.Equal(t, int32(1), ch.continued.Load())
	assert.Equal(t, int32(0), ch.answered.Load())

	d := newFakeDialog("call-6")
	r.ReportDialog("not-a-token", d, nil)
	assert.Eventually(t, func() bool { return d.destroyCount() == 1 }, time.Second, 5*time.Millisecond)

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Unknown)
	assert.Equal(t, uint64(0), stats.Late)
}

func TestPendingRegistry_DuplicateChannel(t *testing.T) {
	var (
		mu    sync.Mutex
		built int
	)
	r := NewPendingRegistry(testLogger())
	token, res := r.Begin(time.Second, bareBuild(&built, &mu))

	first := newFakeChannel("1.7")
	second := newFakeChannel("1.8")
	r.ReportChannel(token, first)
	r.ReportChannel(token, second)
	assert.Equal(t, int32(1), second.continued.Load())

	r.ReportDialog(token, newFakeDialog("call-7"), nil)
	out := waitResult(t, res)
	require.NoError(t, out.err)
	assert.Same(t, first, out.endpoint.channel)
}

func TestPendingRegistry_Discard(t *testing.T) {
	var (
		mu    sync.Mutex
		built int
	)
	r := NewPendingRegistry(testLogger())
	token, res := r.Begin(100*time.Millisecond, bareBuild(&built, &mu))

	ch := newFakeChannel("1.9")
	r.ReportChannel(token, ch)

	assert.False(t, r.Discard(token, "other-channel"))
	assert.True(t, r.Discard(token, ch.ID()))
	assert.False(t, r.Pending(token))
	assert.False(t, r.Discard(token, ch.ID()))

	// The dialog that follows is torn down and the caller times out.
	d := newFakeDialog("call-9")
	r.ReportDialog(token, d, nil)
	assert.Eventually(t, func() bool { return d.destroyCount() == 1 }, time.Second, 5*time.Millisecond)

	out := waitResult(t, res)
	assert.ErrorIs(t, out.err, ErrConnectionTimeout)
	assert.Equal(t, int32(0), ch.hungup.Load())
	assert.Equal(t, 0, built)

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Discarded)
	assert.Equal(t, uint64(1), stats.TimedOut)
}

func TestPendingRegistry_ConcurrentArrivals(t *testing.T) {
	var (
		mu    sync.Mutex
		built int
	)
	r := NewPendingRegistry(testLogger())

	const rounds = 200
	for i := 0; i < rounds; i++ {
		token, res := r.Begin(time.Second, bareBuild(&built, &mu))
		ch := newFakeChannel("c")
		d := newFakeDialog("d")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.ReportChannel(token, ch)
		}()
		go func() {
			defer wg.Done()
			r.ReportDialog(token, d, nil)
		}()
		wg.Wait()

		out := waitResult(t, res)
		require.NoError(t, out.err)
		select {
		case extra := <-res:
			t.Fatalf("round %d: second result %+v", i, extra)
		default:
		}
	}

	assert.Equal(t, rounds, built)
	stats := r.Stats()
	assert.Equal(t, uint64(rounds), stats.Resolved)
	assert.Equal(t, 0, stats.Pending)
}

func TestPendingRegistry_TimeoutRacesResolution(t *testing.T) {
	var (
		mu    sync.Mutex
		built int
	)
	r := NewPendingRegistry(testLogger())

	for i := 0; i < 50; i++ {
		token, res := r.Begin(time.Millisecond, bareBuild(&built, &mu))
		ch := newFakeChannel("c")
		d := newFakeDialog("d")
		go r.ReportChannel(token, ch)
		go r.ReportDialog(token, d, nil)

		out := waitResult(t, res)
		if out.err != nil {
			assert.ErrorIs(t, out.err, ErrConnectionTimeout)
		}
		expectNoResult(t, res, 5*time.Millisecond)
	}

	stats := r.Stats()
	assert.Equal(t, uint64(50), stats.Resolved+stats.TimedOut)
}
