package mrf

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/astmrf/internal/ari"
	"github.com/flowpbx/astmrf/internal/database/models"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChannel struct {
	id, name  string
	answered  atomic.Int32
	hungup    atomic.Int32
	continued atomic.Int32
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, name: "PJSIP/asterisk-" + id}
}

func (c *fakeChannel) ID() string   { return c.id }
func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Answer() error {
	c.answered.Add(1)
	return nil
}

func (c *fakeChannel) Hangup() error {
	c.hungup.Add(1)
	return nil
}

func (c *fakeChannel) Continue() error {
	c.continued.Add(1)
	return nil
}

type fakeDialog struct {
	id        string
	local     []byte
	remote    []byte
	destroyed atomic.Int32
	once      sync.Once
	done      chan struct{}
}

func newFakeDialog(id string) *fakeDialog {
	return &fakeDialog{
		id:     id,
		local:  []byte("v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\na=inactive\r\n"),
		remote: []byte("v=0\r\no=- 2 2 IN IP4 10.0.0.5\r\ns=Asterisk\r\nc=IN IP4 10.0.0.5\r\nt=0 0\r\nm=audio 12000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\na=sendrecv\r\n"),
		done:   make(chan struct{}),
	}
}

func (d *fakeDialog) ID() string               { return d.id }
func (d *fakeDialog) LocalSDP() []byte         { return d.local }
func (d *fakeDialog) RemoteSDP() []byte        { return d.remote }
func (d *fakeDialog) Done() <-chan struct{}    { return d.done }
func (d *fakeDialog) terminated() bool         { return isClosed(d.done) }
func (d *fakeDialog) hangupFromRemote()        { d.once.Do(func() { close(d.done) }) }
func (d *fakeDialog) destroyCount() int32      { return d.destroyed.Load() }
func (d *fakeDialog) Destroy(context.Context) error {
	if d.terminated() {
		return nil
	}
	d.destroyed.Add(1)
	d.once.Do(func() { close(d.done) })
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type fakeSession struct {
	events   chan ari.Event
	startErr error

	mu       sync.Mutex
	app      string
	started  bool
	stopOnce sync.Once
	stops    atomic.Int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan ari.Event, 16)}
}

func (s *fakeSession) Start(ctx context.Context, app string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.app = app
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeSession) Stop() error {
	s.stops.Add(1)
	s.stopOnce.Do(func() { close(s.events) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ari.ErrNotStarted
	}
	return nil
}

func (s *fakeSession) Events() <-chan ari.Event { return s.events }

func (s *fakeSession) channelStarted(token string, ch *fakeChannel) {
	s.events <- ari.Event{Kind: ari.ChannelStarted, CallerNumber: token, ChannelID: ch.ID(), ChannelName: ch.Name(), Channel: ch}
}

func (s *fakeSession) channelEnded(token string, ch *fakeChannel) {
	s.events <- ari.Event{Kind: ari.ChannelEnded, CallerNumber: token, ChannelID: ch.ID(), ChannelName: ch.Name(), Channel: ch}
}

type dialResult struct {
	dialog Dialog
	err    error
}

type outboundCall struct {
	uri   string
	req   OutboundRequest
	reply chan dialResult
}

func (c outboundCall) succeed(d *fakeDialog) { c.reply <- dialResult{dialog: d} }
func (c outboundCall) fail(err error)        { c.reply <- dialResult{err: err} }

type fakeSignaling struct {
	calls      chan outboundCall
	inboundErr error

	mu      sync.Mutex
	answers []InboundAnswer
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{calls: make(chan outboundCall, 16)}
}

func (f *fakeSignaling) CreateOutboundDialog(ctx context.Context, uri string, req OutboundRequest) (Dialog, error) {
	c := outboundCall{uri: uri, req: req, reply: make(chan dialResult, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r.dialog, r.err
	case <-ctx.Done():
		return nil, &SignalingError{Err: ctx.Err()}
	}
}

func (f *fakeSignaling) CreateInboundResponse(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, ans InboundAnswer) (Dialog, error) {
	f.mu.Lock()
	f.answers = append(f.answers, ans)
	f.mu.Unlock()
	if f.inboundErr != nil {
		return nil, f.inboundErr
	}
	return newFakeDialog("inbound-" + callID(req)), nil
}

func (f *fakeSignaling) inboundAnswers() []InboundAnswer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InboundAnswer(nil), f.answers...)
}

func (f *fakeSignaling) nextCall(t *testing.T) outboundCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound dialog requested")
		return outboundCall{}
	}
}

func callID(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return "none"
}

type memJournal struct {
	mu     sync.Mutex
	events []models.EndpointEvent
}

func (j *memJournal) Record(ctx context.Context, ev *models.EndpointEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, *ev)
	return nil
}

func (j *memJournal) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Event)
	}
	return out
}

// harness is a connected media server wired to fakes.
type harness struct {
	mrf     *Mrf
	ms      *MediaServer
	session *fakeSession
	sig     *fakeSignaling
	journal *memJournal
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		session: newFakeSession(),
		sig:     newFakeSignaling(),
		journal: &memJournal{},
	}
	dialer := func(ari.Options, *slog.Logger) (EventSession, error) { return h.session, nil }

	all := append([]Option{
		WithLogger(testLogger()),
		WithJournal(h.journal),
		WithSessionDialer(dialer),
	}, opts...)

	m, err := New(h.sig, all...)
	require.NoError(t, err)
	h.mrf = m

	ms, err := m.Connect(context.Background(), ConnectOptions{
		ARI: ARIOptions{Address: "10.0.0.5", Username: "asterisk", Password: "secret"},
	})
	require.NoError(t, err)
	h.ms = ms

	t.Cleanup(func() { _ = ms.Disconnect() })
	return h
}

// allocate runs CreateEndpoint in the background and returns its outcome
// channel.
func (h *harness) allocate(opts EndpointOptions) <-chan allocationResult {
	out := make(chan allocationResult, 1)
	go func() {
		ep, err := h.ms.CreateEndpoint(context.Background(), opts)
		out <- allocationResult{endpoint: ep, err: err}
	}()
	return out
}

// establish allocates an endpoint with the channel arriving before the
// dialog answer.
func (h *harness) establish(t *testing.T, chID string) (*Endpoint, *fakeChannel, *fakeDialog) {
	t.Helper()
	res := h.allocate(EndpointOptions{})
	call := h.sig.nextCall(t)

	ch := newFakeChannel(chID)
	d := newFakeDialog("call-" + chID)
	h.session.channelStarted(call.req.Token, ch)
	call.succeed(d)

	r := waitResult(t, res)
	require.NoError(t, r.err)
	require.NotNil(t, r.endpoint)
	return r.endpoint, ch, d
}

func waitResult(t *testing.T, ch <-chan allocationResult) allocationResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("allocation did not complete")
		return allocationResult{}
	}
}

var errBusy = errors.New("busy")
