package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/astmrf/internal/ari"
	"github.com/flowpbx/astmrf/internal/database"
	"github.com/flowpbx/astmrf/internal/database/models"
	"github.com/flowpbx/astmrf/internal/mrf"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubChannel struct{ id string }

func (c stubChannel) ID() string      { return c.id }
func (c stubChannel) Name() string    { return "PJSIP/asterisk-" + c.id }
func (c stubChannel) Answer() error   { return nil }
func (c stubChannel) Hangup() error   { return nil }
func (c stubChannel) Continue() error { return nil }

type stubDialog struct {
	id   string
	once sync.Once
	done chan struct{}
}

func (d *stubDialog) ID() string            { return d.id }
func (d *stubDialog) LocalSDP() []byte      { return nil }
func (d *stubDialog) RemoteSDP() []byte     { return nil }
func (d *stubDialog) Done() <-chan struct{} { return d.done }
func (d *stubDialog) Destroy(context.Context) error {
	d.once.Do(func() { close(d.done) })
	return nil
}

type stubSession struct {
	events chan ari.Event
	once   sync.Once
}

func (s *stubSession) Start(context.Context, string) error { return nil }
func (s *stubSession) Events() <-chan ari.Event             { return s.events }
func (s *stubSession) Stop() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

// loopbackSignaling answers every outbound INVITE and makes the media
// server report a channel carrying the same token.
type loopbackSignaling struct {
	session *stubSession

	mu   sync.Mutex
	next int
}

func (l *loopbackSignaling) CreateOutboundDialog(ctx context.Context, uri string, req mrf.OutboundRequest) (mrf.Dialog, error) {
	l.mu.Lock()
	l.next++
	n := l.next
	l.mu.Unlock()

	id := fmt.Sprintf("1700000000.%d", n)
	ch := stubChannel{id: id}
	l.session.events <- ari.Event{Kind: ari.ChannelStarted, CallerNumber: req.Token, ChannelID: ch.ID(), ChannelName: ch.Name(), Channel: ch}
	return &stubDialog{id: "call-" + id, done: make(chan struct{})}, nil
}

func (l *loopbackSignaling) CreateInboundResponse(context.Context, *sip.Request, sip.ServerTransaction, mrf.InboundAnswer) (mrf.Dialog, error) {
	return nil, errors.New("not supported")
}

// newMediaServer connects a media server backed by loopback fakes.
func newMediaServer(t *testing.T) (*mrf.Mrf, *mrf.MediaServer) {
	t.Helper()
	session := &stubSession{events: make(chan ari.Event, 16)}
	dialer := func(ari.Options, *slog.Logger) (mrf.EventSession, error) { return session, nil }

	m, err := mrf.New(&loopbackSignaling{session: session},
		mrf.WithLogger(discardLogger()),
		mrf.WithSessionDialer(dialer),
	)
	require.NoError(t, err)

	ms, err := m.Connect(context.Background(), mrf.ConnectOptions{
		ARI: mrf.ARIOptions{Address: "10.0.0.5", Username: "asterisk", Password: "secret"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Disconnect() })
	return m, ms
}

type memJournal struct {
	events  []models.EndpointEvent
	listErr error
}

func (j *memJournal) List(ctx context.Context, f database.EndpointEventFilter) ([]models.EndpointEvent, error) {
	if j.listErr != nil {
		return nil, j.listErr
	}
	out := j.match(f)
	start := min(f.Offset, len(out))
	end := min(start+f.Limit, len(out))
	return out[start:end], nil
}

func (j *memJournal) Count(ctx context.Context, f database.EndpointEventFilter) (int64, error) {
	return int64(len(j.match(f))), nil
}

func (j *memJournal) match(f database.EndpointEventFilter) []models.EndpointEvent {
	var out []models.EndpointEvent
	for _, ev := range j.events {
		if f.MediaServer != "" && ev.MediaServer != f.MediaServer {
			continue
		}
		if f.Token != "" && ev.Token != f.Token {
			continue
		}
		if f.Event != "" && ev.Event != f.Event {
			continue
		}
		if !f.Since.IsZero() && ev.Time.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
