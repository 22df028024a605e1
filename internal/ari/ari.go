// Package ari connects to an Asterisk REST Interface, runs a Stasis
// application and turns its channel lifecycle events into Events.
package ari

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	aricl "github.com/CyCoreSystems/ari/v5"
	"github.com/CyCoreSystems/ari/v5/client/native"
)

// DefaultPort is the default ARI HTTP port.
const DefaultPort = 8088

// eventBuffer bounds the queue between the ARI websocket and the consumer.
const eventBuffer = 128

// ErrNotStarted is returned by Stop when the session was never started.
var ErrNotStarted = errors.New("ari session not started")

// Channel is a handle to one Asterisk channel inside the Stasis application.
type Channel interface {
	ID() string
	Name() string
	// Answer begins media on the channel.
	Answer() error
	// Hangup tears the channel down.
	Hangup() error
	// Continue hands the channel back to the dialplan.
	Continue() error
}

// EventKind classifies a channel lifecycle event.
type EventKind int

const (
	// ChannelStarted is emitted when a channel enters the application (StasisStart).
	ChannelStarted EventKind = iota + 1
	// ChannelEnded is emitted when a channel leaves the application (StasisEnd).
	ChannelEnded
)

// String returns the ARI event name for the kind.
func (k EventKind) String() string {
	switch k {
	case ChannelStarted:
		return aricl.Events.StasisStart
	case ChannelEnded:
		return aricl.Events.StasisEnd
	default:
		return "unknown"
	}
}

// Event is one channel lifecycle notification.
type Event struct {
	Kind EventKind
	// CallerNumber is the caller id number Asterisk attached to the channel.
	// It carries the correlation token of outbound legs.
	CallerNumber string
	ChannelID    string
	ChannelName  string
	Channel      Channel
}

// Options locates and authenticates against an ARI server.
type Options struct {
	Address  string
	Port     int
	Username string
	Password string
}

// URL returns the ARI REST base URL.
func (o Options) URL() string {
	return "http://" + o.hostPort() + "/ari"
}

// WebsocketURL returns the ARI event stream URL.
func (o Options) WebsocketURL() string {
	return "ws://" + o.hostPort() + "/ari/events"
}

func (o Options) hostPort() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
	}
	return o.Address + ":" + strconv.Itoa(port)
}

// Session is one event-stream session toward an Asterisk server. A session
// is started once with its application name and stopped once.
type Session struct {
	opts   Options
	logger *slog.Logger
	events chan Event

	mu      sync.Mutex
	client  aricl.Client
	sub     aricl.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Open prepares a session for the ARI server described by opts. No network
// traffic happens until Start.
func Open(opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("ari address is required")
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		opts:   opts,
		logger: logger.With("subsystem", "ari", "url", opts.URL()),
		events: make(chan Event, eventBuffer),
	}, nil
}

// Events returns the channel lifecycle event stream. It is closed by Stop.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Start connects to ARI as the Stasis application app and begins
// forwarding StasisStart/StasisEnd events.
func (s *Session) Start(ctx context.Context, app string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return fmt.Errorf("ari application %q already started", app)
	}
	if s.stopped {
		return fmt.Errorf("ari session already stopped")
	}

	cl, err := native.Connect(&native.Options{
		Application:  app,
		Username:     s.opts.Username,
		Password:     s.opts.Password,
		URL:          s.opts.URL(),
		WebsocketURL: s.opts.WebsocketURL(),
	})
	if err != nil {
		return fmt.Errorf("connecting ari application %q: %w", app, err)
	}
	if err := ctx.Err(); err != nil {
		cl.Close()
		return err
	}

	sub := cl.Bus().Subscribe(nil, aricl.Events.StasisStart, aricl.Events.StasisEnd)

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.client = cl
	s.sub = sub
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump(pumpCtx, cl, sub)
	}()

	s.logger.Info("ari application started", "app", app)
	return nil
}

// Stop cancels the subscription, closes the ARI connection and closes the
// event stream.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cl, sub, cancel := s.client, s.sub, s.cancel
	s.mu.Unlock()

	if cl == nil {
		close(s.events)
		return ErrNotStarted
	}

	cancel()
	sub.Cancel()
	s.wg.Wait()
	cl.Close()
	close(s.events)

	s.logger.Info("ari application stopped")
	return nil
}

// pump converts raw ARI events into Events until ctx is cancelled or the
// subscription ends.
func (s *Session) pump(ctx context.Context, cl aricl.Client, sub aricl.Subscription) {
	for {
		var raw aricl.Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			raw = e
		}

		ev, ok := s.convert(cl, raw)
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) convert(cl aricl.Client, raw aricl.Event) (Event, bool) {
	switch v := raw.(type) {
	case *aricl.StasisStart:
		h := cl.Channel().Get(v.Key(aricl.ChannelKey, v.Channel.ID))
		return Event{
			Kind:         ChannelStarted,
			CallerNumber: callerNumber(v.Channel),
			ChannelID:    v.Channel.ID,
			ChannelName:  v.Channel.Name,
			Channel:      &channel{handle: h, id: v.Channel.ID, name: v.Channel.Name},
		}, true
	case *aricl.StasisEnd:
		h := cl.Channel().Get(v.Key(aricl.ChannelKey, v.Channel.ID))
		return Event{
			Kind:         ChannelEnded,
			CallerNumber: callerNumber(v.Channel),
			ChannelID:    v.Channel.ID,
			ChannelName:  v.Channel.Name,
			Channel:      &channel{handle: h, id: v.Channel.ID, name: v.Channel.Name},
		}, true
	default:
		s.logger.Debug("ignoring ari event", "type", raw.GetType())
		return Event{}, false
	}
}

func callerNumber(cd aricl.ChannelData) string {
	if cd.Caller == nil {
		return ""
	}
	return cd.Caller.Number
}

// channel adapts an ARI channel handle to Channel.
type channel struct {
	handle *aricl.ChannelHandle
	id     string
	name   string
}

func (c *channel) ID() string   { return c.id }
func (c *channel) Name() string { return c.name }

func (c *channel) Answer() error {
	if err := c.handle.Answer(); err != nil {
		return fmt.Errorf("answering channel %s: %w", c.id, err)
	}
	return nil
}

func (c *channel) Hangup() error {
	if err := c.handle.Hangup(); err != nil {
		return fmt.Errorf("hanging up channel %s: %w", c.id, err)
	}
	return nil
}

func (c *channel) Continue() error {
	if err := c.handle.Continue("", "", 0); err != nil {
		return fmt.Errorf("continuing channel %s: %w", c.id, err)
	}
	return nil
}
