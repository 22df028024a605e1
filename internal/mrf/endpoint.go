package mrf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowpbx/astmrf/internal/ari"
	"github.com/flowpbx/astmrf/internal/media"
	"github.com/frostbyte73/core"
	"github.com/looplab/fsm"
)

// Endpoint lifecycle states. Allocation only ever produces connected
// endpoints; not_connected and early are never entered.
const (
	StateNotConnected = "not_connected"
	StateEarly        = "early"
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
)

const (
	eventEarly      = "early"
	eventConnect    = "connect"
	eventDisconnect = "disconnect"
)

// Why an endpoint went away.
const (
	causeDialogEnded  = "dialog_ended"
	causeChannelEnded = "channel_ended"
)

// Conference is the conference an endpoint has joined.
type Conference struct {
	Name     string `json:"name"`
	MemberID int    `json:"member_id"`
}

// EndpointOptions configures an allocation.
type EndpointOptions struct {
	// RemoteSDP is offered to the media server. Without it the endpoint is
	// created with an inactive offer.
	RemoteSDP []byte
	// Headers are added to the INVITE sent to the media server.
	Headers map[string]string
	// Timeout overrides the allocation deadline.
	Timeout time.Duration
}

// Endpoint is a media server channel paired with the SIP dialog that
// created it. The endpoint exclusively controls both.
type Endpoint struct {
	ms      *MediaServer
	token   string
	channel ari.Channel
	dialog  Dialog
	created time.Time
	logger  Logger

	// local is what the media server sent, remote is what we offered it.
	localSDP  []byte
	remoteSDP []byte

	state *fsm.FSM

	mu         sync.Mutex
	conference *Conference
	observers  []func()
	ended      bool
	destroyed  core.Fuse
}

func newEndpoint(ms *MediaServer, token string, ch ari.Channel, d Dialog) *Endpoint {
	e := &Endpoint{
		ms:        ms,
		token:     token,
		channel:   ch,
		dialog:    d,
		created:   time.Now(),
		logger:    ms.logger,
		localSDP:  d.RemoteSDP(),
		remoteSDP: d.LocalSDP(),
	}

	e.state = fsm.NewFSM(
		StateConnected,
		fsm.Events{
			{Name: eventEarly, Src: []string{StateNotConnected}, Dst: StateEarly},
			{Name: eventConnect, Src: []string{StateNotConnected, StateEarly}, Dst: StateConnected},
			{Name: eventDisconnect, Src: []string{StateNotConnected, StateEarly, StateConnected}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.logger.Info("endpoint state changed",
					"channel_id", e.ChannelID(),
					"from", ev.Src,
					"to", ev.Dst,
				)
			},
		},
	)

	e.logger.Info("endpoint created",
		"mediaserver", ms.ID(),
		"channel_id", ch.ID(),
		"channel_name", ch.Name(),
		"call_id", d.ID(),
	)

	return e
}

// start begins watching the dialog. Called once the endpoint is in its
// media server's table.
func (e *Endpoint) start() {
	go e.watchDialog()
}

// MediaServer returns the media server that owns the endpoint.
func (e *Endpoint) MediaServer() *MediaServer { return e.ms }

// ChannelID returns the media server's channel id.
func (e *Endpoint) ChannelID() string { return e.channel.ID() }

// ChannelName returns the media server's channel name.
func (e *Endpoint) ChannelName() string { return e.channel.Name() }

// Token returns the correlation token the endpoint was allocated with.
func (e *Endpoint) Token() string { return e.token }

// CallID returns the Call-ID of the dialog toward the media server.
func (e *Endpoint) CallID() string { return e.dialog.ID() }

// Dialog returns the dialog toward the media server.
func (e *Endpoint) Dialog() Dialog { return e.dialog }

// LocalSDP returns the media server's session description.
func (e *Endpoint) LocalSDP() []byte { return e.localSDP }

// RemoteSDP returns the session description offered to the media server.
func (e *Endpoint) RemoteSDP() []byte { return e.remoteSDP }

// CreatedAt returns when the allocation resolved.
func (e *Endpoint) CreatedAt() time.Time { return e.created }

// State returns the lifecycle state.
func (e *Endpoint) State() string { return e.state.Current() }

// Connected reports whether the endpoint is still usable.
func (e *Endpoint) Connected() bool { return e.State() == StateConnected }

// Conference returns the conference the endpoint joined, or nil.
func (e *Endpoint) Conference() *Conference {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conference == nil {
		return nil
	}
	c := *e.conference
	return &c
}

// SetConference records conference membership. Only metadata is kept.
func (e *Endpoint) SetConference(name string, memberID int) error {
	if !e.Connected() {
		return fmt.Errorf("endpoint %s: %w", e.ChannelID(), ErrNotConnected)
	}
	e.mu.Lock()
	e.conference = &Conference{Name: name, MemberID: memberID}
	e.mu.Unlock()
	return nil
}

// LeaveConference clears conference membership.
func (e *Endpoint) LeaveConference() {
	e.mu.Lock()
	e.conference = nil
	e.mu.Unlock()
}

// Done is closed once the endpoint is gone.
func (e *Endpoint) Done() <-chan struct{} {
	return e.destroyed.Watch()
}

// OnDestroy registers fn to run once when the endpoint goes away. If it is
// already gone, fn runs immediately.
func (e *Endpoint) OnDestroy(fn func()) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		fn()
		return
	}
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

// Destroy tears down the dialog toward the media server, which in turn
// hangs up the channel. It returns once the endpoint is gone, or when ctx
// is done. It is a no-op once the endpoint is disconnected.
func (e *Endpoint) Destroy(ctx context.Context) error {
	if e.State() == StateDisconnected {
		return nil
	}
	err := e.dialog.Destroy(ctx)
	if err != nil {
		e.logger.Error("failed to destroy endpoint dialog",
			"channel_id", e.ChannelID(),
			"call_id", e.CallID(),
			"error", err,
		)
	}
	e.dialogEnded()

	select {
	case <-e.destroyed.Watch():
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// EndpointInfo is a read-only snapshot of an endpoint.
type EndpointInfo struct {
	ChannelID   string         `json:"channel_id"`
	ChannelName string         `json:"channel_name"`
	Token       string         `json:"token"`
	CallID      string         `json:"call_id"`
	State       string         `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	Conference  *Conference    `json:"conference,omitempty"`
	Local       *media.Summary `json:"local,omitempty"`
}

// Info returns a snapshot of the endpoint.
func (e *Endpoint) Info() EndpointInfo {
	info := EndpointInfo{
		ChannelID:   e.ChannelID(),
		ChannelName: e.ChannelName(),
		Token:       e.token,
		CallID:      e.CallID(),
		State:       e.State(),
		CreatedAt:   e.created,
		Conference:  e.Conference(),
	}
	if s, err := media.Inspect(e.localSDP); err == nil {
		info.Local = s
	}
	return info
}

// watchDialog waits for the dialog to end while the endpoint is alive.
func (e *Endpoint) watchDialog() {
	select {
	case <-e.dialog.Done():
		e.dialogEnded()
	case <-e.destroyed.Watch():
	}
}

// dialogEnded handles termination of the dialog: the channel is hung up
// and the endpoint leaves its media server.
func (e *Endpoint) dialogEnded() {
	if !e.disconnect() {
		return
	}
	hangupChannel(e.logger, e.channel)
	e.ms.removeEndpoint(e)
	e.fireDestroy(causeDialogEnded)
}

// notifyChannelEnded handles the channel leaving the application. The
// media server has already removed the endpoint from its table.
func (e *Endpoint) notifyChannelEnded() {
	if !e.disconnect() {
		return
	}
	e.fireDestroy(causeChannelEnded)
}

// disconnect moves the endpoint to disconnected and reports whether this
// call made the transition.
func (e *Endpoint) disconnect() bool {
	return e.state.Event(context.Background(), eventDisconnect) == nil
}

func (e *Endpoint) fireDestroy(cause string) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	e.ended = true
	observers := e.observers
	e.observers = nil
	e.mu.Unlock()

	e.logger.Info("endpoint destroyed",
		"channel_id", e.ChannelID(),
		"call_id", e.CallID(),
		"cause", cause,
	)
	e.ms.endpointEnded(e, cause)

	for _, fn := range observers {
		fn()
	}
	e.destroyed.Break()
}
