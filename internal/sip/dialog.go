package sip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
)

// Direction tells which side originated a dialog.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Hangup causes recorded when a dialog terminates.
const (
	HangupLocalBYE  = "local_bye"
	HangupRemoteBYE = "remote_bye"
)

// byeSender delivers an in-dialog BYE. Implemented by Server.
type byeSender interface {
	sendBYE(ctx context.Context, d *Dialog) error
}

// Dialog is one established SIP dialog, either a leg we originated toward a
// media server or an inbound call we answered.
type Dialog struct {
	CallID    string
	Direction Direction
	LocalTag  string
	RemoteTag string

	// localURI/remoteURI are the From/To identities as seen from our side.
	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	transport    string
	localSDP     []byte
	remoteSDP    []byte

	// cseq is the next CSeq number for requests we originate in the dialog.
	cseq      uint32
	startTime time.Time

	sender byeSender
	logger *slog.Logger

	mu          sync.Mutex
	confirmed   bool
	endTime     time.Time
	hangupCause string
	observers   []func()

	done core.Fuse
}

// LocalSDP returns the session description we sent.
func (d *Dialog) LocalSDP() []byte { return d.localSDP }

// RemoteSDP returns the session description the peer sent.
func (d *Dialog) RemoteSDP() []byte { return d.remoteSDP }

// ID returns the Call-ID of the dialog.
func (d *Dialog) ID() string { return d.CallID }

// Done is closed once the dialog has terminated.
func (d *Dialog) Done() <-chan struct{} {
	return d.done.Watch()
}

// Terminated reports whether the dialog has ended.
func (d *Dialog) Terminated() bool {
	return d.done.IsBroken()
}

// HangupCause returns why the dialog ended, or "" while it is live.
func (d *Dialog) HangupCause() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hangupCause
}

// Duration returns how long the dialog lasted, or how long it has been up.
func (d *Dialog) Duration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.endTime.IsZero() {
		return time.Since(d.startTime)
	}
	return d.endTime.Sub(d.startTime)
}

// OnDestroy registers fn to run once when the dialog terminates. If the
// dialog already terminated, fn runs immediately.
func (d *Dialog) OnDestroy(fn func()) {
	d.mu.Lock()
	if d.done.IsBroken() {
		d.mu.Unlock()
		fn()
		return
	}
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// Destroy sends BYE to the peer and terminates the dialog. Calling it on a
// terminated dialog is a no-op.
func (d *Dialog) Destroy(ctx context.Context) error {
	if d.Terminated() {
		return nil
	}
	err := d.sender.sendBYE(ctx, d)
	if err != nil {
		d.logger.Warn("bye failed, terminating dialog locally",
			"call_id", d.CallID,
			"error", err,
		)
	}
	d.terminate(HangupLocalBYE)
	return err
}

// Confirmed reports whether the ACK for an inbound 200 OK has arrived.
// Outbound dialogs are confirmed once we send our ACK.
func (d *Dialog) Confirmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmed
}

func (d *Dialog) confirm() {
	d.mu.Lock()
	d.confirmed = true
	d.mu.Unlock()
}

// nextCSeq returns the CSeq number for the next in-dialog request.
func (d *Dialog) nextCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cseq++
	return d.cseq
}

// terminate marks the dialog ended and notifies observers. Only the first
// call has any effect.
func (d *Dialog) terminate(cause string) bool {
	d.mu.Lock()
	if d.done.IsBroken() {
		d.mu.Unlock()
		return false
	}
	d.endTime = time.Now()
	d.hangupCause = cause
	observers := d.observers
	d.observers = nil
	d.done.Break()
	d.mu.Unlock()

	d.logger.Info("dialog terminated",
		"call_id", d.CallID,
		"direction", d.Direction,
		"hangup_cause", cause,
		"duration_ms", d.Duration().Milliseconds(),
	)

	for _, fn := range observers {
		fn()
	}
	return true
}

// DialogManager tracks established dialogs in memory, keyed by Call-ID.
type DialogManager struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
	logger  *slog.Logger
}

// NewDialogManager creates an empty dialog tracker.
func NewDialogManager(logger *slog.Logger) *DialogManager {
	return &DialogManager{
		dialogs: make(map[string]*Dialog),
		logger:  logger.With("subsystem", "dialog"),
	}
}

// Add registers d and arranges for its removal when it terminates.
func (dm *DialogManager) Add(d *Dialog) {
	dm.mu.Lock()
	dm.dialogs[d.CallID] = d
	dm.mu.Unlock()

	dm.logger.Info("dialog created",
		"call_id", d.CallID,
		"direction", d.Direction,
		"remote", d.remoteURI.String(),
	)

	d.OnDestroy(func() { dm.remove(d) })
}

// Get returns the dialog for callID, or nil.
func (dm *DialogManager) Get(callID string) *Dialog {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.dialogs[callID]
}

// Terminate ends the dialog for callID without sending anything, returning
// it, or nil if none is tracked.
func (dm *DialogManager) Terminate(callID, cause string) *Dialog {
	d := dm.Get(callID)
	if d == nil {
		return nil
	}
	d.terminate(cause)
	return d
}

// List returns a snapshot of the tracked dialogs.
func (dm *DialogManager) List() []*Dialog {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	out := make([]*Dialog, 0, len(dm.dialogs))
	for _, d := range dm.dialogs {
		out = append(out, d)
	}
	return out
}

// Count returns the number of tracked dialogs.
func (dm *DialogManager) Count() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.dialogs)
}

func (dm *DialogManager) remove(d *Dialog) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if cur, ok := dm.dialogs[d.CallID]; ok && cur == d {
		delete(dm.dialogs, d.CallID)
	}
}
