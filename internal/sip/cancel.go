package sip

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// pendingInvite is an inbound INVITE that has not been answered yet.
type pendingInvite struct {
	req    *sip.Request
	tx     sip.ServerTransaction
	cancel context.CancelFunc
}

// PendingInvites tracks inbound INVITEs between receipt and final
// response so a CANCEL from the caller can abort them.
type PendingInvites struct {
	mu      sync.Mutex
	pending map[string]*pendingInvite // keyed by Call-ID
	logger  *slog.Logger
}

// NewPendingInvites creates an empty tracker.
func NewPendingInvites(logger *slog.Logger) *PendingInvites {
	return &PendingInvites{
		pending: make(map[string]*pendingInvite),
		logger:  logger.With("subsystem", "pending-invites"),
	}
}

// Track registers req as pending. The returned context is cancelled when
// the caller sends CANCEL or the INVITE transaction ends. release removes
// the entry and reports whether the INVITE was still pending; false means
// it was cancelled and the caller already has a 487.
func (p *PendingInvites) Track(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(ctx)
	callID := callIDOf(req)
	pi := &pendingInvite{req: req, tx: tx, cancel: cancel}

	p.mu.Lock()
	p.pending[callID] = pi
	p.mu.Unlock()
	p.logger.Debug("pending invite added", "call_id", callID)

	if tx != nil {
		go func() {
			select {
			case <-tx.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	release := func() bool {
		defer cancel()
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.pending[callID] != pi {
			return false
		}
		delete(p.pending, callID)
		p.logger.Debug("pending invite removed", "call_id", callID)
		return true
	}
	return ctx, release
}

// Count returns the number of pending INVITEs.
func (p *PendingInvites) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Cancel aborts the pending INVITE with callID and sends 487 Request
// Terminated on its transaction. It reports whether one was found.
func (p *PendingInvites) Cancel(callID string) bool {
	p.mu.Lock()
	pi, ok := p.pending[callID]
	if ok {
		delete(p.pending, callID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	pi.cancel()

	if pi.tx != nil {
		res := sip.NewResponseFromRequest(pi.req, 487, "Request Terminated", nil)
		if err := pi.tx.Respond(res); err != nil {
			p.logger.Debug("failed to send 487 on cancel", "call_id", callID, "error", err)
		}
	}
	p.logger.Info("pending invite cancelled", "call_id", callID)
	return true
}
