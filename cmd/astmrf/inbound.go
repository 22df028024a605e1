package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/astmrf/internal/metrics"
	"github.com/flowpbx/astmrf/internal/mrf"
	"github.com/flowpbx/astmrf/internal/ratelimit"
)

// teardownTimeout bounds the BYE sent when one leg of a bridged call ends.
const teardownTimeout = 5 * time.Second

type mediaServerPicker interface {
	Pick() *mrf.MediaServer
}

type sipResponder interface {
	RespondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string)
}

type inviteTracker interface {
	Track(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) (context.Context, func() bool)
}

type resultObserver interface {
	Observe(result string)
}

// inboundCalls connects every INVITE received on the local SIP listener to
// an endpoint on the first connected media server. The caller's dialog and
// the endpoint live and die together.
type inboundCalls struct {
	ctx       context.Context
	servers   mediaServerPicker
	responder sipResponder
	pending   inviteTracker
	limiter   *ratelimit.Keyed
	results   resultObserver
	logger    *slog.Logger

	wg sync.WaitGroup
}

func (h *inboundCalls) handle(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	source := sourceHost(req.Source())
	logger := h.logger.With("call_id", callID, "source", source)

	if !h.limiter.Allow(source) {
		logger.Warn("inbound call rate limited")
		h.results.Observe(metrics.ResultRateLimited)
		h.responder.RespondError(req, tx, 503, "Service Unavailable")
		return
	}

	ms := h.servers.Pick()
	if ms == nil {
		logger.Warn("no connected media server for inbound call")
		h.results.Observe(metrics.ResultNoMediaServer)
		h.responder.RespondError(req, tx, 480, "Temporarily Unavailable")
		return
	}

	ctx, release := h.pending.Track(h.ctx, req, tx)
	ep, dlg, err := ms.ConnectCaller(ctx, req, tx, mrf.ConnectCallerOptions{})
	if !release() {
		logger.Info("inbound call cancelled by caller", "mediaserver", ms.ID())
		h.results.Observe(metrics.ResultCancelled)
		if err == nil {
			h.release(logger, ep, dlg)
		}
		return
	}
	if err != nil {
		logger.Error("failed to connect caller", "mediaserver", ms.ID(), "error", err)
		h.results.Observe(metrics.ResultFailed)
		code, reason := 500, "Server Internal Error"
		if errors.Is(err, mrf.ErrConnectionTimeout) {
			code, reason = 503, "Service Unavailable"
		}
		h.responder.RespondError(req, tx, code, reason)
		return
	}

	h.results.Observe(metrics.ResultConnected)
	logger.Info("caller connected to media server",
		"mediaserver", ms.ID(),
		"channel_id", ep.ChannelID(),
		"token", ep.Token(),
	)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.pair(logger, ep, dlg)
	}()
}

// pair tears down whichever leg is still up once the other one ends. On
// shutdown both legs are released.
func (h *inboundCalls) pair(logger *slog.Logger, ep *mrf.Endpoint, caller mrf.Dialog) {
	select {
	case <-caller.Done():
	case <-ep.Done():
	case <-h.ctx.Done():
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), teardownTimeout)
	defer cancel()

	select {
	case <-caller.Done():
		logger.Info("caller hung up, destroying endpoint", "channel_id", ep.ChannelID())
		if err := ep.Destroy(ctx); err != nil {
			logger.Error("failed to destroy endpoint", "channel_id", ep.ChannelID(), "error", err)
		}
	case <-ep.Done():
		logger.Info("endpoint gone, hanging up caller", "channel_id", ep.ChannelID())
		if err := caller.Destroy(ctx); err != nil {
			logger.Error("failed to hang up caller", "error", err)
		}
	default:
		logger.Info("shutting down, releasing call", "channel_id", ep.ChannelID())
		h.release(logger, ep, caller)
	}
}

// release hangs up both legs of a call.
func (h *inboundCalls) release(logger *slog.Logger, ep *mrf.Endpoint, caller mrf.Dialog) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), teardownTimeout)
	defer cancel()

	if err := caller.Destroy(ctx); err != nil {
		logger.Error("failed to hang up caller", "error", err)
	}
	if err := ep.Destroy(ctx); err != nil {
		logger.Error("failed to destroy endpoint", "channel_id", ep.ChannelID(), "error", err)
	}
}

// wait blocks until every paired call has been torn down.
func (h *inboundCalls) wait() {
	h.wg.Wait()
}

func sourceHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
