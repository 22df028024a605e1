package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// byeTimeout bounds a BYE transaction when the caller's context has no
// deadline.
const byeTimeout = 5 * time.Second

// buildBYE constructs an in-dialog BYE per RFC 3261 §15.1.1.
func buildBYE(d *Dialog, seq uint32) *sip.Request {
	bye := sip.NewRequest(sip.BYE, *d.remoteTarget.Clone())

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.LocalTag)
	bye.AppendHeader(&sip.FromHeader{Address: *d.localURI.Clone(), Params: fromParams})

	toParams := sip.NewParams()
	if d.RemoteTag != "" {
		toParams.Add("tag", d.RemoteTag)
	}
	bye.AppendHeader(&sip.ToHeader{Address: *d.remoteURI.Clone(), Params: toParams})

	cid := sip.CallIDHeader(d.CallID)
	bye.AppendHeader(&cid)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})
	bye.AppendHeader(sip.NewHeader("User-Agent", userAgent))

	if d.transport != "" {
		bye.SetTransport(d.transport)
	}
	return bye
}

// sendBYE sends BYE within d and waits for the final response.
func (s *Server) sendBYE(ctx context.Context, d *Dialog) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, byeTimeout)
		defer cancel()
	}

	bye := buildBYE(d, d.nextCSeq())

	s.logger.Info("sending bye",
		"call_id", d.CallID,
		"direction", d.Direction,
		"request_uri", bye.Recipient.String(),
	)

	tx, err := s.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := waitFinal(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if !res.IsSuccess() {
		return &ResponseError{StatusCode: res.StatusCode, Reason: res.Reason}
	}
	return nil
}

// handleBYE terminates the dialog the peer hung up.
func (s *Server) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	d := s.dialogs.Get(callID)
	if d == nil {
		s.logger.Debug("bye for unknown dialog", "call_id", callID, "source", req.Source())
		respondError(s.logger, req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	d.terminate(HangupRemoteBYE)
}
