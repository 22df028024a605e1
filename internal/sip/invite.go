package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
)

// InboundOptions describes how we answer an inbound INVITE.
type InboundOptions struct {
	LocalSDP []byte
	Headers  map[string]string
}

// CreateInboundResponse answers the INVITE in req with 200 OK carrying
// LocalSDP and returns the resulting dialog.
func (s *Server) CreateInboundResponse(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, opts InboundOptions) (*Dialog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", opts.LocalSDP)

	localTag := newTag()
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			localTag = tag
		} else {
			to.Params.Add("tag", localTag)
		}
	}

	var contactURI sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s:%d", s.cfg.Host, s.cfg.ListenPort), &contactURI); err == nil {
		res.AppendHeader(&sip.ContactHeader{Address: contactURI})
	}
	if len(opts.LocalSDP) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	for _, name := range sortedKeys(opts.Headers) {
		res.AppendHeader(sip.NewHeader(name, opts.Headers[name]))
	}

	if err := tx.Respond(res); err != nil {
		return nil, fmt.Errorf("sending 200 ok: %w", err)
	}

	d := &Dialog{
		CallID:       callIDOf(req),
		Direction:    DirectionInbound,
		LocalTag:     localTag,
		transport:    req.Transport(),
		localSDP:     opts.LocalSDP,
		remoteSDP:    req.Body(),
		startTime:    time.Now(),
		sender:       s,
		logger:       s.dialogs.logger,
		remoteTarget: req.Recipient,
	}
	if to := req.To(); to != nil {
		d.localURI = to.Address
	}
	if from := req.From(); from != nil {
		d.remoteURI = from.Address
		d.remoteTarget = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			d.RemoteTag = tag
		}
	}
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = *contact.Address.Clone()
	}

	s.dialogs.Add(d)
	return d, nil
}

// buildACKFor2xx constructs an ACK for a 2xx response to an INVITE per
// RFC 3261 §13.2.2.4. The ACK is sent outside the INVITE transaction.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
