package sip

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// defaultFromHost is the host part of the From URI of outbound legs.
const defaultFromHost = "localhost"

// ResponseError is a final non-2xx response to a request we sent.
type ResponseError struct {
	StatusCode int
	Reason     string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%d %s", e.StatusCode, e.Reason)
}

// OutboundOptions describes an INVITE we originate.
type OutboundOptions struct {
	// FromUser is the user part of the From URI. The media server exposes
	// it as the caller number of the resulting channel.
	FromUser string
	// FromHost defaults to "localhost".
	FromHost string
	LocalSDP []byte
	// Headers are appended to the INVITE. User-Agent may be overridden.
	Headers map[string]string
	// Credentials answer a single 401/407 challenge.
	Credentials Credentials
}

// inviteResult holds the outcome of one INVITE exchange.
type inviteResult struct {
	req *sip.Request
	res *sip.Response
	tx  sip.ClientTransaction
}

// CreateOutboundDialog sends an INVITE to uri and returns the established
// dialog once a 2xx has been received and acknowledged. A non-2xx final
// response yields a *ResponseError.
func (s *Server) CreateOutboundDialog(ctx context.Context, uri string, opts OutboundOptions) (*Dialog, error) {
	req, err := s.buildInvite(uri, opts)
	if err != nil {
		return nil, err
	}

	callID := uuid.NewString()
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)

	s.logger.Debug("sending outbound invite",
		"call_id", callID,
		"recipient", uri,
		"from_user", opts.FromUser,
	)

	result, err := s.sendInvite(ctx, req, opts.Credentials, callID)
	if err != nil {
		return nil, err
	}

	ack := buildACKFor2xx(result.req, result.res)
	if err := s.client.WriteRequest(ack); err != nil {
		result.tx.Terminate()
		return nil, fmt.Errorf("sending ack: %w", err)
	}

	d := s.outboundDialog(result, opts.LocalSDP)
	d.confirm()
	s.dialogs.Add(d)
	return d, nil
}

// buildInvite assembles the INVITE for uri. Via, To, Call-ID and CSeq are
// filled in by the client when the transaction starts.
func (s *Server) buildInvite(uri string, opts OutboundOptions) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(uri, &recipient); err != nil {
		return nil, fmt.Errorf("parsing invite uri %q: %w", uri, err)
	}

	fromHost := opts.FromHost
	if fromHost == "" {
		fromHost = defaultFromHost
	}
	var fromURI sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", opts.FromUser, fromHost), &fromURI); err != nil {
		return nil, fmt.Errorf("parsing from uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)

	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	req.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})

	var contactURI sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s:%d", opts.FromUser, s.cfg.Host, s.cfg.ListenPort), &contactURI); err == nil {
		req.AppendHeader(&sip.ContactHeader{Address: contactURI})
	}

	if _, ok := headerValue(opts.Headers, "User-Agent"); !ok {
		req.AppendHeader(sip.NewHeader("User-Agent", userAgent))
	}
	for _, name := range sortedKeys(opts.Headers) {
		req.AppendHeader(sip.NewHeader(name, opts.Headers[name]))
	}

	if len(opts.LocalSDP) > 0 {
		req.SetBody(opts.LocalSDP)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return req, nil
}

// sendInvite runs the INVITE transaction to a final response, answering at
// most one digest challenge.
func (s *Server) sendInvite(ctx context.Context, req *sip.Request, cred Credentials, callID string) (*inviteResult, error) {
	tx, err := s.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending invite: %w", err)
	}

	authed := false
	for {
		res, err := waitFinal(ctx, tx)
		if err != nil {
			return nil, err
		}

		s.logger.Debug("outbound invite response",
			"call_id", callID,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.IsSuccess():
			return &inviteResult{req: req, res: res, tx: tx}, nil

		case isChallenge(res) && !authed && !cred.Empty():
			tx.Terminate()
			authReq, err := authorize(req, res, cred)
			if err != nil {
				return nil, err
			}
			tx, err = s.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				return nil, fmt.Errorf("sending authenticated invite: %w", err)
			}
			req = authReq
			authed = true

		default:
			tx.Terminate()
			return nil, &ResponseError{StatusCode: res.StatusCode, Reason: res.Reason}
		}
	}
}

// waitFinal absorbs provisional responses and returns the first final one.
func waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			tx.Terminate()
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("invite transaction: %w", err)
			}
			return nil, fmt.Errorf("invite transaction ended without final response")
		case res := <-tx.Responses():
			if res == nil || res.IsProvisional() {
				continue
			}
			return res, nil
		}
	}
}

// outboundDialog builds the Dialog for an answered INVITE.
func (s *Server) outboundDialog(r *inviteResult, localSDP []byte) *Dialog {
	d := &Dialog{
		CallID:       callIDOf(r.req),
		Direction:    DirectionOutbound,
		localURI:     r.req.From().Address,
		remoteURI:    r.req.Recipient,
		remoteTarget: r.req.Recipient,
		transport:    r.req.Transport(),
		localSDP:     localSDP,
		remoteSDP:    r.res.Body(),
		startTime:    time.Now(),
		sender:       s,
		logger:       s.dialogs.logger,
	}
	if tag, ok := r.req.From().Params.Get("tag"); ok {
		d.LocalTag = tag
	}
	if to := r.res.To(); to != nil {
		d.remoteURI = to.Address
		if tag, ok := to.Params.Get("tag"); ok {
			d.RemoteTag = tag
		}
	}
	if contact := r.res.Contact(); contact != nil {
		d.remoteTarget = *contact.Address.Clone()
	}
	if cseq := r.req.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}
	return d
}

// newTag returns a random From/To tag.
func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func headerValue(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
