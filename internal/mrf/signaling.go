package mrf

import (
	"context"
	"errors"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/astmrf/internal/ari"
	sipserver "github.com/flowpbx/astmrf/internal/sip"
)

// Dialog is an established SIP dialog as seen by the media layer.
type Dialog interface {
	ID() string
	LocalSDP() []byte
	RemoteSDP() []byte
	// Done is closed when the dialog is torn down by either party.
	Done() <-chan struct{}
	// Destroy sends BYE. It is a no-op on a terminated dialog.
	Destroy(ctx context.Context) error
}

// OutboundRequest describes the INVITE placed toward a media server.
type OutboundRequest struct {
	// Token is carried as the From user and comes back as the caller number
	// of the media server's channel.
	Token    string
	LocalSDP []byte
	Headers  map[string]string
	Username string
	Password string
}

// InboundAnswer describes the 200 OK sent to an inbound caller.
type InboundAnswer struct {
	LocalSDP []byte
	Headers  map[string]string
}

// Signaling creates SIP dialogs.
type Signaling interface {
	CreateOutboundDialog(ctx context.Context, uri string, req OutboundRequest) (Dialog, error)
	CreateInboundResponse(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, ans InboundAnswer) (Dialog, error)
}

// EventSession is an ARI application session delivering channel events.
type EventSession interface {
	Start(ctx context.Context, app string) error
	Stop() error
	Events() <-chan ari.Event
}

// SessionDialer opens an EventSession toward one ARI server.
type SessionDialer func(opts ari.Options, logger *slog.Logger) (EventSession, error)

func dialARI(opts ari.Options, logger *slog.Logger) (EventSession, error) {
	return ari.Open(opts, logger)
}

// SIPSignaling adapts the local SIP server to Signaling.
type SIPSignaling struct {
	server *sipserver.Server
}

// NewSIPSignaling returns a Signaling backed by server.
func NewSIPSignaling(server *sipserver.Server) *SIPSignaling {
	return &SIPSignaling{server: server}
}

func (s *SIPSignaling) CreateOutboundDialog(ctx context.Context, uri string, req OutboundRequest) (Dialog, error) {
	d, err := s.server.CreateOutboundDialog(ctx, uri, sipserver.OutboundOptions{
		FromUser: req.Token,
		LocalSDP: req.LocalSDP,
		Headers:  req.Headers,
		Credentials: sipserver.Credentials{
			Username: req.Username,
			Password: req.Password,
		},
	})
	if err != nil {
		return nil, signalingError(err)
	}
	return d, nil
}

func (s *SIPSignaling) CreateInboundResponse(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, ans InboundAnswer) (Dialog, error) {
	d, err := s.server.CreateInboundResponse(ctx, req, tx, sipserver.InboundOptions{
		LocalSDP: ans.LocalSDP,
		Headers:  ans.Headers,
	})
	if err != nil {
		return nil, signalingError(err)
	}
	return d, nil
}

func signalingError(err error) error {
	var re *sipserver.ResponseError
	if errors.As(err, &re) {
		return &SignalingError{Status: re.StatusCode, Reason: re.Reason, Err: err}
	}
	return &SignalingError{Err: err}
}
