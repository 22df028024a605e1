package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// DefaultPort is the standard SIP port used when a target omits one.
const DefaultPort = 5060

// userAgent is sent in the User-Agent header of every request we originate.
const userAgent = "astmrf"

// Config holds the settings for the local SIP stack.
type Config struct {
	// ListenPort is the local UDP/TCP port the stack listens on.
	ListenPort int
	// Host is the address advertised in Via/Contact headers.
	Host string
	// TraceLevel selects SIP message tracing verbosity.
	TraceLevel TraceLevel
}

// InviteHandler processes a new inbound INVITE. The handler owns the
// transaction and must send a final response.
type InviteHandler func(req *sip.Request, tx sip.ServerTransaction)

// Server wraps the sipgo stack: it originates dialogs toward media servers,
// answers inbound calls and terminates dialogs on BYE from either side.
type Server struct {
	cfg     Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	dialogs *DialogManager
	pending *PendingInvites
	tracer  *MessageTracer

	mu       sync.RWMutex
	onInvite InviteHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewServer creates a SIP server with its request handlers registered.
func NewServer(cfg Config, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(userAgent),
		sipgo.WithUserAgentHostname(cfg.Host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
		sipgo.WithClientHostname(cfg.Host),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	tracer := NewMessageTracer(logger, cfg.TraceLevel)
	if cfg.TraceLevel != TraceOff {
		sip.SIPDebug = true
		sip.SIPDebugTracer(tracer)
	}

	s := &Server{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		dialogs: NewDialogManager(logger),
		pending: NewPendingInvites(logger),
		tracer:  tracer,
		logger:  logger,
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleACK)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnBye(s.handleBYE)
	s.srv.OnOptions(s.handleOptions)
}

// OnInvite sets the handler for inbound INVITEs. Without one, inbound
// calls are rejected with 480.
func (s *Server) OnInvite(h InviteHandler) {
	s.mu.Lock()
	s.onInvite = h
	s.mu.Unlock()
}

// Dialogs returns the tracker of established dialogs.
func (s *Server) Dialogs() *DialogManager {
	return s.dialogs
}

// Pending returns the tracker of unanswered inbound INVITEs.
func (s *Server) Pending() *PendingInvites {
	return s.pending
}

// Tracer returns the SIP message tracer.
func (s *Server) Tracer() *MessageTracer {
	return s.tracer
}

// Start begins listening on UDP and TCP. Listeners run until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.ListenPort <= 0 {
		return fmt.Errorf("invalid sip listen port %d", s.cfg.ListenPort)
	}
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.ListenPort)

	for _, network := range []string{"udp", "tcp"} {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", network, "addr", addr)
			if err := s.srv.ListenAndServe(ctx, network, addr); err != nil {
				s.logger.Error("sip listener stopped", "transport", network, "error", err)
			}
		}()
	}

	return nil
}

// Stop shuts down the listeners and waits for them to exit. Established
// dialogs are left to their owners.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server", "active_dialogs", s.dialogs.Count())
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.RLock()
	h := s.onInvite
	s.mu.RUnlock()

	if h == nil {
		s.logger.Warn("no invite handler, rejecting call",
			"call_id", callIDOf(req),
			"source", req.Source(),
		)
		respondError(s.logger, req, tx, 480, "Temporarily Unavailable")
		return
	}
	h(req, tx)
}

// handleACK confirms inbound dialogs we answered with 200 OK.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d := s.dialogs.Get(callID)
	if d == nil {
		s.logger.Debug("sip ack for unknown dialog", "call_id", callID, "source", req.Source())
		return
	}
	d.confirm()
	s.logger.Debug("sip ack received", "call_id", callID)
}

// handleCancel aborts a pending inbound INVITE. The CANCEL itself is
// always answered 200 when it matches, 481 otherwise.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	code, reason := 200, "OK"
	if !s.pending.Cancel(callID) {
		s.logger.Debug("sip cancel for unknown invite", "call_id", callID, "source", req.Source())
		code, reason = 481, "Call/Transaction Does Not Exist"
	}
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Debug("failed to respond to cancel", "call_id", callID, "error", err)
	}
}

// handleOptions responds to SIP OPTIONS keepalive pings.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// respondError sends a final non-2xx response on tx.
func respondError(logger *slog.Logger, req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}

// RespondError sends a final non-2xx response to an inbound request.
func (s *Server) RespondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	respondError(s.logger, req, tx, code, reason)
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
