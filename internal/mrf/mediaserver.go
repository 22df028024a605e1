package mrf

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/astmrf/internal/ari"
	"github.com/flowpbx/astmrf/internal/database/models"
	"github.com/flowpbx/astmrf/internal/media"
	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tevino/abool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// idPrefix prefixes media server ids. The id doubles as the ARI
// application name and the user part of the INVITE request URI.
const idPrefix = "astmrf-"

// dialGrace lets the SIP transaction outlive the allocation deadline so a
// late answer can still be torn down.
const dialGrace = 2 * time.Second

// journalTimeout bounds a single journal write.
const journalTimeout = 2 * time.Second

// recentEndedChannels is how many ended channels with no endpoint yet are
// remembered, so an endpoint built after its channel ended is not kept.
const recentEndedChannels = 1024

const tracerName = "github.com/flowpbx/astmrf/internal/mrf"

// Journal stores endpoint lifecycle events.
type Journal interface {
	Record(ctx context.Context, ev *models.EndpointEvent) error
}

// MediaServer is one connected Asterisk server. It allocates endpoints by
// placing SIP calls into its Stasis application and correlating them with
// the channels that show up on the event stream.
type MediaServer struct {
	id         string
	ariAddress string
	sipAddress string
	sipUser    string
	sipPass    string
	timeout    time.Duration

	session   EventSession
	signaling Signaling
	registry  *PendingRegistry
	journal   Journal
	logger    Logger
	tracer    trace.Tracer

	connected *abool.AtomicBool
	ready     core.Fuse
	loopDone  chan struct{}

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	ended     *lru.Cache[string, struct{}] // channel ids ended before their endpoint was added
}

type mediaServerConfig struct {
	ariAddress string
	sipAddress string
	sipUser    string
	sipPass    string
	timeout    time.Duration
	session    EventSession
	signaling  Signaling
	journal    Journal
	logger     Logger
}

func newMediaServer(cfg mediaServerConfig) *MediaServer {
	ms := &MediaServer{
		id:         idPrefix + uuid.NewString(),
		ariAddress: cfg.ariAddress,
		sipAddress: cfg.sipAddress,
		sipUser:    cfg.sipUser,
		sipPass:    cfg.sipPass,
		timeout:    cfg.timeout,
		session:    cfg.session,
		signaling:  cfg.signaling,
		journal:    cfg.journal,
		logger:     cfg.logger,
		tracer:     otel.Tracer(tracerName),
		connected:  abool.New(),
		loopDone:   make(chan struct{}),
		endpoints:  make(map[string]*Endpoint),
	}
	ms.ended, _ = lru.New[string, struct{}](recentEndedChannels)
	ms.registry = NewPendingRegistry(cfg.logger)
	ms.logger.Info("creating media server", "mediaserver", ms.id, "sip_address", ms.sipAddress)
	return ms
}

// start consumes the event stream and starts the Stasis application. On
// failure the server stays unconnected.
func (ms *MediaServer) start(ctx context.Context) error {
	go ms.run()

	if err := ms.session.Start(ctx, ms.id); err != nil {
		ms.logger.Error("error starting stasis app", "mediaserver", ms.id, "error", err)
		if stopErr := ms.session.Stop(); stopErr != nil && !errors.Is(stopErr, ari.ErrNotStarted) {
			ms.logger.Error("error stopping event session", "mediaserver", ms.id, "error", stopErr)
		}
		return fmt.Errorf("starting stasis app %s: %w", ms.id, err)
	}

	ms.connected.Set()
	ms.ready.Break()
	ms.logger.Info("media server ready", "mediaserver", ms.id)
	return nil
}

// run dispatches channel events until the stream closes.
func (ms *MediaServer) run() {
	defer close(ms.loopDone)
	defer ms.connected.UnSet()

	for ev := range ms.session.Events() {
		switch ev.Kind {
		case ari.ChannelStarted:
			ms.registry.ReportChannel(ev.CallerNumber, ev.Channel)
		case ari.ChannelEnded:
			ms.channelEnded(ev)
		}
	}
}

func (ms *MediaServer) channelEnded(ev ari.Event) {
	if ms.registry.Discard(ev.CallerNumber, ev.ChannelID) {
		ms.logger.Info("channel ended before it was claimed",
			"mediaserver", ms.id,
			"token", ev.CallerNumber,
			"channel_id", ev.ChannelID,
		)
	}

	// The endpoint may be settled but not yet in the table; addEndpoint
	// checks the mark left here.
	ms.mu.Lock()
	ep, ok := ms.endpoints[ev.ChannelID]
	if ok {
		delete(ms.endpoints, ev.ChannelID)
	} else {
		ms.ended.Add(ev.ChannelID, struct{}{})
	}
	ms.mu.Unlock()

	if !ok {
		return
	}
	ep.notifyChannelEnded()
}

// ID returns the unique id of the media server.
func (ms *MediaServer) ID() string { return ms.id }

// SIPAddress returns the host:port INVITEs are sent to.
func (ms *MediaServer) SIPAddress() string { return ms.sipAddress }

// ARIAddress returns the ARI host the server was connected through.
func (ms *MediaServer) ARIAddress() string { return ms.ariAddress }

// Connected reports whether the event session is established.
func (ms *MediaServer) Connected() bool { return ms.connected.IsSet() }

// Ready is closed once the Stasis application has started.
func (ms *MediaServer) Ready() <-chan struct{} { return ms.ready.Watch() }

// Disconnect stops the event session. Live endpoints are left alone.
func (ms *MediaServer) Disconnect() error {
	ms.connected.UnSet()
	err := ms.session.Stop()
	<-ms.loopDone
	ms.logger.Info("media server disconnected", "mediaserver", ms.id, "endpoints", ms.EndpointCount())
	if err != nil && !errors.Is(err, ari.ErrNotStarted) {
		return fmt.Errorf("stopping stasis app %s: %w", ms.id, err)
	}
	return nil
}

// CreateEndpoint allocates an endpoint on the media server. The call
// returns when the dialog and the channel have both arrived, the dialog
// failed, or the allocation deadline passed. ctx carries values and trace
// state only; an allocation cannot be cancelled.
func (ms *MediaServer) CreateEndpoint(ctx context.Context, opts EndpointOptions) (*Endpoint, error) {
	ctx, span := ms.tracer.Start(ctx, "MediaServer.CreateEndpoint",
		trace.WithAttributes(attribute.String("mediaserver.id", ms.id)),
	)
	defer span.End()

	remoteSDP := opts.RemoteSDP
	if len(remoteSDP) == 0 {
		var err error
		remoteSDP, err = media.MakeInactiveSDP(ms.sipAddress)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	if !ms.Connected() {
		span.SetStatus(codes.Error, ErrNotConnected.Error())
		return nil, ErrNotConnected
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = ms.timeout
	}
	if timeout <= 0 {
		timeout = DefaultAllocationTimeout
	}

	started := time.Now()
	token, result := ms.registry.Begin(timeout, func(token string, ch ari.Channel, d Dialog) *Endpoint {
		ep := newEndpoint(ms, token, ch, d)
		if !ms.addEndpoint(ep) {
			ms.logger.Info("channel ended before endpoint was ready",
				"mediaserver", ms.id,
				"token", token,
				"channel_id", ch.ID(),
			)
			ep.notifyChannelEnded()
			return ep
		}
		ep.start()
		return ep
	})
	span.SetAttributes(attribute.String("mrf.token", token))

	uri := fmt.Sprintf("sip:%s@%s", ms.id, ms.sipAddress)
	out := OutboundRequest{
		Token:    token,
		LocalSDP: remoteSDP,
		Headers:  opts.Headers,
		Username: ms.sipUser,
		Password: ms.sipPass,
	}
	dialCtx := context.WithoutCancel(ctx)
	go func() {
		dctx, cancel := context.WithTimeout(dialCtx, timeout+dialGrace)
		defer cancel()
		d, err := ms.signaling.CreateOutboundDialog(dctx, uri, out)
		ms.registry.ReportDialog(token, d, err)
	}()

	res := <-result
	elapsed := time.Since(started)

	if res.err != nil {
		ms.logger.Error("endpoint allocation failed",
			"mediaserver", ms.id,
			"token", token,
			"error", res.err,
		)
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		ms.record(&models.EndpointEvent{
			Token:      token,
			Event:      models.EventFailed,
			Reason:     res.err.Error(),
			DurationMs: elapsed.Milliseconds(),
		})
		return nil, res.err
	}

	ep := res.endpoint
	span.SetAttributes(
		attribute.String("mrf.channel_id", ep.ChannelID()),
		attribute.String("sip.call_id", ep.CallID()),
	)
	ms.record(&models.EndpointEvent{
		Token:       token,
		Event:       models.EventCreated,
		ChannelID:   ep.ChannelID(),
		ChannelName: ep.ChannelName(),
		CallID:      ep.CallID(),
		DurationMs:  elapsed.Milliseconds(),
	})
	return ep, nil
}

// ConnectCaller allocates an endpoint for the offer in an inbound INVITE
// and answers the caller with the endpoint's SDP. If answering fails the
// endpoint is destroyed before the error is returned.
func (ms *MediaServer) ConnectCaller(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, opts ConnectCallerOptions) (*Endpoint, Dialog, error) {
	ctx, span := ms.tracer.Start(ctx, "MediaServer.ConnectCaller",
		trace.WithAttributes(attribute.String("mediaserver.id", ms.id)),
	)
	defer span.End()

	ep, err := ms.CreateEndpoint(ctx, EndpointOptions{
		RemoteSDP: req.Body(),
		Timeout:   opts.Timeout,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	ms.logger.Info("caller bridged to media server endpoint",
		"mediaserver", ms.id,
		"channel_id", ep.ChannelID(),
	)

	dlg, err := ms.signaling.CreateInboundResponse(ctx, req, tx, InboundAnswer{
		LocalSDP: ep.LocalSDP(),
		Headers:  opts.Headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if derr := ep.Destroy(context.WithoutCancel(ctx)); derr != nil {
			ms.logger.Error("failed to destroy endpoint after answer failure",
				"mediaserver", ms.id,
				"channel_id", ep.ChannelID(),
				"error", derr,
			)
		}
		return nil, nil, err
	}
	return ep, dlg, nil
}

// ConnectCallerOptions configures ConnectCaller.
type ConnectCallerOptions struct {
	// Headers are added to the 200 OK sent to the caller.
	Headers map[string]string
	Timeout time.Duration
}

// Endpoint returns the live endpoint for channelID, or nil.
func (ms *MediaServer) Endpoint(channelID string) *Endpoint {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.endpoints[channelID]
}

// Endpoints returns a snapshot of the live endpoints, oldest first.
func (ms *MediaServer) Endpoints() []*Endpoint {
	ms.mu.RLock()
	out := make([]*Endpoint, 0, len(ms.endpoints))
	for _, ep := range ms.endpoints {
		out = append(out, ep)
	}
	ms.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// EndpointCount returns the number of live endpoints.
func (ms *MediaServer) EndpointCount() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.endpoints)
}

// MediaServerStats is a snapshot of one media server.
type MediaServerStats struct {
	ID         string        `json:"id"`
	SIPAddress string        `json:"sip_address"`
	Connected  bool          `json:"connected"`
	Endpoints  int           `json:"endpoints"`
	Registry   RegistryStats `json:"registry"`
}

// Stats returns a snapshot of the media server.
func (ms *MediaServer) Stats() MediaServerStats {
	return MediaServerStats{
		ID:         ms.id,
		SIPAddress: ms.sipAddress,
		Connected:  ms.Connected(),
		Endpoints:  ms.EndpointCount(),
		Registry:   ms.registry.Stats(),
	}
}

// addEndpoint puts ep in the table. It reports false, leaving the table
// untouched, when ep's channel has already ended.
func (ms *MediaServer) addEndpoint(ep *Endpoint) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.ended.Remove(ep.ChannelID()) {
		return false
	}
	ms.endpoints[ep.ChannelID()] = ep
	return true
}

func (ms *MediaServer) removeEndpoint(ep *Endpoint) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if cur, ok := ms.endpoints[ep.ChannelID()]; ok && cur == ep {
		delete(ms.endpoints, ep.ChannelID())
	}
}

// endpointEnded journals the end of ep.
func (ms *MediaServer) endpointEnded(ep *Endpoint, cause string) {
	ms.record(&models.EndpointEvent{
		Token:       ep.Token(),
		Event:       models.EventEnded,
		ChannelID:   ep.ChannelID(),
		ChannelName: ep.ChannelName(),
		CallID:      ep.CallID(),
		Reason:      cause,
		DurationMs:  time.Since(ep.CreatedAt()).Milliseconds(),
	})
}

func (ms *MediaServer) record(ev *models.EndpointEvent) {
	if ms.journal == nil {
		return
	}
	ev.MediaServer = ms.id
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := ms.journal.Record(ctx, ev); err != nil {
		ms.logger.Error("failed to record endpoint event",
			"mediaserver", ms.id,
			"event", ev.Event,
			"error", err,
		)
	}
}
