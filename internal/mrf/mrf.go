// Package mrf allocates media endpoints on Asterisk servers. An endpoint is
// a SIP dialog placed into an ARI Stasis application, paired with the
// channel that dialog produced on the event stream.
package mrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/flowpbx/astmrf/internal/ari"
)

// DefaultSIPPort is used when a media server's SIP port is not given.
const DefaultSIPPort = 5060

// ARIOptions locates the ARI interface of a media server.
type ARIOptions struct {
	Address  string
	Port     int
	Username string
	Password string
}

// SIPOptions locates the SIP interface of a media server. Address defaults
// to the ARI address. Username and Password answer digest challenges.
type SIPOptions struct {
	Address  string
	Port     int
	Username string
	Password string
}

// ConnectOptions describes a media server to connect to.
type ConnectOptions struct {
	ARI ARIOptions
	SIP SIPOptions
}

func (o ConnectOptions) validate() error {
	if o.ARI.Address == "" {
		return invalidConfig("ari address is required")
	}
	if o.ARI.Username == "" {
		return invalidConfig("ari username is required")
	}
	if o.ARI.Password == "" {
		return invalidConfig("ari password is required")
	}
	if o.ARI.Port < 0 || o.ARI.Port > 65535 {
		return invalidConfig("ari port %d out of range", o.ARI.Port)
	}
	if o.SIP.Port < 0 || o.SIP.Port > 65535 {
		return invalidConfig("sip port %d out of range", o.SIP.Port)
	}
	return nil
}

// sipAddress returns the host:port INVITEs for this server go to.
func (o ConnectOptions) sipAddress() string {
	host := o.SIP.Address
	if host == "" {
		host = o.ARI.Address
	}
	port := o.SIP.Port
	if port == 0 {
		port = DefaultSIPPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Option configures an Mrf.
type Option func(*Mrf) error

// WithLogger sets the logger. A nil logger is rejected.
func WithLogger(l Logger) Option {
	return func(m *Mrf) error {
		if err := checkLogger(l); err != nil {
			return err
		}
		m.logger = l
		return nil
	}
}

// WithJournal records endpoint lifecycle events to j.
func WithJournal(j Journal) Option {
	return func(m *Mrf) error {
		m.journal = j
		return nil
	}
}

// WithAllocationTimeout sets the default allocation deadline.
func WithAllocationTimeout(d time.Duration) Option {
	return func(m *Mrf) error {
		if d <= 0 {
			return invalidConfig("allocation timeout must be positive, got %s", d)
		}
		m.timeout = d
		return nil
	}
}

// WithSessionDialer replaces how ARI sessions are opened.
func WithSessionDialer(d SessionDialer) Option {
	return func(m *Mrf) error {
		if d == nil {
			return invalidConfig("session dialer is nil")
		}
		m.dial = d
		return nil
	}
}

// Mrf connects to media servers and keeps track of them.
type Mrf struct {
	signaling      Signaling
	journal        Journal
	timeout        time.Duration
	dial           SessionDialer
	localAddresses []string

	mu      sync.RWMutex
	logger  Logger
	servers []*MediaServer
}

// New creates an Mrf that places its calls through signaling.
func New(signaling Signaling, opts ...Option) (*Mrf, error) {
	if signaling == nil {
		return nil, invalidConfig("signaling is required")
	}

	m := &Mrf{
		signaling: signaling,
		timeout:   DefaultAllocationTimeout,
		dial:      dialARI,
		logger:    discardLogger(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	addrs, err := localIPv4Addresses()
	if err != nil {
		m.logger.Error("failed to list local addresses", "error", err)
	}
	m.localAddresses = addrs
	return m, nil
}

// Logger returns the current logger.
func (m *Mrf) Logger() Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger
}

// SetLogger replaces the logger used for media servers connected from now
// on. A nil logger is rejected.
func (m *Mrf) SetLogger(l Logger) error {
	if err := checkLogger(l); err != nil {
		return err
	}
	m.mu.Lock()
	m.logger = l
	m.mu.Unlock()
	return nil
}

// LocalAddresses returns the non-loopback IPv4 addresses of this host, as
// discovered when the Mrf was created.
func (m *Mrf) LocalAddresses() []string {
	return append([]string(nil), m.localAddresses...)
}

// Connect opens an ARI session to the media server described by opts,
// starts its Stasis application and returns the ready MediaServer.
func (m *Mrf) Connect(ctx context.Context, opts ConnectOptions) (*MediaServer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	logger := m.Logger()
	ariOpts := ari.Options{
		Address:  opts.ARI.Address,
		Port:     opts.ARI.Port,
		Username: opts.ARI.Username,
		Password: opts.ARI.Password,
	}
	logger.Info("connecting to ARI", "url", ariOpts.URL(), "username", ariOpts.Username)

	session, err := m.dial(ariOpts, slogFrom(logger))
	if err != nil {
		logger.Error("error connecting to ari server", "url", ariOpts.URL(), "error", err)
		return nil, fmt.Errorf("opening ari session: %w", err)
	}

	ms := newMediaServer(mediaServerConfig{
		ariAddress: opts.ARI.Address,
		sipAddress: opts.sipAddress(),
		sipUser:    opts.SIP.Username,
		sipPass:    opts.SIP.Password,
		timeout:    m.timeout,
		session:    session,
		signaling:  m.signaling,
		journal:    m.journal,
		logger:     logger,
	})

	if err := ms.start(ctx); err != nil {
		return nil, err
	}
	logger.Info("connected to ari server", "mediaserver", ms.ID())

	m.mu.Lock()
	m.servers = append(m.servers, ms)
	m.mu.Unlock()
	return ms, nil
}

// MediaServers returns the connected media servers in connection order.
func (m *Mrf) MediaServers() []*MediaServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MediaServer(nil), m.servers...)
}

// MediaServer returns the media server with the given id, or nil.
func (m *Mrf) MediaServer(id string) *MediaServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ms := range m.servers {
		if ms.ID() == id {
			return ms
		}
	}
	return nil
}

// Pick returns the first media server that is still connected, or nil.
func (m *Mrf) Pick() *MediaServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ms := range m.servers {
		if ms.Connected() {
			return ms
		}
	}
	return nil
}

// Disconnect stops every media server and forgets them.
func (m *Mrf) Disconnect() error {
	m.mu.Lock()
	servers := m.servers
	m.servers = nil
	m.mu.Unlock()

	var errs []error
	for _, ms := range servers {
		if err := ms.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of every media server.
func (m *Mrf) Stats() []MediaServerStats {
	servers := m.MediaServers()
	out := make([]MediaServerStats, 0, len(servers))
	for _, ms := range servers {
		out = append(out, ms.Stats())
	}
	return out
}

func localIPv4Addresses() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				out = append(out, ip4.String())
			}
		}
	}
	return out, nil
}
