package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/astmrf/internal/auth"
	"github.com/flowpbx/astmrf/internal/mrf"
	"github.com/flowpbx/astmrf/internal/sip"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the astmrf bridge.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	ConfigFile string

	// Media server ARI interface.
	ARIAddress  string
	ARIPort     int
	ARIUsername string
	ARIPassword string

	// Media server SIP interface. Address defaults to ARIAddress.
	MediaSIPAddress  string
	MediaSIPPort     int
	MediaSIPUsername string // digest credentials for INVITEs to the media server
	MediaSIPPassword string

	// Local SIP listener.
	SIPPort    int
	ExternalIP string // address advertised in Contact headers (auto-detected if empty)
	SIPTrace   string // off, headers, full

	HTTPPort          int
	AllocationTimeout time.Duration
	CallRate          float64 // inbound INVITEs admitted per second
	CallBurst         int

	DataDir          string
	JournalDSN       string        // empty for sqlite in DataDir, postgres:// for postgres
	JournalRetention time.Duration // zero keeps rows forever

	// Operator API authentication. Disabled unless APIPasswordHash is set.
	APIUsername     string
	APIPasswordHash string // argon2id hash, see "astmrf hash-password"
	APISecret       string // hex token signing key; random per process if empty
	APITokenTTL     time.Duration

	LogLevel  string
	LogFormat string // log output format: "text" or "json"
}

// defaults
const (
	defaultARIPort           = 8088
	defaultMediaSIPPort      = 5060
	defaultSIPPort           = 5080
	defaultHTTPPort          = 8090
	defaultAllocationTimeout = 4 * time.Second
	defaultCallRate          = 10
	defaultCallBurst         = 20
	defaultDataDir           = "./data"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultSIPTrace          = "off"
	defaultAPIUsername       = "admin"
	defaultAPITokenTTL       = 12 * time.Hour
)

// envPrefix is the prefix for all astmrf environment variables.
const envPrefix = "ASTMRF_"

// Load parses configuration from CLI flags, environment variables and the
// optional YAML config file.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("astmrf", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to a YAML config file")
	fs.StringVar(&cfg.ARIAddress, "ari-address", "", "Asterisk ARI host")
	fs.IntVar(&cfg.ARIPort, "ari-port", defaultARIPort, "Asterisk ARI HTTP port")
	fs.StringVar(&cfg.ARIUsername, "ari-username", "", "ARI username")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI password")
	fs.StringVar(&cfg.MediaSIPAddress, "media-sip-address", "", "Asterisk SIP host (defaults to the ARI host)")
	fs.IntVar(&cfg.MediaSIPPort, "media-sip-port", defaultMediaSIPPort, "Asterisk SIP port")
	fs.StringVar(&cfg.MediaSIPUsername, "media-sip-username", "", "digest username for INVITEs to Asterisk")
	fs.StringVar(&cfg.MediaSIPPassword, "media-sip-password", "", "digest password for INVITEs to Asterisk")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "local SIP UDP/TCP listen port")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "address advertised in SIP Contact headers (auto-detected if empty)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "SIP message tracing (off, headers, full)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.DurationVar(&cfg.AllocationTimeout, "allocation-timeout", defaultAllocationTimeout, "how long an endpoint allocation may take")
	fs.Float64Var(&cfg.CallRate, "call-rate", defaultCallRate, "inbound calls admitted per second")
	fs.IntVar(&cfg.CallBurst, "call-burst", defaultCallBurst, "inbound call burst size")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite journal")
	fs.StringVar(&cfg.JournalDSN, "journal-dsn", "", "postgres:// DSN for the endpoint journal (sqlite in data-dir if empty)")
	fs.DurationVar(&cfg.JournalRetention, "journal-retention", 0, "delete journal rows older than this (0 keeps them)")
	fs.StringVar(&cfg.APIUsername, "api-username", defaultAPIUsername, "operator API username")
	fs.StringVar(&cfg.APIPasswordHash, "api-password-hash", "", "argon2id hash of the operator API password (auth disabled if empty)")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "hex encoded API token signing key (random if empty)")
	fs.DurationVar(&cfg.APITokenTTL, "api-token-ttl", defaultAPITokenTTL, "operator API token lifetime")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	path := cfg.ConfigFile
	if !set["config"] {
		if v := os.Getenv(envPrefix + "CONFIG"); v != "" {
			path = v
			cfg.ConfigFile = v
		}
	}
	if path != "" {
		values, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := applyValues(fs, set, values); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := applyValues(fs, set, envValues(fs)); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName returns the environment variable for a flag name, e.g.
// "ari-port" becomes ASTMRF_ARI_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// envValues collects the non-empty environment variables that map to flags.
func envValues(fs *flag.FlagSet) map[string]string {
	values := make(map[string]string)
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "config" {
			return
		}
		if val, ok := os.LookupEnv(envName(f.Name)); ok && val != "" {
			values[f.Name] = val
		}
	})
	return values
}

// applyValues sets every flag in values that was not given on the command
// line.
func applyValues(fs *flag.FlagSet, set map[string]bool, values map[string]string) error {
	for name, val := range values {
		if set[name] {
			continue
		}
		if err := fs.Set(name, val); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// fileConfig is the YAML config file layout.
type fileConfig struct {
	ARI struct {
		Address  string `yaml:"address"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"ari"`
	MediaSIP struct {
		Address  string `yaml:"address"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"media_sip"`
	SIP struct {
		Port       int    `yaml:"port"`
		ExternalIP string `yaml:"external_ip"`
		Trace      string `yaml:"trace"`
	} `yaml:"sip"`
	HTTPPort          int           `yaml:"http_port"`
	AllocationTimeout time.Duration `yaml:"allocation_timeout"`
	CallRate          float64       `yaml:"call_rate"`
	CallBurst         int           `yaml:"call_burst"`
	DataDir           string        `yaml:"data_dir"`
	Journal           struct {
		DSN       string        `yaml:"dsn"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"journal"`
	API struct {
		Username     string        `yaml:"username"`
		PasswordHash string        `yaml:"password_hash"`
		Secret       string        `yaml:"secret"`
		TokenTTL     time.Duration `yaml:"token_ttl"`
	} `yaml:"api"`
	Logging           struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return parseFile(data)
}

// parseFile decodes a YAML config into flag values. Zero values are left
// out so they do not shadow defaults.
func parseFile(data []byte) (map[string]string, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	values := make(map[string]string)
	str := func(name, v string) {
		if v != "" {
			values[name] = v
		}
	}
	num := func(name string, v int) {
		if v != 0 {
			values[name] = strconv.Itoa(v)
		}
	}
	dur := func(name string, v time.Duration) {
		if v != 0 {
			values[name] = v.String()
		}
	}

	str("ari-address", fc.ARI.Address)
	num("ari-port", fc.ARI.Port)
	str("ari-username", fc.ARI.Username)
	str("ari-password", fc.ARI.Password)
	str("media-sip-address", fc.MediaSIP.Address)
	num("media-sip-port", fc.MediaSIP.Port)
	str("media-sip-username", fc.MediaSIP.Username)
	str("media-sip-password", fc.MediaSIP.Password)
	num("sip-port", fc.SIP.Port)
	str("external-ip", fc.SIP.ExternalIP)
	str("sip-trace", fc.SIP.Trace)
	num("http-port", fc.HTTPPort)
	dur("allocation-timeout", fc.AllocationTimeout)
	if fc.CallRate != 0 {
		values["call-rate"] = strconv.FormatFloat(fc.CallRate, 'f', -1, 64)
	}
	num("call-burst", fc.CallBurst)
	str("data-dir", fc.DataDir)
	str("journal-dsn", fc.Journal.DSN)
	dur("journal-retention", fc.Journal.Retention)
	str("api-username", fc.API.Username)
	str("api-password-hash", fc.API.PasswordHash)
	str("api-secret", fc.API.Secret)
	dur("api-token-ttl", fc.API.TokenTTL)
	str("log-level", fc.Logging.Level)
	str("log-format", fc.Logging.Format)
	return values, nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.ARIAddress == "" {
		return fmt.Errorf("ari-address is required")
	}
	if c.ARIUsername == "" || c.ARIPassword == "" {
		return fmt.Errorf("ari-username and ari-password are required")
	}
	ports := []struct {
		name string
		port int
	}{
		{"ari-port", c.ARIPort},
		{"media-sip-port", c.MediaSIPPort},
		{"sip-port", c.SIPPort},
		{"http-port", c.HTTPPort},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, p.port)
		}
	}
	if c.AllocationTimeout <= 0 {
		return fmt.Errorf("allocation-timeout must be positive, got %s", c.AllocationTimeout)
	}
	if c.CallRate <= 0 {
		return fmt.Errorf("call-rate must be positive, got %v", c.CallRate)
	}
	if c.CallBurst < 1 {
		return fmt.Errorf("call-burst must be at least 1, got %d", c.CallBurst)
	}
	if _, err := sip.ParseTraceLevel(c.SIPTrace); err != nil {
		return err
	}
	if c.JournalDSN != "" && !strings.HasPrefix(c.JournalDSN, "postgres://") && !strings.HasPrefix(c.JournalDSN, "postgresql://") {
		return fmt.Errorf("journal-dsn must be a postgres:// url")
	}
	if c.JournalRetention < 0 {
		return fmt.Errorf("journal-retention must not be negative, got %s", c.JournalRetention)
	}
	if c.APIPasswordHash != "" {
		if c.APIUsername == "" {
			return fmt.Errorf("api-username is required when api-password-hash is set")
		}
		if !strings.HasPrefix(c.APIPasswordHash, "$argon2id$") {
			return fmt.Errorf("api-password-hash must be an argon2id hash")
		}
	}
	if _, err := auth.DecodeSecret(c.APISecret); err != nil {
		return fmt.Errorf("api-secret: %w", err)
	}
	if c.APITokenTTL <= 0 {
		return fmt.Errorf("api-token-ttl must be positive, got %s", c.APITokenTTL)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ConnectOptions returns the media server connection described by the
// config.
func (c *Config) ConnectOptions() mrf.ConnectOptions {
	return mrf.ConnectOptions{
		ARI: mrf.ARIOptions{
			Address:  c.ARIAddress,
			Port:     c.ARIPort,
			Username: c.ARIUsername,
			Password: c.ARIPassword,
		},
		SIP: mrf.SIPOptions{
			Address:  c.MediaSIPAddress,
			Port:     c.MediaSIPPort,
			Username: c.MediaSIPUsername,
			Password: c.MediaSIPPassword,
		},
	}
}

// Credentials returns the operator API account.
func (c *Config) Credentials() auth.Credentials {
	return auth.Credentials{Username: c.APIUsername, PasswordHash: c.APIPasswordHash}
}

// APISecretBytes returns the decoded token signing key, or nil when a
// random key should be generated.
func (c *Config) APISecretBytes() []byte {
	b, _ := auth.DecodeSecret(c.APISecret)
	return b
}

// TraceLevel returns the configured SIP trace level.
func (c *Config) TraceLevel() sip.TraceLevel {
	lvl, _ := sip.ParseTraceLevel(c.SIPTrace)
	return lvl
}

// SIPHost returns the address advertised in SIP Contact headers.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) SIPHost() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
