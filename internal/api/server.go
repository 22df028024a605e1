package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/flowpbx/astmrf/internal/api/middleware"
	"github.com/flowpbx/astmrf/internal/auth"
	"github.com/flowpbx/astmrf/internal/database"
	"github.com/flowpbx/astmrf/internal/database/models"
	"github.com/flowpbx/astmrf/internal/mrf"
	"github.com/flowpbx/astmrf/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MediaServerDirectory looks up connected media servers.
type MediaServerDirectory interface {
	MediaServers() []*mrf.MediaServer
	MediaServer(id string) *mrf.MediaServer
}

// JournalReader reads the endpoint journal.
type JournalReader interface {
	List(ctx context.Context, filter database.EndpointEventFilter) ([]models.EndpointEvent, error)
	Count(ctx context.Context, filter database.EndpointEventFilter) (int64, error)
}

// Options configures the operator API.
type Options struct {
	Logger       *slog.Logger
	MediaServers MediaServerDirectory
	// Journal may be nil, in which case /journal answers 503.
	Journal JournalReader
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Credentials enable bearer token authentication when a password hash
	// is set. Tokens must then be non-nil.
	Credentials auth.Credentials
	Tokens      *auth.Tokens
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	logger  *slog.Logger
	servers MediaServerDirectory
	journal JournalReader
	metrics http.Handler
	creds   auth.Credentials
	tokens  *auth.Tokens

	apiLimiter   *ratelimit.Keyed
	tokenLimiter *ratelimit.Keyed
	logins       *ratelimit.Lockout
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:       chi.NewRouter(),
		logger:       logger,
		servers:      opts.MediaServers,
		journal:      opts.Journal,
		metrics:      opts.Metrics,
		creds:        opts.Credentials,
		tokens:       opts.Tokens,
		apiLimiter:   ratelimit.New("api", middleware.DefaultRateLimitConfig()),
		tokenLimiter: ratelimit.New("api-token", middleware.TokenRateLimitConfig()),
		logins:       ratelimit.NewLockout("api-login", ratelimit.DefaultLockoutConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the background rate limiter cleanup.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.tokenLimiter.Stop()
	s.logins.Stop()
}

// authEnabled reports whether the operator routes require a bearer token.
func (s *Server) authEnabled() bool {
	return s.creds.Enabled() && s.tokens != nil
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger, "/api/v1/health", "/metrics"))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.With(middleware.RateLimit(s.tokenLimiter)).Post("/auth/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.apiLimiter))
			if s.authEnabled() {
				r.Use(middleware.RequireOperator(s.tokens))
			}

			r.Route("/mediaservers", func(r chi.Router) {
				r.Get("/", s.handleListMediaServers)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetMediaServer)
					r.Get("/endpoints", s.handleListEndpoints)
					r.Route("/endpoints/{channelID}", func(r chi.Router) {
						r.Get("/", s.handleGetEndpoint)
						r.Delete("/", s.handleDestroyEndpoint)
						r.Put("/conference", s.handleSetConference)
						r.Delete("/conference", s.handleLeaveConference)
					})
				})
			})

			r.Get("/journal", s.handleListJournal)

			r.Get("/auth/lockouts", s.handleListLockouts)
			r.Delete("/auth/lockouts/{key}", s.handleUnblock)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted", "auth", s.authEnabled(), "metrics", s.metrics != nil)
}
