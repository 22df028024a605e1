package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/astmrf/internal/api"
	"github.com/flowpbx/astmrf/internal/auth"
	"github.com/flowpbx/astmrf/internal/config"
	"github.com/flowpbx/astmrf/internal/database"
	"github.com/flowpbx/astmrf/internal/metrics"
	"github.com/flowpbx/astmrf/internal/mrf"
	"github.com/flowpbx/astmrf/internal/ratelimit"
	sipserver "github.com/flowpbx/astmrf/internal/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("astmrf exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	slog.Info("starting astmrf",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"ari_address", cfg.ARIAddress,
		"data_dir", cfg.DataDir,
	)

	db, err := database.OpenJournal(cfg.DataDir, cfg.JournalDSN)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer db.Close()
	journal := database.NewEndpointEventRepository(db)
	slog.Info("endpoint journal ready", "dialect", db.Dialect())

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sipSrv, err := sipserver.NewServer(sipserver.Config{
		ListenPort: cfg.SIPPort,
		Host:       cfg.SIPHost(),
		TraceLevel: cfg.TraceLevel(),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating sip server: %w", err)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip server: %w", err)
	}
	defer sipSrv.Stop()

	m, err := mrf.New(mrf.NewSIPSignaling(sipSrv),
		mrf.WithLogger(logger.With("component", "mrf")),
		mrf.WithJournal(journal),
		mrf.WithAllocationTimeout(cfg.AllocationTimeout),
	)
	if err != nil {
		return fmt.Errorf("creating mrf: %w", err)
	}
	defer func() {
		if err := m.Disconnect(); err != nil {
			slog.Error("failed to disconnect media servers", "error", err)
		}
	}()

	connectCtx, connectCancel := context.WithTimeout(appCtx, 15*time.Second)
	ms, err := m.Connect(connectCtx, cfg.ConnectOptions())
	connectCancel()
	if err != nil {
		return fmt.Errorf("connecting to media server: %w", err)
	}
	slog.Info("media server connected",
		"mediaserver", ms.ID(),
		"sip_address", ms.SIPAddress(),
		"local_addresses", m.LocalAddresses(),
	)

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(m, sipSrv.Dialogs(), journal, startTime),
	)
	results := metrics.NewInboundCalls(reg)

	// Inbound calls.
	callLimiter := ratelimit.New("sip-invite", ratelimit.Config{
		Rate:            rate.Limit(cfg.CallRate),
		Burst:           cfg.CallBurst,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	})
	defer callLimiter.Stop()

	inbound := &inboundCalls{
		ctx:       appCtx,
		servers:   m,
		responder: sipSrv,
		pending:   sipSrv.Pending(),
		limiter:   callLimiter,
		results:   results,
		logger:    logger.With("component", "inbound"),
	}
	sipSrv.OnInvite(inbound.handle)

	if cfg.JournalRetention > 0 {
		go pruneJournal(appCtx, journal, cfg.JournalRetention)
	}

	// Operator API.
	tokens, err := auth.NewTokens(cfg.APISecretBytes(), cfg.APITokenTTL)
	if err != nil {
		return fmt.Errorf("creating token issuer: %w", err)
	}
	creds := cfg.Credentials()
	if !creds.Enabled() {
		slog.Warn("operator api authentication disabled, set api-password-hash to enable it")
	} else if cfg.APISecret == "" {
		slog.Warn("no api-secret configured, tokens will not survive a restart")
	}

	handler := api.NewServer(api.Options{
		Logger:       logger.With("component", "api"),
		MediaServers: m,
		Journal:      journal,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Credentials:  creds,
		Tokens:       tokens,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down", "endpoints", ms.EndpointCount())
	sipSrv.OnInvite(nil)
	appCancel()
	inbound.wait()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("astmrf stopped")
	return runErr
}

// pruneJournal deletes journal rows older than retention once an hour.
func pruneJournal(ctx context.Context, journal database.EndpointEventRepository, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := journal.DeleteBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			slog.Error("failed to prune endpoint journal", "error", err)
		} else if n > 0 {
			slog.Info("pruned endpoint journal", "deleted", n, "retention", retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
