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

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-vinreport/instrumentation"
	"github.com/giantswarm/mcp-vinreport/oauth"
	"github.com/giantswarm/mcp-vinreport/report"
	"github.com/giantswarm/mcp-vinreport/security"
	"github.com/giantswarm/mcp-vinreport/session"
	"github.com/giantswarm/mcp-vinreport/storage/memory"
	"github.com/giantswarm/mcp-vinreport/sweep"
)

var (
	serveAddr        string
	serveIssuer      string
	serveDecoderURL  string
	serveRate        int
	serveBurst       int
	serveTrustProxy  bool
	serveProxyCount  int
	serveMaxClients  int
	serveMaxSessions int
	serveDebug       bool
	serveOtel        bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the VIN-report service",
	Long: `Starts the HTTP server hosting the OAuth endpoints, the discovery
metadata documents, and the /mcp session endpoint.

The process holds all authorization and session state in memory. On SIGINT
or SIGTERM it stops accepting requests, drains in-flight handlers, and exits;
clients reconnect and re-authenticate against the fresh process.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveIssuer, "issuer", "http://localhost:8080", "Public base URL of this service")
	serveCmd.Flags().StringVar(&serveDecoderURL, "decoder-url", "https://vpic.nhtsa.dot.gov/api", "VIN decoder API base URL")
	serveCmd.Flags().IntVar(&serveRate, "rate", 10, "Admission gate requests per second per IP (0 disables)")
	serveCmd.Flags().IntVar(&serveBurst, "burst", 20, "Admission gate burst per IP")
	serveCmd.Flags().BoolVar(&serveTrustProxy, "trust-proxy", false, "Trust X-Forwarded-For and X-Real-IP headers")
	serveCmd.Flags().IntVar(&serveProxyCount, "trusted-proxy-count", 1, "Number of trusted proxy hops")
	serveCmd.Flags().IntVar(&serveMaxClients, "max-clients", memory.DefaultMaxClients, "Client registry capacity")
	serveCmd.Flags().IntVar(&serveMaxSessions, "max-sessions", session.DefaultMaxSessions, "Concurrent session capacity")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveOtel, "otel", false, "Enable OpenTelemetry instrumentation")
}

func runServe(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "mcp-vinreport",
		ServiceVersion: version,
		Enabled:        serveOtel,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	store := memory.NewWithCapacity(serveMaxClients)
	store.SetLogger(logger)
	store.SetInstrumentation(inst)

	auditor := security.NewAuditor(logger, true)

	oauthServer, err := oauth.NewServer(store, store, store, store, &oauth.Config{
		Issuer: serveIssuer,
		RateLimit: oauth.RateLimitConfig{
			Rate:              serveRate,
			Burst:             serveBurst,
			TrustProxy:        serveTrustProxy,
			TrustedProxyCount: serveProxyCount,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build authorization server: %w", err)
	}
	oauthServer.SetAuditor(auditor)
	oauthServer.SetMetrics(inst.Metrics())

	gate := security.NewGate(serveRate, serveBurst, logger)
	defer gate.Stop()

	oauthHandler := oauth.NewHandler(oauthServer, logger)
	oauthHandler.SetGate(gate)
	oauthHandler.SetInstrumentation(inst)

	producer := report.NewHTTPProducer(serveDecoderURL, nil, logger)
	cache := report.NewCache(producer, report.DefaultCacheTTL, logger)
	cache.SetInstrumentation(inst)

	broker := session.NewBrokerWithConfig(
		report.NewSessionServerFactory(cache, version, logger),
		serveMaxSessions,
		session.DefaultIdleTTL,
		logger,
	)
	broker.SetAuditor(auditor)
	broker.SetInstrumentation(inst)

	sessionHandler := session.NewHandler(broker, oauthServer, session.HandlerConfig{
		Issuer:              oauthServer.Config().Issuer,
		ResourceMetadataURL: oauthHandler.ResourceMetadataURL(),
		TrustProxy:          serveTrustProxy,
		TrustedProxyCount:   serveProxyCount,
	}, logger)
	sessionHandler.SetInstrumentation(inst)

	sweeper := sweep.New(logger)
	sweeper.SetInstrumentation(inst)
	sweeper.Register(sweep.DefaultOAuthInterval, store)
	sweeper.Register(sweep.DefaultSessionInterval, broker, cache)
	sweeper.Start()
	defer sweeper.Stop()

	mux := http.NewServeMux()
	oauthHandler.RegisterRoutes(mux)
	sessionHandler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              serveAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving", "addr", serveAddr, "issuer", oauthServer.Config().Issuer)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	broker.CloseAll(shutdownCtx)
	if err := inst.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Instrumentation shutdown incomplete", "error", err)
	}

	return nil
}
