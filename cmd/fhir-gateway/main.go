package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/google/fhir-gateway-sub000/internal/access"
	"github.com/google/fhir-gateway-sub000/internal/config"
	"github.com/google/fhir-gateway-sub000/internal/platform/auth"
	"github.com/google/fhir-gateway-sub000/internal/platform/middleware"
	"github.com/google/fhir-gateway-sub000/internal/proxy"
	"github.com/google/fhir-gateway-sub000/internal/upstream"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-gateway",
		Short: "Authorizing proxy for FHIR stores",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(checkersCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func checkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkers",
		Short: "List the registered access checkers",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range access.RegisteredNames() {
				cmd.Println(name)
			}
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.IsDev() {
		logger.Warn().Msg("============================================================")
		logger.Warn().Msg("Gateway is running in DEVELOPMENT mode (RUN_MODE=DEV).")
		logger.Warn().Msg("Issuer checking is relaxed; tokens from any reachable")
		logger.Warn().Msg("issuer are accepted. Do NOT use this in production.")
		logger.Warn().Msg("============================================================")
	}

	// Token verifier. A failed issuer fetch aborts startup so a
	// misconfigured gateway never serves traffic unauthenticated.
	var verifierOpts []auth.VerifierOption
	if cfg.IsDev() {
		verifierOpts = append(verifierOpts, auth.WithRelaxedIssuer())
	}
	verifier, err := auth.NewTokenVerifier(cfg.TokenIssuer, cfg.WellKnownEndpoint, logger, verifierOpts...)
	if err != nil {
		logger.Fatal().Err(err).Str("issuer", cfg.TokenIssuer).Msg("failed to reach the token issuer")
	}
	logger.Info().Str("issuer", cfg.TokenIssuer).Msg("token issuer key loaded")

	// Upstream client
	var client upstream.Client
	switch cfg.BackendType {
	case config.BackendGCP:
		client, err = upstream.NewGCPClient(context.Background(), cfg.ProxyTo, cfg.UpstreamTimeout, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize GCP credentials")
		}
	default:
		client = upstream.NewHTTPClient(cfg.ProxyTo, cfg.UpstreamTimeout, logger)
	}
	logger.Info().Str("store", cfg.ProxyTo).Str("backend", cfg.BackendType).Msg("fronting FHIR store")

	// Access checker
	factory, err := access.Lookup(cfg.AccessChecker)
	if err != nil {
		logger.Fatal().Err(err).Msg("unknown access checker")
	}
	logger.Info().Str("checker", cfg.AccessChecker).Msg("access checker selected")

	var allowedQueries *access.AllowedQueriesConfig
	if cfg.AllowedQueriesFile != "" {
		allowedQueries, err = access.LoadAllowedQueries(cfg.AllowedQueriesFile)
		if err != nil {
			logger.Fatal().Err(err).Str("file", cfg.AllowedQueriesFile).Msg("failed to load allowed queries")
		}
		logger.Info().Int("entries", len(allowedQueries.Entries)).Msg("allowed queries loaded")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.UpstreamTimeout + 5*time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	proxy.NewGateway(client, verifier, factory, allowedQueries, logger).Register(e)

	// Serve until interrupted, then drain in-flight requests.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("gateway listening")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
