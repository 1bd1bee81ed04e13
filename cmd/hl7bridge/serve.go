package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/hl7bridge/internal/api"
	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/platform/auth"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/internal/platform/journal"
	"github.com/ehr/hl7bridge/internal/platform/middleware"
	"github.com/ehr/hl7bridge/internal/platform/telemetry"
)

// purgeInterval is how often expired idempotent responses are deleted from
// a SQL journal.
const purgeInterval = time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and, when MLLP_ADDR is set, the MLLP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Journal
	store, err := journal.Open(ctx, journalOptions(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open conversion journal")
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.JournalDriver).Msg("conversion journal ready")
	if sqlStore, ok := store.(journal.SQLStore); ok {
		go purgeLoop(ctx, sqlStore, logger)
	}

	// Engines
	engine, batchEngine, err := newEngines(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build conversion engine")
	}
	metrics := telemetry.New()
	svc := api.NewService(engine, batchEngine, store, logger).WithMetrics(metrics)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BatchBodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.TransactionIDHeader, middleware.RequestIDHeader, journal.ReplayedHeader},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled: every request is granted all scopes")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Routes
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	handler := api.NewHandler(svc, cfg.BatchMaxItems)
	handler.RegisterHealth(e)
	e.GET("/metrics", metrics.Handler())
	handler.RegisterRoutes(apiV1, journal.IdempotencyMiddleware(store, logger))

	// HL7v2 MLLP TCP listener (optional, started when MLLP_ADDR is set)
	if cfg.MLLPAddr != "" {
		mllpServer := hl7v2.NewMLLPServer(cfg.MLLPAddr, svc.MLLPHandler(ctx), logger,
			hl7v2.WithMaxConnections(cfg.MLLPMaxConnections))
		if err := mllpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("MLLP server failed")
		}
		defer mllpServer.Stop()
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// purgeLoop deletes expired idempotent responses until ctx is done.
func purgeLoop(ctx context.Context, store journal.SQLStore, logger zerolog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("purge of expired idempotent responses failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("purged", n).Msg("expired idempotent responses purged")
			}
		}
	}
}
