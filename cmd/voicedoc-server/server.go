package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinicdoc/voicedoc/internal/config"
	"github.com/clinicdoc/voicedoc/internal/domain/terminology"
	"github.com/clinicdoc/voicedoc/internal/domain/voice"
	"github.com/clinicdoc/voicedoc/internal/platform/auth"
	"github.com/clinicdoc/voicedoc/internal/platform/db"
	"github.com/clinicdoc/voicedoc/internal/platform/hipaa"
	"github.com/clinicdoc/voicedoc/internal/platform/middleware"
	"github.com/clinicdoc/voicedoc/internal/platform/telemetry"
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			Release:     "voicedoc@" + version,
		}); err != nil {
			logger.Warn().Err(err).Msg("sentry init failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, "voicedoc", version, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info().Str("store", cfg.StoreDriver).Str("stt", cfg.STTDefaultProvider).
		Str("codes", cfg.CodeLookupBackend).Msg("voice pipeline ready")

	if n, err := a.mgr.Recover(ctx); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	} else if n > 0 {
		logger.Warn().Int("sessions", n).Msg("interrupted sessions left open by a previous run")
	}
	a.mgr.StartSweeper()

	e := newEcho(cfg, a, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := a.mgr.Close(sctx); err != nil {
		logger.Error().Err(err).Msg("finalizing open sessions failed")
	}
	if a.notifier != nil {
		if err := a.notifier.Close(sctx); err != nil {
			logger.Error().Err(err).Msg("pending webhook deliveries abandoned")
		}
	}
	if err := shutdownTracing(sctx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the HTTP surface: public health and metrics routes, and
// the authenticated /api/v1 group.
func newEcho(cfg *config.Config, a *app, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Base64 inflates a JSON chunk by a third.
	chunkLimit := strconv.Itoa(cfg.MaxChunkBytes*4/3 + 1024)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, a.metrics))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Clinic-ID", voice.HeaderChunkSequence, voice.HeaderChunkDuration},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, chunkLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(a.store.pinger()))
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth: identity is taken from request headers")
		apiV1.Use(auth.DevAuthMiddleware(cfg.DefaultClinic))
	} else {
		var secret []byte
		if cfg.AuthJWTSecret != "" {
			secret = []byte(cfg.AuthJWTSecret)
		}
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:        cfg.AuthIssuer,
			Audience:      cfg.AuthAudience,
			JWKSURL:       cfg.AuthJWKSURL,
			SigningKey:    secret,
			DefaultClinic: cfg.DefaultClinic,
			Skipper:       auth.AuthSkipper,
		}))
	}
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rl))

	voice.NewHandler(a.mgr, hipaa.NewAccessLogger(a.repo, logger), a.hub).RegisterRoutes(apiV1)
	terminology.NewHandler(a.terms).RegisterRoutes(apiV1)
	if a.notifier != nil {
		a.notifier.RegisterRoutes(apiV1)
	}
	return e
}
