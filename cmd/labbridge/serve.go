package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/labbridge/internal/config"
	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/domain/labinterface"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/clinic"
	"github.com/ehr/labbridge/internal/platform/db"
	"github.com/ehr/labbridge/internal/platform/events"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
	"github.com/ehr/labbridge/internal/platform/middleware"
	"github.com/ehr/labbridge/internal/platform/telemetry"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the MLLP listener and the retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, runServer)
		},
	}
}

// newEcho builds the HTTP server with the global middleware chain, the
// liveness route and /metrics. Domain routes are added by the caller.
func newEcho(ctx context.Context, cfg *config.Config, tp *telemetry.Provider, logger zerolog.Logger) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = echo.ExtractIPDirect()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.WebhookBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	authMW, err := operatorAuth(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	e.Use(authMW)

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		Skipper:           auth.AuthSkipper,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
		rateLimitCfg.Skipper = auth.AuthSkipper
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", tp.Handler())
	return e, nil
}

// operatorAuth picks how operator requests are authenticated. Development
// without an issuer or key runs with a fixed admin identity.
func operatorAuth(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (echo.MiddlewareFunc, error) {
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("operator authentication disabled in development")
		return auth.DevAuthMiddleware(), nil
	}
	v, err := auth.NewVerifier(ctx, auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("operator auth: %w", err)
	}
	return v.Middleware(), nil
}

func mllpTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.MLLPTLSCertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.MLLPTLSCertFile, cfg.MLLPTLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load mllp certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func runServer(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	logger.Info().Str("env", cfg.Env).Msg("connected to database")

	tp := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "labbridge",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	a.messages.SetObserver(tp)
	tp.RegisterGauge("db_pool_acquired_connections", "Database connections currently in use.",
		func() int64 { return int64(a.pool.Stat().AcquiredConns()) })
	tp.RegisterGauge("db_pool_idle_connections", "Idle database connections.",
		func() int64 { return int64(a.pool.Stat().IdleConns()) })

	clinicClient, err := clinic.NewClient(clinic.Config{
		BaseURL: cfg.ClinicAPIURL,
		Token:   cfg.ClinicAPIToken,
	}, logger)
	if err != nil {
		return err
	}

	var notifier lab.Notifier = lab.NopNotifier{}
	if cfg.NATSURL != "" {
		pub, err := events.Connect(ctx, events.Config{URL: cfg.NATSURL, Prefix: cfg.NATSSubjectPrefix}, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		pub.SetObserver(tp.ObserveEvent)
		notifier = pub
	} else {
		logger.Warn().Msg("NATS_URL not set; lab events are not published")
	}

	pipeline := labinterface.NewPipeline(a.integrations, a.messages, clinicClient, clinicClient, notifier, logger)
	outbound := labinterface.NewOutbound(a.integrations, a.messages,
		labinterface.MLLPSenders(cfg.MLLPConnectTimeout(), cfg.MLLPResponseTimeout(), logger), logger)

	e, err := newEcho(ctx, cfg, tp, logger)
	if err != nil {
		return err
	}
	e.GET("/health/db", db.HealthHandler(a.pool))

	apiV1 := e.Group("/api/v1")
	labHandler := labinterface.NewHandler(pipeline, outbound)
	labHandler.RegisterWebhooks(apiV1)
	labHandler.RegisterRoutes(apiV1)
	integration.NewHandler(a.integrations).RegisterRoutes(apiV1)
	messagelog.NewHandler(a.messages).RegisterRoutes(apiV1)
	hl7v2.NewHandler().RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleLabManager, auth.RoleLabTech)))

	tlsCfg, err := mllpTLS(cfg)
	if err != nil {
		return err
	}
	mllpOpts := []hl7v2.ServerOption{hl7v2.WithServerLogger(logger)}
	if tlsCfg != nil {
		mllpOpts = append(mllpOpts, hl7v2.WithTLS(tlsCfg))
	}
	mllpServer := hl7v2.NewServer(cfg.MLLPListenAddr,
		labinterface.NewMLLPListener(pipeline, a.integrations, logger), mllpOpts...)
	tp.RegisterGauge("lab_mllp_open_connections", "Open inbound MLLP connections.",
		func() int64 { return int64(mllpServer.OpenConnections()) })

	sweeper := messagelog.NewRetentionSweeper(a.messages, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting http server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down http server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})
	g.Go(func() error {
		return mllpServer.Serve(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx, cfg.RetentionInterval)
	})

	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
