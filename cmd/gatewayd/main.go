package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dotimplement/healthchain-gateway/internal/config"
	"github.com/dotimplement/healthchain-gateway/internal/gateway/cdshooks"
	"github.com/dotimplement/healthchain-gateway/internal/gateway/fhirgw"
	"github.com/dotimplement/healthchain-gateway/internal/gateway/notereader"
	"github.com/dotimplement/healthchain-gateway/internal/interop"
	"github.com/dotimplement/healthchain-gateway/internal/platform/bus"
	"github.com/dotimplement/healthchain-gateway/internal/platform/fhirclient"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gatewayhost"
	"github.com/dotimplement/healthchain-gateway/internal/platform/middleware"
	"github.com/dotimplement/healthchain-gateway/internal/platform/telemetry"
	"github.com/dotimplement/healthchain-gateway/internal/platform/txscope"
)

// version is stamped at build time via -ldflags; it defaults to "dev" for
// local builds.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "Healthcare integration gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	logger = logger.Level(parseLevel(cfg.LogLevel))

	dispatcher := bus.New(logger)

	poolCfg := fhirclient.DefaultConfig()
	poolCfg.MaxConnections = cfg.PoolMaxConnections
	poolCfg.MaxKeepaliveConnections = cfg.PoolMaxKeepaliveConnections
	poolCfg.KeepaliveExpiry = time.Duration(cfg.PoolKeepaliveExpirySeconds) * time.Second
	poolCfg.AcquireTimeout = time.Duration(cfg.PoolAcquireTimeoutSeconds) * time.Second
	poolCfg.RequestTimeout = cfg.RequestTimeout

	pool := fhirclient.New(poolCfg, dispatcher)
	for _, name := range cfg.Sources {
		connStr, err := config.ResolveSource(name)
		if err != nil {
			logger.Fatal().Err(err).Str("source", name).Msg("failed to resolve source from environment")
		}
		if err := pool.AddSource(name, connStr); err != nil {
			logger.Fatal().Err(err).Str("source", name).Msg("failed to register source")
		}
		logger.Info().Str("source", name).Msg("registered FHIR source")
	}

	scopes := txscope.New(pool, dispatcher)
	engine := interop.NewStubEngine()

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	noteGateway := notereader.New(dispatcher)
	noteGateway.Method("ProcessDocument", processDocumentHandler(engine, scopes))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Audit(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "SOAPAction"},
	}))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimitDefault, cfg.BodyLimitLarge))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	clientLimiter := middleware.NewClientRateLimiter()
	go clientLimiter.StartCleanup(bgCtx, 10*time.Minute)

	telemetryProvider := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "healthchain-gateway",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	defer telemetryProvider.Shutdown(context.Background())
	e.Use(telemetryProvider.TracingMiddleware())
	e.Use(telemetryProvider.MetricsMiddleware())
	e.GET("/metrics", telemetryProvider.PrometheusHandler())

	go samplePoolGauges(bgCtx, pool, telemetryProvider.HealthMetrics(), 15*time.Second)

	shutdownGrace := time.Duration(cfg.ShutdownGraceSeconds) * time.Second
	host := gatewayhost.New(e, pool, dispatcher, logger, shutdownGrace, version)

	baseURL := fmt.Sprintf("http://localhost:%s/fhir", cfg.Port)
	fhirCache := middleware.DefaultCacheConfig()
	if err := host.RegisterGateway(fhirgw.New(pool, baseURL), "/fhir",
		middleware.ClientRateLimitMiddleware(clientLimiter),
		middleware.ETagMiddleware(fhirCache),
	); err != nil {
		logger.Fatal().Err(err).Msg("failed to register FHIR gateway")
	}
	if err := host.RegisterGateway(cdshooks.New(dispatcher), ""); err != nil {
		logger.Fatal().Err(err).Msg("failed to register CDS Hooks gateway")
	}
	if err := host.RegisterGateway(noteGateway, "/notereader"); err != nil {
		logger.Fatal().Err(err).Msg("failed to register NoteReader gateway")
	}
	host.RegisterService("rate-limit-admin", "/admin", middleware.NewRateLimitHandler(clientLimiter).RegisterRoutes)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting gateway host")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gateway host")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := host.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("gateway host shutdown failed")
	}
	logger.Info().Msg("gateway host stopped")
	return nil
}

// processDocumentHandler wires the NoteReader SOAP surface to the CDA/FHIR
// translation engine and the resource transaction context: a ProcessDocument
// call parses the inbound CDA, converts it to FHIR, and commits the result
// into a DocumentReference resource (keyed by WorkType) under lock so two
// notes for the same work item can never interleave their writes. The
// parsed document is then rendered back to CDA and echoed in the response,
// mirroring what a real NoteReader consumer expects to get back.
func processDocumentHandler(engine interop.Engine, scopes *txscope.Manager) notereader.MethodFunc {
	return func(ctx context.Context, req notereader.CdaRequest) (notereader.CdaResponse, error) {
		doc, err := engine.ParseCDA(ctx, []byte(req.Document))
		if err != nil {
			return notereader.CdaResponse{}, err
		}

		bundle, err := engine.ToFHIR(ctx, doc)
		if err != nil {
			return notereader.CdaResponse{}, err
		}
		bundleJSON, err := json.Marshal(bundle)
		if err != nil {
			return notereader.CdaResponse{}, err
		}

		_, err = scopes.Modify(ctx, "DocumentReference", req.WorkType, "", func(json.RawMessage) (json.RawMessage, error) {
			return bundleJSON, nil
		})
		if err != nil {
			return notereader.CdaResponse{}, err
		}

		rendered, err := engine.RenderCDA(ctx, doc)
		if err != nil {
			return notereader.CdaResponse{}, err
		}
		return notereader.CdaResponse{Document: string(rendered)}, nil
	}
}

// samplePoolGauges periodically snapshots the FHIR client pool's utilization
// into the telemetry gauges exposed at /metrics, until ctx is cancelled.
func samplePoolGauges(ctx context.Context, pool *fhirclient.Pool, hm *telemetry.HealthMetricsRecorder, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := pool.GetPoolStatus()
			hm.SetFHIRPoolInUse(int64(status.InUse))
			hm.SetFHIRPoolCapacity(int64(status.TotalConnections))
			hm.SetSourcesRegistered(int64(len(status.Sources)))
		}
	}
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
