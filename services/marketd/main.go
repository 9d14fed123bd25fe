package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sharemarket/core"
	"sharemarket/core/events"
	"sharemarket/core/genesis"
	"sharemarket/core/state"
	"sharemarket/observability"
	"sharemarket/observability/logging"
	telemetry "sharemarket/observability/otel"
	"sharemarket/services/marketd/config"
	"sharemarket/services/marketd/server"
	"sharemarket/services/marketd/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/marketd/config.yaml", "path to marketd configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("marketd: load config: %v", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("SHAREMARKET_ENV"))
	}
	logger := logging.SetupWithOptions("marketd", env, logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})

	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	headers := cfg.Telemetry.Headers
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: env,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("marketd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	spec, err := genesis.LoadGenesisSpec(cfg.GenesisPath)
	if err != nil {
		log.Fatalf("marketd: load genesis: %v", err)
	}
	market, err := core.New(spec, state.WithClock(time.Now), state.WithAutoMine())
	if err != nil {
		log.Fatalf("marketd: build marketplace: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("marketd: resolve storage DSN: %v", err)
	}
	journal, err := storage.Open(dsn, market.Host)
	if err != nil {
		log.Fatalf("marketd: open event journal: %v", err)
	}
	defer journal.Close()

	hub := server.NewHub(cfg.Stream.Buffer)
	market.Host.SetEmitter(events.Multi{journal, hub, observability.EventCounter{}})

	auth, err := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	})
	if err != nil {
		log.Fatalf("marketd: configure auth: %v", err)
	}
	limiter := server.NewRateLimiter(server.RateLimit{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})

	srv, err := server.New(server.Config{
		ListenAddress:      cfg.ListenAddress,
		ShutdownTimeout:    cfg.ShutdownTimeout.Duration,
		StreamOrigins:      cfg.Stream.Origins,
		StreamWriteTimeout: cfg.Stream.WriteTimeout.Duration,
	}, market, journal, hub, auth, limiter)
	if err != nil {
		log.Fatalf("marketd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("marketd: marketplace ready",
		"release_count", len(spec.Releases),
		"adapters", market.Aggregator.Adapters(),
		"block", market.Host.BlockNumber())
	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("marketd: http server error", "error", err)
		os.Exit(1)
	}
}
