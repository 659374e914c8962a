package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/xiaot623/dataagent/internal/adapter/graphclient"
	"github.com/xiaot623/dataagent/internal/config"
	"github.com/xiaot623/dataagent/internal/logging"
	"github.com/xiaot623/dataagent/internal/policy"
	"github.com/xiaot623/dataagent/internal/repository"
	"github.com/xiaot623/dataagent/internal/service"
	"github.com/xiaot623/dataagent/internal/stream"
	"github.com/xiaot623/dataagent/internal/tracing"
	handler "github.com/xiaot623/dataagent/internal/transport/http"
	"github.com/xiaot623/dataagent/internal/transport/ws"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()

	logger.Info().
		Str("version", cfg.Service.Version).
		Int("port", cfg.HTTP.Port).
		Str("agent_url", cfg.Agent.BaseURL).
		Str("database", cfg.Database.URL).
		Msg("Starting relay")

	streamOpts := []stream.Option{stream.WithMaxDecodeErrors(cfg.Agent.DecodeErrorLimit)}
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(cfg.Service.Name, cfg.Service.Version, os.Stdout)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
		streamOpts = append(streamOpts, stream.WithTracer(otel.Tracer(cfg.Service.Name)))
	}

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize store")
	}
	defer db.Close()

	// Initialize policy engine
	policySource := policy.DefaultPolicy
	if cfg.Policy.File != "" {
		data, err := os.ReadFile(cfg.Policy.File)
		if err != nil {
			logger.Fatal().Err(err).Str("file", cfg.Policy.File).Msg("Failed to read policy")
		}
		policySource = string(data)
	}
	policyEngine, err := policy.NewEngine(context.Background(), policySource)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize policy engine")
	}

	// Initialize agent client and service
	agentClient := graphclient.NewClient(cfg.Agent.BaseURL)
	svc := service.New(db, agentClient, policyEngine, logger, streamOpts...)

	wsServer := ws.NewServer(cfg.WS, svc, logger)
	e := handler.NewServer(svc, wsServer, cfg.Service.Version, logger)

	go func() {
		if err := e.Start(cfg.Addr()); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	logger.Info().Str("addr", cfg.Addr()).Msg("Relay started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down relay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Cancel runs first so streaming handlers can return, then drain HTTP.
	wsServer.Close()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Active runs did not finish in time")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to shutdown server gracefully")
	}

	logger.Info().Msg("Relay stopped")
}
