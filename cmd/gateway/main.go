package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/teamboard/gateway/internal/accesslog"
	"github.com/teamboard/gateway/internal/authclient"
	"github.com/teamboard/gateway/internal/config"
	"github.com/teamboard/gateway/internal/proxy"
	"github.com/teamboard/gateway/internal/ratelimit"
	"github.com/teamboard/gateway/internal/server"
	"github.com/teamboard/gateway/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("teamboard-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	configPath := os.Getenv("GATEWAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build rate limit store: %v", err)
	}
	defer closeStore()

	limiter := ratelimit.NewLimiter(store, ratelimit.WithLogger(logger))

	verifier := authclient.New(cfg.AuthService.URL,
		authclient.WithTimeout(cfg.AuthService.VerifyTimeout),
	)

	table, err := server.NewRouteTable(cfg.Routes)
	if err != nil {
		log.Fatalf("Failed to build route table: %v", err)
	}

	deps := server.Deps{
		Logger:  logger,
		Table:   table,
		Limiter: limiter,
		GlobalLimit: ratelimit.Policy{
			Window:  cfg.GlobalLimit.Window,
			Max:     cfg.GlobalLimit.Max,
			Message: cfg.GlobalLimit.Message,
		},
		Verifier:  verifier,
		Forwarder: proxy.NewForwarder(30 * time.Second),
	}

	if cfg.AccessLog.Enabled {
		store, err := accesslog.New(cfg.AccessLog.Path)
		if err != nil {
			log.Fatalf("Failed to open access log: %v", err)
		}
		defer store.Close()
		deps.AccessLog = store
	}

	srv := server.New(cfg.Server.Port, deps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("gateway shutdown complete")
}

// buildStore selects the counter store backend. Memory is the default;
// Redis shares counters across gateway instances.
func buildStore(cfg *config.Config, logger *slog.Logger) (ratelimit.Store, func(), error) {
	switch cfg.RateLimit.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		logger.Info("using redis rate limit store", slog.String("addr", cfg.RateLimit.Redis.Addr))
		return ratelimit.NewRedisStore(client, cfg.RateLimit.Redis.Prefix), func() { _ = client.Close() }, nil
	default:
		store := ratelimit.NewMemoryStore(cfg.RateLimit.SweepInterval)
		return store, func() { _ = store.Close() }, nil
	}
}
