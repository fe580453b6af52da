package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/courtside/relay/internal/backplane"
	"github.com/courtside/relay/internal/domain"
	"github.com/courtside/relay/internal/fanout"
	"github.com/courtside/relay/internal/gate"
	"github.com/courtside/relay/internal/identity"
	"github.com/courtside/relay/internal/latency"
	"github.com/courtside/relay/internal/platform/config"
	"github.com/courtside/relay/internal/platform/logging"
	"github.com/courtside/relay/internal/postgres"
	"github.com/courtside/relay/internal/redis"
	"github.com/courtside/relay/internal/registry"
	"github.com/courtside/relay/internal/server"
	"github.com/courtside/relay/internal/service"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config) *redis.Client {
	client, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupVerifier(cfg *config.Config) domain.IdentityVerifier {
	if cfg.AuthVerifyURL != "" {
		return identity.NewHTTPVerifier(cfg.AuthVerifyURL)
	}
	slog.Warn("AUTH_VERIFY_URL not set, accepting any non-empty credential")
	return identity.InsecureVerifier{}
}

func runGracefulShutdown(srv *server.Server, svc *service.Service, cancelBackground context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		svc.Shutdown(shutdownCtx)
		cancelBackground()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "instance_id", cfg.InstanceID)

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	var connStore domain.ConnectionStore = postgres.NoopConnectionStore{}
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool = setupDB(cfg)
		defer pool.Close()
		connStore = postgres.NewConnectionStore(pool)
	} else {
		slog.Warn("DATABASE_URL not set, connection history disabled")
	}

	verifier := setupVerifier(cfg)
	counter := redis.NewSlidingWindowCounter(redisClient, clock)
	gatekeeper := gate.New(verifier, counter, clock, cfg.RateLimitMaxAttempts, cfg.RateLimitWindow)

	reg := registry.New()
	tracker := latency.NewTracker(latency.DefaultCapacity, reg, clock)
	reliable := redis.NewReliableStore(redisClient)

	// The fanout and backplane both need the service, which needs them
	// back. Late-bind through a pointer assigned after service.New.
	var svc *service.Service

	onSlowClient := func(id uuid.UUID) {
		if svc != nil {
			svc.Disconnect(id, "send buffer overflow")
		}
	}
	fo := fanout.New(reg, tracker, reliable, clock, cfg.CompressThreshold, onSlowClient)

	onRemote := func(msg domain.Message) {
		if svc != nil {
			svc.SubmitRemote(msg)
		}
	}
	bp := backplane.New(redisClient.Underlying(), backplane.DefaultChannel, cfg.InstanceID, onRemote)

	svc = service.New(service.Config{
		Gatekeeper:    gatekeeper,
		Registry:      reg,
		Fanout:        fo,
		Backplane:     bp,
		Tracker:       tracker,
		ConnStore:     connStore,
		Reliable:      reliable,
		Clock:         clock,
		InstanceID:    cfg.InstanceID,
		TickInterval:  cfg.DispatchTick,
		QueueCapacity: cfg.QueueCapacity,
	})

	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	go bp.Run(backgroundCtx)
	go tracker.Run(backgroundCtx, redis.NewMetricsSink(redisClient, cfg.InstanceID), cfg.MetricsCollectInterval, cfg.MetricsReportInterval)

	checks := map[string]server.HealthChecker{
		"redis": redisClient.Ping,
	}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}

	limits := server.NewConnectionLimits(
		int64(cfg.MaxWebSocketConnections),
		cfg.MaxConnectionsPerIP,
		cfg.ConnectionsPerSecond,
		cfg.ConnectionBurst,
	)
	srv := server.NewServer(cfg, svc, limits, clock, checks)

	done := runGracefulShutdown(srv, svc, cancelBackground)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
