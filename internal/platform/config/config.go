// Package config loads the process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" default:"development"`
	Port          string `env:"PORT" default:"8080"`
	RedisURL      string `env:"REDIS_URL"`
	DatabaseURL   string `env:"DATABASE_URL"`
	AuthVerifyURL string `env:"AUTH_VERIFY_URL"`
	InstanceID    string `env:"INSTANCE_ID"`
	LogLevel      string `env:"LOG_LEVEL" default:"info"`
	LogFormat     string `env:"LOG_FORMAT" default:"text"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionsPerSecond    float64 `env:"CONNECTIONS_PER_SECOND" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"10"`

	RateLimitMaxAttempts int64         `env:"RATE_LIMIT_MAX_ATTEMPTS" default:"100"`
	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW" default:"60s"`

	DispatchTick      time.Duration `env:"DISPATCH_TICK" default:"10ms"`
	QueueCapacity     int           `env:"QUEUE_CAPACITY" default:"8192"`
	CompressThreshold int           `env:"COMPRESS_THRESHOLD" default:"1024"`

	MetricsCollectInterval time.Duration `env:"METRICS_COLLECT_INTERVAL" default:"1s"`
	MetricsReportInterval  time.Duration `env:"METRICS_REPORT_INTERVAL" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if cfg.AppEnv == "production" && cfg.AuthVerifyURL == "" {
		return fmt.Errorf("AUTH_VERIFY_URL is required in production")
	}
	if cfg.RateLimitMaxAttempts <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_ATTEMPTS must be positive")
	}
	if cfg.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive")
	}
	if cfg.DispatchTick <= 0 {
		return fmt.Errorf("DISPATCH_TICK must be positive")
	}
	return nil
}
