package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageInMemory = "in-memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	LogLevel        slog.Level

	APIKey             string
	RateLimitPerMinute int

	StorageType     string
	DefaultTTL      time.Duration
	SweepInterval   time.Duration
	CompleteTimeout time.Duration
	RedisPrefix     string
	RoutesFile      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:           envOrDefault("HTTP_ADDR", ":8080"),
		GRPCAddr:           strings.TrimSpace(os.Getenv("GRPC_ADDR")),
		ReadTimeout:        durationOrDefault("HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:       durationOrDefault("HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:        durationOrDefault("HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:    durationOrDefault("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:           levelOrDefault("LOG_LEVEL", slog.LevelInfo),
		APIKey:             strings.TrimSpace(os.Getenv("API_KEY")),
		RateLimitPerMinute: intOrDefault("API_RATE_LIMIT_PER_MINUTE", 0),
		StorageType:        strings.ToLower(envOrDefault("IDEMPOTENCY_STORAGE_TYPE", StorageInMemory)),
		DefaultTTL:         durationOrDefault("IDEMPOTENCY_DEFAULT_TTL", time.Hour),
		SweepInterval:      durationOrDefault("IDEMPOTENCY_SWEEP_INTERVAL", time.Minute),
		CompleteTimeout:    durationOrDefault("IDEMPOTENCY_COMPLETE_TIMEOUT", 5*time.Second),
		RedisPrefix:        envOrDefault("IDEMPOTENCY_REDIS_PREFIX", "idempotency:"),
		RoutesFile:         strings.TrimSpace(os.Getenv("IDEMPOTENCY_ROUTES_FILE")),
		RedisAddr:          envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            intOrDefault("REDIS_DB", 0),
		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
	}
}

// Validate reports settings that would fail later at startup.
func (c Config) Validate() error {
	switch c.StorageType {
	case StorageInMemory, StorageRedis:
	case StoragePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("POSTGRES_DSN is required when IDEMPOTENCY_STORAGE_TYPE=%s", StoragePostgres)
		}
	default:
		return fmt.Errorf("unsupported IDEMPOTENCY_STORAGE_TYPE %q", c.StorageType)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_DEFAULT_TTL must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func levelOrDefault(key string, fallback slog.Level) slog.Level {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return fallback
	}
	return level
}
