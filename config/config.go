// Package config provides configuration management for the application.
// Values come from environment variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"creditmeter/internal/storage"
)

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig
	Storage storage.Config
	Credit  CreditConfig
	Pricing PricingConfig
	Cache   CacheConfig
	Log     LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Port the HTTP server listens on.
	Port string

	// MasterKey authenticates API callers. Empty disables authentication
	// (development only).
	MasterKey string

	// BodyLimit caps request body size (echo syntax, e.g. "1M").
	BodyLimit string

	// ShutdownTimeout bounds graceful shutdown on SIGTERM.
	ShutdownTimeout time.Duration
}

// CreditConfig holds credit engine tuning.
type CreditConfig struct {
	// LockTimeout bounds how long a deduction waits for a balance row lock.
	LockTimeout time.Duration
}

// PricingConfig locates the rate tables.
type PricingConfig struct {
	// RulesPath is an optional YAML pricing rules file.
	RulesPath string

	// CatalogPath is an optional JSON model catalog merged under the rules.
	CatalogPath string
}

// CacheConfig configures the usage report cache.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend string

	// RedisURL is required when Backend is "redis".
	RedisURL string

	// TTL bounds report staleness.
	TTL time.Duration
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string

	// Format is "json" or "text".
	Format string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			MasterKey:       os.Getenv("MASTER_KEY"),
			BodyLimit:       getEnv("BODY_LIMIT", "1M"),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Storage: storage.Config{
			Type: getEnv("STORAGE_TYPE", storage.TypeSQLite),
			SQLite: storage.SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "data/creditmeter.db"),
			},
			PostgreSQL: storage.PostgreSQLConfig{
				URL:      os.Getenv("POSTGRES_URL"),
				MaxConns: getEnvInt("POSTGRES_MAX_CONNS", 10),
			},
			MongoDB: storage.MongoDBConfig{
				URL:      os.Getenv("MONGODB_URL"),
				Database: getEnv("MONGODB_DATABASE", "creditmeter"),
			},
		},
		Credit: CreditConfig{
			LockTimeout: getEnvDuration("LOCK_TIMEOUT", 5*time.Second),
		},
		Pricing: PricingConfig{
			RulesPath:   os.Getenv("PRICING_RULES_PATH"),
			CatalogPath: os.Getenv("MODEL_CATALOG_PATH"),
		},
		Cache: CacheConfig{
			Backend:  getEnv("CACHE_BACKEND", "memory"),
			RedisURL: os.Getenv("REDIS_URL"),
			TTL:      getEnvDuration("REPORT_CACHE_TTL", time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case storage.TypeSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("SQLITE_PATH is required for sqlite storage")
		}
	case storage.TypePostgreSQL:
		if c.Storage.PostgreSQL.URL == "" {
			return fmt.Errorf("POSTGRES_URL is required for postgresql storage")
		}
	case storage.TypeMongoDB:
		if c.Storage.MongoDB.URL == "" {
			return fmt.Errorf("MONGODB_URL is required for mongodb storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE_TYPE: %s (valid: sqlite, postgresql, mongodb)", c.Storage.Type)
	}

	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is redis")
	}
	if c.Credit.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
