package common

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Store    StoreConfig
	Database DatabaseConfig
	Broker   BrokerConfig
	Jobs     JobsConfig
	Sweeper  SweeperConfig
	Server   ServerConfig
	Files    FilesConfig
	Extract  ExtractConfig
	LogLevel slog.Level
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Backend  string // "redis" | "sqlite" | "postgres"
	RedisURL string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// BrokerConfig selects and sizes the execution backend.
type BrokerConfig struct {
	Backend      string // "redis" | "local"
	Workers      int
	QueueSize    int
	PollInterval time.Duration
}

// JobsConfig holds the time limits and retention of extraction jobs.
type JobsConfig struct {
	ExtractTimeout    time.Duration
	SoftTimeoutMargin time.Duration
	RetentionBuffer   time.Duration
	ReconcileGrace    time.Duration
	CallbackTimeout   time.Duration
}

// SweeperConfig holds the periodic cleanup and reconciliation settings.
type SweeperConfig struct {
	CleanupInterval   time.Duration
	CleanupMaxAge     time.Duration
	ReconcileInterval time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string
}

// FilesConfig holds staging directories.
type FilesConfig struct {
	TempDir  string
	InboxDir string
}

// ExtractConfig names the external tools used by the extractors.
type ExtractConfig struct {
	Pdftotext     string
	Tesseract     string
	TesseractLang string
	HeicConverter string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:  strings.ToLower(getEnv("STORE_BACKEND", "redis")),
			RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Broker: BrokerConfig{
			Backend:      strings.ToLower(getEnv("BROKER_BACKEND", "redis")),
			Workers:      getEnvAsInt("WORKER_CONCURRENCY", 4),
			QueueSize:    getEnvAsInt("QUEUE_SIZE", 100),
			PollInterval: getEnvAsDuration("BROKER_POLL_INTERVAL", 250*time.Millisecond),
		},
		Jobs: JobsConfig{
			ExtractTimeout:    getEnvAsDuration("EXTRACT_TIMEOUT", 10*time.Minute),
			SoftTimeoutMargin: getEnvAsDuration("SOFT_TIMEOUT_MARGIN", time.Minute),
			RetentionBuffer:   getEnvAsDuration("RETENTION_BUFFER", time.Hour),
			ReconcileGrace:    getEnvAsDuration("RECONCILE_GRACE", 5*time.Minute),
			CallbackTimeout:   getEnvAsDuration("CALLBACK_TIMEOUT", 10*time.Second),
		},
		Sweeper: SweeperConfig{
			CleanupInterval:   getEnvAsDuration("CLEANUP_INTERVAL", time.Hour),
			CleanupMaxAge:     getEnvAsDuration("CLEANUP_MAX_AGE", 24*time.Hour),
			ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", time.Minute),
		},
		Server: ServerConfig{
			GRPCAddr: getEnv("GRPC_ADDR", ":9090"),
		},
		Files: FilesConfig{
			TempDir:  getEnv("TEMP_DIR", "/tmp/file_extractor"),
			InboxDir: getEnv("INBOX_DIR", ""),
		},
		Extract: ExtractConfig{
			Pdftotext:     getEnv("PDFTOTEXT_BIN", "pdftotext"),
			Tesseract:     getEnv("TESSERACT_BIN", "tesseract"),
			TesseractLang: getEnv("TESSERACT_LANG", "eng"),
			HeicConverter: getEnv("HEIC_CONVERTER", "magick"),
		},
		LogLevel: getEnvAsLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsLevel(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(value)); err == nil {
			return lvl
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "redis":
		if c.Store.RedisURL == "" {
			return NewAppError("CONFIG_ERROR", "REDIS_URL is required for the redis store", ErrInvalidInput)
		}
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required for the "+c.Store.Backend+" store", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown STORE_BACKEND %q", c.Store.Backend), ErrInvalidInput)
	}
	switch c.Broker.Backend {
	case "redis":
		if c.Store.RedisURL == "" {
			return NewAppError("CONFIG_ERROR", "REDIS_URL is required for the redis broker", ErrInvalidInput)
		}
	case "local":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown BROKER_BACKEND %q", c.Broker.Backend), ErrInvalidInput)
	}
	if c.Jobs.ExtractTimeout <= 0 {
		return NewAppError("CONFIG_ERROR", "EXTRACT_TIMEOUT must be positive", ErrInvalidInput)
	}
	if c.Broker.Workers <= 0 {
		return NewAppError("CONFIG_ERROR", "WORKER_CONCURRENCY must be positive", ErrInvalidInput)
	}
	if c.Files.TempDir == "" {
		return NewAppError("CONFIG_ERROR", "TEMP_DIR is required", ErrInvalidInput)
	}
	return nil
}
