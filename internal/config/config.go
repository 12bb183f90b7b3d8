package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port     string
	LogLevel string

	// Record store
	DataBackend  string
	SQLiteDBPath string
	PostgresURL  string

	// AMQP change feed
	AMQPURL      string
	AMQPExchange string

	// Receipt images
	BlobBackend        string
	GCSBucket          string
	GCSCredentialsFile string
	GCSPublicBaseURL   string

	// Auth
	JWTSecret string
	JWTTTL    time.Duration

	// Realtime sync
	SyncFetchTimeout      time.Duration
	SyncReconnect         string
	SyncReconnectBase     time.Duration
	SyncReconnectMax      time.Duration
	SyncReconnectAttempts int

	// Ledger
	LedgerConcurrency string
}

var (
	dataBackends        = []string{"memory", "sqlite", "postgres"}
	blobBackends        = []string{"memory", "database", "gcs"}
	reconnectPolicies   = []string{"none", "backoff"}
	concurrencyPolicies = []string{"last-write-wins", "version-checked"}
	logLevels           = []string{"debug", "info", "warn", "warning", "error"}
)

func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DataBackend:  getEnv("DATA_BACKEND", "memory"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/ledger.db"),
		PostgresURL:  getEnv("POSTGRES_URL", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "ledger_changes"),

		BlobBackend:        getEnv("BLOB_BACKEND", "memory"),
		GCSBucket:          getEnv("GCS_BUCKET", ""),
		GCSCredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
		GCSPublicBaseURL:   getEnv("GCS_PUBLIC_BASE_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTTTL:    getEnvDuration("JWT_TTL", 24*time.Hour),

		SyncFetchTimeout:      getEnvDuration("SYNC_FETCH_TIMEOUT", 10*time.Second),
		SyncReconnect:         getEnv("SYNC_RECONNECT", "none"),
		SyncReconnectBase:     getEnvDuration("SYNC_RECONNECT_BASE", 500*time.Millisecond),
		SyncReconnectMax:      getEnvDuration("SYNC_RECONNECT_MAX", 30*time.Second),
		SyncReconnectAttempts: getEnvInt("SYNC_RECONNECT_ATTEMPTS", 10),

		LedgerConcurrency: getEnv("LEDGER_CONCURRENCY", "last-write-wins"),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if !slices.Contains(logLevels, strings.ToLower(c.LogLevel)) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of %v", c.LogLevel, logLevels))
	}

	if !slices.Contains(dataBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, dataBackends))
	}

	switch c.DataBackend {
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	case "postgres":
		if c.PostgresURL == "" {
			errors = append(errors, "POSTGRES_URL is required when using postgres backend")
		} else if u, err := url.Parse(c.PostgresURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid Postgres URL: %v", err))
		} else if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			errors = append(errors, fmt.Sprintf("invalid Postgres URL scheme '%s': must be 'postgres' or 'postgresql'", u.Scheme))
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if !slices.Contains(blobBackends, c.BlobBackend) {
		errors = append(errors, fmt.Sprintf("invalid blob backend '%s': must be one of %v", c.BlobBackend, blobBackends))
	}
	if c.BlobBackend == "database" && c.DataBackend == "memory" {
		errors = append(errors, "blob backend 'database' needs DATA_BACKEND sqlite or postgres")
	}
	if c.BlobBackend == "gcs" {
		if c.GCSBucket == "" {
			errors = append(errors, "GCS_BUCKET is required when using gcs blob backend")
		}
		if c.GCSCredentialsFile != "" {
			if _, err := os.Stat(c.GCSCredentialsFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("GCS credentials file does not exist: %s", c.GCSCredentialsFile))
			}
		}
		if c.GCSPublicBaseURL != "" {
			if u, err := url.Parse(c.GCSPublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				errors = append(errors, fmt.Sprintf("invalid GCS public base URL '%s'", c.GCSPublicBaseURL))
			}
		}
	}

	if len(c.JWTSecret) < 32 {
		errors = append(errors, "JWT_SECRET must be at least 32 characters")
	}
	if c.JWTTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid JWT TTL %v: must be at least 1 minute", c.JWTTTL))
	}

	if c.SyncFetchTimeout < 0 {
		errors = append(errors, fmt.Sprintf("invalid sync fetch timeout %v: must not be negative", c.SyncFetchTimeout))
	}
	if !slices.Contains(reconnectPolicies, c.SyncReconnect) {
		errors = append(errors, fmt.Sprintf("invalid sync reconnect policy '%s': must be one of %v", c.SyncReconnect, reconnectPolicies))
	}
	if c.SyncReconnect == "backoff" {
		if c.SyncReconnectBase <= 0 {
			errors = append(errors, fmt.Sprintf("invalid sync reconnect base %v: must be positive", c.SyncReconnectBase))
		}
		if c.SyncReconnectMax < c.SyncReconnectBase {
			errors = append(errors, fmt.Sprintf("invalid sync reconnect max %v: must be at least the base %v", c.SyncReconnectMax, c.SyncReconnectBase))
		}
		if c.SyncReconnectAttempts < 0 {
			errors = append(errors, fmt.Sprintf("invalid sync reconnect attempts %d: must not be negative", c.SyncReconnectAttempts))
		}
	}

	if !slices.Contains(concurrencyPolicies, c.LedgerConcurrency) {
		errors = append(errors, fmt.Sprintf("invalid ledger concurrency '%s': must be one of %v", c.LedgerConcurrency, concurrencyPolicies))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
