package backend

import (
	"fmt"

	"taxledger/internal/config"
	"taxledger/internal/store/gcs"
)

// DataType selects the record store.
type DataType string

const (
	MemoryData   DataType = "memory"
	SQLiteData   DataType = "sqlite"
	PostgresData DataType = "postgres"
)

// String implements fmt.Stringer
func (t DataType) String() string {
	return string(t)
}

// IsValid returns true if the data backend type is valid
func (t DataType) IsValid() bool {
	switch t {
	case MemoryData, SQLiteData, PostgresData:
		return true
	default:
		return false
	}
}

// BlobType selects where receipt images go.
type BlobType string

const (
	MemoryBlobs BlobType = "memory"
	// DatabaseBlobs keeps receipts in the record store's receipts table.
	DatabaseBlobs BlobType = "database"
	GCSBlobs      BlobType = "gcs"
)

// Config holds configuration for backend creation
type Config struct {
	Data DataType
	Blob BlobType

	// SQLite specific
	SQLiteDBPath string

	// Postgres specific
	PostgresURL string

	// AMQP change feed, optional
	AMQPURL      string
	AMQPExchange string

	// GCS receipt bucket
	GCS gcs.Config
}

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	cfg := Config{
		Data:         DataType(appConfig.DataBackend),
		Blob:         BlobType(appConfig.BlobBackend),
		SQLiteDBPath: appConfig.SQLiteDBPath,
		PostgresURL:  appConfig.PostgresURL,
		AMQPURL:      appConfig.AMQPURL,
		AMQPExchange: appConfig.AMQPExchange,
		GCS: gcs.Config{
			Bucket:          appConfig.GCSBucket,
			CredentialsFile: appConfig.GCSCredentialsFile,
			PublicBaseURL:   appConfig.GCSPublicBaseURL,
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Data.IsValid() {
		return fmt.Errorf("invalid data backend: %s", c.Data)
	}

	switch c.Data {
	case SQLiteData:
		if c.SQLiteDBPath == "" {
			return fmt.Errorf("SQLite database path is required for sqlite backend")
		}
	case PostgresData:
		if c.PostgresURL == "" {
			return fmt.Errorf("Postgres URL is required for postgres backend")
		}
	}

	switch c.Blob {
	case MemoryBlobs:
	case DatabaseBlobs:
		if c.Data == MemoryData {
			return fmt.Errorf("database blobs need a sqlite or postgres data backend")
		}
	case GCSBlobs:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("GCS bucket is required for gcs blobs")
		}
	default:
		return fmt.Errorf("invalid blob backend: %s", c.Blob)
	}
	return nil
}
