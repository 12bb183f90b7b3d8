// Package backend assembles the record store, receipt blob store and
// change feed a deployment runs on.
package backend

import (
	"context"
	"errors"
	"fmt"

	"taxledger/internal/amqp"
	"taxledger/internal/log"
	"taxledger/internal/store"
	"taxledger/internal/store/gcs"
	"taxledger/internal/store/memory"
	"taxledger/internal/store/postgres"
	"taxledger/internal/store/sqlite"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// Result contains the assembled collaborators and a cleanup function
// releasing them.
type Result struct {
	store.Backend
	Cleanup CleanupFunc
	// Checks are named health probes for the readiness endpoint.
	Checks map[string]func(context.Context) error
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, cfg Config) (*Result, error)
}

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Default()
	}
	return &DefaultFactory{logger: logger.WithComponent(log.ComponentBackend)}
}

// assembly accumulates closers so a failure halfway releases what was
// already opened.
type assembly struct {
	closers []func() error
	checks  map[string]func(context.Context) error
}

func (a *assembly) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *assembly) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, cfg Config) (res *Result, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &assembly{checks: make(map[string]func(context.Context) error)}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	var (
		records store.Records
		changes store.Changes
		// database is the record store's own receipts table, if any
		database store.Blobs
		mem      *memory.Store
	)

	switch cfg.Data {
	case MemoryData:
		mem = memory.New()
		records, changes = mem, mem
		f.logger.Info("Initialized memory backend")

	case SQLiteData:
		st, err := sqlite.New(cfg.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		a.onClose(st.Close)
		a.checks["sqlite"] = st.Ping
		records, database = st, st
		f.logger.Info("Initialized SQLite backend", "db_path", cfg.SQLiteDBPath)

	case PostgresData:
		st, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres store: %w", err)
		}
		a.onClose(st.Close)
		a.checks["postgres"] = st.Ping
		records, changes, database = st, st, st
		f.logger.Info("Initialized Postgres backend", "listen_notify", true)
	}

	// Postgres announces its own writes; the other stores need a
	// publisher in front of them.
	if cfg.Data != PostgresData {
		pub, feed := f.changeFeed(ctx, cfg, a, mem)
		records = store.Notifying(records, pub)
		changes = feed
	}

	blobs, err := f.blobs(ctx, cfg, a, mem, database)
	if err != nil {
		return nil, err
	}

	return &Result{
		Backend: store.Backend{Records: records, Blobs: blobs, Changes: changes},
		Cleanup: a.close,
		Checks:  a.checks,
	}, nil
}

// changeFeed returns the publisher and feed for a store without a native
// one. AMQP is used when configured; otherwise an in-process hub, which
// only reaches sessions served by this process.
func (f *DefaultFactory) changeFeed(ctx context.Context, cfg Config, a *assembly, mem *memory.Store) (store.Publisher, store.Changes) {
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(ctx, cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing with in-process change feed",
				log.FieldError, err)
		} else {
			a.onClose(client.Close)
			a.checks["amqp"] = client.Ping
			f.logger.Info("Initialized AMQP change feed", "exchange", cfg.AMQPExchange)
			return client, client
		}
	}

	if mem != nil {
		// memory records already signal their own writes
		return nil, mem
	}
	hub := memory.New()
	return hub, hub
}

func (f *DefaultFactory) blobs(ctx context.Context, cfg Config, a *assembly, mem *memory.Store, database store.Blobs) (store.Blobs, error) {
	switch cfg.Blob {
	case DatabaseBlobs:
		f.logger.Info("Receipt images stored in database", log.FieldBackend, cfg.Data.String())
		return database, nil

	case GCSBlobs:
		st, err := gcs.New(ctx, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GCS receipt store: %w", err)
		}
		a.onClose(st.Close)
		f.logger.Info("Receipt images stored in GCS", "bucket", cfg.GCS.Bucket)
		return st, nil

	default:
		if mem == nil {
			mem = memory.New()
		}
		f.logger.Info("Receipt images stored in memory")
		return mem, nil
	}
}
