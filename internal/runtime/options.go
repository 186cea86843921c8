package runtime

import (
	"fmt"
	"log/slog"

	"github.com/darkClaw921/b24-transfer-lead/internal/adapters/config/file"
	"github.com/darkClaw921/b24-transfer-lead/internal/reconcile"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage/memory"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage/sqldb"
)

// Option is a functional option for configuring a Service.
type Option func(*Service) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(s *Service) error {
		provider, err := file.NewProvider(path, s.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		s.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ConfigProvider) Option {
	return func(s *Service) error {
		s.config = provider
		return nil
	}
}

// WithSQLite uses a SQLite main database at path. Leads live in the same
// database unless tenantDSN is set.
func WithSQLite(path, tenantDSN string) Option {
	return func(s *Service) error {
		store, err := sqldb.New(sqldb.Config{Driver: "sqlite", DSN: path, TenantDSN: tenantDSN})
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		s.setStore(store, store, store, store)
		return nil
	}
}

// WithPostgres uses a PostgreSQL main database.
func WithPostgres(dsn, tenantDSN string) Option {
	return func(s *Service) error {
		store, err := sqldb.New(sqldb.Config{Driver: "postgres", DSN: dsn, TenantDSN: tenantDSN})
		if err != nil {
			return fmt.Errorf("create postgres storage: %w", err)
		}
		s.setStore(store, store, store, store)
		return nil
	}
}

// WithMemoryStorage keeps everything in process memory.
func WithMemoryStorage() Option {
	return func(s *Service) error {
		store := memory.New()
		s.setStore(store, store, store, store)
		return nil
	}
}

// WithStores sets custom storage. Workflows are seeded from config only when
// the workflow store is also a storage.WorkflowWriter.
func WithStores(workflows storage.WorkflowStore, entities storage.EntityStoreProvider) Option {
	return func(s *Service) error {
		writer, _ := workflows.(storage.WorkflowWriter)
		s.setStore(workflows, writer, entities, nil)
		return nil
	}
}

// WithClientFactory overrides how CRM clients are built for a workflow.
func WithClientFactory(factory reconcile.ClientFactory) Option {
	return func(s *Service) error {
		s.clients = factory
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}
