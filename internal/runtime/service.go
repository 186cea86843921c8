// Package runtime provides the Service struct and lifecycle management for
// the webhook daemon: configuration, storage, tenant source, HTTP server and
// config hot-reload.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/darkClaw921/b24-transfer-lead/internal/frontdoor/webhook"
	"github.com/darkClaw921/b24-transfer-lead/internal/pkg/config"
	"github.com/darkClaw921/b24-transfer-lead/internal/reconcile"
	"github.com/darkClaw921/b24-transfer-lead/internal/server"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
	"github.com/darkClaw921/b24-transfer-lead/internal/tenant"
)

// Tenant sources.
const (
	TenantSourceDatabase = "database"
	TenantSourceConfig   = "config"
)

// ConfigProvider loads configuration and reports changes.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)

	// Watch calls onChange with every reloaded configuration until ctx is
	// done. It must not block.
	Watch(ctx context.Context, onChange func(*config.Config)) error

	Close() error
}

// Service wires the webhook pipeline and owns its lifecycle.
type Service struct {
	// Dependencies (injected via options or derived from config)
	config    ConfigProvider
	workflows storage.WorkflowStore
	writer    storage.WorkflowWriter
	entities  storage.EntityStoreProvider
	closer    io.Closer
	clients   reconcile.ClientFactory

	// Internal state
	registry *tenant.Registry
	server   *server.Server
	logger   *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a new Service with the given options.
// Storage not provided via options is opened from the storage section of the
// loaded configuration on Start.
func New(opts ...Option) (*Service, error) {
	svc := &Service{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(svc); err != nil {
			svc.closeStore()
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if svc.config == nil {
		svc.closeStore()
		return nil, errors.New("config provider required (use WithFileConfig or WithConfigProvider)")
	}

	return svc, nil
}

func (s *Service) setStore(workflows storage.WorkflowStore, writer storage.WorkflowWriter, entities storage.EntityStoreProvider, closer io.Closer) {
	s.closeStore()
	s.workflows = workflows
	s.writer = writer
	s.entities = entities
	s.closer = closer
}

func (s *Service) closeStore() {
	if s.closer == nil {
		return
	}
	if err := s.closer.Close(); err != nil {
		s.logger.Error("failed to close storage", slog.String("error", err.Error()))
	}
	s.closer = nil
}

// Start loads configuration, builds the pipeline and starts serving in the
// background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	cfg, err := s.config.Load(s.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := s.initPipeline(cfg); err != nil {
		return err
	}

	go func() {
		if err := s.server.Start(); err != nil {
			s.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	if s.registry != nil {
		go s.watchConfig()
	}

	s.logger.Info("service started",
		slog.Int("port", cfg.Server.Port),
		slog.String("webhook_path", cfg.Server.WebhookPath),
		slog.String("storage", cfg.Storage.Type),
		slog.String("tenant_source", cfg.Tenants.Source))

	return nil
}

// initPipeline opens storage and tenants and builds the HTTP server.
func (s *Service) initPipeline(cfg *config.Config) error {
	if s.workflows == nil {
		opt, err := storageOption(cfg.Storage)
		if err != nil {
			return err
		}
		if err := opt(s); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
	}

	workflows, err := s.initTenants(cfg)
	if err != nil {
		return fmt.Errorf("init tenants: %w", err)
	}

	clients := s.clients
	if clients == nil {
		clients = newClientFactory(cfg.Bitrix)
	}

	engine := reconcile.New(workflows, s.entities, clients, reconcile.WithLogger(s.logger))

	s.server = server.New(cfg.Server, s.logger)
	webhook.NewHandler(tenant.NewResolver(workflows), engine, webhook.WithLogger(s.logger)).
		Mount(s.server.Router, cfg.Server.WebhookPath)

	return nil
}

// initTenants returns the workflow store requests are resolved against.
func (s *Service) initTenants(cfg *config.Config) (storage.WorkflowStore, error) {
	switch cfg.Tenants.Source {
	case TenantSourceConfig:
		s.registry = tenant.NewRegistry()
		workflows, err := s.registry.LoadTenants(cfg.Tenants.Items)
		if err != nil {
			return nil, err
		}
		s.logger.Info("tenants loaded from config", slog.Int("count", len(workflows)))
		return s.registry, nil

	case TenantSourceDatabase, "":
		if len(cfg.Tenants.Items) > 0 && s.writer != nil {
			seeder, ok := s.workflows.(tenant.SeedStore)
			if !ok {
				return nil, errors.New("workflow store cannot be seeded")
			}
			created, err := tenant.Seed(s.ctx, seeder, cfg.Tenants.Items)
			if err != nil {
				return nil, fmt.Errorf("seed tenants: %w", err)
			}
			s.logger.Info("tenants seeded", slog.Int("created", len(created)))
		}
		return s.workflows, nil

	default:
		return nil, fmt.Errorf("unsupported tenant source %q", cfg.Tenants.Source)
	}
}

// Handler returns the HTTP handler. It is nil before Start.
func (s *Service) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.server == nil {
		return nil
	}
	return s.server.Router
}

// Shutdown gracefully stops the service.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("shutting down service")

	if s.cancel != nil {
		s.cancel()
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			return err
		}
	}

	s.closeStore()

	if err := s.config.Close(); err != nil {
		s.logger.Error("failed to close config", slog.String("error", err.Error()))
	}

	s.logger.Info("service shutdown complete")
	return nil
}

// watchConfig watches for config changes and reloads the tenant table.
func (s *Service) watchConfig() {
	onChange := func(newCfg *config.Config) {
		s.logger.Info("config changed, reloading tenants")
		if err := s.reload(newCfg); err != nil {
			s.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := s.config.Watch(s.ctx, onChange); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("config watch failed", slog.String("error", err.Error()))
	}
}

// reload swaps in the tenants of cfg. Other sections need a restart.
func (s *Service) reload(cfg *config.Config) error {
	if s.registry == nil {
		return nil
	}
	if cfg.Tenants.Source != TenantSourceConfig {
		return fmt.Errorf("tenants.source changed to %q; restart required", cfg.Tenants.Source)
	}

	workflows, err := s.registry.LoadTenants(cfg.Tenants.Items)
	if err != nil {
		return fmt.Errorf("reload tenants: %w", err)
	}

	s.logger.Info("reload complete", slog.Int("tenants", len(workflows)))
	return nil
}
