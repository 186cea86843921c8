package runtime

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/darkClaw921/b24-transfer-lead/internal/bitrix"
	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/pkg/config"
	"github.com/darkClaw921/b24-transfer-lead/internal/reconcile"
)

// storageOption maps the storage section to the matching Option.
func storageOption(cfg config.StorageConfig) (Option, error) {
	switch cfg.Type {
	case "sqlite":
		return WithSQLite(cfg.Database.DSN, cfg.TenantDSN), nil
	case "postgres":
		return WithPostgres(cfg.Database.DSN, cfg.TenantDSN), nil
	case "memory":
		return WithMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

// newClientFactory builds Bitrix24 clients sharing one instrumented HTTP
// client.
func newClientFactory(cfg config.BitrixConfig) reconcile.ClientFactory {
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return func(wf *domain.Workflow) reconcile.CRMClient {
		return bitrix.NewClient(wf.WebhookURL,
			bitrix.WithHTTPClient(httpClient),
			bitrix.WithUserAgent(cfg.UserAgent),
		)
	}
}
