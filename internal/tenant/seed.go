package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/pkg/config"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
)

// SeedStore is a workflow store that can also be written to.
type SeedStore interface {
	storage.WorkflowStore
	storage.WorkflowWriter
}

// Seed inserts the configured tenants whose domain is not yet registered in
// store, together with their field mappings. Existing workflows are left
// untouched. It returns the workflows created.
func Seed(ctx context.Context, store SeedStore, configs []config.TenantConfig) ([]*domain.Workflow, error) {
	var created []*domain.Workflow

	for i, cfg := range configs {
		wf, mappings, err := workflowFromConfig(i, cfg)
		if err != nil {
			return created, err
		}

		_, err = store.WorkflowByDomain(ctx, wf.Domain)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return created, fmt.Errorf("lookup %s: %w", wf.Domain, err)
		}

		// Let the store assign the id.
		wf.ID = 0
		if err := store.CreateWorkflow(ctx, wf); err != nil {
			return created, fmt.Errorf("create workflow %s: %w", wf.Domain, err)
		}
		for _, m := range mappings {
			m.WorkflowID = wf.ID
			if err := store.CreateFieldMapping(ctx, &m); err != nil {
				return created, fmt.Errorf("create mapping %s for %s: %w", m.FieldName, wf.Domain, err)
			}
		}
		created = append(created, wf)
	}
	return created, nil
}
