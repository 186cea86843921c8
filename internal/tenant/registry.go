package tenant

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/darkClaw921/b24-transfer-lead/internal/bitrix"
	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/pkg/config"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
)

// Registry is a WorkflowStore backed by the tenants section of the config
// file. Load replaces the whole table atomically, so it can be called from a
// config watcher while requests are being served.
type Registry struct {
	mu       sync.RWMutex
	byDomain map[string]*domain.Workflow
	mappings map[int64][]domain.FieldMapping
}

var _ storage.WorkflowStore = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byDomain: make(map[string]*domain.Workflow),
		mappings: make(map[int64][]domain.FieldMapping),
	}
}

// LoadTenants replaces the registry contents with configs. When a tenant has
// no explicit domain it is derived from its webhook URL. The first tenant
// declared for a domain wins. On error the previous table is kept.
func (r *Registry) LoadTenants(configs []config.TenantConfig) ([]*domain.Workflow, error) {
	byDomain := make(map[string]*domain.Workflow, len(configs))
	mappings := make(map[int64][]domain.FieldMapping, len(configs))
	var workflows []*domain.Workflow
	var nextMappingID int64

	for i, cfg := range configs {
		wf, ms, err := workflowFromConfig(i, cfg)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			nextMappingID++
			m.ID = nextMappingID
			mappings[wf.ID] = append(mappings[wf.ID], m)
		}

		if _, exists := byDomain[wf.Domain]; !exists {
			byDomain[wf.Domain] = wf
		}
		workflows = append(workflows, wf)
	}

	r.mu.Lock()
	r.byDomain = byDomain
	r.mappings = mappings
	r.mu.Unlock()

	return workflows, nil
}

// Len returns the number of distinct domains served.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDomain)
}

func (r *Registry) WorkflowByDomain(ctx context.Context, domainName string) (*domain.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.byDomain[domainName]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (r *Registry) FieldMappings(ctx context.Context, workflowID int64, kind domain.EntityKind, updateOnEventOnly bool) ([]domain.FieldMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.FieldMapping
	for _, m := range r.mappings[workflowID] {
		if m.EntityType != kind || (updateOnEventOnly && !m.UpdateOnEvent) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// workflowFromConfig builds the workflow declared at position i of the
// tenants list. A zero ID becomes i+1.
func workflowFromConfig(i int, cfg config.TenantConfig) (*domain.Workflow, []domain.FieldMapping, error) {
	id := cfg.ID
	if id == 0 {
		id = int64(i + 1)
	}

	host := strings.ToLower(strings.TrimSpace(cfg.Domain))
	if host == "" {
		derived, err := bitrix.DomainFromWebhookURL(cfg.WebhookURL)
		if err != nil {
			return nil, nil, fmt.Errorf("tenant %d: %w", id, err)
		}
		host = derived
	}

	wf := &domain.Workflow{
		ID:         id,
		Name:       cfg.Name,
		Domain:     host,
		AppToken:   cfg.AppToken,
		WebhookURL: cfg.WebhookURL,
		OwnerID:    cfg.OwnerID,
	}

	var mappings []domain.FieldMapping
	for _, mc := range cfg.FieldMappings {
		kind, err := domain.ParseEntityKind(mc.EntityType)
		if err != nil {
			return nil, nil, fmt.Errorf("tenant %d mapping %s: %w", id, mc.FieldName, err)
		}
		mappings = append(mappings, domain.FieldMapping{
			WorkflowID:    id,
			EntityType:    kind,
			RemoteFieldID: mc.RemoteFieldID,
			FieldName:     mc.FieldName,
			UpdateOnEvent: mc.UpdateOnEvent,
		})
	}
	return wf, mappings, nil
}
