// Package memory provides an in-memory implementation of every storage port.
// It backs `storage.type: memory` and the pipeline tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
)

type leadKey struct {
	workflowID int64
	remoteID   int64
}

type fieldKey struct {
	leadID int64
	name   string
}

// Store is an in-memory store shared by all tenants.
type Store struct {
	mu sync.RWMutex

	workflows []*domain.Workflow
	mappings  []*domain.FieldMapping

	leads       map[int64]*domain.Lead
	leadsByKey  map[leadKey]int64
	fields      map[fieldKey]string
	fieldOrder  map[int64][]string
	nextID      int64
	commitCount int
}

var (
	_ storage.WorkflowStore       = (*Store)(nil)
	_ storage.WorkflowWriter      = (*Store)(nil)
	_ storage.EntityStoreProvider = (*Store)(nil)
	_ storage.EntityStore         = (*Store)(nil)
)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		leads:      make(map[int64]*domain.Lead),
		leadsByKey: make(map[leadKey]int64),
		fields:     make(map[fieldKey]string),
		fieldOrder: make(map[int64][]string),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf.ID == 0 {
		wf.ID = s.id()
	}
	cp := *wf
	s.workflows = append(s.workflows, &cp)
	return nil
}

func (s *Store) CreateFieldMapping(ctx context.Context, m *domain.FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == 0 {
		m.ID = s.id()
	}
	cp := *m
	s.mappings = append(s.mappings, &cp)
	return nil
}

func (s *Store) WorkflowByDomain(ctx context.Context, domainName string) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Workflow
	for _, wf := range s.workflows {
		if wf.Domain == domainName && (found == nil || wf.ID < found.ID) {
			found = wf
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *Store) FieldMappings(ctx context.Context, workflowID int64, kind domain.EntityKind, updateOnEventOnly bool) ([]domain.FieldMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.FieldMapping
	for _, m := range s.mappings {
		if m.WorkflowID != workflowID || m.EntityType != kind {
			continue
		}
		if updateOnEventOnly && !m.UpdateOnEvent {
			continue
		}
		out = append(out, *m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EntityStoreFor returns s; all tenants share the in-memory store.
func (s *Store) EntityStoreFor(ctx context.Context, wf *domain.Workflow) (storage.EntityStore, error) {
	return s, nil
}

func (s *Store) LeadByRemoteID(ctx context.Context, workflowID, remoteID int64) (*domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.leadsByKey[leadKey{workflowID, remoteID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyLead(s.leads[id]), nil
}

func (s *Store) CreateLead(ctx context.Context, lead *domain.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := leadKey{lead.WorkflowID, lead.RemoteID}
	if _, exists := s.leadsByKey[key]; exists {
		return fmt.Errorf("lead %d already exists in workflow %d", lead.RemoteID, lead.WorkflowID)
	}

	lead.ID = s.id()
	lead.CreatedAt = time.Now()
	lead.UpdatedAt = lead.CreatedAt

	s.leads[lead.ID] = copyLead(lead)
	s.leadsByKey[key] = lead.ID
	return nil
}

func (s *Store) LeadFields(ctx context.Context, leadID int64) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.fieldOrder[leadID]))
	for _, name := range s.fieldOrder[leadID] {
		out[name] = s.fields[fieldKey{leadID, name}]
	}
	return out, nil
}

// Commits returns how many transactions have committed.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitCount
}

// WithTx stages writes and applies them atomically when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(storage.EntityTx) error) error {
	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, op := range tx.ops {
		op(now)
	}
	s.commitCount++
	return nil
}

type memTx struct {
	store *Store
	ops   []func(now time.Time)
}

func (t *memTx) UpdateLead(ctx context.Context, leadID int64, u domain.LeadUpdate) error {
	s := t.store
	s.mu.RLock()
	_, ok := s.leads[leadID]
	s.mu.RUnlock()
	if !ok {
		return storage.ErrNotFound
	}

	t.ops = append(t.ops, func(now time.Time) {
		lead := s.leads[leadID]
		u.Apply(lead)
		lead.UpdatedAt = now
	})
	return nil
}

func (t *memTx) UpsertLeadField(ctx context.Context, leadID int64, fieldName, value string) error {
	s := t.store
	t.ops = append(t.ops, func(time.Time) {
		key := fieldKey{leadID, fieldName}
		if _, exists := s.fields[key]; !exists {
			s.fieldOrder[leadID] = append(s.fieldOrder[leadID], fieldName)
		}
		s.fields[key] = value
	})
	return nil
}

func (s *Store) Close() error {
	return nil
}

func copyLead(l *domain.Lead) *domain.Lead {
	cp := *l
	if l.StatusSemanticID != nil {
		v := *l.StatusSemanticID
		cp.StatusSemanticID = &v
	}
	if l.AssignedByName != nil {
		v := *l.AssignedByName
		cp.AssignedByName = &v
	}
	return &cp
}
