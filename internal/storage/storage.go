// Package storage defines the persistence ports used by the webhook pipeline.
//
// Workflow configuration (tenants and their field mappings) lives in a main
// store. Leads and lead fields live in a per-tenant store obtained through an
// EntityStoreProvider; implementations may back every tenant with the same
// database.
package storage

import (
	"context"
	"errors"

	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// WorkflowStore reads tenant configuration.
type WorkflowStore interface {
	// WorkflowByDomain returns the workflow registered for a Bitrix24 portal
	// domain, or ErrNotFound.
	WorkflowByDomain(ctx context.Context, domain string) (*domain.Workflow, error)

	// FieldMappings returns the mappings of a workflow for one entity kind in
	// stable (id) order. When updateOnEventOnly is set only mappings flagged
	// for event-driven updates are returned.
	FieldMappings(ctx context.Context, workflowID int64, kind domain.EntityKind, updateOnEventOnly bool) ([]domain.FieldMapping, error)
}

// EntityStore holds the leads of one tenant.
type EntityStore interface {
	// LeadByRemoteID returns the lead mirroring a remote CRM entity, or
	// ErrNotFound.
	LeadByRemoteID(ctx context.Context, workflowID int64, remoteID int64) (*domain.Lead, error)

	// CreateLead inserts a lead and sets its ID.
	CreateLead(ctx context.Context, lead *domain.Lead) error

	// LeadFields returns the stored field values of a lead keyed by name.
	LeadFields(ctx context.Context, leadID int64) (map[string]string, error)

	// WithTx runs fn in a single transaction. The transaction commits when
	// fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(EntityTx) error) error
}

// EntityTx is the write side of an EntityStore inside a transaction.
type EntityTx interface {
	UpdateLead(ctx context.Context, leadID int64, update domain.LeadUpdate) error

	// UpsertLeadField inserts or replaces the value stored for
	// (leadID, fieldName).
	UpsertLeadField(ctx context.Context, leadID int64, fieldName, value string) error
}

// EntityStoreProvider opens the private store of a tenant.
type EntityStoreProvider interface {
	EntityStoreFor(ctx context.Context, wf *domain.Workflow) (EntityStore, error)
}

// WorkflowWriter seeds tenant configuration. It is used by config-driven
// tenant loading and tests.
type WorkflowWriter interface {
	CreateWorkflow(ctx context.Context, wf *domain.Workflow) error
	CreateFieldMapping(ctx context.Context, m *domain.FieldMapping) error
}
