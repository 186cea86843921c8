// Package reconcile brings a locally mirrored CRM record in line with the
// remote entity named by a webhook event.
//
// A pass ends in one of two terminal states. Business-logic misses (unknown
// event, missing id, remote fetch failure, record not found) are logged and
// reported as StateNoOp; they never surface as errors to the webhook caller.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/darkClaw921/b24-transfer-lead/internal/bitrix"
	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/event"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
)

const tracerName = "github.com/darkClaw921/b24-transfer-lead/internal/reconcile"

// Remote field ids read from a CRM entity.
const (
	fieldAssignedByID = "ASSIGNED_BY_ID"

	leadStatus         = "STATUS_ID"
	leadStatusSemantic = "STATUS_SEMANTIC_ID"
	dealStage          = "STAGE_ID"
	dealStageSemantic  = "STAGE_SEMANTIC_ID"
)

// CRMClient is the part of the remote CRM API the engine needs.
type CRMClient interface {
	GetEntity(ctx context.Context, kind domain.EntityKind, id int64) (bitrix.Entity, error)

	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, id int64) (bitrix.Entity, error)
}

// ClientFactory returns the CRM client for a tenant.
type ClientFactory func(wf *domain.Workflow) CRMClient

// State is the terminal state of a reconciliation pass.
type State string

const (
	StateMutated State = "handled-mutated"
	StateNoOp    State = "handled-no-op"
)

// Reason says why a pass ended where it did.
type Reason string

const (
	ReasonUpdated        Reason = "updated"
	ReasonUnknownEvent   Reason = "unknown_event"
	ReasonMissingID      Reason = "missing_entity_id"
	ReasonInvalidID      Reason = "invalid_entity_id"
	ReasonFetchFailed    Reason = "fetch_failed"
	ReasonRecordNotFound Reason = "record_not_found"
	ReasonStoreFailed    Reason = "store_failed"
)

// Outcome describes a finished pass.
type Outcome struct {
	State    State
	Reason   Reason
	Kind     domain.EntityKind
	EntityID string

	// LeadID is the local record id, set once the record is located.
	LeadID int64

	// Err is the error recorded for fetch and store failures.
	Err error
}

// Mutated reports whether the pass committed changes.
func (o Outcome) Mutated() bool {
	return o.State == StateMutated
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider. The default is the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// Engine runs reconciliation passes.
type Engine struct {
	workflows storage.WorkflowStore
	entities  storage.EntityStoreProvider
	clients   ClientFactory
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates an engine.
func New(workflows storage.WorkflowStore, entities storage.EntityStoreProvider, clients ClientFactory, opts ...Option) *Engine {
	e := &Engine{
		workflows: workflows,
		entities:  entities,
		clients:   clients,
		logger:    slog.New(slog.DiscardHandler),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile runs one pass for env on behalf of wf. It always reaches a
// terminal state; ctx cancellation only affects in-flight I/O.
func (e *Engine) Reconcile(ctx context.Context, wf *domain.Workflow, env event.Envelope) Outcome {
	ctx, span := e.tracer.Start(ctx, "reconcile",
		trace.WithAttributes(
			attribute.Int64("workflow.id", wf.ID),
			attribute.String("event.name", env.Name),
		))
	defer span.End()

	out := e.run(ctx, wf, env)

	span.SetAttributes(
		attribute.String("reconcile.state", string(out.State)),
		attribute.String("reconcile.reason", string(out.Reason)),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Reason))
	}
	return out
}

func (e *Engine) run(ctx context.Context, wf *domain.Workflow, env event.Envelope) Outcome {
	logger := e.logger.With(
		slog.Int64("workflow_id", wf.ID),
		slog.String("event", env.Name),
	)
	out := Outcome{State: StateNoOp, Kind: env.Kind}

	if env.Kind == "" {
		logger.Warn("ignoring unsupported event")
		out.Reason = ReasonUnknownEvent
		return out
	}

	rawID, ok := env.EntityID()
	if !ok {
		logger.Warn("event carries no entity id", slog.String("entity", string(env.Kind)))
		out.Reason = ReasonMissingID
		return out
	}
	out.EntityID = rawID
	logger = logger.With(slog.String("entity", string(env.Kind)), slog.String("entity_id", rawID))

	id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if err != nil || id <= 0 {
		logger.Warn("entity id is not a positive integer")
		out.Reason = ReasonInvalidID
		return out
	}

	client := e.clients(wf)
	remote, err := client.GetEntity(ctx, env.Kind, id)
	if err != nil {
		logger.Error("failed to fetch entity from bitrix24", slog.String("error", err.Error()))
		out.Reason = ReasonFetchFailed
		out.Err = err
		return out
	}

	store, err := e.entities.EntityStoreFor(ctx, wf)
	if err != nil {
		return e.storeFailed(logger, out, fmt.Errorf("open tenant store: %w", err))
	}

	lead, err := store.LeadByRemoteID(ctx, wf.ID, id)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("no local record for entity")
		out.Reason = ReasonRecordNotFound
		return out
	}
	if err != nil {
		return e.storeFailed(logger, out, fmt.Errorf("lookup record: %w", err))
	}
	out.LeadID = lead.ID

	update := statusUpdate(env.Kind, remote)
	e.resolveAssignee(ctx, logger, client, remote, &update)

	mappings, err := e.workflows.FieldMappings(ctx, wf.ID, env.Kind, true)
	if err != nil {
		return e.storeFailed(logger, out, fmt.Errorf("load field mappings: %w", err))
	}
	fields := mappedValues(mappings, remote)

	err = store.WithTx(ctx, func(tx storage.EntityTx) error {
		if err := tx.UpdateLead(ctx, lead.ID, update); err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		for _, f := range fields {
			if err := tx.UpsertLeadField(ctx, lead.ID, f.name, f.value); err != nil {
				return fmt.Errorf("upsert field %s: %w", f.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return e.storeFailed(logger, out, err)
	}

	logger.Info("record reconciled",
		slog.Int64("lead_id", lead.ID),
		slog.Int("fields", len(fields)),
	)
	out.State = StateMutated
	out.Reason = ReasonUpdated
	return out
}

func (e *Engine) storeFailed(logger *slog.Logger, out Outcome, err error) Outcome {
	logger.Error("reconciliation store failure", slog.String("error", err.Error()))
	out.State = StateNoOp
	out.Reason = ReasonStoreFailed
	out.Err = err
	return out
}

// statusUpdate copies the status and semantic status of remote, each only
// when the remote entity carries it.
func statusUpdate(kind domain.EntityKind, remote bitrix.Entity) domain.LeadUpdate {
	statusField, semanticField := leadStatus, leadStatusSemantic
	if kind == domain.EntityDeal {
		statusField, semanticField = dealStage, dealStageSemantic
	}

	var u domain.LeadUpdate
	if v, ok := remote.String(statusField); ok {
		u.Status = &v
	}
	if v, ok := remote.String(semanticField); ok {
		u.StatusSemanticID = &v
	}
	return u
}

// resolveAssignee sets the assignee display name, or clears it when the
// entity has no assignee or the user cannot be resolved to a name.
func (e *Engine) resolveAssignee(ctx context.Context, logger *slog.Logger, client CRMClient, remote bitrix.Entity, u *domain.LeadUpdate) {
	u.ClearAssignedByName = true

	userID, ok := remote.Int(fieldAssignedByID)
	if !ok {
		return
	}

	user, err := client.GetUser(ctx, userID)
	if err != nil {
		logger.Warn("failed to fetch assignee",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	if user == nil {
		logger.Warn("assignee not found", slog.Int64("user_id", userID))
		return
	}

	if name := bitrix.UserDisplayName(user); name != "" {
		u.AssignedByName = &name
		u.ClearAssignedByName = false
	}
}

type fieldValue struct {
	name  string
	value string
}

// mappedValues returns the values of every mapping present on remote, in
// mapping order. Null counts as absent; empty strings, zero and false do not.
func mappedValues(mappings []domain.FieldMapping, remote bitrix.Entity) []fieldValue {
	var out []fieldValue
	for _, m := range mappings {
		v, ok := remote.Value(m.RemoteFieldID)
		if !ok {
			continue
		}
		out = append(out, fieldValue{name: m.FieldName, value: bitrix.FormatValue(v)})
	}
	return out
}
