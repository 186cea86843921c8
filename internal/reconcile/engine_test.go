package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkClaw921/b24-transfer-lead/internal/bitrix"
	"github.com/darkClaw921/b24-transfer-lead/internal/codec/bracket"
	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/event"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage/memory"
)

type fakeCRM struct {
	entities  map[int64]bitrix.Entity
	users     map[int64]bitrix.Entity
	entityErr error
	userErr   error

	entityCalls int
	userCalls   int
}

func (f *fakeCRM) GetEntity(ctx context.Context, kind domain.EntityKind, id int64) (bitrix.Entity, error) {
	f.entityCalls++
	if f.entityErr != nil {
		return nil, f.entityErr
	}
	e, ok := f.entities[id]
	if !ok {
		return nil, &bitrix.Error{StatusCode: 400, Code: "NOT_FOUND"}
	}
	return e, nil
}

func (f *fakeCRM) GetUser(ctx context.Context, id int64) (bitrix.Entity, error) {
	f.userCalls++
	if f.userErr != nil {
		return nil, f.userErr
	}
	return f.users[id], nil
}

type fixture struct {
	store *memory.Store
	crm   *fakeCRM
	wf    *domain.Workflow
	lead  *domain.Lead
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	wf := &domain.Workflow{Name: "sales", Domain: "example.bitrix24.ru", WebhookURL: "https://example.bitrix24.ru/rest/1/abc/"}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	for _, m := range []*domain.FieldMapping{
		{WorkflowID: wf.ID, EntityType: domain.EntityLead, RemoteFieldID: "PHONE", FieldName: "phone", UpdateOnEvent: true},
		{WorkflowID: wf.ID, EntityType: domain.EntityLead, RemoteFieldID: "COMMENTS", FieldName: "comments", UpdateOnEvent: true},
		{WorkflowID: wf.ID, EntityType: domain.EntityLead, RemoteFieldID: "OPPORTUNITY", FieldName: "amount", UpdateOnEvent: true},
		{WorkflowID: wf.ID, EntityType: domain.EntityLead, RemoteFieldID: "TITLE", FieldName: "title", UpdateOnEvent: false},
		{WorkflowID: wf.ID, EntityType: domain.EntityLead, RemoteFieldID: "UF_MISSING", FieldName: "missing", UpdateOnEvent: true},
		{WorkflowID: wf.ID, EntityType: domain.EntityDeal, RemoteFieldID: "OPPORTUNITY", FieldName: "deal_amount", UpdateOnEvent: true},
	} {
		require.NoError(t, store.CreateFieldMapping(ctx, m))
	}

	lead := &domain.Lead{WorkflowID: wf.ID, RemoteID: 42, Status: "NEW"}
	require.NoError(t, store.CreateLead(ctx, lead))

	crm := &fakeCRM{
		entities: map[int64]bitrix.Entity{
			42: {
				"ID":                 "42",
				"STATUS_ID":          "IN_PROCESS",
				"STATUS_SEMANTIC_ID": "P",
				"ASSIGNED_BY_ID":     "5",
				"PHONE":              "+7 900 000-00-00",
				"COMMENTS":           "",
				"OPPORTUNITY":        json.Number("1500.00"),
				"TITLE":              "New title",
				"UF_MISSING":         nil,
			},
		},
		users: map[int64]bitrix.Entity{
			5: {"NAME": "Anna ", "LAST_NAME": "Ivanova"},
		},
	}

	return &fixture{store: store, crm: crm, wf: wf, lead: lead}
}

func (f *fixture) engine() *Engine {
	return New(f.store, f.store, func(*domain.Workflow) CRMClient { return f.crm })
}

func (f *fixture) current(t *testing.T) *domain.Lead {
	t.Helper()
	lead, err := f.store.LeadByRemoteID(context.Background(), f.wf.ID, f.lead.RemoteID)
	require.NoError(t, err)
	return lead
}

func envelope(pairs ...string) event.Envelope {
	var ps []bracket.Pair
	for i := 0; i+1 < len(pairs); i += 2 {
		ps = append(ps, bracket.Pair{Key: pairs[i], Value: pairs[i+1]})
	}
	return event.Parse(bracket.Decode(ps))
}

func leadUpdate(id string) event.Envelope {
	return envelope("event", "ONCRMLEADUPDATE", "data[FIELDS][ID]", id)
}

func TestReconcile_UpdatesLead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.engine().Reconcile(ctx, f.wf, leadUpdate("42"))

	require.Equal(t, StateMutated, out.State)
	assert.Equal(t, ReasonUpdated, out.Reason)
	assert.Equal(t, "42", out.EntityID)
	assert.Equal(t, f.lead.ID, out.LeadID)
	assert.NoError(t, out.Err)

	lead := f.current(t)
	assert.Equal(t, "IN_PROCESS", lead.Status)
	require.NotNil(t, lead.StatusSemanticID)
	assert.Equal(t, "P", *lead.StatusSemanticID)
	require.NotNil(t, lead.AssignedByName)
	assert.Equal(t, "Anna Ivanova", *lead.AssignedByName)

	fields, err := f.store.LeadFields(ctx, f.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"phone":    "+7 900 000-00-00",
		"comments": "",
		"amount":   "1500.00",
	}, fields)
	assert.Equal(t, 1, f.store.Commits())
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine := f.engine()

	first := engine.Reconcile(ctx, f.wf, leadUpdate("42"))
	require.True(t, first.Mutated())
	leadAfterFirst := f.current(t)
	fieldsAfterFirst, _ := f.store.LeadFields(ctx, f.lead.ID)

	second := engine.Reconcile(ctx, f.wf, leadUpdate("42"))
	require.True(t, second.Mutated())
	leadAfterSecond := f.current(t)
	fieldsAfterSecond, _ := f.store.LeadFields(ctx, f.lead.ID)

	assert.Equal(t, leadAfterFirst.Status, leadAfterSecond.Status)
	assert.Equal(t, leadAfterFirst.StatusSemanticID, leadAfterSecond.StatusSemanticID)
	assert.Equal(t, leadAfterFirst.AssignedByName, leadAfterSecond.AssignedByName)
	assert.Equal(t, fieldsAfterFirst, fieldsAfterSecond)
}

func TestReconcile_FetchFailure(t *testing.T) {
	f := newFixture(t)
	f.crm.entityErr = errors.New("dial tcp: connection refused")

	out := f.engine().Reconcile(context.Background(), f.wf, leadUpdate("42"))

	assert.Equal(t, StateNoOp, out.State)
	assert.Equal(t, ReasonFetchFailed, out.Reason)
	assert.ErrorIs(t, out.Err, f.crm.entityErr)
	assert.Equal(t, 0, f.store.Commits())
	assert.Equal(t, "NEW", f.current(t).Status)
}

func TestReconcile_NoOps(t *testing.T) {
	tests := []struct {
		name        string
		env         event.Envelope
		wantReason  Reason
		wantFetches int
	}{
		{
			name:       "unknown event",
			env:        envelope("event", "ONCRMCONTACTUPDATE", "data[FIELDS][ID]", "42"),
			wantReason: ReasonUnknownEvent,
		},
		{
			name:       "missing id",
			env:        envelope("event", "ONCRMLEADUPDATE", "data[FIELDS][TITLE]", "x"),
			wantReason: ReasonMissingID,
		},
		{
			name:       "non-numeric id",
			env:        leadUpdate("abc"),
			wantReason: ReasonInvalidID,
		},
		{
			name:        "remote entity missing",
			env:         leadUpdate("77"),
			wantReason:  ReasonFetchFailed,
			wantFetches: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			out := f.engine().Reconcile(context.Background(), f.wf, tt.env)

			assert.Equal(t, StateNoOp, out.State)
			assert.Equal(t, tt.wantReason, out.Reason)
			assert.Equal(t, tt.wantFetches, f.crm.entityCalls)
			assert.Equal(t, 0, f.store.Commits())
		})
	}
}

func TestReconcile_RecordNotFound(t *testing.T) {
	f := newFixture(t)
	f.crm.entities[99] = bitrix.Entity{"ID": "99", "STATUS_ID": "NEW"}

	out := f.engine().Reconcile(context.Background(), f.wf, leadUpdate("99"))

	assert.Equal(t, StateNoOp, out.State)
	assert.Equal(t, ReasonRecordNotFound, out.Reason)
	assert.NoError(t, out.Err)
	assert.Equal(t, 0, f.crm.userCalls)
	assert.Equal(t, 0, f.store.Commits())
}

func TestReconcile_Assignee(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(f *fixture)
		wantName  *string
		wantCalls int
	}{
		{
			name:      "user lookup fails",
			mutate:    func(f *fixture) { f.crm.userErr = errors.New("timeout") },
			wantCalls: 1,
		},
		{
			name:      "user absent",
			mutate:    func(f *fixture) { delete(f.crm.users, 5) },
			wantCalls: 1,
		},
		{
			name:      "blank name",
			mutate:    func(f *fixture) { f.crm.users[5] = bitrix.Entity{"NAME": " ", "LAST_NAME": ""} },
			wantCalls: 1,
		},
		{
			name:   "no assignee",
			mutate: func(f *fixture) { delete(f.crm.entities[42], "ASSIGNED_BY_ID") },
		},
		{
			name: "last name only",
			mutate: func(f *fixture) {
				f.crm.users[5] = bitrix.Entity{"LAST_NAME": "Petrov"}
			},
			wantName:  ptr("Petrov"),
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			// Seed a previous assignee so clearing is observable.
			require.NoError(t, f.store.WithTx(ctx, func(tx storage.EntityTx) error {
				return tx.UpdateLead(ctx, f.lead.ID, domain.LeadUpdate{AssignedByName: ptr("Old Owner")})
			}))
			tt.mutate(f)

			out := f.engine().Reconcile(ctx, f.wf, leadUpdate("42"))

			require.Equal(t, StateMutated, out.State)
			assert.Equal(t, tt.wantCalls, f.crm.userCalls)
			assert.Equal(t, tt.wantName, f.current(t).AssignedByName)
		})
	}
}

func TestReconcile_StatusOnlyWhenPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.crm.entities[42] = bitrix.Entity{"ID": "42", "STATUS_SEMANTIC_ID": nil}

	out := f.engine().Reconcile(ctx, f.wf, leadUpdate("42"))

	require.Equal(t, StateMutated, out.State)
	lead := f.current(t)
	assert.Equal(t, "NEW", lead.Status)
	assert.Nil(t, lead.StatusSemanticID)
}

func TestReconcile_Deal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.crm.entities[42] = bitrix.Entity{
		"ID":                "42",
		"STAGE_ID":          "C1:WON",
		"STAGE_SEMANTIC_ID": "S",
		"STATUS_ID":         "IGNORED",
		"OPPORTUNITY":       json.Number("25000"),
	}

	out := f.engine().Reconcile(ctx, f.wf, envelope("event", "ONCRMDEALUPDATE", "data[FIELDS][ID]", "42"))

	require.Equal(t, StateMutated, out.State)
	assert.Equal(t, domain.EntityDeal, out.Kind)

	lead := f.current(t)
	assert.Equal(t, "C1:WON", lead.Status)
	require.NotNil(t, lead.StatusSemanticID)
	assert.Equal(t, "S", *lead.StatusSemanticID)

	fields, err := f.store.LeadFields(ctx, f.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"deal_amount": "25000"}, fields)
}

type failingFieldStore struct {
	storage.EntityStore
}

func (s failingFieldStore) WithTx(ctx context.Context, fn func(storage.EntityTx) error) error {
	return s.EntityStore.WithTx(ctx, func(tx storage.EntityTx) error {
		return fn(failingFieldTx{tx})
	})
}

type failingFieldTx struct {
	storage.EntityTx
}

func (failingFieldTx) UpsertLeadField(context.Context, int64, string, string) error {
	return errors.New("disk full")
}

type providerFunc func(context.Context, *domain.Workflow) (storage.EntityStore, error)

func (p providerFunc) EntityStoreFor(ctx context.Context, wf *domain.Workflow) (storage.EntityStore, error) {
	return p(ctx, wf)
}

func TestReconcile_RollsBackOnFieldFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	provider := providerFunc(func(context.Context, *domain.Workflow) (storage.EntityStore, error) {
		return failingFieldStore{f.store}, nil
	})
	engine := New(f.store, provider, func(*domain.Workflow) CRMClient { return f.crm })

	out := engine.Reconcile(ctx, f.wf, leadUpdate("42"))

	assert.Equal(t, StateNoOp, out.State)
	assert.Equal(t, ReasonStoreFailed, out.Reason)
	assert.Error(t, out.Err)

	lead := f.current(t)
	assert.Equal(t, "NEW", lead.Status)
	assert.Nil(t, lead.AssignedByName)
	fields, _ := f.store.LeadFields(ctx, f.lead.ID)
	assert.Empty(t, fields)
}

func ptr(s string) *string {
	return &s
}
