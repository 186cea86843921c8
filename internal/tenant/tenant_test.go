package tenant

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/darkClaw921/b24-transfer-lead/internal/codec/bracket"
	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage/memory"
)

type failingStore struct {
	storage.WorkflowStore
}

func (failingStore) WorkflowByDomain(context.Context, string) (*domain.Workflow, error) {
	return nil, errors.New("connection refused")
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	for _, wf := range []*domain.Workflow{
		{Name: "locked", Domain: "locked.bitrix24.ru", AppToken: "s3cret"},
		{Name: "open", Domain: "open.bitrix24.ru"},
	} {
		if err := store.CreateWorkflow(ctx, wf); err != nil {
			t.Fatalf("CreateWorkflow() error = %v", err)
		}
	}
	return NewResolver(store)
}

func tree(pairs ...string) *bracket.Tree {
	var ps []bracket.Pair
	for i := 0; i+1 < len(pairs); i += 2 {
		ps = append(ps, bracket.Pair{Key: pairs[i], Value: pairs[i+1]})
	}
	return bracket.Decode(ps)
}

func TestResolver_ResolveEvent(t *testing.T) {
	r := newResolver(t)

	tests := []struct {
		name       string
		tree       *bracket.Tree
		wantName   string
		wantStatus int
		wantCode   domain.ErrorCode
		wantMsg    string
	}{
		{
			name:     "valid token",
			tree:     tree("auth[domain]", "locked.bitrix24.ru", "auth[application_token]", "s3cret"),
			wantName: "locked",
		},
		{
			name:     "open tenant without token",
			tree:     tree("auth[domain]", "open.bitrix24.ru"),
			wantName: "open",
		},
		{
			name:     "open tenant with any token",
			tree:     tree("auth[domain]", "open.bitrix24.ru", "auth[application_token]", "whatever"),
			wantName: "open",
		},
		{
			name:       "missing domain",
			tree:       tree("event", "ONCRMLEADUPDATE"),
			wantStatus: http.StatusBadRequest,
			wantCode:   domain.ErrorCodeMissingDomain,
			wantMsg:    "Missing domain in webhook event",
		},
		{
			name:       "unknown domain",
			tree:       tree("auth[domain]", "nobody.bitrix24.ru"),
			wantStatus: http.StatusNotFound,
			wantCode:   domain.ErrorCodeUnknownWorkflow,
			wantMsg:    "Workflow not found for this domain",
		},
		{
			name:       "missing token",
			tree:       tree("auth[domain]", "locked.bitrix24.ru"),
			wantStatus: http.StatusForbidden,
			wantCode:   domain.ErrorCodeMissingAppToken,
			wantMsg:    "Missing application token in webhook event",
		},
		{
			name:       "wrong token",
			tree:       tree("auth[domain]", "locked.bitrix24.ru", "auth[application_token]", "S3CRET"),
			wantStatus: http.StatusForbidden,
			wantCode:   domain.ErrorCodeInvalidAppToken,
			wantMsg:    "Invalid application token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, err := r.ResolveEvent(context.Background(), tt.tree)
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("ResolveEvent() error = %v", err)
				}
				if wf.Name != tt.wantName {
					t.Errorf("ResolveEvent() = %q, want %q", wf.Name, tt.wantName)
				}
				return
			}

			var apiErr *domain.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("ResolveEvent() error = %v, want *domain.APIError", err)
			}
			if apiErr.HTTPStatusCode() != tt.wantStatus || apiErr.Code != tt.wantCode || apiErr.Message != tt.wantMsg {
				t.Errorf("ResolveEvent() error = %d %s %q, want %d %s %q",
					apiErr.HTTPStatusCode(), apiErr.Code, apiErr.Message, tt.wantStatus, tt.wantCode, tt.wantMsg)
			}
		})
	}
}

func TestResolver_StoreFailure(t *testing.T) {
	r := NewResolver(failingStore{})

	_, err := r.Resolve(context.Background(), "a.bitrix24.ru")
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode() != http.StatusInternalServerError {
		t.Fatalf("Resolve() error = %v, want 500 APIError", err)
	}
	if apiErr.Unwrap() == nil {
		t.Error("Resolve() should keep the store error as cause")
	}
}

func TestAuthenticate(t *testing.T) {
	open := &domain.Workflow{}
	if err := Authenticate(open, ""); err != nil {
		t.Errorf("Authenticate(open, \"\") error = %v", err)
	}

	locked := &domain.Workflow{AppToken: "abc"}
	if err := Authenticate(locked, "abc"); err != nil {
		t.Errorf("Authenticate(locked, abc) error = %v", err)
	}
	if err := Authenticate(locked, "abcd"); err == nil {
		t.Error("Authenticate(locked, abcd) expected error")
	}
}
