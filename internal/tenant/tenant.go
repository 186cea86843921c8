// Package tenant maps inbound webhook events to a configured workflow and
// verifies the application token they carry.
package tenant

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/darkClaw921/b24-transfer-lead/internal/codec/bracket"
	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/event"
	"github.com/darkClaw921/b24-transfer-lead/internal/storage"
)

// Auth field names carried under "auth" by Bitrix24 events.
const (
	AuthDomain           = "domain"
	AuthApplicationToken = "application_token"
)

// Resolver finds the workflow an event belongs to.
type Resolver struct {
	store storage.WorkflowStore
}

// NewResolver creates a resolver over store.
func NewResolver(store storage.WorkflowStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the workflow registered for domainName. Errors are
// *domain.APIError values ready to be written to the client.
func (r *Resolver) Resolve(ctx context.Context, domainName string) (*domain.Workflow, error) {
	if domainName == "" {
		return nil, domain.ErrInvalidRequest("Missing domain in webhook event").
			WithCode(domain.ErrorCodeMissingDomain)
	}

	wf, err := r.store.WorkflowByDomain(ctx, domainName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound("Workflow not found for this domain").
			WithCode(domain.ErrorCodeUnknownWorkflow)
	}
	if err != nil {
		return nil, domain.ErrServer("Workflow lookup failed").
			WithCode(domain.ErrorCodeWorkflowLookup).
			WithCause(err)
	}
	return wf, nil
}

// Authenticate checks token against the workflow's configured secret. A
// workflow without a secret accepts any token, including none.
func Authenticate(wf *domain.Workflow, token string) error {
	if !wf.RequiresToken() {
		return nil
	}
	if token == "" {
		return domain.ErrPermission("Missing application token in webhook event").
			WithCode(domain.ErrorCodeMissingAppToken)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(wf.AppToken)) != 1 {
		return domain.ErrPermission("Invalid application token").
			WithCode(domain.ErrorCodeInvalidAppToken)
	}
	return nil
}

// ResolveEvent extracts the auth fields of a decoded event, resolves its
// workflow and authenticates it.
func (r *Resolver) ResolveEvent(ctx context.Context, tree *bracket.Tree) (*domain.Workflow, error) {
	domainName, _ := event.AuthField(tree, AuthDomain)
	wf, err := r.Resolve(ctx, domainName)
	if err != nil {
		return nil, err
	}

	token, _ := event.AuthField(tree, AuthApplicationToken)
	if err := Authenticate(wf, token); err != nil {
		return nil, err
	}
	return wf, nil
}
