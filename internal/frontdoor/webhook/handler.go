// Package webhook serves the inbound Bitrix24 event endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/darkClaw921/b24-transfer-lead/internal/codec"
	"github.com/darkClaw921/b24-transfer-lead/internal/codec/bracket"
	"github.com/darkClaw921/b24-transfer-lead/internal/codec/webhookbody"
	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
	"github.com/darkClaw921/b24-transfer-lead/internal/event"
	"github.com/darkClaw921/b24-transfer-lead/internal/reconcile"
	"github.com/darkClaw921/b24-transfer-lead/internal/server"
)

// DefaultPath is where the handler is mounted when no path is configured.
const DefaultPath = "/api/v1/webhook"

// Resolver maps a decoded event to its authenticated workflow.
type Resolver interface {
	ResolveEvent(ctx context.Context, tree *bracket.Tree) (*domain.Workflow, error)
}

// Reconciler applies an event to the workflow's local records.
type Reconciler interface {
	Reconcile(ctx context.Context, wf *domain.Workflow, env event.Envelope) reconcile.Outcome
}

type Handler struct {
	resolver     Resolver
	reconciler   Reconciler
	logger       *slog.Logger
	maxBodyBytes int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxBodyBytes caps the request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		h.maxBodyBytes = n
	}
}

func NewHandler(resolver Resolver, reconciler Reconciler, opts ...Option) *Handler {
	h := &Handler{
		resolver:     resolver,
		reconciler:   reconciler,
		logger:       slog.Default(),
		maxBodyBytes: webhookbody.DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mount registers the handler for POST on path, with and without a trailing
// slash.
func (h *Handler) Mount(r chi.Router, path string) {
	if path == "" {
		path = DefaultPath
	}
	path = "/" + strings.Trim(path, "/")
	r.Post(path, h.HandleEvent)
	r.Post(path+"/", h.HandleEvent)
}

// HandleEvent decodes, authenticates and reconciles one event. Once the
// workflow is authenticated the response is always {"status":"ok"};
// reconciliation runs detached from the client connection.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := server.GetRequestID(ctx)

	tree, format, err := webhookbody.Decode(r, h.maxBodyBytes)
	if err != nil {
		h.logger.Warn("failed to decode webhook body",
			slog.String("request_id", requestID),
			slog.String("content_type", r.Header.Get("Content-Type")),
			slog.String("error", err.Error()),
		)
		h.fail(w, r, err)
		return
	}
	server.AddLogField(ctx, "body_format", string(format))

	wf, err := h.resolver.ResolveEvent(ctx, tree)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	env := event.Parse(tree)
	server.AddLogField(ctx, "workflow_id", strconv.FormatInt(wf.ID, 10))
	server.AddLogField(ctx, "event", env.Name)

	out := h.reconciler.Reconcile(context.WithoutCancel(ctx), wf, env)

	server.AddLogField(ctx, "outcome", string(out.State))
	server.AddLogField(ctx, "reason", string(out.Reason))
	server.AddLogField(ctx, "entity_id", out.EntityID)
	server.AddError(ctx, out.Err)

	writeOK(w)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := codec.ToCanonicalError(err)
	server.AddLogField(r.Context(), "error_code", string(apiErr.Code))
	server.AddError(r.Context(), err)
	codec.WriteError(w, apiErr)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
