// Package bitrix is a minimal client for the Bitrix24 inbound-webhook REST
// API. A webhook URL has the shape https://<portal>/rest/<user>/<token>/ and
// methods are appended to it, e.g. crm.lead.get?id=42.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
)

const (
	defaultUserAgent = "b24-webhookd/1.0"
	maxResponseBytes = 4 << 20
)

// ErrEmptyResult is returned when a method succeeds but carries no object.
var ErrEmptyResult = errors.New("bitrix24: empty result")

// Error is an error reported by the Bitrix24 REST API.
type Error struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("bitrix24 %s (status %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("bitrix24 %s: %s (status %d)", e.Code, e.Description, e.StatusCode)
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithUserAgent sets the User-Agent header sent with every call.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// Client calls REST methods on one portal's webhook URL.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a client for webhookURL. The default HTTP client is
// instrumented with otelhttp and has no timeout; callers that need one pass
// WithHTTPClient.
func NewClient(webhookURL string, opts ...ClientOption) *Client {
	if !strings.HasSuffix(webhookURL, "/") {
		webhookURL += "/"
	}
	c := &Client{
		baseURL:   webhookURL,
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetLead fetches a lead by id (crm.lead.get).
func (c *Client) GetLead(ctx context.Context, id int64) (Entity, error) {
	return c.getObject(ctx, "crm.lead.get", url.Values{"id": {strconv.FormatInt(id, 10)}})
}

// GetDeal fetches a deal by id (crm.deal.get).
func (c *Client) GetDeal(ctx context.Context, id int64) (Entity, error) {
	return c.getObject(ctx, "crm.deal.get", url.Values{"id": {strconv.FormatInt(id, 10)}})
}

// GetEntity dispatches to GetLead or GetDeal.
func (c *Client) GetEntity(ctx context.Context, kind domain.EntityKind, id int64) (Entity, error) {
	switch kind {
	case domain.EntityLead:
		return c.GetLead(ctx, id)
	case domain.EntityDeal:
		return c.GetDeal(ctx, id)
	default:
		return nil, fmt.Errorf("bitrix24: unsupported entity kind %q", kind)
	}
}

// GetUser fetches a user by id (user.get). A nil Entity with a nil error
// means the portal knows no such user.
func (c *Client) GetUser(ctx context.Context, id int64) (Entity, error) {
	raw, err := c.call(ctx, "user.get", url.Values{"ID": {strconv.FormatInt(id, 10)}})
	if err != nil {
		return nil, err
	}

	var users []map[string]any
	if err := decodeNumbers(raw, &users); err != nil {
		return nil, fmt.Errorf("decode user.get result: %w", err)
	}
	if len(users) == 0 || users[0] == nil {
		return nil, nil
	}
	return Entity(users[0]), nil
}

func (c *Client) getObject(ctx context.Context, method string, params url.Values) (Entity, error) {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%s: %w", method, ErrEmptyResult)
	}

	var obj map[string]any
	if err := decodeNumbers(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return Entity(obj), nil
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (c *Client) call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	endpoint := c.baseURL + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &Error{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Description: truncate(string(body), 200)}
		}
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if env.Error != "" {
		return nil, &Error{StatusCode: resp.StatusCode, Code: env.Error, Description: env.ErrorDescription}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	}
	return env.Result, nil
}

func decodeNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
