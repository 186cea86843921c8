package bitrix

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Entity is a remote CRM object as returned by the REST API: field id to
// JSON value. Numbers are kept as json.Number.
type Entity map[string]any

// Value returns the raw value of field. JSON null counts as absent.
func (e Entity) Value(field string) (any, bool) {
	v, ok := e[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// String returns the stringified value of field; see FormatValue.
func (e Entity) String(field string) (string, bool) {
	v, ok := e.Value(field)
	if !ok {
		return "", false
	}
	return FormatValue(v), true
}

// Int returns field parsed as an integer id. Empty strings, zero and
// non-numeric values report false.
func (e Entity) Int(field string) (int64, bool) {
	s, ok := e.String(field)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// UserDisplayName joins the trimmed NAME and LAST_NAME of a user with a
// single space. Both blank yields "".
func UserDisplayName(user Entity) string {
	name, _ := user.String("NAME")
	last, _ := user.String("LAST_NAME")
	return strings.TrimSpace(strings.TrimSpace(name) + " " + strings.TrimSpace(last))
}

// FormatValue renders a remote value for storage. Strings are kept verbatim,
// numbers keep their literal text, booleans become true/false, and lists or
// objects are JSON-encoded.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case []any, map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// DomainFromWebhookURL returns the portal host of a webhook URL, lowercased
// and without port.
func DomainFromWebhookURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse webhook url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("webhook url %q has no host", raw)
	}
	return host, nil
}
