// Package codec provides error conversion utilities for mapping pipeline
// errors onto HTTP error responses.
package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/darkClaw921/b24-transfer-lead/internal/codec/webhookbody"
	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
)

// ErrorResponse is a serialized error ready to be written.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ToCanonicalError converts any error to a domain.APIError.
// If the error is already a domain.APIError, it returns it directly. Body
// decoding failures become invalid-request errors; everything else is a
// generic server error that does not leak the underlying message.
func ToCanonicalError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, webhookbody.ErrMalformedBody) {
		return domain.ErrInvalidRequest("Malformed webhook body").
			WithCode(domain.ErrorCodeMalformedBody).
			WithCause(err)
	}
	return domain.ErrServer("Internal server error").WithCause(err)
}

// FormatError renders err as {"error":{"type":...,"code":...,"message":...}}.
func FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)

	errObj := map[string]string{
		"type":    string(apiErr.Type),
		"message": apiErr.Message,
	}
	if apiErr.Code != "" {
		errObj["code"] = string(apiErr.Code)
	}

	body, _ := json.Marshal(map[string]any{
		"error": errObj,
	})

	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

// WriteError writes the JSON error response for err.
func WriteError(w http.ResponseWriter, err error) {
	resp := FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
