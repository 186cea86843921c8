package domain

import (
	"errors"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypePermission, Code: ErrorCodeInvalidAppToken, Message: "Invalid application token"},
			expected: "permission (invalid_application_token): Invalid application token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"invalid request", ErrInvalidRequest("x"), http.StatusBadRequest},
		{"permission", ErrPermission("x"), http.StatusForbidden},
		{"not found", ErrNotFound("x"), http.StatusNotFound},
		{"rate limit", ErrRateLimit("x"), http.StatusTooManyRequests},
		{"server", ErrServer("x"), http.StatusInternalServerError},
		{"explicit status wins", ErrServer("x").WithStatusCode(http.StatusBadGateway), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	cause := errors.New("db down")
	err := ErrServer("lookup failed").WithCause(cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}

	var apiErr *APIError
	if !errors.As(error(err), &apiErr) || apiErr.Type != ErrorTypeServer {
		t.Errorf("errors.As = %v", apiErr)
	}
}

func TestLeadUpdate_Apply(t *testing.T) {
	sem := "P"
	name := "Old Name"
	lead := &Lead{Status: "NEW", StatusSemanticID: &sem, AssignedByName: &name}

	status := "IN_PROCESS"
	LeadUpdate{Status: &status, ClearAssignedByName: true}.Apply(lead)

	if lead.Status != "IN_PROCESS" {
		t.Errorf("Status = %q, want IN_PROCESS", lead.Status)
	}
	if lead.StatusSemanticID == nil || *lead.StatusSemanticID != "P" {
		t.Errorf("StatusSemanticID changed without a value: %v", lead.StatusSemanticID)
	}
	if lead.AssignedByName != nil {
		t.Errorf("AssignedByName = %q, want nil", *lead.AssignedByName)
	}
}

func TestParseEntityKind(t *testing.T) {
	if k, err := ParseEntityKind(" Deal "); err != nil || k != EntityDeal {
		t.Errorf("ParseEntityKind(Deal) = %q, %v", k, err)
	}
	if _, err := ParseEntityKind("contact"); err == nil {
		t.Error("ParseEntityKind(contact) expected error")
	}
}
