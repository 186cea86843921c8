package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind identifies the CRM object type a webhook event refers to.
type EntityKind string

const (
	EntityLead EntityKind = "lead"
	EntityDeal EntityKind = "deal"
)

// ParseEntityKind validates a stored entity kind.
func ParseEntityKind(s string) (EntityKind, error) {
	switch EntityKind(strings.ToLower(strings.TrimSpace(s))) {
	case EntityLead:
		return EntityLead, nil
	case EntityDeal:
		return EntityDeal, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
}

// Workflow is a configured Bitrix24 installation (a tenant). Webhook events
// are routed to a workflow by the portal domain they carry.
type Workflow struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	// Domain is the portal domain, e.g. "example.bitrix24.ru".
	Domain string `json:"domain" db:"bitrix24_domain"`

	// AppToken is the optional shared secret events must carry.
	AppToken string `json:"-" db:"app_token"`

	// WebhookURL is the inbound REST webhook base of the portal,
	// e.g. https://example.bitrix24.ru/rest/1/abcdef/.
	WebhookURL string `json:"webhook_url" db:"bitrix24_webhook_url"`

	// OwnerID identifies the user owning the workflow.
	OwnerID int64 `json:"owner_id" db:"user_id"`
}

// RequiresToken reports whether events must carry a matching application token.
func (w *Workflow) RequiresToken() bool {
	return w.AppToken != ""
}

// FieldMapping binds a remote CRM field to a locally stored field name.
type FieldMapping struct {
	ID            int64      `json:"id" db:"id"`
	WorkflowID    int64      `json:"workflow_id" db:"workflow_id"`
	EntityType    EntityKind `json:"entity_type" db:"entity_type"`
	RemoteFieldID string     `json:"bitrix24_field_id" db:"bitrix24_field_id"`
	FieldName     string     `json:"field_name" db:"field_name"`
	UpdateOnEvent bool       `json:"update_on_event" db:"update_on_event"`
}

// Lead is the local record of a CRM lead or deal, keyed by
// (WorkflowID, RemoteID). Deals are stored alongside leads under their deal id.
type Lead struct {
	ID               int64     `json:"id" db:"id"`
	WorkflowID       int64     `json:"workflow_id" db:"workflow_id"`
	RemoteID         int64     `json:"bitrix24_lead_id" db:"bitrix24_lead_id"`
	Status           string    `json:"status" db:"status"`
	StatusSemanticID *string   `json:"status_semantic_id,omitempty" db:"status_semantic_id"`
	AssignedByName   *string   `json:"assigned_by_name,omitempty" db:"assigned_by_name"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// LeadField is one named value attached to a Lead.
type LeadField struct {
	ID         int64  `json:"id" db:"id"`
	LeadID     int64  `json:"lead_id" db:"lead_id"`
	FieldName  string `json:"field_name" db:"field_name"`
	FieldValue string `json:"field_value" db:"field_value"`
}

// LeadUpdate is the set of column changes a reconciliation pass applies to a
// Lead. Nil pointers leave the column unchanged; Clear* flags null it.
type LeadUpdate struct {
	Status              *string
	StatusSemanticID    *string
	AssignedByName      *string
	ClearAssignedByName bool
}

// Apply mutates lead in place.
func (u LeadUpdate) Apply(lead *Lead) {
	if u.Status != nil {
		lead.Status = *u.Status
	}
	if u.StatusSemanticID != nil {
		v := *u.StatusSemanticID
		lead.StatusSemanticID = &v
	}
	switch {
	case u.AssignedByName != nil:
		v := *u.AssignedByName
		lead.AssignedByName = &v
	case u.ClearAssignedByName:
		lead.AssignedByName = nil
	}
}
