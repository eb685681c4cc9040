package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthLogin       EventType = "auth.login"
	EventTypeAuthLoginFailed EventType = "auth.login_failed"
	EventTypeAuthLogout      EventType = "auth.logout"
	EventTypeAuthRefresh     EventType = "auth.refresh"

	// SSO handoff events
	EventTypeSSOTokenIssue         EventType = "sso.token_issue"
	EventTypeSSOTokenConsume       EventType = "sso.token_consume"
	EventTypeSSOTokenConsumeFailed EventType = "sso.token_consume_failed"

	// Session lifecycle events
	EventTypeSessionTerminate EventType = "session.terminate"
	EventTypeSessionSweep     EventType = "session.sweep"

	// User record events
	EventTypeUserUpdate EventType = "user.update"

	// Protected field guard events
	EventTypeFieldUpdated       EventType = "guard.field_updated"
	EventTypeFieldAttemptedNull EventType = "guard.field_attempted_null"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
	// EventStatusRepaired marks a write the field guard corrected
	EventStatusRepaired EventStatus = "repaired"
)

// ResourceType represents the type of resource an event concerns
type ResourceType string

const (
	ResourceTypeUser     ResourceType = "user"
	ResourceTypeSession  ResourceType = "session"
	ResourceTypeSSOToken ResourceType = "sso_token"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	UserID *int64 `json:"user_id,omitempty"`
	System string `json:"system,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Changes tracking (before/after for updates)
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
