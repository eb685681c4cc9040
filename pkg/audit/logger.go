package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/sessionbridge/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close flushes and releases resources
	Close() error
}

// NewEvent builds an event stamped with the current time and the request ID
// found in ctx, if any.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	return &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
	}
}

// NoOpLogger discards every event
type NoOpLogger struct{}

// Log implements Logger
func (NoOpLogger) Log(context.Context, *AuditEvent) error { return nil }

// Close implements Logger
func (NoOpLogger) Close() error { return nil }
