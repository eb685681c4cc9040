package fieldguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/sessionbridge/pkg/async"
	"github.com/platinummonkey/sessionbridge/pkg/audit"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
)

// MemorySink keeps the most recent events in a fixed-size ring buffer. It is
// best effort and lost on restart.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewMemorySink creates a ring buffer holding up to capacity events
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemorySink{events: make([]Event, capacity)}
}

// Record implements Sink
func (s *MemorySink) Record(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[s.next] = event
	s.next = (s.next + 1) % len(s.events)
	if s.next == 0 {
		s.full = true
	}
}

// Events returns the buffered events, oldest first
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		return append([]Event(nil), s.events[:s.next]...)
	}
	out := make([]Event, 0, len(s.events))
	out = append(out, s.events[s.next:]...)
	return append(out, s.events[:s.next]...)
}

// Alerts returns the buffered alert-level events, oldest first
func (s *MemorySink) Alerts() []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Alert {
			out = append(out, ev)
		}
	}
	return out
}

// LogSink writes events to the structured logger
type LogSink struct {
	logger *observability.Logger
}

// NewLogSink creates a sink that logs through logger
func NewLogSink(logger *observability.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record implements Sink
func (s *LogSink) Record(_ context.Context, event Event) {
	l := s.logger.WithFields(map[string]interface{}{
		"user_id":   event.UserID,
		"field":     event.Field,
		"action":    event.Action,
		"old_value": event.OldValue,
		"new_value": event.NewValue,
	})

	switch {
	case event.Alert:
		l.WithField("alert", true).Error("protected field null write blocked")
	case event.Action == ActionAttemptedNull:
		l.Warn("protected field null write blocked")
	default:
		l.Debug("protected field updated")
	}
}

// AuditSink persists events through an audit.Logger without blocking the
// caller
type AuditSink struct {
	audit   audit.Logger
	logger  *observability.Logger
	timeout time.Duration
}

// NewAuditSink creates a sink that writes to auditLogger in the background
func NewAuditSink(auditLogger audit.Logger, logger *observability.Logger) *AuditSink {
	return &AuditSink{audit: auditLogger, logger: logger, timeout: 5 * time.Second}
}

// Record implements Sink
func (s *AuditSink) Record(ctx context.Context, event Event) {
	ev := ToAuditEvent(ctx, event)
	async.SafeGo(ctx, s.logger, s.timeout, "fieldguard-audit", func(ctx context.Context) error {
		return s.audit.Log(ctx, ev)
	})
}

// ToAuditEvent converts a guard event into an audit trail entry
func ToAuditEvent(ctx context.Context, event Event) *audit.AuditEvent {
	eventType := audit.EventTypeFieldUpdated
	status := audit.EventStatusSuccess
	if event.Action == ActionAttemptedNull {
		eventType = audit.EventTypeFieldAttemptedNull
		status = audit.EventStatusRepaired
	}

	ev := audit.NewEvent(ctx, eventType, status)
	ev.Timestamp = event.Timestamp
	userID := event.UserID
	ev.UserID = &userID
	ev.ResourceType = audit.ResourceTypeUser
	ev.ResourceID = fmt.Sprintf("%d", event.UserID)
	ev.Message = fmt.Sprintf("%s %s", event.Field, event.Action)
	ev.Metadata = map[string]interface{}{
		"field": string(event.Field),
		"alert": event.Alert,
	}
	ev.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{string(event.Field): event.OldValue},
		After:  map[string]interface{}{string(event.Field): event.NewValue},
	}
	return ev
}

// MultiSink fans events out to several sinks
type MultiSink []Sink

// Record implements Sink
func (m MultiSink) Record(ctx context.Context, event Event) {
	for _, s := range m {
		s.Record(ctx, event)
	}
}
