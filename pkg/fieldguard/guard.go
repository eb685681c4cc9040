// Package fieldguard protects the cross-system user attributes that both
// systems write. A Snapshot is taken whenever a user is loaded and Reconcile
// runs immediately before the user is persisted. Reconcile never blocks a
// write: it restores scalar fields that were nulled out, unions set-valued
// fields, and reports what it did to a Sink.
package fieldguard

import (
	"context"
	"reflect"
	"time"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
)

// Field names a protected attribute
type Field string

const (
	FieldSystemAffiliation    Field = "system_affiliation"
	FieldInstitutionRole      Field = "institution_role"
	FieldPrimaryInstitutionID Field = "primary_institution_id"
	FieldInstitutionIDs       Field = "institution_ids"
	FieldIsInstitutionMember  Field = "is_institution_member"
)

// Action describes what the guard observed for a field
type Action string

const (
	ActionUpdated       Action = "updated"
	ActionAttemptedNull Action = "attempted_null"
)

// alertFields raise an alert-level event when a write tries to null them
var alertFields = map[Field]bool{
	FieldSystemAffiliation:    true,
	FieldPrimaryInstitutionID: true,
}

// Event records one guard decision
type Event struct {
	UserID    int64       `json:"user_id"`
	Field     Field       `json:"field"`
	Action    Action      `json:"action"`
	OldValue  interface{} `json:"old_value"`
	NewValue  interface{} `json:"new_value"`
	Timestamp time.Time   `json:"timestamp"`
	Alert     bool        `json:"alert,omitempty"`
}

// Sink receives guard events. Implementations must not block for long;
// Record is called on the request path.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// Snapshot holds the protected field values as they were loaded
type Snapshot struct {
	UserID int64
	Fields auth.ProtectedFields
}

// Take copies the protected fields of u
func Take(u *auth.User) Snapshot {
	return Snapshot{UserID: u.ID, Fields: cloneFields(u.ProtectedFields)}
}

// Guard applies the non-regression rules to protected fields
type Guard struct {
	sink    Sink
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Guard
type Option func(*Guard)

// WithMetrics records every emitted event as a metric
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithClock overrides the event timestamp source
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard that reports to sink. A nil sink discards events.
func New(sink Sink, opts ...Option) *Guard {
	g := &Guard{sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Snapshot captures the protected fields of a freshly loaded user
func (g *Guard) Snapshot(u *auth.User) Snapshot {
	return Take(u)
}

// Reconcile repairs u in place against snap and returns the events emitted.
// Scalars that go from set to unset are restored. The institution-id set
// becomes the union of the snapshot and the incoming value.
func (g *Guard) Reconcile(ctx context.Context, snap Snapshot, u *auth.User) []Event {
	var events []Event
	now := g.now().UTC()
	emit := func(field Field, action Action, oldValue, newValue interface{}) {
		events = append(events, Event{
			UserID:    u.ID,
			Field:     field,
			Action:    action,
			OldValue:  oldValue,
			NewValue:  newValue,
			Timestamp: now,
			Alert:     action == ActionAttemptedNull && alertFields[field],
		})
	}

	before := snap.Fields
	cur := &u.ProtectedFields

	if before.SystemAffiliation != "" && cur.SystemAffiliation == "" {
		emit(FieldSystemAffiliation, ActionAttemptedNull, before.SystemAffiliation, nil)
		cur.SystemAffiliation = before.SystemAffiliation
	} else if before.SystemAffiliation != cur.SystemAffiliation {
		emit(FieldSystemAffiliation, ActionUpdated, nullableString(before.SystemAffiliation), cur.SystemAffiliation)
	}

	if before.InstitutionRole != "" && cur.InstitutionRole == "" {
		emit(FieldInstitutionRole, ActionAttemptedNull, before.InstitutionRole, nil)
		cur.InstitutionRole = before.InstitutionRole
	} else if before.InstitutionRole != cur.InstitutionRole {
		emit(FieldInstitutionRole, ActionUpdated, nullableString(before.InstitutionRole), cur.InstitutionRole)
	}

	if before.PrimaryInstitutionID != nil && cur.PrimaryInstitutionID == nil {
		emit(FieldPrimaryInstitutionID, ActionAttemptedNull, *before.PrimaryInstitutionID, nil)
		v := *before.PrimaryInstitutionID
		cur.PrimaryInstitutionID = &v
	} else if !reflect.DeepEqual(before.PrimaryInstitutionID, cur.PrimaryInstitutionID) {
		emit(FieldPrimaryInstitutionID, ActionUpdated, derefInt(before.PrimaryInstitutionID), derefInt(cur.PrimaryInstitutionID))
	}

	if before.IsInstitutionMember != nil && cur.IsInstitutionMember == nil {
		emit(FieldIsInstitutionMember, ActionAttemptedNull, *before.IsInstitutionMember, nil)
		v := *before.IsInstitutionMember
		cur.IsInstitutionMember = &v
	} else if !reflect.DeepEqual(before.IsInstitutionMember, cur.IsInstitutionMember) {
		emit(FieldIsInstitutionMember, ActionUpdated, derefBool(before.IsInstitutionMember), derefBool(cur.IsInstitutionMember))
	}

	merged := union(before.InstitutionIDs, cur.InstitutionIDs)
	if len(merged) > len(before.InstitutionIDs) {
		emit(FieldInstitutionIDs, ActionUpdated, cloneIDs(before.InstitutionIDs), cloneIDs(merged))
	}
	cur.InstitutionIDs = merged

	for _, ev := range events {
		if g.metrics != nil {
			g.metrics.RecordFieldGuardEvent(string(ev.Field), string(ev.Action))
		}
		if g.sink != nil {
			g.sink.Record(ctx, ev)
		}
	}
	return events
}

// union keeps the order of base and appends members of extra not yet seen
func union(base, extra []int64) []int64 {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(base)+len(extra))
	out := make([]int64, 0, len(base)+len(extra))
	for _, list := range [][]int64{base, extra} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func cloneFields(f auth.ProtectedFields) auth.ProtectedFields {
	out := f
	if f.PrimaryInstitutionID != nil {
		v := *f.PrimaryInstitutionID
		out.PrimaryInstitutionID = &v
	}
	if f.IsInstitutionMember != nil {
		v := *f.IsInstitutionMember
		out.IsInstitutionMember = &v
	}
	out.InstitutionIDs = cloneIDs(f.InstitutionIDs)
	return out
}

func cloneIDs(ids []int64) []int64 {
	if ids == nil {
		return nil
	}
	return append([]int64(nil), ids...)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func derefInt(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func derefBool(p *bool) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
