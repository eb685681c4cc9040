package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/sessionbridge/pkg/audit"
	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/fieldguard"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
	"github.com/platinummonkey/sessionbridge/pkg/storage"
)

// Optional is a JSON field that tells an absent key apart from an explicit
// null. Set is true whenever the key was present; Value is nil for null.
type Optional[T any] struct {
	Set   bool
	Value *T
}

// UnmarshalJSON implements json.Unmarshaler. encoding/json calls it for a
// literal null too, which is what lets Set distinguish null from absent.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// ProfileUpdate is a partial write to a user record. Absent keys leave the
// column alone; null clears it, subject to the field guard.
type ProfileUpdate struct {
	Username             Optional[string]  `json:"username"`
	SystemAffiliation    Optional[string]  `json:"system_affiliation"`
	InstitutionRole      Optional[string]  `json:"institution_role"`
	PrimaryInstitutionID Optional[int64]   `json:"primary_institution_id"`
	InstitutionIDs       Optional[[]int64] `json:"institution_ids"`
	IsInstitutionMember  Optional[bool]    `json:"is_institution_member"`
}

// ProfileUpdateResult carries the stored profile and the fields the guard
// restored because the write tried to null them
type ProfileUpdateResult struct {
	User           auth.PublicProfile `json:"user"`
	RepairedFields []string           `json:"repaired_fields"`
}

func (p ProfileUpdate) apply(u *auth.User) error {
	if p.Username.Set {
		if p.Username.Value == nil || strings.TrimSpace(*p.Username.Value) == "" {
			return errBadProfile.WithMessage("username cannot be empty")
		}
		u.Username = strings.TrimSpace(*p.Username.Value)
	}
	if p.SystemAffiliation.Set {
		u.SystemAffiliation = ""
		if v := p.SystemAffiliation.Value; v != nil {
			if *v != "" && !auth.System(*v).Valid() {
				return errBadProfile.WithMessage("system_affiliation must be A or B")
			}
			u.SystemAffiliation = *v
		}
	}
	if p.InstitutionRole.Set {
		u.InstitutionRole = ""
		if v := p.InstitutionRole.Value; v != nil {
			u.InstitutionRole = *v
		}
	}
	if p.PrimaryInstitutionID.Set {
		u.PrimaryInstitutionID = p.PrimaryInstitutionID.Value
	}
	if p.InstitutionIDs.Set {
		u.InstitutionIDs = nil
		if v := p.InstitutionIDs.Value; v != nil {
			u.InstitutionIDs = *v
		}
	}
	if p.IsInstitutionMember.Set {
		u.IsInstitutionMember = p.IsInstitutionMember.Value
	}
	return nil
}

var errBadProfile = &auth.Error{Code: auth.CodeBadRequest, Message: "invalid profile update", Status: http.StatusBadRequest}

// UpdateProfile applies a partial write to the user record. The row is
// locked before it is loaded, so the guard reconciles against the value the
// write replaces.
func (b *Bridge) UpdateProfile(ctx context.Context, userID int64, update ProfileUpdate, client sessions.ClientInfo) (*ProfileUpdateResult, error) {
	var (
		user   *auth.User
		events []fieldguard.Event
	)
	err := storage.RunInTx(ctx, b.db, func(tx *sql.Tx) error {
		store := b.users.WithTx(tx)
		if err := store.Lock(ctx, userID); err != nil {
			return err
		}
		u, snap, err := store.Load(ctx, userID)
		if err != nil {
			return err
		}
		if err := update.apply(u); err != nil {
			return err
		}
		events, err = store.Save(ctx, u, snap)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	repaired := []string{}
	for _, ev := range events {
		if ev.Action == fieldguard.ActionAttemptedNull {
			repaired = append(repaired, string(ev.Field))
		}
	}

	ev := b.event(ctx, audit.EventTypeUserUpdate, audit.EventStatusSuccess, user.ID, client)
	ev.ResourceType = audit.ResourceTypeUser
	ev.ResourceID = strconv.FormatInt(user.ID, 10)
	if len(repaired) > 0 {
		ev.Status = audit.EventStatusRepaired
		ev.Metadata = map[string]interface{}{"repaired_fields": repaired}
	}
	b.record(ctx, ev)

	return &ProfileUpdateResult{User: user.Public(), RepairedFields: repaired}, nil
}
