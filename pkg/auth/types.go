package auth

import (
	"fmt"
	"strings"
	"time"
)

// System identifies one of the two applications participating in the bridge
type System string

const (
	SystemA System = "A"
	SystemB System = "B"
)

// AllSystems lists every known system in a stable order
var AllSystems = []System{SystemA, SystemB}

// ParseSystem converts user input such as "a", "B" or "system_b" into a System
func ParseSystem(s string) (System, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "SYSTEM_")
	v = strings.TrimPrefix(v, "SYSTEM")
	switch System(v) {
	case SystemA, SystemB:
		return System(v), nil
	}
	return "", fmt.Errorf("unknown system %q", s)
}

// Valid reports whether s is a known system
func (s System) Valid() bool {
	return s == SystemA || s == SystemB
}

// Other returns the counterpart system
func (s System) Other() System {
	if s == SystemA {
		return SystemB
	}
	return SystemA
}

// Lower returns the lowercase form used in JSON keys such as has_session_a
func (s System) Lower() string {
	return strings.ToLower(string(s))
}

// Role represents a user's application role
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the subset of the shared user aggregate this module reads and writes
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	IsActive     bool       `json:"is_active"`
	IsUserLogin  bool       `json:"is_user_login"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	ProtectedFields
}

// ProtectedFields are written by either system and must never be silently
// destroyed by the other. Nil or empty means "not set".
type ProtectedFields struct {
	SystemAffiliation    string  `json:"system_affiliation,omitempty"`
	InstitutionRole      string  `json:"institution_role,omitempty"`
	PrimaryInstitutionID *int64  `json:"primary_institution_id,omitempty"`
	InstitutionIDs       []int64 `json:"institution_ids,omitempty"`
	IsInstitutionMember  *bool   `json:"is_institution_member,omitempty"`
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// PublicProfile is the user view returned to clients
type PublicProfile struct {
	ID                   int64   `json:"id"`
	Email                string  `json:"email"`
	Username             string  `json:"username"`
	Role                 Role    `json:"role"`
	SystemAffiliation    string  `json:"system_affiliation,omitempty"`
	InstitutionRole      string  `json:"institution_role,omitempty"`
	PrimaryInstitutionID *int64  `json:"primary_institution_id,omitempty"`
	InstitutionIDs       []int64 `json:"institution_ids,omitempty"`
}

// Public builds the client-facing profile for the user
func (u *User) Public() PublicProfile {
	return PublicProfile{
		ID:                   u.ID,
		Email:                u.Email,
		Username:             u.Username,
		Role:                 u.Role,
		SystemAffiliation:    u.SystemAffiliation,
		InstitutionRole:      u.InstitutionRole,
		PrimaryInstitutionID: u.PrimaryInstitutionID,
		InstitutionIDs:       u.InstitutionIDs,
	}
}

// AuthContext holds the authenticated caller for a request
type AuthContext struct {
	UserID        int64
	Email         string
	Role          Role
	SessionTokens map[System]string
	ExpiresAt     time.Time
}

// IsAdmin reports whether the caller holds the admin role
func (c *AuthContext) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}
