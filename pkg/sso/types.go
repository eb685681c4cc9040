package sso

import (
	"time"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
)

// DefaultTokenTTL is the lifetime of an SSO handoff token
const DefaultTokenTTL = 5 * time.Minute

// DefaultRetention is how long a consumed token is kept for audit
const DefaultRetention = time.Hour

// Token is a stored SSO handoff token. Only the SHA-256 hash of the secret
// is persisted.
type Token struct {
	ID           string
	UserID       int64
	TokenHash    string
	TargetSystem auth.System
	ExpiresAt    time.Time
	Consumed     bool
	ConsumedAt   *time.Time
	CreatedAt    time.Time
}

// IssueResult is returned to the system that starts a handoff
type IssueResult struct {
	Token              string      `json:"sso_token"`
	ExpiresIn          int         `json:"expires_in"`
	ExpiresAt          time.Time   `json:"expires_at"`
	RedirectURL        string      `json:"redirect_url"`
	TargetSystem       auth.System `json:"target_system"`
	HasExistingSession bool        `json:"has_existing_session"`
}

// ConsumeResult is returned to the system that completes a handoff
type ConsumeResult struct {
	User           auth.PublicProfile `json:"user"`
	Credential     string             `json:"token"`
	ExpiresAt      time.Time          `json:"expires_at"`
	System         auth.System        `json:"system"`
	SessionCreated bool               `json:"session_created"`
	Session        *sessions.Session  `json:"-"`
}

// PeekResult describes a still-valid token without consuming it
type PeekResult struct {
	UserID       int64              `json:"user_id"`
	Email        string             `json:"email"`
	User         auth.PublicProfile `json:"user"`
	TargetSystem auth.System        `json:"target_system"`
	ExpiresAt    time.Time          `json:"expires_at"`
}
