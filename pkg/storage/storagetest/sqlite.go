// Package storagetest provides an in-memory SQLite database with the bridge
// schema for store and handler tests.
package storagetest

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
)

const schema = `
CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'user',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	is_user_login BOOLEAN NOT NULL DEFAULT FALSE,
	last_login_at TIMESTAMP,
	system_affiliation TEXT,
	institution_role TEXT,
	primary_institution_id INTEGER,
	institution_ids TEXT NOT NULL DEFAULT '[]',
	is_institution_member BOOLEAN,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	system TEXT NOT NULL,
	session_token TEXT NOT NULL UNIQUE,
	device_info TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE sso_tokens (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	token_hash TEXT NOT NULL UNIQUE,
	target_system TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	consumed BOOLEAN NOT NULL DEFAULT FALSE,
	consumed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
`

// NewSQLiteDB opens a fresh in-memory database with the bridge tables. The
// pool is pinned to one connection so every query sees the same database.
func NewSQLiteDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// Now returns the current time in the form the stores write to SQLite
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// UserOption customises a user created by CreateUser
type UserOption func(*auth.User)

// WithRole sets the user's role
func WithRole(role auth.Role) UserOption {
	return func(u *auth.User) { u.Role = role }
}

// Inactive marks the user as deactivated
func Inactive() UserOption {
	return func(u *auth.User) { u.IsActive = false }
}

// LoggedIn sets the derived login flag
func LoggedIn() UserOption {
	return func(u *auth.User) { u.IsUserLogin = true }
}

// WithPasswordHash sets the stored password hash
func WithPasswordHash(hash string) UserOption {
	return func(u *auth.User) { u.PasswordHash = hash }
}

// WithProtected sets the protected cross-system fields
func WithProtected(p auth.ProtectedFields) UserOption {
	return func(u *auth.User) { u.ProtectedFields = p }
}

// CreateUser inserts a user row and returns it with its assigned ID
func CreateUser(t testing.TB, db *sql.DB, email string, opts ...UserOption) *auth.User {
	t.Helper()

	now := Now()
	u := &auth.User{
		Email:     email,
		Username:  email,
		Role:      auth.RoleUser,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(u)
	}

	ids := u.InstitutionIDs
	if ids == nil {
		ids = []int64{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		t.Fatalf("failed to encode institution ids: %v", err)
	}

	var affiliation, instRole sql.NullString
	if u.SystemAffiliation != "" {
		affiliation = sql.NullString{String: u.SystemAffiliation, Valid: true}
	}
	if u.InstitutionRole != "" {
		instRole = sql.NullString{String: u.InstitutionRole, Valid: true}
	}
	var primary sql.NullInt64
	if u.PrimaryInstitutionID != nil {
		primary = sql.NullInt64{Int64: *u.PrimaryInstitutionID, Valid: true}
	}
	var member sql.NullBool
	if u.IsInstitutionMember != nil {
		member = sql.NullBool{Bool: *u.IsInstitutionMember, Valid: true}
	}

	res, err := db.Exec(`
		INSERT INTO users (email, username, password_hash, role, is_active, is_user_login,
			system_affiliation, institution_role, primary_institution_id, institution_ids,
			is_institution_member, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Email, u.Username, u.PasswordHash, string(u.Role), u.IsActive, u.IsUserLogin,
		affiliation, instRole, primary, string(idsJSON), member, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		t.Fatalf("failed to insert user: %v", err)
	}
	u.ID, err = res.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read user id: %v", err)
	}
	return u
}

// LoginFlag reads the stored is_user_login value for a user
func LoginFlag(t testing.TB, db *sql.DB, userID int64) bool {
	t.Helper()

	var flag bool
	if err := db.QueryRow(`SELECT is_user_login FROM users WHERE id = ?`, userID).Scan(&flag); err != nil {
		t.Fatalf("failed to read login flag: %v", err)
	}
	return flag
}

// CountRows returns the number of rows in table matching where
func CountRows(t testing.TB, db *sql.DB, table, where string, args ...interface{}) int {
	t.Helper()

	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("failed to count %s: %v", table, err)
	}
	return n
}
