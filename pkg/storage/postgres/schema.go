package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the PostgreSQL DDL for the tables the bridge owns or shares
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email VARCHAR(255) NOT NULL UNIQUE,
	username VARCHAR(255) NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	role VARCHAR(20) NOT NULL DEFAULT 'user',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	is_user_login BOOLEAN NOT NULL DEFAULT FALSE,
	last_login_at TIMESTAMP WITH TIME ZONE,
	system_affiliation VARCHAR(32),
	institution_role VARCHAR(64),
	primary_institution_id BIGINT,
	institution_ids TEXT NOT NULL DEFAULT '[]',
	is_institution_member BOOLEAN,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sessions (
	id VARCHAR(36) PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	system VARCHAR(8) NOT NULL,
	session_token VARCHAR(128) NOT NULL UNIQUE,
	device_info TEXT NOT NULL DEFAULT '',
	ip_address VARCHAR(45) NOT NULL DEFAULT '',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	last_activity TIMESTAMP WITH TIME ZONE NOT NULL,
	expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	CHECK (expires_at > created_at)
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_active ON sessions(user_id, system, is_active, expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);

CREATE TABLE IF NOT EXISTS sso_tokens (
	id VARCHAR(36) PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	token_hash VARCHAR(64) NOT NULL UNIQUE,
	target_system VARCHAR(8) NOT NULL,
	expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
	consumed BOOLEAN NOT NULL DEFAULT FALSE,
	consumed_at TIMESTAMP WITH TIME ZONE,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sso_tokens_expiry ON sso_tokens(expires_at);
`

// EnsureSchema creates the bridge tables if they do not exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
