package auth

import "github.com/spokehub/registry/pkg/dbconn"

// migrationsTrackingTable keeps this backend's applied-migration history
// separate from the Index backend's, since auth_db and index_db may point at
// different databases.
const migrationsTrackingTable = "auth_schema_migrations"

// Migrations returns the relational schema the Postgres Auth backend
// (postgres.go) already issues queries against: users, tokens, and the
// package-name-keyed ownerships table used when ownership lives in auth,
// the placement cmd/registry always wires.
func Migrations() []dbconn.Migration {
	return []dbconn.Migration{
		{
			Version:     1,
			Description: "create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					password_hash TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "create tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tokens (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					token_hash VARCHAR(64) NOT NULL UNIQUE,
					token_prefix VARCHAR(32) NOT NULL,
					name VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					last_used_at TIMESTAMP
				);
				CREATE INDEX IF NOT EXISTS idx_tokens_user_id ON tokens(user_id);
				CREATE INDEX IF NOT EXISTS idx_tokens_token_hash ON tokens(token_hash);
			`,
		},
		{
			Version:     3,
			Description: "create ownerships table keyed by package name",
			SQL: `
				CREATE TABLE IF NOT EXISTS ownerships (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					package_name VARCHAR(64) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, package_name)
				);
				CREATE INDEX IF NOT EXISTS idx_ownerships_package_name ON ownerships(package_name);
			`,
		},
	}
}
