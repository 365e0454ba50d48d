package audit

import "github.com/spokehub/registry/pkg/dbconn"

const migrationsTrackingTable = "audit_schema_migrations"

// Migrations returns the versioned schema for the Postgres audit Store,
// matching exactly the columns Postgres.Record/ListByPackage query.
func Migrations() []dbconn.Migration {
	return []dbconn.Migration{
		{
			Version:     1,
			Description: "create audit_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_log (
					id BIGSERIAL PRIMARY KEY,
					action TEXT NOT NULL,
					package_name TEXT NOT NULL DEFAULT '',
					version TEXT NOT NULL DEFAULT '',
					actor_id BIGINT NOT NULL DEFAULT 0,
					actor TEXT NOT NULL DEFAULT '',
					success BOOLEAN NOT NULL DEFAULT true,
					detail TEXT NOT NULL DEFAULT '',
					remote_ip TEXT NOT NULL DEFAULT '',
					user_agent TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT now()
				)`,
		},
		{
			Version:     2,
			Description: "index audit_log by package and created_at",
			SQL:         `CREATE INDEX IF NOT EXISTS idx_audit_log_package_created ON audit_log (package_name, created_at DESC)`,
		},
	}
}
