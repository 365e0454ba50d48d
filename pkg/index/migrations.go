package index

import "github.com/spokehub/registry/pkg/dbconn"

// migrationsTrackingTable keeps the Index backend's applied-migration
// history separate from the Auth backend's, since index_db and auth_db may
// point at different databases (or the same one).
const migrationsTrackingTable = "index_schema_migrations"

// Migrations returns the relational schema: Package, Version, Feature,
// Dependency edge, and the category/keyword join tables.
func Migrations() []dbconn.Migration {
	return []dbconn.Migration{
		{
			Version:     1,
			Description: "create packages table",
			SQL: `
				CREATE TABLE IF NOT EXISTS packages (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(64) NOT NULL,
					registry VARCHAR(255) NOT NULL DEFAULT '',
					description TEXT,
					homepage TEXT,
					repository TEXT,
					documentation TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(name, registry)
				);
				CREATE INDEX IF NOT EXISTS idx_packages_name ON packages(name);
			`,
		},
		{
			Version:     2,
			Description: "create versions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS versions (
					id BIGSERIAL PRIMARY KEY,
					package_id BIGINT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
					num VARCHAR(64) NOT NULL,
					checksum VARCHAR(64) NOT NULL,
					yanked BOOLEAN NOT NULL DEFAULT FALSE,
					links VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(package_id, num)
				);
				CREATE INDEX IF NOT EXISTS idx_versions_package_id ON versions(package_id);
				CREATE INDEX IF NOT EXISTS idx_versions_created_at ON versions(created_at);
			`,
		},
		{
			Version:     3,
			Description: "create features table",
			SQL: `
				CREATE TABLE IF NOT EXISTS features (
					id BIGSERIAL PRIMARY KEY,
					version_id BIGINT NOT NULL REFERENCES versions(id) ON DELETE CASCADE,
					feature_name VARCHAR(255) NOT NULL,
					needs TEXT NOT NULL DEFAULT '[]',
					UNIQUE(version_id, feature_name)
				);
			`,
		},
		{
			Version:     4,
			Description: "create dependencies table",
			SQL: `
				CREATE TABLE IF NOT EXISTS dependencies (
					id BIGSERIAL PRIMARY KEY,
					version_id BIGINT NOT NULL REFERENCES versions(id) ON DELETE CASCADE,
					name VARCHAR(64) NOT NULL,
					external_registry VARCHAR(255) NOT NULL DEFAULT '',
					requirement VARCHAR(255) NOT NULL,
					features TEXT NOT NULL DEFAULT '[]',
					optional BOOLEAN NOT NULL DEFAULT FALSE,
					default_features BOOLEAN NOT NULL DEFAULT TRUE,
					target VARCHAR(255) NOT NULL DEFAULT '',
					kind VARCHAR(16) NOT NULL DEFAULT 'normal',
					rename VARCHAR(64)
				);
				CREATE INDEX IF NOT EXISTS idx_dependencies_version_id ON dependencies(version_id);
				CREATE INDEX IF NOT EXISTS idx_dependencies_name ON dependencies(name);
			`,
		},
		{
			Version:     5,
			Description: "create category and keyword join tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS package_categories (
					package_id BIGINT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
					category VARCHAR(64) NOT NULL,
					PRIMARY KEY (package_id, category)
				);
				CREATE TABLE IF NOT EXISTS package_keywords (
					package_id BIGINT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
					keyword VARCHAR(64) NOT NULL,
					PRIMARY KEY (package_id, keyword)
				);
			`,
		},
	}
}

// Postgres.ListOwners/AddOwners/RemoveOwners (postgres.go) serve the
// alternate "ownership lives in the index" deployment shape and query a
// users/ownerships schema keyed by package_id. cmd/registry always wires
// ownership through pkg/auth instead, so that schema is not part of this
// migration set; a deployment that picks the
// index-hosted ownership shape is expected to provision it itself.
