package dbconn

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one forward-only, idempotent schema change, tracked by a
// per-component migrations table so the Index and Auth Postgres backends can
// each own their own migration history without colliding.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// RunMigrations creates trackingTable if needed and applies every migration in
// migrations whose version isn't already recorded there, each inside its own
// transaction so a failed migration never leaves the schema half-applied.
func RunMigrations(ctx context.Context, db *sql.DB, trackingTable string, migrations []Migration) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`, trackingTable))
	if err != nil {
		return fmt.Errorf("dbconn: failed to create migrations table %s: %w", trackingTable, err)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s", trackingTable))
	if err != nil {
		return fmt.Errorf("dbconn: failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("dbconn: failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("dbconn: failed to iterate applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbconn: failed to begin migration %d transaction: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("dbconn: migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (version, description) VALUES ($1, $2)", trackingTable),
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("dbconn: failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbconn: failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
