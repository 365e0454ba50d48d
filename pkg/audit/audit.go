// Package audit records one row per mutating registry operation — publish,
// yank/unyank, owner changes, token issuance — for the read-only
// GET /api/v1/audit surface.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spokehub/registry/pkg/dbconn"
	"github.com/spokehub/registry/pkg/observability"
)

// Action classifies the mutating operation that produced an Event.
type Action string

const (
	ActionPublish     Action = "publish"
	ActionYank        Action = "yank"
	ActionUnyank      Action = "unyank"
	ActionOwnerAdd    Action = "owner_add"
	ActionOwnerRemove Action = "owner_remove"
	ActionTokenIssue  Action = "token_issue"
)

// Event is one audit log row.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Package   string    `json:"package,omitempty"`
	Version   string    `json:"version,omitempty"`
	ActorID   int64     `json:"actor_id"`
	Actor     string    `json:"actor,omitempty"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Store persists and lists audit events.
type Store interface {
	Record(ctx context.Context, e Event) error
	ListByPackage(ctx context.Context, packageName string, limit int) ([]Event, error)
}

// Postgres is the Store backed by the shared primary/replica connection
// manager; audit rows live alongside the package metadata tables.
type Postgres struct {
	conn   *dbconn.Manager
	logger *observability.Logger
}

// NewPostgres constructs a Postgres-backed audit Store, creating the
// audit_log schema if it does not already exist.
func NewPostgres(ctx context.Context, conn *dbconn.Manager, logger *observability.Logger) (*Postgres, error) {
	if err := dbconn.RunMigrations(ctx, conn.Primary(), migrationsTrackingTable, Migrations()); err != nil {
		return nil, fmt.Errorf("audit: failed to run migrations: %w", err)
	}
	return &Postgres{conn: conn, logger: logger}, nil
}

func (p *Postgres) Record(ctx context.Context, e Event) error {
	_, err := p.conn.Primary().ExecContext(ctx, `
		INSERT INTO audit_log (action, package_name, version, actor_id, actor, success, detail, remote_ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		e.Action, e.Package, e.Version, e.ActorID, e.Actor, e.Success, e.Detail, e.RemoteIP, e.UserAgent)
	if err != nil {
		p.logger.WithError(err).Warn("failed to record audit event")
	}
	return err
}

func (p *Postgres) ListByPackage(ctx context.Context, packageName string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.conn.Replica().QueryContext(ctx, `
		SELECT id, created_at, action, package_name, version, actor_id, actor, success, detail, remote_ip, user_agent
		FROM audit_log WHERE package_name = $1 ORDER BY created_at DESC LIMIT $2`, packageName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &e.Package, &e.Version, &e.ActorID, &e.Actor, &e.Success, &e.Detail, &e.RemoteIP, &e.UserAgent); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Memory is an in-process Store for the filesystem-backend deployment shape,
// where there is no relational database to write audit rows into.
type Memory struct {
	mu     sync.Mutex
	events []Event
	nextID int64
}

// NewMemory constructs an in-memory audit Store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) ListByPackage(ctx context.Context, packageName string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].Package == packageName {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}
