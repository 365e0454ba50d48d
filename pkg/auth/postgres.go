package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/spokehub/registry/pkg/dbconn"
	"github.com/spokehub/registry/pkg/observability"
)

// Postgres implements Auth with bcrypt password hashing, a peppered SHA-256
// token hash, and the ownerships table hosted on the auth side — the
// relational Index implementation delegates ownership storage here rather
// than keeping its own table, keeping content and access control in separate
// schemas.
type Postgres struct {
	conn       *dbconn.Manager
	logger     *observability.Logger
	bcryptCost int
	pepper     string
}

// NewPostgres opens the connection pool described by cfg and returns a ready Auth.
func NewPostgres(cfg Config, logger *observability.Logger) (*Postgres, error) {
	conn, err := dbconn.NewManager(dbconn.Config{
		PrimaryURL:  cfg.PostgresURL,
		ReplicaURLs: dbconn.ParseReplicaURLs(cfg.PostgresReplicaURLs),
		MaxConns:    cfg.PostgresMaxConns,
		MinConns:    cfg.PostgresMinConns,
		Timeout:     cfg.PostgresTimeout,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create connection manager: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
	defer cancel()
	if err := dbconn.RunMigrations(migrateCtx, conn.Primary(), migrationsTrackingTable, Migrations()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth: failed to run migrations: %w", err)
	}

	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Postgres{conn: conn, logger: logger, bcryptCost: cost, pepper: cfg.TokensPepper}, nil
}

func (p *Postgres) RegisterUser(ctx context.Context, username, password string) (Identity, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.bcryptCost)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: failed to hash password: %w", err)
	}

	var userID int64
	err = p.conn.Primary().QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, created_at) VALUES ($1, $2, now())
		RETURNING id
	`, username, string(hash)).Scan(&userID)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: failed to register user %q: %w", username, err)
	}
	return Identity{UserID: userID, Username: username}, nil
}

func (p *Postgres) Login(ctx context.Context, username, password string) (string, Identity, error) {
	var userID int64
	var passwordHash string
	err := p.conn.Replica().QueryRowContext(ctx, `
		SELECT id, password_hash FROM users WHERE username = $1
	`, username).Scan(&userID, &passwordHash)
	if err == sql.ErrNoRows {
		return "", Identity{}, fmt.Errorf("auth: invalid credentials")
	}
	if err != nil {
		return "", Identity{}, fmt.Errorf("auth: failed to look up user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", Identity{}, fmt.Errorf("auth: invalid credentials")
	}

	identity := Identity{UserID: userID, Username: username}
	plaintext, err := p.IssueToken(ctx, identity, "login")
	if err != nil {
		return "", Identity{}, err
	}
	return plaintext, identity, nil
}

func (p *Postgres) IssueToken(ctx context.Context, identity Identity, name string) (string, error) {
	plaintext, _, prefix, err := GenerateToken()
	if err != nil {
		return "", err
	}
	hash := HashTokenWithPepper(plaintext, p.pepper)

	_, err = p.conn.Primary().ExecContext(ctx, `
		INSERT INTO tokens (user_id, token_hash, token_prefix, name, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, identity.UserID, hash, prefix, name)
	if err != nil {
		return "", fmt.Errorf("auth: failed to store token: %w", err)
	}
	return plaintext, nil
}

func (p *Postgres) VerifyToken(ctx context.Context, token string) (Identity, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return Identity{}, fmt.Errorf("auth: %w", err)
	}
	hash := HashTokenWithPepper(token, p.pepper)

	var identity Identity
	err := p.conn.Primary().QueryRowContext(ctx, `
		SELECT u.id, u.username
		FROM tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1
	`, hash).Scan(&identity.UserID, &identity.Username)
	if err == sql.ErrNoRows {
		return Identity{}, fmt.Errorf("auth: unknown token")
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: failed to verify token: %w", err)
	}

	if _, err := p.conn.Primary().ExecContext(ctx, `UPDATE tokens SET last_used_at = now() WHERE token_hash = $1`, hash); err != nil {
		p.logger.WithError(err).Warn("failed to update token last_used_at")
	}
	return identity, nil
}

func (p *Postgres) AuthPublish(ctx context.Context, identity Identity, packageName string) error {
	owners, err := p.ListOwners(ctx, packageName)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		// First publish: the orchestrator will call AddOwner on success.
		return nil
	}
	for _, o := range owners {
		if o.UserID == identity.UserID {
			return nil
		}
	}
	return fmt.Errorf("auth: %s does not own %s", identity.Username, packageName)
}

func (p *Postgres) AuthYank(ctx context.Context, identity Identity, packageName string) error {
	return p.AuthPublish(ctx, identity, packageName)
}

func (p *Postgres) ListOwners(ctx context.Context, packageName string) ([]Owner, error) {
	rows, err := p.conn.Replica().QueryContext(ctx, `
		SELECT u.id, u.username
		FROM ownerships o
		JOIN users u ON u.id = o.user_id
		WHERE o.package_name = $1
		ORDER BY u.username ASC
	`, packageName)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []Owner
	for rows.Next() {
		var o Owner
		if err := rows.Scan(&o.UserID, &o.Login); err != nil {
			return nil, fmt.Errorf("auth: failed to scan owner row: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (p *Postgres) AddOwner(ctx context.Context, packageName string, identity Identity) error {
	_, err := p.conn.Primary().ExecContext(ctx, `
		INSERT INTO ownerships (user_id, package_name, created_at) VALUES ($1, $2, now())
		ON CONFLICT DO NOTHING
	`, identity.UserID, packageName)
	if err != nil {
		return fmt.Errorf("auth: failed to add owner: %w", err)
	}
	return nil
}

func (p *Postgres) RemoveOwner(ctx context.Context, packageName, login string) error {
	owners, err := p.ListOwners(ctx, packageName)
	if err != nil {
		return err
	}
	if len(owners) <= 1 {
		return ErrLastOwner
	}
	_, err = p.conn.Primary().ExecContext(ctx, `
		DELETE FROM ownerships o USING users u
		WHERE o.user_id = u.id AND o.package_name = $1 AND u.username = $2
	`, packageName, login)
	if err != nil {
		return fmt.Errorf("auth: failed to remove owner: %w", err)
	}
	return nil
}

func (p *Postgres) LookupUser(ctx context.Context, login string) (Identity, error) {
	var identity Identity
	err := p.conn.Replica().QueryRowContext(ctx, `SELECT id, username FROM users WHERE username = $1`, login).
		Scan(&identity.UserID, &identity.Username)
	if err == sql.ErrNoRows {
		return Identity{}, fmt.Errorf("auth: unknown user %q", login)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: failed to look up user %q: %w", login, err)
	}
	return identity, nil
}

// PruneStaleTokens deletes tokens whose last use (or, if never used, whose
// creation) is older than olderThan, implementing TokenPruner for the
// janitor's scheduled sweep.
func (p *Postgres) PruneStaleTokens(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := p.conn.Primary().ExecContext(ctx, `
		DELETE FROM tokens WHERE COALESCE(last_used_at, created_at) < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("auth: failed to prune stale tokens: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck reports whether the underlying connection pool can reach its
// primary (and at least one replica when any are configured).
func (p *Postgres) HealthCheck(ctx context.Context) error { return p.conn.HealthCheck(ctx) }

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.conn.Close() }
