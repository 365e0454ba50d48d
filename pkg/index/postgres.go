package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Masterminds/semver/v3"
	"github.com/lib/pq"

	"github.com/spokehub/registry/pkg/dbconn"
	"github.com/spokehub/registry/pkg/observability"
	"github.com/spokehub/registry/pkg/registry"
)

var tracer = otel.Tracer("registry/index")

// isUniqueViolation reports whether err is Postgres error 23505
// (unique_violation), the constraint trip a racing duplicate INSERT produces.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Postgres implements Index on top of a primary/replica Postgres connection pool.
type Postgres struct {
	conn   *dbconn.Manager
	logger *observability.Logger
}

// NewPostgres opens the connection pool described by cfg and returns a ready Index.
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
		return nil, fmt.Errorf("index: failed to create connection manager: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
	defer cancel()
	if err := dbconn.RunMigrations(migrateCtx, conn.Primary(), migrationsTrackingTable, Migrations()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: failed to run migrations: %w", err)
	}

	return &Postgres{conn: conn, logger: logger}, nil
}

func (p *Postgres) ConfirmExistence(ctx context.Context, name, version string) (registry.VersionStatus, error) {
	ctx, span := tracer.Start(ctx, "ConfirmExistence",
		trace.WithAttributes(attribute.String("package.name", name), attribute.String("version", version)))
	defer span.End()

	var status registry.VersionStatus
	err := p.conn.Replica().QueryRowContext(ctx, `
		SELECT v.yanked, v.checksum
		FROM versions v
		JOIN packages p ON p.id = v.package_id
		WHERE p.name = $1 AND v.num = $2
	`, name, version).Scan(&status.Yanked, &status.Checksum)
	if err == sql.ErrNoRows {
		return registry.VersionStatus{}, registry.NotFound(fmt.Sprintf("%s-%s not found", name, version), nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to check existence")
		return registry.VersionStatus{}, registry.IndexIO("confirm existence", err)
	}
	return status, nil
}

func (p *Postgres) GetSparseEntry(ctx context.Context, name string) ([]registry.SparseIndexEntry, error) {
	ctx, span := tracer.Start(ctx, "GetSparseEntry", trace.WithAttributes(attribute.String("package.name", name)))
	defer span.End()

	rows, err := p.conn.Replica().QueryContext(ctx, `
		SELECT v.id, v.num, v.checksum, v.yanked, COALESCE(v.links, '')
		FROM versions v
		JOIN packages p ON p.id = v.package_id
		WHERE p.name = $1
		ORDER BY v.created_at ASC
	`, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query versions")
		return nil, registry.IndexIO("get sparse entry", err)
	}
	defer rows.Close()

	var entries []registry.SparseIndexEntry
	for rows.Next() {
		var versionID int64
		var e registry.SparseIndexEntry
		e.Name = name
		if err := rows.Scan(&versionID, &e.Vers, &e.Cksum, &e.Yanked, &e.Links); err != nil {
			return nil, registry.IndexIO("scan version row", err)
		}
		deps, err := p.loadDependencies(ctx, versionID)
		if err != nil {
			return nil, err
		}
		e.Deps = deps
		features, err := p.loadFeatures(ctx, versionID)
		if err != nil {
			return nil, err
		}
		e.Features = features
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, registry.IndexIO("iterate version rows", err)
	}
	if len(entries) == 0 {
		return nil, registry.NotFound("package not found: "+name, nil)
	}
	return entries, nil
}

func (p *Postgres) loadDependencies(ctx context.Context, versionID int64) ([]registry.SparseIndexDep, error) {
	rows, err := p.conn.Replica().QueryContext(ctx, `
		SELECT name, external_registry, requirement, features, optional, default_features, target, kind, rename
		FROM dependencies WHERE version_id = $1 ORDER BY name ASC
	`, versionID)
	if err != nil {
		return nil, registry.IndexIO("load dependencies", err)
	}
	defer rows.Close()

	var deps []registry.SparseIndexDep
	for rows.Next() {
		var d registry.SparseIndexDep
		var featuresJSON string
		var rename sql.NullString
		if err := rows.Scan(&d.Name, &d.Registry, &d.Req, &featuresJSON, &d.Optional, &d.DefaultFeatures, &d.Target, &d.Kind, &rename); err != nil {
			return nil, registry.IndexIO("scan dependency row", err)
		}
		if featuresJSON != "" {
			_ = json.Unmarshal([]byte(featuresJSON), &d.Features)
		}
		if rename.Valid {
			d.Package = d.Name
			d.Name = rename.String
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (p *Postgres) loadFeatures(ctx context.Context, versionID int64) (map[string][]string, error) {
	rows, err := p.conn.Replica().QueryContext(ctx, `
		SELECT feature_name, needs FROM features WHERE version_id = $1
	`, versionID)
	if err != nil {
		return nil, registry.IndexIO("load features", err)
	}
	defer rows.Close()

	features := make(map[string][]string)
	for rows.Next() {
		var name, needsJSON string
		if err := rows.Scan(&name, &needsJSON); err != nil {
			return nil, registry.IndexIO("scan feature row", err)
		}
		var needs []string
		if needsJSON != "" {
			_ = json.Unmarshal([]byte(needsJSON), &needs)
		}
		features[name] = needs
	}
	return features, rows.Err()
}

func (p *Postgres) ListAll(ctx context.Context) ([]registry.PackageSummary, error) {
	db := p.conn.Replica()
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, description, homepage, repository, documentation
		FROM packages WHERE registry = '' ORDER BY name ASC
	`)
	if err != nil {
		return nil, registry.IndexIO("list all", err)
	}
	defer rows.Close()

	var ids []int64
	var summaries []registry.PackageSummary
	for rows.Next() {
		var id int64
		var s registry.PackageSummary
		if err := rows.Scan(&id, &s.Name, &s.Description, &s.Homepage, &s.Repository, &s.Documentation); err != nil {
			return nil, registry.IndexIO("scan package row", err)
		}
		ids = append(ids, id)
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, registry.IndexIO("iterate package rows", err)
	}

	for i, id := range ids {
		versions, err := p.scanStrings(ctx, `SELECT num FROM versions WHERE package_id = $1 ORDER BY created_at ASC`, id, "load version set")
		if err != nil {
			return nil, err
		}
		summaries[i].Versions = versions
		summaries[i].VersionCount = len(versions)

		if summaries[i].Categories, err = p.scanStrings(ctx, `SELECT category FROM package_categories WHERE package_id = $1 ORDER BY category ASC`, id, "load categories"); err != nil {
			return nil, err
		}
		if summaries[i].Keywords, err = p.scanStrings(ctx, `SELECT keyword FROM package_keywords WHERE package_id = $1 ORDER BY keyword ASC`, id, "load keywords"); err != nil {
			return nil, err
		}
	}
	return summaries, nil
}

// scanStrings runs a single-column query and collects the rows.
func (p *Postgres) scanStrings(ctx context.Context, query string, arg interface{}, op string) ([]string, error) {
	rows, err := p.conn.Replica().QueryContext(ctx, query, arg)
	if err != nil {
		return nil, registry.IndexIO(op, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, registry.IndexIO(op, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, registry.IndexIO(op, err)
	}
	return values, nil
}

func (p *Postgres) Search(ctx context.Context, query string, perPage int) (registry.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "Search", trace.WithAttributes(attribute.String("query", query)))
	defer span.End()

	if perPage <= 0 || perPage > 100 {
		perPage = 10
	}

	rows, err := p.conn.Replica().QueryContext(ctx, `
		SELECT p.id, p.name, p.description,
			(SELECT COUNT(*) FROM versions v WHERE v.package_id = p.id),
			(p.name = $1) AS exact
		FROM packages p
		WHERE p.registry = '' AND p.name LIKE $2
		ORDER BY exact DESC, p.name ASC
		LIMIT $3
	`, query, "%"+query+"%", perPage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search query failed")
		return registry.SearchResult{}, registry.IndexIO("search", err)
	}
	defer rows.Close()

	var ids []int64
	var result registry.SearchResult
	for rows.Next() {
		var s registry.PackageSummary
		var id int64
		var exact bool
		if err := rows.Scan(&id, &s.Name, &s.Description, &s.VersionCount, &exact); err != nil {
			return registry.SearchResult{}, registry.IndexIO("scan search row", err)
		}
		ids = append(ids, id)
		result.Packages = append(result.Packages, s)
	}
	if err := rows.Err(); err != nil {
		return registry.SearchResult{}, registry.IndexIO("iterate search rows", err)
	}

	for i, id := range ids {
		max, err := p.maxNonYankedVersion(ctx, id)
		if err != nil {
			return registry.SearchResult{}, err
		}
		result.Packages[i].MaxVersion = max
	}

	result.Meta.Total = len(result.Packages)
	return result, nil
}

// maxNonYankedVersion returns the highest semantic version among packageID's
// non-yanked versions. A text MAX() on the num column would sort "0.9.0"
// ahead of "0.10.0", so the comparison is done with parsed semver values
// instead of pushing it into SQL.
func (p *Postgres) maxNonYankedVersion(ctx context.Context, packageID int64) (string, error) {
	rows, err := p.conn.Replica().QueryContext(ctx, `
		SELECT num FROM versions WHERE package_id = $1 AND NOT yanked
	`, packageID)
	if err != nil {
		return "", registry.IndexIO("load versions for max", err)
	}
	defer rows.Close()

	var max *semver.Version
	var maxRaw string
	for rows.Next() {
		var num string
		if err := rows.Scan(&num); err != nil {
			return "", registry.IndexIO("scan version row", err)
		}
		v, err := semver.NewVersion(num)
		if err != nil {
			continue
		}
		if max == nil || v.GreaterThan(max) {
			max = v
			maxRaw = num
		}
	}
	if err := rows.Err(); err != nil {
		return "", registry.IndexIO("iterate version rows", err)
	}
	return maxRaw, nil
}

// Publish inserts the Package row (creating it if new), the Version row, its
// Features and Dependencies, runs endStep, and commits last.
func (p *Postgres) Publish(ctx context.Context, meta registry.PublishMetadata, checksum string, endStep EndStep) (registry.Version, error) {
	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("package.name", meta.Name),
		attribute.String("version", meta.Vers),
	))
	defer span.End()

	if _, err := semver.NewVersion(meta.Vers); err != nil {
		return registry.Version{}, registry.BadRequest("invalid semver version: "+meta.Vers, err)
	}

	db := p.conn.Primary()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start transaction")
		return registry.Version{}, registry.IndexIO("begin publish transaction", err)
	}
	defer tx.Rollback()

	packageID, err := p.upsertPackage(ctx, tx, meta)
	if err != nil {
		return registry.Version{}, err
	}

	// Fast-path duplicate check: catches a re-publish before any Feature or
	// Dependency rows are written and before endStep runs. The authoritative
	// guard against a concurrent race is the UNIQUE(package_id, num)
	// constraint on the INSERT below.
	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM versions WHERE package_id = $1 AND num = $2`, packageID, meta.Vers).Scan(&existing); err != nil {
		return registry.Version{}, registry.IndexIO("check existing version", err)
	}
	if existing > 0 {
		span.SetStatus(codes.Error, "version already exists")
		return registry.Version{}, registry.VersionExists(fmt.Sprintf("%s-%s already published", meta.Name, meta.Vers), nil)
	}

	var versionID int64
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO versions (package_id, num, checksum, yanked, links, created_at)
		VALUES ($1, $2, $3, FALSE, $4, now())
		RETURNING id, created_at
	`, packageID, meta.Vers, checksum, meta.Links).Scan(&versionID, &createdAt)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			// The pre-check above raced a concurrent publish of the same
			// version; the loser lands here and must get 409, not 500.
			span.SetStatus(codes.Error, "version already exists")
			return registry.Version{}, registry.VersionExists(fmt.Sprintf("%s-%s already published", meta.Name, meta.Vers), err)
		}
		span.SetStatus(codes.Error, "failed to insert version")
		return registry.Version{}, registry.IndexIO("insert version", err)
	}

	for featureName, needs := range meta.Features {
		needsJSON, _ := json.Marshal(needs)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO features (version_id, feature_name, needs) VALUES ($1, $2, $3)
		`, versionID, featureName, string(needsJSON)); err != nil {
			return registry.Version{}, registry.IndexIO("insert feature", err)
		}
	}

	for _, dep := range meta.Deps {
		if _, err := semver.NewConstraint(dep.Requirement); err != nil {
			return registry.Version{}, registry.BadRequest("invalid dependency requirement for "+dep.Name, err)
		}
		depPackageID, err := p.ensurePlaceholderPackage(ctx, tx, dep.Name, dep.ExternalRegistry)
		if err != nil {
			return registry.Version{}, err
		}
		_ = depPackageID
		featuresJSON, _ := json.Marshal(dep.Features)
		var rename sql.NullString
		if dep.Rename != "" {
			rename = sql.NullString{String: dep.Rename, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dependencies (version_id, name, external_registry, requirement, features, optional, default_features, target, kind, rename)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, versionID, dep.Name, dep.ExternalRegistry, dep.Requirement, string(featuresJSON), dep.Optional, dep.DefaultFeatures, dep.Target, dep.Kind, rename); err != nil {
			return registry.Version{}, registry.IndexIO("insert dependency", err)
		}
	}

	if endStep != nil {
		if err := endStep(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "end step failed")
			return registry.Version{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to commit")
		return registry.Version{}, registry.IndexIO("commit publish transaction", err)
	}

	return registry.Version{
		ID:          versionID,
		PackageID:   packageID,
		PackageName: meta.Name,
		Num:         meta.Vers,
		Checksum:    checksum,
		Links:       meta.Links,
		CreatedAt:   createdAt,
	}, nil
}

func (p *Postgres) upsertPackage(ctx context.Context, tx *sql.Tx, meta registry.PublishMetadata) (int64, error) {
	var packageID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM packages WHERE name = $1 AND registry = ''`, meta.Name).Scan(&packageID)
	if err == sql.ErrNoRows {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO packages (name, registry, description, homepage, repository, documentation, created_at, updated_at)
			VALUES ($1, '', $2, $3, $4, $5, now(), now())
			RETURNING id
		`, meta.Name, meta.Description, meta.Homepage, meta.Repository, meta.Documentation).Scan(&packageID)
		if err != nil {
			return 0, registry.IndexIO("insert package", err)
		}
		sort.Strings(meta.Categories)
		for _, category := range meta.Categories {
			_, _ = tx.ExecContext(ctx, `INSERT INTO package_categories (package_id, category) VALUES ($1, $2) ON CONFLICT DO NOTHING`, packageID, category)
		}
		for _, keyword := range meta.Keywords {
			_, _ = tx.ExecContext(ctx, `INSERT INTO package_keywords (package_id, keyword) VALUES ($1, $2) ON CONFLICT DO NOTHING`, packageID, keyword)
		}
		return packageID, nil
	}
	if err != nil {
		return 0, registry.IndexIO("lookup package", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE packages SET description = $2, homepage = $3, repository = $4, documentation = $5, updated_at = now()
		WHERE id = $1
	`, packageID, meta.Description, meta.Homepage, meta.Repository, meta.Documentation); err != nil {
		return 0, registry.IndexIO("update package", err)
	}
	return packageID, nil
}

// ensurePlaceholderPackage auto-creates a Package row for a dependency that has no
// Version of its own yet — local or, when a registry URL is present, external.
func (p *Postgres) ensurePlaceholderPackage(ctx context.Context, tx *sql.Tx, name, externalRegistry string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM packages WHERE name = $1 AND registry = $2`, name, externalRegistry).Scan(&id)
	if err == sql.ErrNoRows {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO packages (name, registry, created_at, updated_at) VALUES ($1, $2, now(), now())
			RETURNING id
		`, name, externalRegistry).Scan(&id)
		if err != nil {
			return 0, registry.IndexIO("insert placeholder package", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, registry.IndexIO("lookup placeholder package", err)
	}
	return id, nil
}

func (p *Postgres) Yank(ctx context.Context, name, version string, yanked bool) error {
	ctx, span := tracer.Start(ctx, "Yank", trace.WithAttributes(
		attribute.String("package.name", name), attribute.String("version", version), attribute.Bool("yanked", yanked)))
	defer span.End()

	res, err := p.conn.Primary().ExecContext(ctx, `
		UPDATE versions v SET yanked = $3
		FROM packages p
		WHERE v.package_id = p.id AND p.name = $1 AND v.num = $2
	`, name, version, yanked)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "yank update failed")
		return registry.IndexIO("yank", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return registry.NotFound(fmt.Sprintf("%s-%s not found", name, version), nil)
	}
	return nil
}

func (p *Postgres) ListOwners(ctx context.Context, packageName string) ([]registry.Owner, error) {
	rows, err := p.conn.Replica().QueryContext(ctx, `
		SELECT u.id, u.username
		FROM ownerships o
		JOIN packages p ON p.id = o.package_id
		JOIN users u ON u.id = o.user_id
		WHERE p.name = $1
		ORDER BY u.username ASC
	`, packageName)
	if err != nil {
		return nil, registry.IndexIO("list owners", err)
	}
	defer rows.Close()

	var owners []registry.Owner
	for rows.Next() {
		var o registry.Owner
		if err := rows.Scan(&o.ID, &o.Login); err != nil {
			return nil, registry.IndexIO("scan owner row", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (p *Postgres) AddOwners(ctx context.Context, packageName string, logins []string) error {
	db := p.conn.Primary()
	var packageID int64
	if err := db.QueryRowContext(ctx, `SELECT id FROM packages WHERE name = $1`, packageName).Scan(&packageID); err != nil {
		if err == sql.ErrNoRows {
			return registry.NotFound("package not found: "+packageName, nil)
		}
		return registry.IndexIO("lookup package for owners", err)
	}
	for _, login := range logins {
		var userID int64
		if err := db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = $1`, login).Scan(&userID); err != nil {
			if err == sql.ErrNoRows {
				return registry.NotFound("user not found: "+login, nil)
			}
			return registry.IndexIO("lookup user for owners", err)
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO ownerships (user_id, package_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, userID, packageID); err != nil {
			return registry.IndexIO("insert ownership", err)
		}
	}
	return nil
}

func (p *Postgres) RemoveOwners(ctx context.Context, packageName string, logins []string) error {
	db := p.conn.Primary()
	for _, login := range logins {
		if _, err := db.ExecContext(ctx, `
			DELETE FROM ownerships o
			USING packages p, users u
			WHERE o.package_id = p.id AND o.user_id = u.id AND p.name = $1 AND u.username = $2
		`, packageName, login); err != nil {
			return registry.IndexIO("remove ownership", err)
		}
	}
	return nil
}

// HealthCheck reports whether the underlying connection pool can reach its
// primary (and, per dbconn.Manager.HealthCheck, at least one replica when any
// are configured).
func (p *Postgres) HealthCheck(ctx context.Context) error { return p.conn.HealthCheck(ctx) }

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.conn.Close() }
