// Package index defines the Index backend contract: relational package/version
// metadata, the dependency graph, yank/unyank, search, and ownership, plus the
// transactional publish entry point the orchestrator drives.
package index

import (
	"context"
	"time"

	"github.com/spokehub/registry/pkg/registry"
)

// EndStep is invoked by Publish from inside the open metadata transaction, after the
// Version row (and its Features/Dependencies) have been written but before the
// transaction commits. Its job is to perform the one external side effect — writing
// the tarball to the Storage backend — so that a committed transaction guarantees the
// tarball exists, and a failed end_step rolls the metadata back with it.
type EndStep func(ctx context.Context) error

// Index is the pluggable metadata backend contract.
type Index interface {
	// ConfirmExistence verifies (name, version) is a known published version and
	// returns its yanked flag and checksum. The download endpoint calls it before
	// touching object storage, so an unknown version is a clean NotFound rather
	// than an object-store miss. Unknown (name, version) pairs return a NotFound
	// error.
	ConfirmExistence(ctx context.Context, name, version string) (registry.VersionStatus, error)

	// GetSparseEntry returns every published version row for name, in the shape the
	// sparse-index read path streams as NDJSON. Includes yanked versions (the sparse
	// index always lists every version; yanked is a flag, not a filter).
	GetSparseEntry(ctx context.Context, name string) ([]registry.SparseIndexEntry, error)

	// ListAll returns one summary per locally published package — name,
	// description, URLs, the published version set, categories, keywords — for
	// consumers that dump a search corpus or warm caches. Not used on the
	// request hot path.
	ListAll(ctx context.Context) ([]registry.PackageSummary, error)

	// Search performs an exact-prefix-first, then-lexicographic package name search.
	Search(ctx context.Context, query string, perPage int) (registry.SearchResult, error)

	// Publish inserts the Package (if new), the Version, its Features and Dependencies
	// inside one transaction, invokes endStep before committing, and commits last —
	// so a successful return guarantees the tarball was written. On any failure before
	// commit the whole transaction (Package/Version/Feature/Dependency rows) rolls
	// back; the caller is still responsible for a compensating Storage delete if
	// endStep itself partially succeeded before returning an error.
	Publish(ctx context.Context, meta registry.PublishMetadata, checksum string, endStep EndStep) (registry.Version, error)

	// Yank flips the yanked flag. Idempotent: yanking an already-yanked version or
	// unyanking an already-live one is a no-op success.
	Yank(ctx context.Context, name, version string, yanked bool) error

	// ListOwners, AddOwners, RemoveOwners manage the per-package ownership edges.
	// The filesystem implementation keeps them in its own package records; the
	// Postgres implementation reads and writes the ownership table directly.
	// The publish orchestrator and the HTTP owners routes use the Auth
	// backend's owner methods, not these.
	ListOwners(ctx context.Context, packageName string) ([]registry.Owner, error)
	AddOwners(ctx context.Context, packageName string, logins []string) error
	RemoveOwners(ctx context.Context, packageName string, logins []string) error
}

// HealthChecker is implemented by Index backends that can verify their own
// backing store is reachable, used to feed the registry's /readyz probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config configures whichever Index implementation is selected.
type Config struct {
	Backend string // "postgres" or "filesystem"

	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	FilesystemRoot string

	CacheEnabled bool
	RedisURL     string
	RedisTTL     time.Duration
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Backend:          "filesystem",
		FilesystemRoot:   "/tmp/registry/index",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		CacheEnabled:     false,
		RedisTTL:         time.Minute,
	}
}
