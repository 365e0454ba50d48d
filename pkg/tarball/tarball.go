// Package tarball defines the Storage backend contract: content-addressed tarball
// put/get/delete, write-once with idempotent retry, and compensating delete.
package tarball

import (
	"context"
	"io"
	"strings"
	"time"
)

// Storage is the pluggable tarball backend contract.
type Storage interface {
	// PutTarball writes the tarball for (name, version), keyed as
	// "{name}-{version}.crate" (lowercase name). If an object already exists at
	// that key with the same checksum, the write is a no-op success — this is
	// what makes a retried end_step call after a transient failure idempotent.
	// A checksum mismatch against an existing object is reported as Conflict.
	PutTarball(ctx context.Context, name, version, checksum string, content io.Reader, size int64) error

	// GetTarball streams the tarball bytes back for download.
	GetTarball(ctx context.Context, name, version string) (io.ReadCloser, int64, error)

	// DeleteTarball removes the object. Used only as the orchestrator's
	// compensating action after a failed publish; never exposed to clients.
	DeleteTarball(ctx context.Context, name, version string) error

	// PutReadme and GetReadme store and retrieve the optional rendered README
	// associated with a published version.
	PutReadme(ctx context.Context, name, version string, content io.Reader) error
	GetReadme(ctx context.Context, name, version string) (io.ReadCloser, error)

	HealthCheck(ctx context.Context) error
}

// Config configures whichever Storage implementation is selected.
type Config struct {
	Backend string // "s3" or "filesystem"

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	FilesystemRoot string

	PutTimeout time.Duration
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Backend:        "filesystem",
		FilesystemRoot: "/tmp/registry/tarballs",
		PutTimeout:     120 * time.Second,
	}
}

// Key returns the canonical object key for a tarball: lowercase name,
// literal hyphen-version, ".crate" suffix. Keys are fully determined by
// (name, version) so the download route never needs a metadata lookup or a
// bucket listing.
func Key(name, version string) string {
	return strings.ToLower(name) + "-" + version + ".crate"
}

func readmeKey(name, version string) string {
	return strings.ToLower(name) + "-" + version + ".readme"
}
