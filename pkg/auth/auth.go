// Package auth defines the Auth backend contract: token issue/verify,
// per-package ownership, and register/login, plus the opaque token format and
// its peppered-hash storage convention shared by every implementation.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrLastOwner is returned by RemoveOwner when the caller asked to remove the
// only remaining owner of a package. Callers should treat this as a
// disallowed operation (403), not a conflict with concurrent state.
var ErrLastOwner = errors.New("auth: cannot remove the last owner of a package")

// TokenPrefix identifies tokens issued by this registry.
const TokenPrefix = "spoke_"

// TokenByteLength is the amount of random entropy (32 bytes = 256 bits) encoded
// into each issued token.
const TokenByteLength = 32

// Identity is the authenticated principal attached to a request after VerifyToken
// succeeds.
type Identity struct {
	UserID   int64
	Username string
}

// Auth is the pluggable authentication/authorization backend contract.
type Auth interface {
	// RegisterUser creates a new account with a password. Returns an error if the
	// username is already taken.
	RegisterUser(ctx context.Context, username, password string) (Identity, error)

	// Login verifies a username/password pair and issues a new token. The
	// plaintext token is returned exactly once.
	Login(ctx context.Context, username, password string) (plaintextToken string, identity Identity, err error)

	// VerifyToken resolves an opaque bearer token to the Identity that owns it.
	VerifyToken(ctx context.Context, token string) (Identity, error)

	// IssueToken mints a new token for an already-authenticated identity, with no
	// password check. The OIDC backend does not issue tokens and returns an error.
	IssueToken(ctx context.Context, identity Identity, name string) (plaintextToken string, err error)

	// AuthPublish reports whether identity may publish a new version of
	// packageName. The orchestrator calls this before Index.Publish; when the
	// package had no owners, it grants ownership via AddOwner once the publish
	// succeeds.
	AuthPublish(ctx context.Context, identity Identity, packageName string) error

	// AuthYank reports whether identity may yank/unyank a version of packageName.
	AuthYank(ctx context.Context, identity Identity, packageName string) error

	// Owner management. The publish orchestrator and the HTTP owners routes keep
	// ownership through these methods; the Index contract's owner methods are
	// not consulted by either.
	ListOwners(ctx context.Context, packageName string) ([]Owner, error)
	AddOwner(ctx context.Context, packageName string, identity Identity) error
	RemoveOwner(ctx context.Context, packageName, login string) error

	// LookupUser resolves a login to the Identity the owners-add endpoint needs
	// to call AddOwner, since the wire request carries logins, not user IDs.
	LookupUser(ctx context.Context, login string) (Identity, error)
}

// HealthChecker is implemented by Auth backends that can verify their own
// backing store is reachable, used to feed the registry's /readyz probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// TokenPruner is implemented by Auth backends that can sweep tokens unused
// for longer than a cutoff, so cmd/registry-janitor can keep the token table
// from growing unbounded without needing a backend-specific type switch.
// Not part of the Auth contract itself: OIDC and permissive have no token
// table to sweep.
type TokenPruner interface {
	PruneStaleTokens(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Owner mirrors registry.Owner without importing the registry package, to keep
// this contract independently usable.
type Owner struct {
	UserID int64
	Login  string
}

// GenerateToken creates a new opaque token, returning the plaintext (shown to the
// caller exactly once), its plain SHA-256 hash, and a short display prefix.
// The backends persist HashTokenWithPepper's result instead, which equals this
// hash only when the pepper is empty.
func GenerateToken() (plaintext, hash, prefix string, err error) {
	randomBytes := make([]byte, TokenByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("auth: failed to generate random bytes: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	full := TokenPrefix + encoded

	sum := sha256.Sum256([]byte(full))
	hashStr := hex.EncodeToString(sum[:])

	displayPrefix := TokenPrefix
	if len(encoded) >= 8 {
		displayPrefix = TokenPrefix + encoded[:8]
	}
	return full, hashStr, displayPrefix, nil
}

// HashToken computes the lookup hash of a plaintext token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashTokenWithPepper computes a keyed (HMAC-SHA256) lookup hash of a plaintext
// token when a server-side pepper is configured, falling back to the plain
// SHA-256 hash when pepper is empty so unconfigured deployments still work.
func HashTokenWithPepper(token, pepper string) string {
	if pepper == "" {
		return HashToken(token)
	}
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateTokenFormat rejects tokens that are obviously not ours before a hash
// lookup is even attempted.
func ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}
	encoded := strings.TrimPrefix(token, TokenPrefix)
	if encoded == "" {
		return fmt.Errorf("token is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	return nil
}

// ConstantTimeHashEqual compares two hex-encoded hashes in constant time, used by
// the filesystem backend which cannot push the comparison into a SQL query.
func ConstantTimeHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Config configures whichever Auth implementation is selected.
type Config struct {
	Backend string // "postgres", "filesystem", "oidc", or "permissive"

	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	FilesystemPath string

	OIDCIssuer       string
	OIDCAudience     string
	OIDCTeamsBaseURL string

	BcryptCost int

	// TokensPepper is mixed into every token before hashing (HMAC-style, via a
	// keyed SHA-256) so that a stolen token-hash table alone cannot be used to
	// forge valid bearer tokens without also knowing the pepper.
	TokensPepper string
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Backend:          "filesystem",
		FilesystemPath:   "/tmp/registry/auth.json",
		BcryptCost:       12,
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
	}
}
