package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.json")
	f, err := NewFilesystem(path, 4, "pepper")
	require.NoError(t, err)
	return f
}

func TestFilesystem_RegisterAndLogin(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	identity, err := f.RegisterUser(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Username)

	token, loginIdentity, err := f.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, identity.UserID, loginIdentity.UserID)
}

func TestFilesystem_RegisterUser_RejectsDuplicateUsername(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	_, err := f.RegisterUser(ctx, "alice", "hunter2")
	require.NoError(t, err)
	_, err = f.RegisterUser(ctx, "alice", "different")
	assert.Error(t, err)
}

func TestFilesystem_Login_RejectsWrongPassword(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	_, err := f.RegisterUser(ctx, "alice", "hunter2")
	require.NoError(t, err)

	_, _, err = f.Login(ctx, "alice", "wrong-password")
	assert.Error(t, err)
}

func TestFilesystem_VerifyToken(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	identity, err := f.RegisterUser(ctx, "alice", "hunter2")
	require.NoError(t, err)

	token, err := f.IssueToken(ctx, identity, "ci")
	require.NoError(t, err)

	verified, err := f.VerifyToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, identity.UserID, verified.UserID)
}

func TestFilesystem_VerifyToken_RejectsUnknownToken(t *testing.T) {
	f := newTestFilesystem(t)
	_, err := f.VerifyToken(context.Background(), TokenPrefix+"not-a-real-token")
	assert.Error(t, err)
}

func TestFilesystem_VerifyToken_RejectsMalformedToken(t *testing.T) {
	f := newTestFilesystem(t)
	_, err := f.VerifyToken(context.Background(), "not-even-our-prefix")
	assert.Error(t, err)
}

func TestFilesystem_Ownership_FirstPublisherHasNoOwnersYet(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	alice, err := f.RegisterUser(ctx, "alice", "hunter2")
	require.NoError(t, err)

	// No owners recorded yet: AuthPublish allows anyone, matching the
	// orchestrator's first-publish bootstrap.
	require.NoError(t, f.AuthPublish(ctx, alice, "widget"))

	require.NoError(t, f.AddOwner(ctx, "widget", alice))
	owners, err := f.ListOwners(ctx, "widget")
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, "alice", owners[0].Login)
}

func TestFilesystem_AuthPublish_RejectsNonOwner(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	alice, _ := f.RegisterUser(ctx, "alice", "hunter2")
	bob, _ := f.RegisterUser(ctx, "bob", "password")
	require.NoError(t, f.AddOwner(ctx, "widget", alice))

	assert.Error(t, f.AuthPublish(ctx, bob, "widget"))
	assert.NoError(t, f.AuthPublish(ctx, alice, "widget"))
}

func TestFilesystem_RemoveOwner_RefusesToRemoveLastOwner(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	alice, _ := f.RegisterUser(ctx, "alice", "hunter2")
	require.NoError(t, f.AddOwner(ctx, "widget", alice))

	err := f.RemoveOwner(ctx, "widget", "alice")
	assert.Error(t, err)
}

func TestFilesystem_RemoveOwner_SucceedsWithAnotherOwnerRemaining(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	alice, _ := f.RegisterUser(ctx, "alice", "hunter2")
	bob, _ := f.RegisterUser(ctx, "bob", "password")
	require.NoError(t, f.AddOwner(ctx, "widget", alice))
	require.NoError(t, f.AddOwner(ctx, "widget", bob))

	require.NoError(t, f.RemoveOwner(ctx, "widget", "alice"))
	owners, err := f.ListOwners(ctx, "widget")
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, "bob", owners[0].Login)
}

func TestFilesystem_LookupUser(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	alice, err := f.RegisterUser(ctx, "alice", "hunter2")
	require.NoError(t, err)

	found, err := f.LookupUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.UserID, found.UserID)

	_, err = f.LookupUser(ctx, "nobody")
	assert.Error(t, err)
}

func TestFilesystem_PruneStaleTokens(t *testing.T) {
	f := newTestFilesystem(t)
	ctx := context.Background()

	alice, err := f.RegisterUser(ctx, "alice", "hunter2")
	require.NoError(t, err)

	staleToken, err := f.IssueToken(ctx, alice, "old")
	require.NoError(t, err)
	freshToken, err := f.IssueToken(ctx, alice, "new")
	require.NoError(t, err)

	// Back-date the stale token's creation time directly in state.
	err = f.withLock(func(state *fsState) error {
		for i := range state.Tokens {
			if ConstantTimeHashEqual(state.Tokens[i].Hash, HashTokenWithPepper(staleToken, f.pepper)) {
				state.Tokens[i].CreatedAt = time.Now().Add(-100 * 24 * time.Hour)
			}
		}
		return nil
	})
	require.NoError(t, err)

	removed, err := f.PruneStaleTokens(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = f.VerifyToken(ctx, staleToken)
	assert.Error(t, err)
	_, err = f.VerifyToken(ctx, freshToken)
	assert.NoError(t, err)
}
