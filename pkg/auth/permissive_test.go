package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissive_VerifyTokenAlwaysSucceeds(t *testing.T) {
	p := NewPermissive()
	identity, err := p.VerifyToken(context.Background(), "anything at all")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", identity.Username)
}

func TestPermissive_AuthChecksAlwaysSucceed(t *testing.T) {
	p := NewPermissive()
	ctx := context.Background()
	assert.NoError(t, p.AuthPublish(ctx, Identity{UserID: 99}, "anything"))
	assert.NoError(t, p.AuthYank(ctx, Identity{UserID: 99}, "anything"))
	assert.NoError(t, p.AddOwner(ctx, "anything", Identity{UserID: 99}))
	assert.NoError(t, p.RemoveOwner(ctx, "anything", "anyone"))
}

func TestPermissive_ListOwnersReturnsFixedOwner(t *testing.T) {
	p := NewPermissive()
	owners, err := p.ListOwners(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, "anonymous", owners[0].Login)
}

func TestPermissive_TokenFormatPassesValidation(t *testing.T) {
	p := NewPermissive()
	token, _, err := p.Login(context.Background(), "anyone", "anything")
	require.NoError(t, err)
	assert.NoError(t, ValidateTokenFormat(token))
}
