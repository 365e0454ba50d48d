package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTeamOIDC builds an OIDC backend pointed at a fake team service, skipping
// provider discovery — team resolution and ownership checks don't touch the
// verifier.
func newTeamOIDC(teamBaseURL string) *OIDC {
	return &OIDC{
		teamBaseURL: teamBaseURL,
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		ownership:   make(map[string][]Owner),
		teams:       make(map[int64]teamMembership),
		teamsTTL:    5 * time.Minute,
	}
}

func TestOIDCRefreshTeams(t *testing.T) {
	var gotAuth string
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		require.Equal(t, "/v1/user/teams", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"teams":[{"name":"hello"},{"name":"platform"}]}`))
	}))
	defer server.Close()

	o := newTeamOIDC(server.URL)
	o.refreshTeams(context.Background(), "raw-id-token", 7)

	assert.Equal(t, "Bearer raw-id-token", gotAuth, "the user's own token authenticates the team call")
	assert.True(t, o.memberOfTeam(7, "hello"))
	assert.True(t, o.memberOfTeam(7, "platform"))
	assert.False(t, o.memberOfTeam(7, "other"))
	assert.False(t, o.memberOfTeam(8, "hello"), "membership is per user")

	// A second refresh inside the TTL is served from cache.
	o.refreshTeams(context.Background(), "raw-id-token", 7)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestOIDCRefreshTeamsToleratesServiceFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	o := newTeamOIDC(server.URL)
	o.refreshTeams(context.Background(), "raw-id-token", 7)
	assert.False(t, o.memberOfTeam(7, "hello"), "no membership is granted when the team service fails")
}

func TestOIDCAuthPublishTeamFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"teams":[{"name":"hello"}]}`))
	}))
	defer server.Close()

	o := newTeamOIDC(server.URL)
	alice := Identity{UserID: 7, Username: "alice"}
	bob := Identity{UserID: 8, Username: "bob"}

	// hello has an explicit owner list that excludes both users.
	require.NoError(t, o.AddOwner(context.Background(), "hello", Identity{UserID: 1, Username: "carol"}))

	o.refreshTeams(context.Background(), "alice-token", alice.UserID)
	assert.NoError(t, o.AuthPublish(context.Background(), alice, "hello"), "team membership grants publish")
	assert.Error(t, o.AuthPublish(context.Background(), bob, "hello"), "no owner entry and no team")
}

func TestOIDCOwnershipLifecycle(t *testing.T) {
	o := newTeamOIDC("")
	ctx := context.Background()
	alice := Identity{UserID: 7, Username: "alice"}
	bob := Identity{UserID: 8, Username: "bob"}

	require.NoError(t, o.AddOwner(ctx, "demo", alice))
	require.NoError(t, o.AddOwner(ctx, "demo", alice), "re-add is idempotent")
	require.NoError(t, o.AddOwner(ctx, "demo", bob))

	owners, err := o.ListOwners(ctx, "demo")
	require.NoError(t, err)
	assert.Len(t, owners, 2)

	require.NoError(t, o.RemoveOwner(ctx, "demo", "bob"))
	err = o.RemoveOwner(ctx, "demo", "alice")
	require.Error(t, err, "the last owner cannot be removed")
}
