package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDC is a header-trust Auth implementation: the "token" presented by the
// client is a signed ID token issued by an external identity provider, and
// VerifyToken validates its signature, audience, and expiry rather than
// looking anything up in a local store. The registry never drives a browser
// redirect itself; it only ever verifies tokens the provider already issued.
type OIDC struct {
	provider    *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	teamBaseURL string
	httpClient  *http.Client

	mu        sync.RWMutex
	ownership map[string][]Owner // packageName -> owners, auth-side cache

	teamsMu  sync.RWMutex
	teams    map[int64]teamMembership // userID -> resolved team set
	teamsTTL time.Duration
}

// teamMembership is one user's resolved team set, cached so every request in
// a publish burst doesn't round-trip to the team service.
type teamMembership struct {
	names   map[string]struct{}
	fetched time.Time
}

// NewOIDC discovers the issuer's OIDC metadata and builds a verifier scoped to
// the configured audience.
func NewOIDC(ctx context.Context, cfg Config) (*OIDC, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to discover oidc provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.OIDCAudience})
	return &OIDC{
		provider:    provider,
		verifier:    verifier,
		teamBaseURL: cfg.OIDCTeamsBaseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		ownership:   make(map[string][]Owner),
		teams:       make(map[int64]teamMembership),
		teamsTTL:    5 * time.Minute,
	}, nil
}

// RegisterUser and Login have no meaning for a header-trust backend: identity
// comes from the external provider, not from a password this registry manages.
func (o *OIDC) RegisterUser(context.Context, string, string) (Identity, error) {
	return Identity{}, fmt.Errorf("auth: registration is not supported by the oidc backend")
}

func (o *OIDC) Login(context.Context, string, string) (string, Identity, error) {
	return "", Identity{}, fmt.Errorf("auth: password login is not supported by the oidc backend")
}

// IssueToken has no meaning either — tokens are minted by the external provider.
func (o *OIDC) IssueToken(context.Context, Identity, string) (string, error) {
	return "", fmt.Errorf("auth: token issuance is not supported by the oidc backend")
}

// VerifyToken treats the opaque token as a raw ID token JWT and validates its
// signature, audience, and expiry via the discovered provider's verifier.
func (o *OIDC) VerifyToken(ctx context.Context, token string) (Identity, error) {
	idToken, err := o.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: invalid id token: %w", err)
	}
	var claims struct {
		Subject  string `json:"sub"`
		Username string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("auth: failed to parse id token claims: %w", err)
	}
	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	identity := Identity{UserID: subjectHash(claims.Subject), Username: username}

	// Team membership is resolved at verification time, while the raw token is
	// still in hand — AuthPublish only sees the Identity. A resolution failure
	// is not a verification failure: ownership checks fall back to the
	// package-level owner list.
	if o.teamBaseURL != "" {
		o.refreshTeams(ctx, token, identity.UserID)
	}
	return identity, nil
}

// refreshTeams fetches the authenticated user's team set from the external
// team service, authenticating the call with the user's own bearer token via
// an oauth2 static token source, and caches it for teamsTTL.
func (o *OIDC) refreshTeams(ctx context.Context, rawToken string, userID int64) {
	o.teamsMu.RLock()
	cached, ok := o.teams[userID]
	o.teamsMu.RUnlock()
	if ok && time.Since(cached.fetched) < o.teamsTTL {
		return
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: rawToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.teamBaseURL+"/v1/user/teams", nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var payload struct {
		Teams []struct {
			Name string `json:"name"`
		} `json:"teams"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return
	}

	names := make(map[string]struct{}, len(payload.Teams))
	for _, team := range payload.Teams {
		names[team.Name] = struct{}{}
	}
	o.teamsMu.Lock()
	o.teams[userID] = teamMembership{names: names, fetched: time.Now()}
	o.teamsMu.Unlock()
}

// memberOfTeam reports whether userID's cached team set contains team.
func (o *OIDC) memberOfTeam(userID int64, team string) bool {
	o.teamsMu.RLock()
	defer o.teamsMu.RUnlock()
	cached, ok := o.teams[userID]
	if !ok {
		return false
	}
	_, member := cached.names[team]
	return member
}

func (o *OIDC) AuthPublish(ctx context.Context, identity Identity, packageName string) error {
	owners, err := o.ListOwners(ctx, packageName)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return nil
	}
	for _, owner := range owners {
		if owner.UserID == identity.UserID {
			return nil
		}
	}
	// A team named after the package grants publish rights to every member,
	// so organizations can manage access in their identity provider instead
	// of per-user owner lists.
	if o.teamBaseURL != "" && o.memberOfTeam(identity.UserID, packageName) {
		return nil
	}
	return fmt.Errorf("auth: %s does not own %s", identity.Username, packageName)
}

func (o *OIDC) AuthYank(ctx context.Context, identity Identity, packageName string) error {
	return o.AuthPublish(ctx, identity, packageName)
}

// ListOwners, AddOwner, and RemoveOwner keep an in-process owner map here.
// A production deployment would back this with the same relational
// ownerships table the Postgres backend uses, shared across instances, but
// the contract is identical either way.
func (o *OIDC) ListOwners(_ context.Context, packageName string) ([]Owner, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Owner(nil), o.ownership[packageName]...), nil
}

func (o *OIDC) AddOwner(_ context.Context, packageName string, identity Identity) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, existing := range o.ownership[packageName] {
		if existing.UserID == identity.UserID {
			return nil
		}
	}
	o.ownership[packageName] = append(o.ownership[packageName], Owner{UserID: identity.UserID, Login: identity.Username})
	return nil
}

func (o *OIDC) RemoveOwner(_ context.Context, packageName, login string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	owners := o.ownership[packageName]
	if len(owners) <= 1 {
		return ErrLastOwner
	}
	filtered := owners[:0]
	for _, owner := range owners {
		if owner.Login != login {
			filtered = append(filtered, owner)
		}
	}
	o.ownership[packageName] = filtered
	return nil
}

// LookupUser resolves a login the same way VerifyToken derives UserID from a
// claim: there is no local directory to query, so a login that has never
// authenticated here cannot be distinguished from a typo. The owners-add
// endpoint should warn callers of this backend about that limitation.
func (o *OIDC) LookupUser(_ context.Context, login string) (Identity, error) {
	return Identity{UserID: subjectHash(login), Username: login}, nil
}

// subjectHash derives a stable integer user id from an external subject claim,
// since this backend has no relational users table to autoincrement from.
func subjectHash(subject string) int64 {
	var h int64 = 1469598103934665603
	for i := 0; i < len(subject); i++ {
		h ^= int64(subject[i])
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}
