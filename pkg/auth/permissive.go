package auth

import (
	"context"
	"sync"
)

// Permissive is the "yes" backend: every token verifies as a fixed anonymous
// identity and every authorization check succeeds. Used for local development
// and the integration test harness where exercising the publish pipeline
// matters more than exercising authorization.
type Permissive struct {
	mu    sync.RWMutex
	owner Owner
}

// NewPermissive returns a ready Auth backend. The fixed identity is user id 1,
// username "anonymous".
func NewPermissive() *Permissive {
	return &Permissive{owner: Owner{UserID: 1, Login: "anonymous"}}
}

func (p *Permissive) RegisterUser(_ context.Context, username, _ string) (Identity, error) {
	return Identity{UserID: 1, Username: username}, nil
}

func (p *Permissive) Login(_ context.Context, username, _ string) (string, Identity, error) {
	plaintext, _, _, err := GenerateToken()
	if err != nil {
		return "", Identity{}, err
	}
	return plaintext, Identity{UserID: 1, Username: username}, nil
}

func (p *Permissive) IssueToken(_ context.Context, identity Identity, _ string) (string, error) {
	plaintext, _, _, err := GenerateToken()
	return plaintext, err
}

func (p *Permissive) VerifyToken(_ context.Context, _ string) (Identity, error) {
	return Identity{UserID: p.owner.UserID, Username: p.owner.Login}, nil
}

func (p *Permissive) AuthPublish(context.Context, Identity, string) error { return nil }
func (p *Permissive) AuthYank(context.Context, Identity, string) error    { return nil }

func (p *Permissive) ListOwners(_ context.Context, _ string) ([]Owner, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return []Owner{p.owner}, nil
}

func (p *Permissive) AddOwner(context.Context, string, Identity) error { return nil }

func (p *Permissive) RemoveOwner(context.Context, string, string) error { return nil }

func (p *Permissive) LookupUser(_ context.Context, login string) (Identity, error) {
	return Identity{UserID: p.owner.UserID, Username: login}, nil
}
