package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Filesystem is an alternate Auth implementation backed by a single atomically
// written JSON file of {users, tokens, ownership}, guarded by an in-process
// RWMutex plus an on-disk
// lock file for cross-process exclusion (the multi-process equivalent of the
// single-process mutex, since two registry instances could otherwise race on the
// same file).
type Filesystem struct {
	path       string
	lockPath   string
	bcryptCost int
	pepper     string
	mu         sync.RWMutex
}

type fsUser struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type fsToken struct {
	UserID     int64     `json:"user_id"`
	Hash       string    `json:"hash"`
	Prefix     string    `json:"prefix"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

type fsOwnership struct {
	PackageName string `json:"package_name"`
	UserID      int64  `json:"user_id"`
}

type fsState struct {
	NextUserID int64         `json:"next_user_id"`
	Users      []fsUser      `json:"users"`
	Tokens     []fsToken     `json:"tokens"`
	Ownership  []fsOwnership `json:"ownership"`
}

// NewFilesystem ensures the parent directory exists and returns a ready Auth.
func NewFilesystem(path string, bcryptCost int, pepper string) (*Filesystem, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("auth: failed to create auth directory: %w", err)
	}
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Filesystem{path: path, lockPath: path + ".lock", bcryptCost: bcryptCost, pepper: pepper}, nil
}

// HealthCheck reports whether the state file's parent directory is still
// present and accessible.
func (f *Filesystem) HealthCheck(_ context.Context) error {
	info, err := os.Stat(filepath.Dir(f.path))
	if err != nil {
		return fmt.Errorf("auth: failed to stat auth directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("auth: %s is not a directory", filepath.Dir(f.path))
	}
	return nil
}

// withLock acquires the in-process lock and an advisory on-disk lock file for
// the duration of fn, so a second registry process sharing the same file
// cannot interleave a write with this one.
func (f *Filesystem) withLock(fn func(*fsState) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lock, err := os.OpenFile(f.lockPath, os.O_CREATE|os.O_EXCL, 0o644)
	for i := 0; err != nil && i < 50; i++ {
		time.Sleep(20 * time.Millisecond)
		lock, err = os.OpenFile(f.lockPath, os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return fmt.Errorf("auth: failed to acquire lock file: %w", err)
	}
	defer func() {
		lock.Close()
		os.Remove(f.lockPath)
	}()

	state, err := f.read()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return f.write(state)
}

func (f *Filesystem) read() (*fsState, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return &fsState{NextUserID: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read state file: %w", err)
	}
	var state fsState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("auth: failed to unmarshal state file: %w", err)
	}
	if state.NextUserID == 0 {
		state.NextUserID = 1
	}
	return &state, nil
}

func (f *Filesystem) write(state *fsState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: failed to marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".tmp-auth-*")
	if err != nil {
		return fmt.Errorf("auth: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("auth: failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("auth: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("auth: failed to rename temp file: %w", err)
	}
	return nil
}

func (f *Filesystem) RegisterUser(_ context.Context, username, password string) (Identity, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), f.bcryptCost)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: failed to hash password: %w", err)
	}

	var identity Identity
	err = f.withLock(func(state *fsState) error {
		for _, u := range state.Users {
			if u.Username == username {
				return fmt.Errorf("auth: username %q already taken", username)
			}
		}
		id := state.NextUserID
		state.NextUserID++
		state.Users = append(state.Users, fsUser{ID: id, Username: username, PasswordHash: string(hash)})
		identity = Identity{UserID: id, Username: username}
		return nil
	})
	return identity, err
}

func (f *Filesystem) Login(ctx context.Context, username, password string) (string, Identity, error) {
	f.mu.RLock()
	state, err := f.read()
	f.mu.RUnlock()
	if err != nil {
		return "", Identity{}, err
	}
	for _, u := range state.Users {
		if u.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
			return "", Identity{}, fmt.Errorf("auth: invalid credentials")
		}
		identity := Identity{UserID: u.ID, Username: u.Username}
		plaintext, err := f.IssueToken(ctx, identity, "login")
		return plaintext, identity, err
	}
	return "", Identity{}, fmt.Errorf("auth: invalid credentials")
}

func (f *Filesystem) IssueToken(_ context.Context, identity Identity, name string) (string, error) {
	plaintext, _, prefix, err := GenerateToken()
	if err != nil {
		return "", err
	}
	hash := HashTokenWithPepper(plaintext, f.pepper)
	err = f.withLock(func(state *fsState) error {
		state.Tokens = append(state.Tokens, fsToken{
			UserID:    identity.UserID,
			Hash:      hash,
			Prefix:    prefix,
			Name:      name,
			CreatedAt: time.Now(),
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

func (f *Filesystem) VerifyToken(_ context.Context, token string) (Identity, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return Identity{}, fmt.Errorf("auth: %w", err)
	}
	hash := HashTokenWithPepper(token, f.pepper)

	var identity Identity
	found := false
	err := f.withLock(func(state *fsState) error {
		for i, t := range state.Tokens {
			if !ConstantTimeHashEqual(t.Hash, hash) {
				continue
			}
			for _, u := range state.Users {
				if u.ID == t.UserID {
					identity = Identity{UserID: u.ID, Username: u.Username}
					found = true
				}
			}
			state.Tokens[i].LastUsedAt = time.Now()
			return nil
		}
		return nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !found {
		return Identity{}, fmt.Errorf("auth: unknown token")
	}
	return identity, nil
}

// PruneStaleTokens removes tokens whose last use (or, if never used, whose
// creation) is older than olderThan, implementing TokenPruner.
func (f *Filesystem) PruneStaleTokens(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	var removed int64
	err := f.withLock(func(state *fsState) error {
		filtered := state.Tokens[:0]
		for _, t := range state.Tokens {
			last := t.LastUsedAt
			if last.IsZero() {
				last = t.CreatedAt
			}
			if last.Before(cutoff) {
				removed++
				continue
			}
			filtered = append(filtered, t)
		}
		state.Tokens = filtered
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (f *Filesystem) AuthPublish(_ context.Context, identity Identity, packageName string) error {
	f.mu.RLock()
	state, err := f.read()
	f.mu.RUnlock()
	if err != nil {
		return err
	}
	var owners []int64
	for _, o := range state.Ownership {
		if o.PackageName == packageName {
			owners = append(owners, o.UserID)
		}
	}
	if len(owners) == 0 {
		return nil
	}
	for _, id := range owners {
		if id == identity.UserID {
			return nil
		}
	}
	return fmt.Errorf("auth: %s does not own %s", identity.Username, packageName)
}

func (f *Filesystem) AuthYank(ctx context.Context, identity Identity, packageName string) error {
	return f.AuthPublish(ctx, identity, packageName)
}

func (f *Filesystem) ListOwners(_ context.Context, packageName string) ([]Owner, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	state, err := f.read()
	if err != nil {
		return nil, err
	}
	var owners []Owner
	for _, o := range state.Ownership {
		if o.PackageName != packageName {
			continue
		}
		for _, u := range state.Users {
			if u.ID == o.UserID {
				owners = append(owners, Owner{UserID: u.ID, Login: u.Username})
			}
		}
	}
	return owners, nil
}

func (f *Filesystem) AddOwner(_ context.Context, packageName string, identity Identity) error {
	return f.withLock(func(state *fsState) error {
		for _, o := range state.Ownership {
			if o.PackageName == packageName && o.UserID == identity.UserID {
				return nil
			}
		}
		state.Ownership = append(state.Ownership, fsOwnership{PackageName: packageName, UserID: identity.UserID})
		return nil
	})
}

func (f *Filesystem) LookupUser(_ context.Context, login string) (Identity, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	state, err := f.read()
	if err != nil {
		return Identity{}, err
	}
	for _, u := range state.Users {
		if u.Username == login {
			return Identity{UserID: u.ID, Username: u.Username}, nil
		}
	}
	return Identity{}, fmt.Errorf("auth: unknown user %q", login)
}

func (f *Filesystem) RemoveOwner(_ context.Context, packageName, login string) error {
	return f.withLock(func(state *fsState) error {
		var count int
		for _, o := range state.Ownership {
			if o.PackageName == packageName {
				count++
			}
		}
		if count <= 1 {
			return ErrLastOwner
		}
		filtered := state.Ownership[:0]
		for _, o := range state.Ownership {
			if o.PackageName == packageName {
				var username string
				for _, u := range state.Users {
					if u.ID == o.UserID {
						username = u.Username
					}
				}
				if username == login {
					continue
				}
			}
			filtered = append(filtered, o)
		}
		state.Ownership = filtered
		return nil
	})
}
