package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokehub/registry/pkg/auth"
	"github.com/spokehub/registry/pkg/index"
	"github.com/spokehub/registry/pkg/observability"
	"github.com/spokehub/registry/pkg/registry"
)

// fakeIndex is an in-memory stand-in for the Index contract, func-field style
// so individual tests can override exactly the behavior they're exercising.
type fakeIndex struct {
	publishFunc func(ctx context.Context, meta registry.PublishMetadata, checksum string, endStep index.EndStep) (registry.Version, error)
	yankFunc    func(ctx context.Context, name, version string, yanked bool) error
	yankCalls   int
}

func (f *fakeIndex) ConfirmExistence(ctx context.Context, name, version string) (registry.VersionStatus, error) {
	return registry.VersionStatus{}, registry.NotFound(name+"-"+version+" not found", nil)
}
func (f *fakeIndex) GetSparseEntry(ctx context.Context, name string) ([]registry.SparseIndexEntry, error) {
	return nil, nil
}
func (f *fakeIndex) ListAll(ctx context.Context) ([]registry.PackageSummary, error) {
	return nil, nil
}
func (f *fakeIndex) Search(ctx context.Context, query string, perPage int) (registry.SearchResult, error) {
	return registry.SearchResult{}, nil
}
func (f *fakeIndex) Publish(ctx context.Context, meta registry.PublishMetadata, checksum string, endStep index.EndStep) (registry.Version, error) {
	if f.publishFunc != nil {
		return f.publishFunc(ctx, meta, checksum, endStep)
	}
	if err := endStep(ctx); err != nil {
		return registry.Version{}, err
	}
	return registry.Version{PackageName: meta.Name, Num: meta.Vers, Checksum: checksum}, nil
}
func (f *fakeIndex) Yank(ctx context.Context, name, version string, yanked bool) error {
	f.yankCalls++
	if f.yankFunc != nil {
		return f.yankFunc(ctx, name, version, yanked)
	}
	return nil
}
func (f *fakeIndex) ListOwners(ctx context.Context, packageName string) ([]registry.Owner, error) {
	return nil, nil
}
func (f *fakeIndex) AddOwners(ctx context.Context, packageName string, logins []string) error {
	return nil
}
func (f *fakeIndex) RemoveOwners(ctx context.Context, packageName string, logins []string) error {
	return nil
}

// fakeStorage is an in-memory stand-in for the Storage contract.
type fakeStorage struct {
	putFunc    func(ctx context.Context, name, version, checksum string, content io.Reader, size int64) error
	deleted    []string
	deleteFunc func(ctx context.Context, name, version string) error
}

func (f *fakeStorage) PutTarball(ctx context.Context, name, version, checksum string, content io.Reader, size int64) error {
	if f.putFunc != nil {
		return f.putFunc(ctx, name, version, checksum, content, size)
	}
	return nil
}
func (f *fakeStorage) GetTarball(ctx context.Context, name, version string) (io.ReadCloser, int64, error) {
	return nil, 0, nil
}
func (f *fakeStorage) DeleteTarball(ctx context.Context, name, version string) error {
	f.deleted = append(f.deleted, name+"-"+version)
	if f.deleteFunc != nil {
		return f.deleteFunc(ctx, name, version)
	}
	return nil
}
func (f *fakeStorage) PutReadme(ctx context.Context, name, version string, content io.Reader) error {
	return nil
}
func (f *fakeStorage) GetReadme(ctx context.Context, name, version string) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeStorage) HealthCheck(ctx context.Context) error { return nil }

// fakeAuth is an in-memory stand-in for the Auth contract.
type fakeAuth struct {
	verifyFunc    func(ctx context.Context, token string) (auth.Identity, error)
	owners        []auth.Owner
	authPublishFn func(ctx context.Context, identity auth.Identity, packageName string) error
	addOwnerFn    func(ctx context.Context, packageName string, identity auth.Identity) error
	addOwnerCalls int
}

func (f *fakeAuth) RegisterUser(ctx context.Context, username, password string) (auth.Identity, error) {
	return auth.Identity{}, nil
}
func (f *fakeAuth) Login(ctx context.Context, username, password string) (string, auth.Identity, error) {
	return "", auth.Identity{}, nil
}
func (f *fakeAuth) VerifyToken(ctx context.Context, token string) (auth.Identity, error) {
	if f.verifyFunc != nil {
		return f.verifyFunc(ctx, token)
	}
	return auth.Identity{UserID: 1, Username: "alice"}, nil
}
func (f *fakeAuth) IssueToken(ctx context.Context, identity auth.Identity, name string) (string, error) {
	return "", nil
}
func (f *fakeAuth) AuthPublish(ctx context.Context, identity auth.Identity, packageName string) error {
	if f.authPublishFn != nil {
		return f.authPublishFn(ctx, identity, packageName)
	}
	return nil
}
func (f *fakeAuth) AuthYank(ctx context.Context, identity auth.Identity, packageName string) error {
	return nil
}
func (f *fakeAuth) ListOwners(ctx context.Context, packageName string) ([]auth.Owner, error) {
	return f.owners, nil
}
func (f *fakeAuth) AddOwner(ctx context.Context, packageName string, identity auth.Identity) error {
	f.addOwnerCalls++
	if f.addOwnerFn != nil {
		return f.addOwnerFn(ctx, packageName, identity)
	}
	return nil
}
func (f *fakeAuth) RemoveOwner(ctx context.Context, packageName, login string) error { return nil }

func (f *fakeAuth) LookupUser(ctx context.Context, login string) (auth.Identity, error) {
	return auth.Identity{Username: login}, nil
}

func frameBody(t *testing.T, meta registry.PublishMetadata, tarball []byte) []byte {
	t.Helper()
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)

	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaJSON)))
	buf.Write(lenBuf[:])
	buf.Write(metaJSON)
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(tarball)))
	buf.Write(lenBuf[:])
	buf.Write(tarball)
	return buf.Bytes()
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, nil)
}

func validMeta() registry.PublishMetadata {
	return registry.PublishMetadata{
		Name: "Widget",
		Vers: "1.0.0",
		Deps: []registry.Dependency{
			{Name: "gizmo", Requirement: "^1.0"},
		},
	}
}

func TestOrchestrator_Publish_FirstPublishGrantsOwnership(t *testing.T) {
	tarballBytes := []byte("crate contents")
	idx := &fakeIndex{}
	store := &fakeStorage{}
	auther := &fakeAuth{} // owners starts empty -> first publish

	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 1 << 20, Logger: testLogger()}
	body := frameBody(t, validMeta(), tarballBytes)

	outcome, err := o.Publish(context.Background(), "spoke_test", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "widget", outcome.Name) // normalized to lowercase
	assert.Equal(t, "1.0.0", outcome.Vers)
	assert.Equal(t, 1, auther.addOwnerCalls)
}

func TestOrchestrator_Publish_ExistingOwnerSkipsGrant(t *testing.T) {
	idx := &fakeIndex{}
	store := &fakeStorage{}
	auther := &fakeAuth{owners: []auth.Owner{{UserID: 1, Login: "alice"}}}

	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 1 << 20, Logger: testLogger()}
	body := frameBody(t, validMeta(), []byte("x"))

	_, err := o.Publish(context.Background(), "spoke_test", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 0, auther.addOwnerCalls)
}

func TestOrchestrator_Publish_ChecksumMatchesTarball(t *testing.T) {
	tarballBytes := []byte("crate contents")
	sum := sha256.Sum256(tarballBytes)
	wantChecksum := hex.EncodeToString(sum[:])

	var gotChecksum string
	idx := &fakeIndex{
		publishFunc: func(ctx context.Context, meta registry.PublishMetadata, checksum string, endStep index.EndStep) (registry.Version, error) {
			gotChecksum = checksum
			require.NoError(t, endStep(ctx))
			return registry.Version{PackageName: meta.Name, Num: meta.Vers, Checksum: checksum}, nil
		},
	}
	store := &fakeStorage{}
	auther := &fakeAuth{}
	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 1 << 20, Logger: testLogger()}
	body := frameBody(t, validMeta(), tarballBytes)

	_, err := o.Publish(context.Background(), "spoke_test", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, wantChecksum, gotChecksum)
}

func TestOrchestrator_Publish_RejectsOversizedTarball(t *testing.T) {
	idx := &fakeIndex{}
	store := &fakeStorage{}
	auther := &fakeAuth{}
	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 4, Logger: testLogger()}
	body := frameBody(t, validMeta(), []byte("way too big for the limit"))

	_, err := o.Publish(context.Background(), "spoke_test", bytes.NewReader(body))
	require.Error(t, err)
	var regErr *registry.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, registry.KindPayloadTooLarge, regErr.Kind)
}

func TestOrchestrator_Publish_RejectsInvalidVersion(t *testing.T) {
	idx := &fakeIndex{}
	store := &fakeStorage{}
	auther := &fakeAuth{}
	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 1 << 20, Logger: testLogger()}
	meta := validMeta()
	meta.Vers = "not-a-version"
	body := frameBody(t, meta, []byte("x"))

	_, err := o.Publish(context.Background(), "spoke_test", bytes.NewReader(body))
	require.Error(t, err)
	var regErr *registry.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, registry.KindBadRequest, regErr.Kind)
}

func TestOrchestrator_Publish_InvalidTokenIsUnauthorized(t *testing.T) {
	idx := &fakeIndex{}
	store := &fakeStorage{}
	auther := &fakeAuth{
		verifyFunc: func(ctx context.Context, token string) (auth.Identity, error) {
			return auth.Identity{}, errors.New("no such token")
		},
	}
	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 1 << 20, Logger: testLogger()}
	body := frameBody(t, validMeta(), []byte("x"))

	_, err := o.Publish(context.Background(), "spoke_bad", bytes.NewReader(body))
	require.Error(t, err)
	var regErr *registry.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, registry.KindUnauthorized, regErr.Kind)
}

func TestOrchestrator_Publish_NotAnOwnerIsForbidden(t *testing.T) {
	idx := &fakeIndex{}
	store := &fakeStorage{}
	auther := &fakeAuth{
		owners: []auth.Owner{{UserID: 2, Login: "bob"}},
		authPublishFn: func(ctx context.Context, identity auth.Identity, packageName string) error {
			return errors.New("not an owner")
		},
	}
	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 1 << 20, Logger: testLogger()}
	body := frameBody(t, validMeta(), []byte("x"))

	_, err := o.Publish(context.Background(), "spoke_test", bytes.NewReader(body))
	require.Error(t, err)
	var regErr *registry.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, registry.KindForbidden, regErr.Kind)
	assert.Equal(t, 0, auther.addOwnerCalls)
}

func TestOrchestrator_Publish_IndexFailureTriggersCompensatingDelete(t *testing.T) {
	idx := &fakeIndex{
		publishFunc: func(ctx context.Context, meta registry.PublishMetadata, checksum string, endStep index.EndStep) (registry.Version, error) {
			// end_step (the tarball put) succeeds, but the surrounding
			// transaction still fails to commit.
			if err := endStep(ctx); err != nil {
				return registry.Version{}, err
			}
			return registry.Version{}, registry.IndexIO("commit failed", errors.New("connection reset"))
		},
	}
	store := &fakeStorage{}
	auther := &fakeAuth{}
	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 1 << 20, Logger: testLogger()}
	body := frameBody(t, validMeta(), []byte("x"))

	_, err := o.Publish(context.Background(), "spoke_test", bytes.NewReader(body))
	require.Error(t, err)
	var regErr *registry.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, registry.KindIndexIO, regErr.Kind)
	require.Len(t, store.deleted, 1)
	assert.Equal(t, "widget-1.0.0", store.deleted[0])
}

func TestOrchestrator_Publish_OwnershipGrantFailureYanksAndDeletes(t *testing.T) {
	idx := &fakeIndex{}
	store := &fakeStorage{}
	auther := &fakeAuth{
		addOwnerFn: func(ctx context.Context, packageName string, identity auth.Identity) error {
			return errors.New("ownership table unavailable")
		},
	}
	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 1 << 20, Logger: testLogger()}
	body := frameBody(t, validMeta(), []byte("x"))

	_, err := o.Publish(context.Background(), "spoke_test", bytes.NewReader(body))
	require.Error(t, err)
	var regErr *registry.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, registry.KindAuthIO, regErr.Kind)
	assert.Equal(t, 1, idx.yankCalls)
	require.Len(t, store.deleted, 1)
}

func TestOrchestrator_Publish_RejectsMalformedDependencyRequirement(t *testing.T) {
	idx := &fakeIndex{}
	store := &fakeStorage{}
	auther := &fakeAuth{}
	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 1 << 20, Logger: testLogger()}
	meta := validMeta()
	meta.Deps = []registry.Dependency{{Name: "gizmo", Requirement: "not a constraint either"}}
	body := frameBody(t, meta, []byte("x"))

	_, err := o.Publish(context.Background(), "spoke_test", bytes.NewReader(body))
	require.Error(t, err)
	var regErr *registry.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, registry.KindBadRequest, regErr.Kind)
}

func TestOrchestrator_Publish_SoftWarnings(t *testing.T) {
	idx := &fakeIndex{}
	store := &fakeStorage{}
	auther := &fakeAuth{}
	o := &Orchestrator{Index: idx, Storage: store, Auth: auther, MaxCrateSize: 1 << 20, Logger: testLogger()}

	meta := validMeta()
	meta.Categories = []string{"parsing", "not a category!"}
	body := frameBody(t, meta, []byte("x"))

	outcome, err := o.Publish(context.Background(), "spoke_test", bytes.NewReader(body))
	require.NoError(t, err)
	require.Len(t, outcome.Warnings.Other, 1, "mixed-case name is normalized with a warning")
	assert.Contains(t, outcome.Warnings.Other[0], "Widget")
	assert.Equal(t, []string{"not a category!"}, outcome.Warnings.InvalidCategories)
}
