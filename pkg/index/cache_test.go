package index

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokehub/registry/pkg/observability"
	"github.com/spokehub/registry/pkg/registry"
)

type fakeIndex struct {
	sparseCalls int
	searchCalls int
	sparseFunc  func(ctx context.Context, name string) ([]registry.SparseIndexEntry, error)
	searchFunc  func(ctx context.Context, query string, perPage int) (registry.SearchResult, error)
}

func (f *fakeIndex) ConfirmExistence(ctx context.Context, name, version string) (registry.VersionStatus, error) {
	return registry.VersionStatus{}, registry.NotFound(name+"-"+version+" not found", nil)
}

func (f *fakeIndex) GetSparseEntry(ctx context.Context, name string) ([]registry.SparseIndexEntry, error) {
	f.sparseCalls++
	if f.sparseFunc != nil {
		return f.sparseFunc(ctx, name)
	}
	return []registry.SparseIndexEntry{{Name: name, Vers: "1.0.0"}}, nil
}

func (f *fakeIndex) ListAll(ctx context.Context) ([]registry.PackageSummary, error) {
	return []registry.PackageSummary{{Name: "widget"}}, nil
}

func (f *fakeIndex) Search(ctx context.Context, query string, perPage int) (registry.SearchResult, error) {
	f.searchCalls++
	if f.searchFunc != nil {
		return f.searchFunc(ctx, query, perPage)
	}
	return registry.SearchResult{Packages: []registry.PackageSummary{{Name: query}}}, nil
}

func (f *fakeIndex) Publish(ctx context.Context, meta registry.PublishMetadata, checksum string, endStep EndStep) (registry.Version, error) {
	return registry.Version{PackageName: meta.Name, Num: meta.Vers}, nil
}

func (f *fakeIndex) Yank(ctx context.Context, name, version string, yanked bool) error { return nil }

func (f *fakeIndex) ListOwners(ctx context.Context, packageName string) ([]registry.Owner, error) {
	return nil, nil
}
func (f *fakeIndex) AddOwners(ctx context.Context, packageName string, logins []string) error {
	return nil
}
func (f *fakeIndex) RemoveOwners(ctx context.Context, packageName string, logins []string) error {
	return nil
}

func newTestCache(t *testing.T, next Index) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(next, "redis://"+mr.Addr(), time.Minute, observability.NewLogger(observability.ErrorLevel, nil))
	require.NoError(t, err)
	return cache, mr
}

func TestRedisCache_GetSparseEntry_CachesAfterFirstMiss(t *testing.T) {
	next := &fakeIndex{}
	cache, _ := newTestCache(t, next)
	ctx := context.Background()

	_, err := cache.GetSparseEntry(ctx, "widget")
	require.NoError(t, err)
	_, err = cache.GetSparseEntry(ctx, "widget")
	require.NoError(t, err)

	assert.Equal(t, 1, next.sparseCalls)
}

func TestRedisCache_Search_CachesByQueryAndPerPage(t *testing.T) {
	next := &fakeIndex{}
	cache, _ := newTestCache(t, next)
	ctx := context.Background()

	_, err := cache.Search(ctx, "widget", 10)
	require.NoError(t, err)
	_, err = cache.Search(ctx, "widget", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, next.searchCalls)

	// A different perPage is a different cache key.
	_, err = cache.Search(ctx, "widget", 20)
	require.NoError(t, err)
	assert.Equal(t, 2, next.searchCalls)
}

func TestRedisCache_Publish_InvalidatesSparseEntry(t *testing.T) {
	next := &fakeIndex{}
	cache, _ := newTestCache(t, next)
	ctx := context.Background()

	_, err := cache.GetSparseEntry(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, 1, next.sparseCalls)

	_, err = cache.Publish(ctx, registry.PublishMetadata{Name: "widget", Vers: "2.0.0"}, "sum", nil)
	require.NoError(t, err)

	_, err = cache.GetSparseEntry(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, 2, next.sparseCalls)
}

func TestRedisCache_Publish_InvalidatesSearchCache(t *testing.T) {
	next := &fakeIndex{}
	cache, _ := newTestCache(t, next)
	ctx := context.Background()

	_, err := cache.Search(ctx, "widget", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, next.searchCalls)

	_, err = cache.Publish(ctx, registry.PublishMetadata{Name: "widget", Vers: "2.0.0"}, "sum", nil)
	require.NoError(t, err)

	_, err = cache.Search(ctx, "widget", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, next.searchCalls)
}

func TestRedisCache_Yank_InvalidatesSparseEntry(t *testing.T) {
	next := &fakeIndex{}
	cache, _ := newTestCache(t, next)
	ctx := context.Background()

	_, err := cache.GetSparseEntry(ctx, "widget")
	require.NoError(t, err)
	require.NoError(t, cache.Yank(ctx, "widget", "1.0.0", true))

	_, err = cache.GetSparseEntry(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, 2, next.sparseCalls)
}

func TestRedisCache_PassesThroughNonCachedOperations(t *testing.T) {
	next := &fakeIndex{}
	cache, _ := newTestCache(t, next)
	ctx := context.Background()

	summaries, err := cache.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "widget", summaries[0].Name)
}

func TestRedisCache_FallsBackToIndexOnRedisFailure(t *testing.T) {
	next := &fakeIndex{}
	cache, mr := newTestCache(t, next)
	ctx := context.Background()

	mr.Close()

	entries, err := cache.GetSparseEntry(ctx, "widget")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRedisCache_Close(t *testing.T) {
	next := &fakeIndex{}
	cache, _ := newTestCache(t, next)
	assert.NoError(t, cache.Close())
}
