//go:build integration

package index

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/spokehub/registry/pkg/dbconn"
	"github.com/spokehub/registry/pkg/observability"
	"github.com/spokehub/registry/pkg/registry"
)

// setupPostgresIndex starts a throwaway Postgres container, applies the index
// migrations, and returns a ready backend.
func setupPostgresIndex(t *testing.T) (*Postgres, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("registry_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "failed to start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	require.NoError(t, dbconn.RunMigrations(ctx, db, migrationsTrackingTable, Migrations()))

	idx := &Postgres{
		conn:   dbconn.NewManagerFromDB(db, nil),
		logger: observability.NewLogger(observability.ErrorLevel, nil),
	}

	cleanup := func() {
		db.Close()
		terminateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(terminateCtx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return idx, cleanup
}

func publishVersion(t *testing.T, idx *Postgres, name, vers, checksum string, deps []registry.Dependency) registry.Version {
	t.Helper()
	version, err := idx.Publish(context.Background(), registry.PublishMetadata{
		Name:        name,
		Vers:        vers,
		Description: "integration test package",
		Deps:        deps,
		Features:    map[string][]string{"default": {}},
	}, checksum, func(context.Context) error { return nil })
	require.NoError(t, err)
	return version
}

func TestPostgresIndexPublishRoundTrip(t *testing.T) {
	idx, cleanup := setupPostgresIndex(t)
	defer cleanup()
	ctx := context.Background()

	publishVersion(t, idx, "hello", "0.1.0", "aa11", nil)
	publishVersion(t, idx, "hello", "0.2.0", "bb22", []registry.Dependency{{
		Name:        "serde",
		Requirement: "^1.0",
		Kind:        registry.DependencyKindNormal,
	}})

	status, err := idx.ConfirmExistence(ctx, "hello", "0.1.0")
	require.NoError(t, err)
	assert.Equal(t, "aa11", status.Checksum)
	assert.False(t, status.Yanked)

	_, err = idx.ConfirmExistence(ctx, "hello", "9.9.9")
	require.Error(t, err)
	assert.Equal(t, registry.KindNotFound, registry.KindOf(err))

	entries, err := idx.GetSparseEntry(ctx, "hello")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "0.1.0", entries[0].Vers, "ascending publish order")
	assert.Equal(t, "aa11", entries[0].Cksum)
	assert.Equal(t, "0.2.0", entries[1].Vers)
	require.Len(t, entries[1].Deps, 1)
	assert.Equal(t, "serde", entries[1].Deps[0].Name)
	assert.Equal(t, "^1.0", entries[1].Deps[0].Req)

	// The dependency auto-created a placeholder package row, but a sparse
	// lookup for it reports NotFound because it has no versions.
	_, err = idx.GetSparseEntry(ctx, "serde")
	require.Error(t, err)
	assert.Equal(t, registry.KindNotFound, registry.KindOf(err))
}

func TestPostgresIndexDuplicateVersion(t *testing.T) {
	idx, cleanup := setupPostgresIndex(t)
	defer cleanup()
	ctx := context.Background()

	publishVersion(t, idx, "hello", "0.1.0", "aa11", nil)

	_, err := idx.Publish(ctx, registry.PublishMetadata{Name: "hello", Vers: "0.1.0"}, "cc33",
		func(context.Context) error {
			t.Fatal("end step must not run for a duplicate version")
			return nil
		})
	require.Error(t, err)
	assert.Equal(t, registry.KindVersionExists, registry.KindOf(err))

	// The original checksum is untouched.
	entries, err := idx.GetSparseEntry(ctx, "hello")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "aa11", entries[0].Cksum)
}

func TestPostgresIndexConcurrentDuplicatePublish(t *testing.T) {
	// Both publishers can pass the COUNT pre-check before either commits; the
	// UNIQUE(package_id, num) constraint decides the race, and the loser must
	// see VersionExists.
	idx, cleanup := setupPostgresIndex(t)
	defer cleanup()
	ctx := context.Background()

	const attempts = 2
	checksums := [attempts]string{"aa11", "bb22"}
	errs := make([]error, attempts)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			_, errs[n] = idx.Publish(ctx, registry.PublishMetadata{Name: "racer", Vers: "1.0.0"},
				checksums[n], func(context.Context) error { return nil })
		}(i)
	}
	close(start)
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		losses++
		assert.Equal(t, registry.KindVersionExists, registry.KindOf(err))
	}
	assert.Equal(t, 1, wins, "exactly one publish wins")
	assert.Equal(t, 1, losses, "exactly one publish loses with VersionExists")

	entries, err := idx.GetSparseEntry(ctx, "racer")
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one version row lands")
	assert.Contains(t, checksums[:], entries[0].Cksum)
}

func TestPostgresIndexListAllSummaries(t *testing.T) {
	idx, cleanup := setupPostgresIndex(t)
	defer cleanup()
	ctx := context.Background()

	meta := registry.PublishMetadata{
		Name:        "hello",
		Vers:        "0.1.0",
		Description: "greeting library",
		Homepage:    "https://hello.example",
		Categories:  []string{"cli"},
		Keywords:    []string{"greeting"},
	}
	_, err := idx.Publish(ctx, meta, "aa11", func(context.Context) error { return nil })
	require.NoError(t, err)
	meta.Vers = "0.2.0"
	_, err = idx.Publish(ctx, meta, "bb22", func(context.Context) error { return nil })
	require.NoError(t, err)

	summaries, err := idx.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	s := summaries[0]
	assert.Equal(t, "hello", s.Name)
	assert.Equal(t, "https://hello.example", s.Homepage)
	assert.Equal(t, []string{"0.1.0", "0.2.0"}, s.Versions)
	assert.Equal(t, 2, s.VersionCount)
	assert.Equal(t, []string{"cli"}, s.Categories)
	assert.Equal(t, []string{"greeting"}, s.Keywords)
}

func TestPostgresIndexEndStepFailureLeavesNoTrace(t *testing.T) {
	idx, cleanup := setupPostgresIndex(t)
	defer cleanup()
	ctx := context.Background()

	storageDown := errors.New("storage down")
	_, err := idx.Publish(ctx, registry.PublishMetadata{Name: "doomed", Vers: "1.0.0"}, "dd44",
		func(context.Context) error { return storageDown })
	require.ErrorIs(t, err, storageDown)

	_, err = idx.GetSparseEntry(ctx, "doomed")
	assert.Equal(t, registry.KindNotFound, registry.KindOf(err))
}

func TestPostgresIndexYankUnyank(t *testing.T) {
	idx, cleanup := setupPostgresIndex(t)
	defer cleanup()
	ctx := context.Background()

	publishVersion(t, idx, "hello", "0.1.0", "aa11", nil)

	require.NoError(t, idx.Yank(ctx, "hello", "0.1.0", true))
	entries, err := idx.GetSparseEntry(ctx, "hello")
	require.NoError(t, err)
	assert.True(t, entries[0].Yanked)
	assert.Equal(t, "aa11", entries[0].Cksum, "yank leaves the checksum alone")

	require.NoError(t, idx.Yank(ctx, "hello", "0.1.0", false))
	entries, err = idx.GetSparseEntry(ctx, "hello")
	require.NoError(t, err)
	assert.False(t, entries[0].Yanked)

	err = idx.Yank(ctx, "hello", "9.9.9", true)
	assert.Equal(t, registry.KindNotFound, registry.KindOf(err))
}

func TestPostgresIndexSearch(t *testing.T) {
	idx, cleanup := setupPostgresIndex(t)
	defer cleanup()
	ctx := context.Background()

	publishVersion(t, idx, "serde", "1.0.0", "aa11", nil)
	publishVersion(t, idx, "serde_json", "1.0.0", "bb22", nil)
	publishVersion(t, idx, "unrelated", "1.0.0", "cc33", nil)

	result, err := idx.Search(ctx, "serde", 10)
	require.NoError(t, err)
	require.Len(t, result.Packages, 2)
	assert.Equal(t, "serde", result.Packages[0].Name, "exact match first")
	assert.Equal(t, "serde_json", result.Packages[1].Name)
	assert.Equal(t, 2, result.Meta.Total)
}
