package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokehub/registry/pkg/dbconn"
	"github.com/spokehub/registry/pkg/observability"
)

func setupMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := &Postgres{
		conn:   dbconn.NewManagerFromDB(db, nil),
		logger: observability.NewLogger(observability.ErrorLevel, nil),
	}
	return store, mock, func() { db.Close() }
}

func TestPostgresRecord(t *testing.T) {
	store, mock, done := setupMockStore(t)
	defer done()

	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(ActionPublish, "hello", "0.1.0", int64(7), "alice", true, "", "10.0.0.1", "cargo/1.79").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Record(context.Background(), Event{
		Action:    ActionPublish,
		Package:   "hello",
		Version:   "0.1.0",
		ActorID:   7,
		Actor:     "alice",
		Success:   true,
		RemoteIP:  "10.0.0.1",
		UserAgent: "cargo/1.79",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordSurfacesInsertError(t *testing.T) {
	store, mock, done := setupMockStore(t)
	defer done()

	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO audit_log").WillReturnError(boom)

	err := store.Record(context.Background(), Event{Action: ActionYank, Package: "hello"})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListByPackage(t *testing.T) {
	store, mock, done := setupMockStore(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "created_at", "action", "package_name", "version",
		"actor_id", "actor", "success", "detail", "remote_ip", "user_agent",
	}).
		AddRow(2, now, "yank", "hello", "0.1.0", 7, "alice", true, "", "", "").
		AddRow(1, now.Add(-time.Hour), "publish", "hello", "0.1.0", 7, "alice", true, "", "", "")

	mock.ExpectQuery("SELECT (.+) FROM audit_log WHERE package_name").
		WithArgs("hello", 50).
		WillReturnRows(rows)

	events, err := store.ListByPackage(context.Background(), "hello", 50)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ActionYank, events[0].Action)
	assert.Equal(t, ActionPublish, events[1].Action)
	assert.Equal(t, int64(7), events[0].ActorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListByPackageDefaultsLimit(t *testing.T) {
	store, mock, done := setupMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT (.+) FROM audit_log WHERE package_name").
		WithArgs("hello", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "created_at", "action", "package_name", "version",
			"actor_id", "actor", "success", "detail", "remote_ip", "user_agent",
		}))

	events, err := store.ListByPackage(context.Background(), "hello", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, Event{Action: ActionPublish, Package: "hello", Actor: "alice"}))
	}
	require.NoError(t, store.Record(ctx, Event{Action: ActionPublish, Package: "other", Actor: "bob"}))

	events, err := store.ListByPackage(ctx, "hello", 2)
	require.NoError(t, err)
	require.Len(t, events, 2, "limit applies")
	assert.Greater(t, events[0].ID, events[1].ID, "newest first")
	for _, e := range events {
		assert.Equal(t, "hello", e.Package)
		assert.False(t, e.Timestamp.IsZero())
	}
}
