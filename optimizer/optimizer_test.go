package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qcache "github.com/developer-mesh/query-router/cache"
	"github.com/developer-mesh/query-router/endpoint"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func newTestCache(t *testing.T) qcache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c, err := qcache.NewRedisCache(qcache.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestIngestTelemetry_CopiesAndDrainsWhenIntervalElapsed(t *testing.T) {
	primaryDB, mock := newMockDB(t)
	reg := endpoint.NewRegistry(primaryDB, nil, newTestCache(t))
	defer reg.Shutdown()

	o := New(reg, time.Nanosecond, 50_000) // flushInterval effectively always due

	mock.ExpectBegin()
	mock.ExpectPrepare(`entity_values_ingest`)
	mock.ExpectExec(`entity_values_ingest`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`entity_values_ingest`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`entity_values_ingest`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`stage_flush`).WithArgs(50_000).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	events := []Event{
		{EntityID: "e1", TenantID: "t1", AttributeID: "a1", Value: "high"},
		{EntityID: "e2", TenantID: "t1", AttributeID: "a2", Value: "low"},
	}

	require.NoError(t, o.IngestTelemetry(context.Background(), events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestTelemetry_SkipsDrainWithinInterval(t *testing.T) {
	primaryDB, mock := newMockDB(t)
	reg := endpoint.NewRegistry(primaryDB, nil, newTestCache(t))
	defer reg.Shutdown()

	o := New(reg, time.Hour, 50_000)
	o.markDrained() // pretend a drain just ran

	mock.ExpectBegin()
	mock.ExpectPrepare(`entity_values_ingest`)
	mock.ExpectExec(`entity_values_ingest`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`entity_values_ingest`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	events := []Event{{EntityID: "e1", TenantID: "t1", AttributeID: "a1", Value: "x"}}
	require.NoError(t, o.IngestTelemetry(context.Background(), events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestTelemetry_EmptyBatchIsNoop(t *testing.T) {
	primaryDB, mock := newMockDB(t)
	reg := endpoint.NewRegistry(primaryDB, nil, newTestCache(t))
	defer reg.Shutdown()

	o := New(reg, time.Millisecond, 50_000)
	require.NoError(t, o.IngestTelemetry(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertHotAttributes_DeletesCacheAfterCommit(t *testing.T) {
	primaryDB, mock := newMockDB(t)
	c := newTestCache(t)
	reg := endpoint.NewRegistry(primaryDB, nil, c)
	defer reg.Shutdown()

	ctx := context.Background()
	key := HotAttributeCacheKey("9", "42")
	require.NoError(t, c.Set(ctx, key, map[string]string{"stale": "true"}, time.Minute))

	mock.ExpectBegin()
	mock.ExpectExec(`upsert_hot_attrs`).
		WithArgs("9", "42", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	o := New(reg, time.Second, 1000)
	require.NoError(t, o.UpsertHotAttributes(ctx, "9", "42", map[string]interface{}{"tier": "gold"}))

	exists, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.NoError(t, mock.ExpectationsWereMet())
}
