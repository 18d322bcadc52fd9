package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(false))
	require.NoError(t, err)
	return sqlx.NewDb(db, "postgres"), mock
}

func TestAcquireReplica_PicksMinimumLagWithIndexTiebreak(t *testing.T) {
	primaryDB, _ := newMockDB(t)
	r0DB, _ := newMockDB(t)
	r1DB, _ := newMockDB(t)
	r2DB, _ := newMockDB(t)

	reg := NewRegistry(primaryDB, []*sqlx.DB{r0DB, r1DB, r2DB}, nil)
	defer reg.Shutdown()

	reg.lag[0] = 500
	reg.lag[1] = 100
	reg.lag[2] = 2500

	conn, err := reg.AcquireReplica(context.Background(), 3000)
	require.NoError(t, err)
	defer reg.Release(conn)

	assert.Equal(t, RoleReplica, conn.Role)
	assert.Equal(t, 1, conn.ReplicaIndex)
	assert.Equal(t, int64(100), conn.LagMS)
}

func TestAcquireReplica_AllLaggingFallsBackToPrimary(t *testing.T) {
	primaryDB, _ := newMockDB(t)
	r0DB, _ := newMockDB(t)
	r1DB, _ := newMockDB(t)

	reg := NewRegistry(primaryDB, []*sqlx.DB{r0DB, r1DB}, nil)
	defer reg.Shutdown()

	reg.lag[0] = 4000
	reg.lag[1] = 4000

	conn, err := reg.AcquireReplica(context.Background(), 3000)
	require.NoError(t, err)
	defer reg.Release(conn)

	assert.Equal(t, RolePrimary, conn.Role)
	assert.Equal(t, -1, conn.ReplicaIndex)
	assert.Equal(t, int64(0), conn.LagMS)
}

func TestAcquireReplica_TieBreaksOnLowestIndex(t *testing.T) {
	primaryDB, _ := newMockDB(t)
	r0DB, _ := newMockDB(t)
	r1DB, _ := newMockDB(t)

	reg := NewRegistry(primaryDB, []*sqlx.DB{r0DB, r1DB}, nil)
	defer reg.Shutdown()

	reg.lag[0] = 200
	reg.lag[1] = 200

	conn, err := reg.AcquireReplica(context.Background(), 3000)
	require.NoError(t, err)
	defer reg.Release(conn)

	assert.Equal(t, 0, conn.ReplicaIndex)
}

func TestAcquirePrimary_ReleaseReturnsConnection(t *testing.T) {
	primaryDB, _ := newMockDB(t)
	reg := NewRegistry(primaryDB, nil, nil)
	defer reg.Shutdown()

	conn, err := reg.AcquirePrimary(context.Background())
	require.NoError(t, err)
	require.NoError(t, reg.Release(conn))
}

func TestRefreshLag_ThrottlesConcurrentInvocations(t *testing.T) {
	primaryDB, primaryMock := newMockDB(t)
	r0DB, r0Mock := newMockDB(t)

	reg := NewRegistry(primaryDB, []*sqlx.DB{r0DB}, nil, WithLagCheckInterval(time.Hour))
	defer reg.Shutdown()

	rows := sqlmock.NewRows([]string{"clock"}).AddRow(int64(1_700_000_000_000))
	primaryMock.ExpectQuery(`SELECT \(EXTRACT`).WillReturnRows(rows)

	hbRows := sqlmock.NewRows([]string{"ts"}).AddRow(int64(1_699_999_999_000))
	r0Mock.ExpectQuery(`SELECT \(EXTRACT`).WillReturnRows(hbRows)

	ctx := context.Background()
	require.NoError(t, reg.RefreshLag(ctx))
	require.NoError(t, reg.RefreshLag(ctx)) // throttled: no additional expectations needed

	snap := reg.LagSnapshot()
	assert.Equal(t, int64(1000), snap[0])

	assert.NoError(t, primaryMock.ExpectationsWereMet())
	assert.NoError(t, r0Mock.ExpectationsWereMet())
}

func TestRefreshLag_MarksFailedReplicaUnavailable(t *testing.T) {
	primaryDB, primaryMock := newMockDB(t)
	r0DB, r0Mock := newMockDB(t)

	reg := NewRegistry(primaryDB, []*sqlx.DB{r0DB}, nil)
	defer reg.Shutdown()

	rows := sqlmock.NewRows([]string{"clock"}).AddRow(int64(1_700_000_000_000))
	primaryMock.ExpectQuery(`SELECT \(EXTRACT`).WillReturnRows(rows)
	r0Mock.ExpectQuery(`SELECT \(EXTRACT`).WillReturnError(assert.AnError)
	r0Mock.ExpectQuery(`SELECT \(EXTRACT`).WillReturnError(assert.AnError)
	r0Mock.ExpectQuery(`SELECT \(EXTRACT`).WillReturnError(assert.AnError)

	require.NoError(t, reg.RefreshLag(context.Background()))
	assert.Equal(t, int64(UnavailableLagMS), reg.LagSnapshot()[0])
}

func TestAcquireWarehouse_NoneConfiguredReturnsError(t *testing.T) {
	primaryDB, _ := newMockDB(t)
	reg := NewRegistry(primaryDB, nil, nil)
	defer reg.Shutdown()

	_, err := reg.AcquireWarehouse(context.Background())
	assert.ErrorIs(t, err, ErrNoWarehouse)
}
