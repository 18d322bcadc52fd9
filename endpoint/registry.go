// Package endpoint owns the pooled handles for the primary, each read
// replica, the cache, and the warehouse, tracks per-replica
// replication lag, and selects a replica under a caller-supplied lag
// bound. It is constructed once at process startup and passed by
// reference to the router and optimizer — never held as ambient
// package state.
package endpoint

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/developer-mesh/query-router/cache"
	"github.com/developer-mesh/query-router/observability"
	"github.com/developer-mesh/query-router/provenance"
	"github.com/developer-mesh/query-router/retrypolicy"
)

// Role aliases provenance.Source: the role a connection was acquired
// under is the same token the router later reports as the read's
// data source.
type Role = provenance.Source

const (
	RolePrimary   = provenance.SourcePrimary
	RoleReplica   = provenance.SourceReplica
	RoleCache     = provenance.SourceCache
	RoleWarehouse = provenance.SourceWarehouse
)

// UnavailableLagMS is the sentinel value stored for a replica whose
// lag could not be determined on the last refresh.
const UnavailableLagMS = 999_999

var (
	// ErrPoolExhausted is returned when a connection could not be
	// acquired from a pool within its own timeout/context.
	ErrPoolExhausted = errors.New("endpoint: pool exhausted")
	// ErrNoWarehouse is returned when a caller asks for the warehouse
	// endpoint but none was configured.
	ErrNoWarehouse = errors.New("endpoint: warehouse not configured")
)

// Conn is a connection checked out of one backend's pool. It must be
// released back to that exact pool on every exit path.
type Conn struct {
	Role         Role
	ReplicaIndex int
	LagMS        int64
	conn         *sqlx.Conn
}

// DB exposes the underlying *sqlx.Conn for running statements.
func (c *Conn) DB() *sqlx.Conn { return c.conn }

// Close releases the connection back to its originating pool.
func (c *Conn) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Registry owns every pooled backend this process talks to.
type Registry struct {
	primary   *sqlx.DB
	replicas  []*sqlx.DB
	cache     cache.Cache
	warehouse *sqlx.DB

	lag []int64 // atomic per-slot replica lag in milliseconds

	refreshMu        sync.Mutex
	lastRefreshAt    time.Time
	lagCheckInterval time.Duration

	logger  observability.Logger
	metrics observability.MetricsClient

	statsOnce sync.Once
	statsStop chan struct{}
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger attaches a structured logger.
func WithLogger(l observability.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics attaches a metrics client.
func WithMetrics(m observability.MetricsClient) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithWarehouse attaches the optional analytics warehouse handle.
func WithWarehouse(db *sqlx.DB) Option {
	return func(r *Registry) { r.warehouse = db }
}

// WithLagCheckInterval overrides the refresh-lag throttle window
// (default 10s).
func WithLagCheckInterval(d time.Duration) Option {
	return func(r *Registry) { r.lagCheckInterval = d }
}

// NewRegistry builds a Registry over already-connected pools. Replica
// order is stable for the process lifetime; the lag vector is sized
// to match it immediately.
func NewRegistry(primary *sqlx.DB, replicas []*sqlx.DB, c cache.Cache, opts ...Option) *Registry {
	r := &Registry{
		primary:          primary,
		replicas:         replicas,
		cache:            c,
		lag:              make([]int64, len(replicas)),
		lagCheckInterval: 10 * time.Second,
		logger:           observability.NewNoopLogger(),
		metrics:          observability.NewNoopMetricsClient(),
		statsStop:        make(chan struct{}),
	}
	for i := range replicas {
		atomic.StoreInt64(&r.lag[i], UnavailableLagMS)
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.statsLoop()
	return r
}

// Cache returns the registry's cache handle.
func (r *Registry) Cache() cache.Cache { return r.cache }

// ReplicaCount returns the number of replicas the registry manages.
func (r *Registry) ReplicaCount() int { return len(r.replicas) }

// Shutdown stops the background pool-stats loop. It does not close the
// underlying pools, which the caller constructed and owns.
func (r *Registry) Shutdown() {
	r.statsOnce.Do(func() { close(r.statsStop) })
}

// AcquirePrimary checks out a connection from the primary pool.
// Exhaustion or connect failure is never silent: it surfaces as an
// ErrPoolExhausted-wrapped error.
func (r *Registry) AcquirePrimary(ctx context.Context) (*Conn, error) {
	return r.acquire(ctx, r.primary, RolePrimary, -1, 0)
}

// AcquireWarehouse checks out a connection from the warehouse pool, or
// ErrNoWarehouse if none was configured.
func (r *Registry) AcquireWarehouse(ctx context.Context) (*Conn, error) {
	if r.warehouse == nil {
		return nil, ErrNoWarehouse
	}
	return r.acquire(ctx, r.warehouse, RoleWarehouse, -1, 0)
}

// AcquireReplica selects among replicas whose last-observed lag is
// within maxLagMS, picking the one with minimum lag, ties broken by
// lowest index. If none qualify, it falls back to the primary with
// replica index -1 and lag 0.
func (r *Registry) AcquireReplica(ctx context.Context, maxLagMS int64) (*Conn, error) {
	idx, lagMS, ok := r.pickReplica(maxLagMS)
	if !ok {
		return r.acquire(ctx, r.primary, RolePrimary, -1, 0)
	}
	return r.acquire(ctx, r.replicas[idx], RoleReplica, idx, lagMS)
}

// pickReplica returns the chosen replica index and its lag, or
// ok=false when no replica qualifies under maxLagMS.
func (r *Registry) pickReplica(maxLagMS int64) (idx int, lagMS int64, ok bool) {
	type candidate struct {
		idx int
		lag int64
	}
	var candidates []candidate
	for i := range r.replicas {
		l := atomic.LoadInt64(&r.lag[i])
		if l <= maxLagMS {
			candidates = append(candidates, candidate{idx: i, lag: l})
		}
	}
	if len(candidates) == 0 {
		return 0, 0, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lag != candidates[j].lag {
			return candidates[i].lag < candidates[j].lag
		}
		return candidates[i].idx < candidates[j].idx
	})
	best := candidates[0]
	return best.idx, best.lag, true
}

func (r *Registry) acquire(ctx context.Context, db *sqlx.DB, role Role, replicaIndex int, lagMS int64) (*Conn, error) {
	if db == nil {
		return nil, errors.Wrapf(ErrPoolExhausted, "no pool for role %s", role)
	}
	sqlxConn, err := db.Connx(ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrPoolExhausted, "acquire %s: %v", role, err)
	}
	return &Conn{Role: role, ReplicaIndex: replicaIndex, LagMS: lagMS, conn: sqlxConn}, nil
}

// Release returns a connection to its originating pool. Safe to call
// with a nil conn.
func (r *Registry) Release(conn *Conn) error {
	return conn.Close()
}

// RefreshLag updates the lag vector from the heartbeat table, throttled
// to at most one run per lagCheckInterval. Concurrent invocations
// within the interval return immediately without doing any I/O.
func (r *Registry) RefreshLag(ctx context.Context) error {
	if !r.claimRefreshSlot() {
		return nil
	}

	primaryConn, err := r.AcquirePrimary(ctx)
	if err != nil {
		return errors.Wrap(err, "refresh lag: acquire primary")
	}
	defer r.Release(primaryConn)

	var primaryTS int64
	if err := primaryConn.DB().QueryRowxContext(ctx,
		`SELECT (EXTRACT(EPOCH FROM now()) * 1000)::bigint`).Scan(&primaryTS); err != nil {
		return errors.Wrap(err, "refresh lag: read primary clock")
	}

	for i, replicaDB := range r.replicas {
		lag := r.refreshOneReplica(ctx, replicaDB, i, primaryTS)
		atomic.StoreInt64(&r.lag[i], lag)
		r.metrics.RecordGauge("replica_lag_ms", float64(lag), map[string]string{"replica": indexLabel(i)})
	}
	return nil
}

// claimRefreshSlot reports whether this call won the right to do the
// actual refresh work, atomically marking the interval as claimed so
// concurrent callers observe it immediately.
func (r *Registry) claimRefreshSlot() bool {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	if time.Since(r.lastRefreshAt) < r.lagCheckInterval {
		return false
	}
	r.lastRefreshAt = time.Now()
	return true
}

func (r *Registry) refreshOneReplica(ctx context.Context, replicaDB *sqlx.DB, index int, primaryTS int64) int64 {
	replicaConn, err := r.acquire(ctx, replicaDB, RoleReplica, index, 0)
	if err != nil {
		r.logger.Warn("lag check failed: acquire replica", map[string]interface{}{
			"replica": index, "error": err.Error(),
		})
		return UnavailableLagMS
	}
	defer r.Release(replicaConn)

	var heartbeatTS int64
	readErr := retrypolicy.Execute(ctx, quickRetryConfig(), func(ctx context.Context) error {
		return replicaConn.DB().QueryRowxContext(ctx, `
			SELECT (EXTRACT(EPOCH FROM "timestamp") * 1000)::bigint
			FROM replication_heartbeat
			WHERE source = 'primary'
			ORDER BY "timestamp" DESC
			LIMIT 1`).Scan(&heartbeatTS)
	})
	if readErr != nil {
		r.logger.Warn("lag check failed: read heartbeat", map[string]interface{}{
			"replica": index, "error": readErr.Error(),
		})
		return UnavailableLagMS
	}

	lag := primaryTS - heartbeatTS
	if lag < 0 {
		lag = 0
	}
	return lag
}

// quickRetryConfig bounds the heartbeat-read retry to a handful of
// fast attempts: a lag check that takes longer than the check interval
// itself defeats the point of checking.
func quickRetryConfig() retrypolicy.Config {
	return retrypolicy.Config{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		MaxElapsedTime:  1 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
}

// SetLagForTest sets one replica's lag directly, bypassing RefreshLag.
// Exported for router/optimizer tests that need a deterministic lag
// vector without wiring a heartbeat table.
func (r *Registry) SetLagForTest(index int, lagMS int64) {
	atomic.StoreInt64(&r.lag[index], lagMS)
}

// LagSnapshot returns a point-in-time copy of the lag vector, mainly
// for tests and diagnostics.
func (r *Registry) LagSnapshot() []int64 {
	out := make([]int64, len(r.lag))
	for i := range r.lag {
		out[i] = atomic.LoadInt64(&r.lag[i])
	}
	return out
}

func (r *Registry) statsLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.statsStop:
			return
		case <-ticker.C:
			r.recordPoolStats("primary", r.primary.Stats())
			for i, db := range r.replicas {
				r.recordPoolStats("replica_"+indexLabel(i), db.Stats())
			}
			if r.warehouse != nil {
				r.recordPoolStats("warehouse", r.warehouse.Stats())
			}
		}
	}
}

func (r *Registry) recordPoolStats(pool string, stats sql.DBStats) {
	r.metrics.RecordGauge("pool_open_connections", float64(stats.OpenConnections), map[string]string{"pool": pool})
	r.metrics.RecordGauge("pool_in_use", float64(stats.InUse), map[string]string{"pool": pool})
	r.metrics.RecordGauge("pool_idle", float64(stats.Idle), map[string]string{"pool": pool})
}

func indexLabel(i int) string {
	return strconv.Itoa(i)
}
