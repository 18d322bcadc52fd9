// Package router implements the query router's execute operation:
// backend selection under a declared consistency level, tenant
// binding, cache-aside reads, soft circuit-breaker fallback to
// primary, and provenance metadata construction.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/developer-mesh/query-router/cache"
	"github.com/developer-mesh/query-router/classifier"
	"github.com/developer-mesh/query-router/endpoint"
	"github.com/developer-mesh/query-router/observability"
	"github.com/developer-mesh/query-router/provenance"
	"github.com/developer-mesh/query-router/resilience"
)

// ErrInvalidArgument is returned when a tenant-scoped read is issued
// without a tenant identifier. Non-retryable; no database I/O occurs.
var ErrInvalidArgument = errors.New("router: tenant_id is required")

// currentTenantSetting is the transaction-local session setting row
// level security policies read.
const currentTenantSetting = "app.current_tenant_id"

// Router executes reads against the registry's backends under a
// declared consistency level and maintains the soft circuit breaker
// that triggers a single fallback to primary.
type Router struct {
	registry        *endpoint.Registry
	breaker         *resilience.CircuitBreaker
	maxReplicaLagMS int64

	logger  observability.Logger
	metrics observability.MetricsClient

	warehouseWarnOnce sync.Once
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithLogger attaches a structured logger.
func WithLogger(l observability.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics attaches a metrics client.
func WithMetrics(m observability.MetricsClient) Option {
	return func(r *Router) { r.metrics = m }
}

// New builds a Router over the given registry. breakerThreshold is the
// consecutive-failure count at which a failed execution transparently
// retries once on primary; a threshold <= 0 disables that fallback.
// maxReplicaLagMS is the bound passed to AcquireReplica for eventual
// reads. New applies no defaults; the config package defaults these
// to 5 and 3000.
func New(registry *endpoint.Registry, breakerThreshold int, maxReplicaLagMS int64, opts ...Option) *Router {
	r := &Router{
		registry:        registry,
		maxReplicaLagMS: maxReplicaLagMS,
		logger:          observability.NewNoopLogger(),
		metrics:         observability.NewNoopMetricsClient(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker = resilience.NewCircuitBreaker("query_router", breakerThreshold, r.logger, r.metrics)
	return r
}

// Execute runs query under the declared consistency level on behalf of
// tenantID, returning the rows and the provenance metadata describing
// what actually served them.
func (r *Router) Execute(
	ctx context.Context,
	query string,
	params []interface{},
	tenantID *string,
	consistency provenance.Consistency,
	cacheKey string,
	cacheTTL time.Duration,
) (*ResultSet, provenance.Metadata, error) {
	if tenantID == nil || *tenantID == "" {
		return nil, provenance.Metadata{}, classifier.Wrap(ErrInvalidArgument, "ROUTER_INVALID_ARGUMENT", classifier.ClassValidation)
	}

	cacheable := cacheKey != "" && consistency == provenance.Eventual

	if cacheable {
		if rs, hit := r.probeCache(ctx, cacheKey); hit {
			return rs, provenance.Metadata{
				Source:      provenance.SourceCache,
				LagMS:       0,
				Consistency: provenance.Eventual,
				SampledAt:   time.Now(),
				CacheHit:    true,
			}, nil
		}
	}

	conn, role, lagMS, err := r.acquireForConsistency(ctx, consistency)
	if err != nil {
		return nil, provenance.Metadata{}, classifier.Wrap(errors.Wrap(err, "acquire backend"), "ROUTER_ACQUIRE_FAILED", classifier.ClassTransient)
	}
	replicaIndex := conn.ReplicaIndex

	rs, execErr := r.runTenantScoped(ctx, conn, *tenantID, query, params)
	_ = r.registry.Release(conn) // every exit path releases the originally acquired connection

	if execErr == nil {
		r.breaker.RecordSuccess()
		if cacheable {
			if err := r.registry.Cache().Set(ctx, cacheKey, rs, cacheTTL); err != nil {
				r.logger.Warn("cache write failed", map[string]interface{}{"key": cacheKey, "error": err.Error()})
			}
		}
		return rs, provenance.Metadata{
			Source:       role,
			LagMS:        lagMS,
			Consistency:  consistency,
			SampledAt:    time.Now(),
			ReplicaIndex: replicaIndex,
		}, nil
	}

	tripped := r.breaker.RecordFailure()
	if !tripped {
		return nil, provenance.Metadata{}, classifier.Wrap(errors.Wrap(execErr, "query failed"), "ROUTER_QUERY_FAILED", classifier.ClassTransient)
	}

	return r.fallbackToPrimary(ctx, *tenantID, query, params)
}

// probeCache asks the cache for cacheKey. A miss or cache error both
// report hit=false; only a genuine cache error is logged, since a
// cache failure is never surfaced to the caller — always treated as
// a miss.
func (r *Router) probeCache(ctx context.Context, cacheKey string) (*ResultSet, bool) {
	var rs ResultSet
	err := r.registry.Cache().Get(ctx, cacheKey, &rs)
	if err == nil {
		return &rs, true
	}
	if !errors.Is(err, cache.ErrNotFound) {
		r.logger.Warn("cache probe failed", map[string]interface{}{"key": cacheKey, "error": err.Error()})
	}
	return nil, false
}

// acquireForConsistency selects and acquires the backend connection
// appropriate for the declared consistency level.
func (r *Router) acquireForConsistency(ctx context.Context, consistency provenance.Consistency) (*endpoint.Conn, provenance.Source, int64, error) {
	switch consistency {
	case provenance.Strong:
		conn, err := r.registry.AcquirePrimary(ctx)
		return conn, provenance.SourcePrimary, 0, err

	case provenance.Eventual:
		conn, err := r.registry.AcquireReplica(ctx, r.maxReplicaLagMS)
		if err != nil {
			return nil, "", 0, err
		}
		return conn, conn.Role, conn.LagMS, nil

	case provenance.Analytics:
		r.warehouseWarnOnce.Do(func() {
			r.logger.Warn("analytics consistency requested; the router does not read from the warehouse, routing to primary", nil)
		})
		conn, err := r.registry.AcquirePrimary(ctx)
		return conn, provenance.SourcePrimary, 0, err

	default:
		return nil, "", 0, errors.Errorf("unknown consistency level %q", consistency)
	}
}

// fallbackToPrimary runs after the original connection has already
// been released: acquire primary, re-bind tenant, re-run the query
// exactly once.
func (r *Router) fallbackToPrimary(ctx context.Context, tenantID, query string, params []interface{}) (*ResultSet, provenance.Metadata, error) {
	primaryConn, err := r.registry.AcquirePrimary(ctx)
	if err != nil {
		return nil, provenance.Metadata{}, classifier.Wrap(errors.Wrap(err, "fallback: acquire primary"), "ROUTER_FALLBACK_ACQUIRE_FAILED", classifier.ClassPermanent)
	}
	defer func() { _ = r.registry.Release(primaryConn) }()

	rs, err := r.runTenantScoped(ctx, primaryConn, tenantID, query, params)
	if err != nil {
		return nil, provenance.Metadata{}, classifier.Wrap(errors.Wrap(err, "fallback: query failed"), "ROUTER_FALLBACK_QUERY_FAILED", classifier.ClassPermanent)
	}

	r.breaker.RecordSuccess()
	return rs, provenance.Metadata{
		Source:       provenance.SourcePrimary,
		LagMS:        0,
		Consistency:  provenance.Strong,
		SampledAt:    time.Now(),
		ReplicaIndex: -1,
	}, nil
}

// runTenantScoped binds tenantID as the transaction-local RLS setting
// then runs query on the same transaction; the bind strictly precedes
// the execute so row-level security always sees the right tenant.
func (r *Router) runTenantScoped(ctx context.Context, conn *endpoint.Conn, tenantID, query string, params []interface{}) (*ResultSet, error) {
	tx, err := conn.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}

	if _, err := tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`, currentTenantSetting, tenantID); err != nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(err, "bind tenant context")
	}

	rows, err := tx.QueryxContext(ctx, query, params...)
	if err != nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(err, "execute query")
	}

	rs, scanErr := scanRows(rows)
	closeErr := rows.Close()
	if scanErr != nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(scanErr, "scan rows")
	}
	if closeErr != nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(closeErr, "close rows")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return rs, nil
}

func scanRows(rows *sqlx.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Headers projects metadata into the transport header mapping;
// re-exported here so router callers don't need to import provenance
// directly for the common case.
func Headers(m provenance.Metadata) map[string]string {
	return provenance.Headers(m)
}
