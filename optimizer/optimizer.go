// Package optimizer batches telemetry ingestion via the server's
// native COPY protocol into an unlogged staging table with a throttled
// drain, and performs a synchronous hot-attribute upsert that
// invalidates the cache strictly after commit.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/developer-mesh/query-router/classifier"
	"github.com/developer-mesh/query-router/endpoint"
	"github.com/developer-mesh/query-router/observability"
)

var (
	// ErrCopyFailed wraps a failure in the COPY path or in the commit
	// that follows it. Surfaced to the caller; no automatic retry.
	ErrCopyFailed = errors.New("optimizer: copy failed")
	// ErrDrainFailed wraps a failure specifically in stage_flush.
	ErrDrainFailed = errors.New("optimizer: drain failed")
)

const (
	stagingTable   = "entity_values_ingest"
	drainProcedure = "stage_flush"
	upsertProcedure = "upsert_hot_attrs"
)

// Optimizer batches telemetry into the staging table and maintains
// the hot-attribute projection plus its cache invalidation.
type Optimizer struct {
	registry *endpoint.Registry

	flushInterval  time.Duration
	flushBatchSize int

	drainMu     sync.Mutex
	lastDrainAt time.Time

	logger  observability.Logger
	metrics observability.MetricsClient
}

// Option configures an Optimizer at construction time.
type Option func(*Optimizer)

// WithLogger attaches a structured logger.
func WithLogger(l observability.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// WithMetrics attaches a metrics client.
func WithMetrics(m observability.MetricsClient) Option {
	return func(o *Optimizer) { o.metrics = m }
}

// New builds an Optimizer. flushInterval and flushBatchSize configure
// the drain cadence and batch size (defaults 100ms / 50000).
func New(registry *endpoint.Registry, flushInterval time.Duration, flushBatchSize int, opts ...Option) *Optimizer {
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	if flushBatchSize <= 0 {
		flushBatchSize = 50_000
	}
	o := &Optimizer{
		registry:       registry,
		flushInterval:  flushInterval,
		flushBatchSize: flushBatchSize,
		logger:         observability.NewNoopLogger(),
		metrics:        observability.NewNoopMetricsClient(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IngestTelemetry bulk-loads events into the staging table via the
// server-native COPY protocol, then triggers a throttled drain in the
// same transaction.
func (o *Optimizer) IngestTelemetry(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	conn, err := o.registry.AcquirePrimary(ctx)
	if err != nil {
		return classifier.Wrap(errors.Wrap(err, "ingest telemetry: acquire primary"), "OPTIMIZER_INGEST_ACQUIRE_FAILED", classifier.ClassTransient)
	}
	defer func() { _ = o.registry.Release(conn) }()

	tx, err := conn.DB().BeginTxx(ctx, nil)
	if err != nil {
		return classifier.Wrap(errors.Wrap(err, "ingest telemetry: begin transaction"), "OPTIMIZER_INGEST_BEGIN_FAILED", classifier.ClassTransient)
	}

	if err := o.copyIn(ctx, tx, events); err != nil {
		_ = tx.Rollback()
		return classifier.Wrap(errors.Wrap(ErrCopyFailed, err.Error()), "OPTIMIZER_COPY_FAILED", classifier.ClassTransient)
	}

	if o.shouldDrain() {
		if err := o.drain(ctx, tx); err != nil {
			_ = tx.Rollback()
			return classifier.Wrap(errors.Wrap(ErrDrainFailed, err.Error()), "OPTIMIZER_DRAIN_FAILED", classifier.ClassTransient)
		}
		o.markDrained()
	}

	if err := tx.Commit(); err != nil {
		return classifier.Wrap(errors.Wrap(ErrCopyFailed, "commit: "+err.Error()), "OPTIMIZER_COMMIT_FAILED", classifier.ClassTransient)
	}

	o.metrics.IncrementCounter("telemetry_events_ingested_total", float64(len(events)), nil)
	return nil
}

func (o *Optimizer) copyIn(ctx context.Context, tx *sqlx.Tx, events []Event) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(stagingTable, stagingColumns...))
	if err != nil {
		return errors.Wrap(err, "prepare copy statement")
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, driverArgs(e)...); err != nil {
			return errors.Wrap(err, "exec copy row")
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return errors.Wrap(err, "flush copy")
	}
	return nil
}

// shouldDrain reports whether enough wall-clock time has passed since
// the last successful drain to run another one. The throttle timestamp
// only advances after a successful drain, so a failed attempt doesn't
// starve subsequent ones.
func (o *Optimizer) shouldDrain() bool {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()
	return time.Since(o.lastDrainAt) >= o.flushInterval
}

func (o *Optimizer) markDrained() {
	o.drainMu.Lock()
	o.lastDrainAt = time.Now()
	o.drainMu.Unlock()
}

func (o *Optimizer) drain(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("SELECT %s($1)", drainProcedure), o.flushBatchSize)
	if err != nil {
		return err
	}
	o.metrics.IncrementCounter("telemetry_drains_total", 1, nil)
	return nil
}

// UpsertHotAttributes writes the per-entity hot-attribute projection
// via the SECURITY DEFINER upsert routine, commits, then deletes the
// cache entry strictly after commit so no reader can repopulate it
// against the prior value.
func (o *Optimizer) UpsertHotAttributes(ctx context.Context, tenantID, entityID string, attrs map[string]interface{}) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return classifier.Wrap(errors.Wrap(err, "upsert hot attributes: marshal attrs"), "OPTIMIZER_UPSERT_MARSHAL_FAILED", classifier.ClassValidation)
	}

	conn, err := o.registry.AcquirePrimary(ctx)
	if err != nil {
		return classifier.Wrap(errors.Wrap(err, "upsert hot attributes: acquire primary"), "OPTIMIZER_UPSERT_ACQUIRE_FAILED", classifier.ClassTransient)
	}
	defer func() { _ = o.registry.Release(conn) }()

	tx, err := conn.DB().BeginTxx(ctx, nil)
	if err != nil {
		return classifier.Wrap(errors.Wrap(err, "upsert hot attributes: begin transaction"), "OPTIMIZER_UPSERT_BEGIN_FAILED", classifier.ClassTransient)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf("SELECT %s($1, $2, $3)", upsertProcedure),
		tenantID, entityID, string(attrsJSON))
	if err != nil {
		_ = tx.Rollback()
		return classifier.Wrap(errors.Wrap(err, "upsert hot attributes: exec"), "OPTIMIZER_UPSERT_EXEC_FAILED", classifier.ClassTransient)
	}

	if err := tx.Commit(); err != nil {
		return classifier.Wrap(errors.Wrap(err, "upsert hot attributes: commit"), "OPTIMIZER_UPSERT_COMMIT_FAILED", classifier.ClassTransient)
	}

	key := HotAttributeCacheKey(tenantID, entityID)
	if err := o.registry.Cache().Delete(ctx, key); err != nil {
		o.logger.Warn("cache invalidation failed after hot-attribute upsert", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
	}
	return nil
}

// HotAttributeCacheKey is the cache key invalidated by
// UpsertHotAttributes, exported so readers populate the same key.
func HotAttributeCacheKey(tenantID, entityID string) string {
	return fmt.Sprintf("entity:%s:%s", tenantID, entityID)
}
