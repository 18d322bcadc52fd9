// Package provenance defines the read-path provenance metadata the
// query router attaches to every result set, and the pure projection
// that turns it into transport headers.
package provenance

import (
	"fmt"
	"time"
)

// Source identifies which backend actually served a read.
type Source string

const (
	SourcePrimary Source = "primary"
	SourceReplica Source = "replica"
	SourceCache   Source = "redis"
	SourceWarehouse Source = "redshift"
)

// Consistency is the closed enumeration of freshness contracts a
// caller may declare for a read.
type Consistency string

const (
	Strong    Consistency = "strong"
	Eventual  Consistency = "eventual"
	Analytics Consistency = "analytics"
)

// Metadata is produced once, at query completion, and is immutable
// thereafter. Two Metadata values built from equal inputs produce
// identical header mappings.
type Metadata struct {
	Source      Source
	LagMS       int64
	Consistency Consistency
	SampledAt   time.Time
	ReplicaIndex int
	CacheHit    bool
}

// Header keys attached verbatim to the transport layer.
const (
	HeaderDataSource       = "X-Data-Source"
	HeaderDataLagSeconds   = "X-Data-Lag-Seconds"
	HeaderConsistencyLevel = "X-Consistency-Level"
	HeaderDataTimestamp    = "X-Data-Timestamp"
	HeaderCacheHit         = "X-Cache-Hit"
)

// Headers projects Metadata into the five transport header values. It
// is a pure function: equal Metadata values always produce an
// identical mapping.
func Headers(m Metadata) map[string]string {
	lagSeconds := float64(m.LagMS) / 1000.0
	return map[string]string{
		HeaderDataSource:       string(m.Source),
		HeaderDataLagSeconds:   fmt.Sprintf("%.3f", lagSeconds),
		HeaderConsistencyLevel: string(m.Consistency),
		HeaderDataTimestamp:    fmt.Sprintf("%d", m.SampledAt.Unix()),
		HeaderCacheHit:         fmt.Sprintf("%t", m.Source == SourceCache),
	}
}
