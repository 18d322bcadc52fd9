package optimizer

import (
	"strconv"
	"strings"
	"time"
)

// copyNullSentinel is the literal token the server-native COPY
// protocol uses for a null cell.
const copyNullSentinel = `\N`

// Event is one telemetry row destined for the unlogged staging table.
// Column order on the wire is fixed: entity_id, tenant_id,
// attribute_id, value, value_int, value_decimal, ingested_at.
type Event struct {
	EntityID     string
	TenantID     string
	AttributeID  string
	Value        string
	ValueInt     *int64
	ValueDecimal *float64
	IngestedAt   *time.Time
}

// encodedFields is the fixed-order, column-wise text encoding of one
// Event: each element is either copyNullSentinel or the cell's string
// form. Missing pointers and empty strings both encode to the null
// sentinel — numeric columns reject empty strings, so this distinction
// is mandatory, not cosmetic.
func encodedFields(e Event) [7]string {
	return [7]string{
		encodeString(e.EntityID),
		encodeString(e.TenantID),
		encodeString(e.AttributeID),
		encodeString(e.Value),
		encodeInt(e.ValueInt),
		encodeDecimal(e.ValueDecimal),
		encodeTime(e.IngestedAt),
	}
}

func encodeString(s string) string {
	if s == "" {
		return copyNullSentinel
	}
	return s
}

func encodeInt(v *int64) string {
	if v == nil {
		return copyNullSentinel
	}
	return strconv.FormatInt(*v, 10)
}

func encodeDecimal(v *float64) string {
	if v == nil {
		return copyNullSentinel
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func encodeTime(t *time.Time) string {
	if t == nil {
		return copyNullSentinel
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// encodeCopyLine renders one Event as a tab-separated COPY text line.
// It is a pure function exercised directly by the copy-protocol
// encoding property test; the actual wire write goes through
// driverArgs, which turns the same fields into (nil | string) args for
// pq.CopyIn so the Postgres backend — not this process — writes the
// literal "\N" bytes.
func encodeCopyLine(e Event) string {
	f := encodedFields(e)
	return strings.Join(f[:], "\t")
}

// driverArgs converts one Event's encoded fields into pq.CopyIn
// arguments: the null sentinel becomes a real nil so the driver emits
// an actual NULL, never the literal three characters "\N" re-escaped
// as data.
func driverArgs(e Event) []interface{} {
	f := encodedFields(e)
	args := make([]interface{}, len(f))
	for i, v := range f {
		if v == copyNullSentinel {
			args[i] = nil
			continue
		}
		args[i] = v
	}
	return args
}

// stagingColumns is the fixed column order for entity_values_ingest,
// shared by the COPY statement and the encoder above.
var stagingColumns = []string{
	"entity_id", "tenant_id", "attribute_id", "value", "value_int", "value_decimal", "ingested_at",
}
