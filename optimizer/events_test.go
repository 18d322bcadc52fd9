package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncodeCopyLine_MissingAndEmptyFieldsBecomeNullSentinel(t *testing.T) {
	e := Event{
		EntityID:    "e1",
		TenantID:    "",
		AttributeID: "attr",
		Value:       "",
		// ValueInt, ValueDecimal, IngestedAt all nil
	}

	line := encodeCopyLine(e)
	assert.Equal(t, "e1\t\\N\tattr\t\\N\t\\N\t\\N\t\\N", line)
}

func TestEncodeCopyLine_PresentFieldsEmitStringForm(t *testing.T) {
	vi := int64(42)
	vd := 3.5
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := Event{
		EntityID:     "e1",
		TenantID:     "t1",
		AttributeID:  "cpu",
		Value:        "high",
		ValueInt:     &vi,
		ValueDecimal: &vd,
		IngestedAt:   &ts,
	}

	line := encodeCopyLine(e)
	assert.Equal(t, "e1\tt1\tcpu\thigh\t42\t3.5\t2026-01-02T03:04:05Z", line)
}

func TestDriverArgs_NullSentinelBecomesNilNotLiteralText(t *testing.T) {
	e := Event{EntityID: "e1", TenantID: "t1", AttributeID: "a1"}
	args := driverArgs(e)

	assert.Equal(t, "e1", args[0])
	assert.Equal(t, "t1", args[1])
	assert.Equal(t, "a1", args[2])
	assert.Nil(t, args[3]) // Value missing
	assert.Nil(t, args[4]) // ValueInt missing
	assert.Nil(t, args[5]) // ValueDecimal missing
	assert.Nil(t, args[6]) // IngestedAt missing
}

func TestColumnOrderIsFixed(t *testing.T) {
	assert.Equal(t, []string{
		"entity_id", "tenant_id", "attribute_id", "value", "value_int", "value_decimal", "ingested_at",
	}, stagingColumns)
}
