package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultSet_JSONRoundTripPreservesTypes(t *testing.T) {
	sampled := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	original := ResultSet{
		Columns: []string{"id", "ratio", "active", "label", "blob", "created_at", "nothing"},
		Rows: [][]interface{}{
			{int64(42), 3.14, true, "gold", []byte("raw"), sampled, nil},
			{int64(43), 2.71, false, "silver", []byte{}, sampled, nil},
		},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var round ResultSet
	require.NoError(t, json.Unmarshal(data, &round))

	assert.Equal(t, original.Columns, round.Columns)
	require.Len(t, round.Rows, 2)

	assert.Equal(t, int64(42), round.Rows[0][0])
	assert.Equal(t, 3.14, round.Rows[0][1])
	assert.Equal(t, true, round.Rows[0][2])
	assert.Equal(t, "gold", round.Rows[0][3])
	assert.Equal(t, []byte("raw"), round.Rows[0][4])
	assert.True(t, sampled.Equal(round.Rows[0][5].(time.Time)))
	assert.Nil(t, round.Rows[0][6])
}

func TestResultSet_AllNullColumnRoundTrips(t *testing.T) {
	original := ResultSet{
		Columns: []string{"maybe"},
		Rows: [][]interface{}{
			{nil}, {nil},
		},
	}
	data, err := json.Marshal(original)
	require.NoError(t, err)

	var round ResultSet
	require.NoError(t, json.Unmarshal(data, &round))
	assert.Nil(t, round.Rows[0][0])
	assert.Nil(t, round.Rows[1][0])
}
