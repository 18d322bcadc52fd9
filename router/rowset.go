package router

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ResultSet is the tagged row-value shape rows flow through between a
// query execution and a caller, and the shape cached verbatim for a
// cache hit. Column order and per-cell Go type survive a cache
// round-trip: a naive JSON marshal of [][]interface{} would otherwise
// promote every integer to float64, so ResultSet carries a type tag
// per column and implements its own (Un)MarshalJSON to restore the
// original shape on read.
type ResultSet struct {
	Columns []string
	Rows    [][]interface{}
}

// cellType names the subset of driver-returned Go types this module's
// queries actually produce.
type cellType string

const (
	typeInt64   cellType = "int64"
	typeFloat64 cellType = "float64"
	typeBool    cellType = "bool"
	typeString  cellType = "string"
	typeBytes   cellType = "bytes"
	typeTime    cellType = "time"
	typeNull    cellType = "null"
)

func columnTypes(rs ResultSet) []cellType {
	types := make([]cellType, len(rs.Columns))
	for i := range types {
		types[i] = typeNull
	}
	for _, row := range rs.Rows {
		for i, cell := range row {
			if i >= len(types) || types[i] != typeNull || cell == nil {
				continue
			}
			types[i] = typeOf(cell)
		}
	}
	return types
}

func typeOf(v interface{}) cellType {
	switch v.(type) {
	case int64:
		return typeInt64
	case float64:
		return typeFloat64
	case bool:
		return typeBool
	case []byte:
		return typeBytes
	case time.Time:
		return typeTime
	case string:
		return typeString
	default:
		return typeString
	}
}

type wireResultSet struct {
	Columns []string              `json:"columns"`
	Types   []cellType            `json:"types"`
	Rows    [][]json.RawMessage   `json:"rows"`
}

// MarshalJSON encodes the result set alongside a per-column type tag
// so UnmarshalJSON can restore the exact cell types on the way back.
func (rs ResultSet) MarshalJSON() ([]byte, error) {
	w := wireResultSet{
		Columns: rs.Columns,
		Types:   columnTypes(rs),
		Rows:    make([][]json.RawMessage, len(rs.Rows)),
	}
	for i, row := range rs.Rows {
		encoded := make([]json.RawMessage, len(row))
		for j, cell := range row {
			raw, err := encodeCell(cell)
			if err != nil {
				return nil, errors.Wrapf(err, "encode cell [%d][%d]", i, j)
			}
			encoded[j] = raw
		}
		w.Rows[i] = encoded
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores Rows to their original Go types using the
// type tags MarshalJSON wrote, instead of letting encoding/json guess
// (which would turn every int64 into float64).
func (rs *ResultSet) UnmarshalJSON(data []byte) error {
	var w wireResultSet
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	rs.Columns = w.Columns
	rs.Rows = make([][]interface{}, len(w.Rows))
	for i, row := range w.Rows {
		decoded := make([]interface{}, len(row))
		for j, raw := range row {
			typ := typeNull
			if j < len(w.Types) {
				typ = w.Types[j]
			}
			v, err := decodeCell(raw, typ)
			if err != nil {
				return errors.Wrapf(err, "decode cell [%d][%d]", i, j)
			}
			decoded[j] = v
		}
		rs.Rows[i] = decoded
	}
	return nil
}

func encodeCell(v interface{}) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.Marshal(nil)
	case []byte:
		return json.Marshal(base64.StdEncoding.EncodeToString(t))
	case time.Time:
		return json.Marshal(t.Format(time.RFC3339Nano))
	default:
		return json.Marshal(t)
	}
}

func decodeCell(raw json.RawMessage, typ cellType) (interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch typ {
	case typeInt64:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case typeFloat64:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	case typeBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case typeBytes:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		return b, nil
	case typeTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		return generic, nil
	}
}
