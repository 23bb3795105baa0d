package reconcile

import (
	"encoding/json"
	"math"
)

// ColumnType is a PostgreSQL column type chosen for a dynamic field.
type ColumnType string

const (
	ColumnJSONB   ColumnType = "JSONB"
	ColumnInteger ColumnType = "INTEGER"
	ColumnNumeric ColumnType = "NUMERIC"
	ColumnBoolean ColumnType = "BOOLEAN"
	ColumnText    ColumnType = "TEXT"
)

// allowedColumnTypes guards DDL against arbitrary type strings.
var allowedColumnTypes = map[ColumnType]bool{
	ColumnJSONB:   true,
	ColumnInteger: true,
	ColumnNumeric: true,
	ColumnBoolean: true,
	ColumnText:    true,
}

// InferColumnType picks a column type from the shape of v. Whole numbers
// outside the INTEGER range become NUMERIC.
func InferColumnType(v any) ColumnType {
	switch t := v.(type) {
	case map[string]any, []any:
		return ColumnJSONB
	case bool:
		return ColumnBoolean
	case int:
		return integerOrNumeric(int64(t))
	case int32:
		return ColumnInteger
	case int64:
		return integerOrNumeric(t)
	case float32:
		return floatType(float64(t))
	case float64:
		return floatType(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return integerOrNumeric(i)
		}
		if f, err := t.Float64(); err == nil {
			return floatType(f)
		}
		return ColumnNumeric
	default:
		return ColumnText
	}
}

func floatType(f float64) ColumnType {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return ColumnNumeric
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return ColumnNumeric
	}
	return ColumnInteger
}

func integerOrNumeric(i int64) ColumnType {
	if i < math.MinInt32 || i > math.MaxInt32 {
		return ColumnNumeric
	}
	return ColumnInteger
}
