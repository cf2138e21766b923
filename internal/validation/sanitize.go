package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Sanitize normalizes a raw value before rule evaluation: empty and
// whitespace-only strings become nil, NaN and infinities become nil, zero
// (invalid) dates become nil, and composite values are serialized to JSON
// text. Scalars that are already clean pass through unchanged.
//
// Sanitize is idempotent: Sanitize(Sanitize(v)) == Sanitize(v).
func Sanitize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil

	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}

		return t

	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}

		return t

	case float32:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}

		return f

	case int:
		return int64(t)

	case int32:
		return int64(t)

	case int64, bool:
		return t

	case time.Time:
		if t.IsZero() {
			return nil
		}

		return t

	case []byte:
		return Sanitize(string(t))

	default:
		return serializeComposite(t)
	}
}

// SanitizeRow sanitizes every value of row into a fresh map. The input is
// never mutated.
func SanitizeRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for field, value := range row {
		out[field] = Sanitize(value)
	}

	return out
}

// serializeComposite renders maps, slices, and other non-scalar values as
// JSON text so they survive in a string column.
func serializeComposite(v any) any {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Ptr:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}

		return fmt.Sprintf("%v", v)

	default:
		return v
	}
}
