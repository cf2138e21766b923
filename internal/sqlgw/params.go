package sqlgw

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

type (
	// Param is a named query parameter. Values are bound by type, never
	// interpolated into SQL text.
	Param struct {
		Name  string
		Value any
	}

	// Filter is one operator-aware WHERE clause term. Values carries one
	// element for comparison operators, exactly two for BETWEEN, and one or
	// more for IN.
	Filter struct {
		Field  string
		Op     string
		Values []any
	}
)

// filterOperators is the closed set of operators a task parameter may use.
var filterOperators = map[string]struct{}{
	"=": {}, "<": {}, "<=": {}, ">": {}, ">=": {}, "<>": {},
	"LIKE": {}, "IN": {}, "BETWEEN": {},
}

// QuoteIdent renders a SQL Server identifier in brackets, escaping any
// closing bracket inside the name.
func QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func quoteIdents(names []string) []string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}

	return quoted
}

// AppendWhere appends an AND-joined WHERE clause built from filters to a
// projection query. IN expands to a placeholder list and BETWEEN to two
// placeholders; every value is bound as a named parameter.
//
// Returns the final SQL, the parameters to bind, and ErrInvalidFilter when
// an operator is unknown or its value count does not fit.
func AppendWhere(query string, filters []Filter) (string, []Param, error) {
	if len(filters) == 0 {
		return query, nil, nil
	}

	var (
		sb     strings.Builder
		params []Param
	)

	sb.WriteString(query)
	sb.WriteString(" WHERE ")

	for i, f := range filters {
		op := strings.ToUpper(strings.TrimSpace(f.Op))
		if _, ok := filterOperators[op]; !ok {
			return "", nil, fmt.Errorf("%w: operator %q on field %q", ErrInvalidFilter, f.Op, f.Field)
		}

		if i > 0 {
			sb.WriteString(" AND ")
		}

		sb.WriteString(QuoteIdent(f.Field))

		switch op {
		case "IN":
			if len(f.Values) == 0 {
				return "", nil, fmt.Errorf("%w: IN on field %q needs at least one value", ErrInvalidFilter, f.Field)
			}

			placeholders := make([]string, len(f.Values))
			for j, v := range f.Values {
				name := fmt.Sprintf("f%d_%d", i, j)
				placeholders[j] = "@" + name
				params = append(params, Param{Name: name, Value: v})
			}

			sb.WriteString(" IN (")
			sb.WriteString(strings.Join(placeholders, ", "))
			sb.WriteString(")")

		case "BETWEEN":
			if len(f.Values) != 2 {
				return "", nil, fmt.Errorf("%w: BETWEEN on field %q needs exactly two values", ErrInvalidFilter, f.Field)
			}

			lo := fmt.Sprintf("f%d_lo", i)
			hi := fmt.Sprintf("f%d_hi", i)
			sb.WriteString(" BETWEEN @" + lo + " AND @" + hi)
			params = append(params,
				Param{Name: lo, Value: f.Values[0]},
				Param{Name: hi, Value: f.Values[1]},
			)

		default:
			if len(f.Values) != 1 {
				return "", nil, fmt.Errorf("%w: %s on field %q needs exactly one value", ErrInvalidFilter, op, f.Field)
			}

			name := fmt.Sprintf("f%d", i)
			sb.WriteString(" " + op + " @" + name)
			params = append(params, Param{Name: name, Value: f.Values[0]})
		}
	}

	return sb.String(), params, nil
}

// ExpandKeyList replaces the first occurrence of token (for example
// "@keys") with a generated placeholder list and returns the parameters to
// bind. Post-update queries carry the token where their IN list goes.
func ExpandKeyList(query, token string, keys []any) (string, []Param) {
	placeholders := make([]string, len(keys))
	params := make([]Param, len(keys))

	for i, k := range keys {
		name := fmt.Sprintf("k%d", i)
		placeholders[i] = "@" + name
		params[i] = Param{Name: name, Value: k}
	}

	return strings.Replace(query, token, strings.Join(placeholders, ", "), 1), params
}

// toNamedArgs converts params into driver arguments with typed binding.
func toNamedArgs(params []Param) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = sql.Named(p.Name, bindValue(p.Value))
	}

	return args
}

// bindValue maps a scalar-union value onto the driver type the destination
// expects: strings stay NVARCHAR, integral numbers become BIGINT, other
// numbers stay floating, times are bound as DATETIME.
func bindValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case float32:
		return bindFloat(float64(t))
	case float64:
		return bindFloat(t)
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return mssql.DateTime1(t)
	default:
		// Composite values should have been serialized during
		// sanitization; stringify as a last resort.
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}

		return fmt.Sprintf("%v", t)
	}
}

func bindFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}

	if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
		return int64(f)
	}

	return f
}

// normalizeValue folds a scanned driver value into the closed scalar union
// nil | bool | int64 | float64 | string | time.Time.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, int64, float64, string:
		return t
	case time.Time:
		return t
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
