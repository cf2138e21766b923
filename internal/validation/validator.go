package validation

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

type (
	// Options steer a validation run. Option-level fix-up flags combine
	// with the per-rule flags: either one enables the repair. Options are
	// part of the persisted task definition.
	Options struct {
		ThrowOnFirstError bool `bson:"throwOnFirstError,omitempty" json:"throwOnFirstError,omitempty" yaml:"throwOnFirstError,omitempty"`
		AllowExtraFields  bool `bson:"allowExtraFields,omitempty"  json:"allowExtraFields,omitempty"  yaml:"allowExtraFields,omitempty"`
		AutoConvert       bool `bson:"autoConvert,omitempty"       json:"autoConvert,omitempty"       yaml:"autoConvert,omitempty"`
		Truncate          bool `bson:"truncate,omitempty"          json:"truncate,omitempty"          yaml:"truncate,omitempty"`
		Clamp             bool `bson:"clamp,omitempty"             json:"clamp,omitempty"             yaml:"clamp,omitempty"`
		Round             bool `bson:"round,omitempty"             json:"round,omitempty"             yaml:"round,omitempty"`
		Trim              bool `bson:"trim,omitempty"              json:"trim,omitempty"              yaml:"trim,omitempty"`
		Uppercase         bool `bson:"uppercase,omitempty"         json:"uppercase,omitempty"         yaml:"uppercase,omitempty"`
		Lowercase         bool `bson:"lowercase,omitempty"         json:"lowercase,omitempty"         yaml:"lowercase,omitempty"`
		Precision         *int `bson:"precision,omitempty"         json:"precision,omitempty"         yaml:"precision,omitempty"`
	}

	// FieldError is one failed rule on one field.
	FieldError struct {
		Field   string `json:"field"`
		Rule    string `json:"rule"`
		Message string `json:"message"`
	}

	// Errors collects every failed rule of a row. It is the error value
	// Validate returns; a validation failure is fatal for the run.
	Errors []FieldError
)

// Error implements the error interface.
func (e FieldError) Error() string {
	return fmt.Sprintf("field %q: %s (%s)", e.Field, e.Message, e.Rule)
}

// Error implements the error interface.
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}

	if len(e) == 1 {
		return e[0].Error()
	}

	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Error()
	}

	return fmt.Sprintf("%d fields failed validation: %s", len(e), strings.Join(parts, "; "))
}

// IsValidationError reports whether err carries field-level validation
// failures.
func IsValidationError(err error) bool {
	var errs Errors

	return errors.As(err, &errs)
}

// patternCache memoizes compiled rule patterns for the process lifetime.
var patternCache sync.Map

func compiledPattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		if re, ok := cached.(*regexp.Regexp); ok {
			return re, nil
		}

		return nil, cached.(error)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		patternCache.Store(pattern, err)

		return nil, err
	}

	patternCache.Store(pattern, re)

	return re, nil
}

// Validate sanitizes and checks row against the ruleset.
//
// Parameters:
//   - row: the fetched row; never mutated
//   - rs: the task's ruleset; fields are evaluated in name order so error
//     lists are deterministic
//   - opts: run-level options per the task definition
//
// Returns:
//   - the sanitized, coerced row ready for insertion
//   - Errors listing every failed rule, or only the first when
//     ThrowOnFirstError is set
func Validate(row map[string]any, rs *Ruleset, opts Options) (map[string]any, error) {
	out := make(map[string]any, len(row))

	var errs Errors

	fields := make([]string, 0, len(rs.Fields))
	for field := range rs.Fields {
		fields = append(fields, field)
	}

	sort.Strings(fields)

	for _, field := range fields {
		rule := rs.Fields[field]
		raw, present := row[field]
		value := Sanitize(raw)

		required := rule.Required || rs.identityField(field)

		if value == nil {
			if required {
				errs = append(errs, FieldError{
					Field:   field,
					Rule:    "required",
					Message: "value is required but missing or null",
				})

				if opts.ThrowOnFirstError {
					return nil, errs
				}

				continue
			}

			if present {
				out[field] = nil
			}

			continue
		}

		checked, fieldErr := applyRule(field, value, rule, opts)
		if fieldErr != nil {
			errs = append(errs, *fieldErr)

			if opts.ThrowOnFirstError {
				return nil, errs
			}

			continue
		}

		// Trimming can empty a value out entirely.
		if checked == nil && required {
			errs = append(errs, FieldError{
				Field:   field,
				Rule:    "required",
				Message: "value is required but empty after sanitization",
			})

			if opts.ThrowOnFirstError {
				return nil, errs
			}

			continue
		}

		out[field] = checked
	}

	if opts.AllowExtraFields {
		for field, raw := range row {
			if _, ok := rs.Fields[field]; ok {
				continue
			}

			out[field] = Sanitize(raw)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return out, nil
}

func applyRule(field string, value any, rule Rule, opts Options) (any, *FieldError) {
	switch rule.Type {
	case TypeString:
		return applyStringRule(field, value, rule, opts)
	case TypeNumber:
		return applyNumberRule(field, value, rule, opts)
	case TypeDate:
		return applyDateRule(field, value, opts)
	case TypeBool:
		return applyBoolRule(field, value, opts)
	case "":
		// Untyped rule: the field participates in identity or required
		// checks only.
		return value, nil
	default:
		return nil, &FieldError{
			Field:   field,
			Rule:    "type",
			Message: fmt.Sprintf("unknown rule type %q", rule.Type),
		}
	}
}

func applyStringRule(field string, value any, rule Rule, opts Options) (any, *FieldError) {
	s, ok := value.(string)
	if !ok {
		if !opts.AutoConvert {
			return nil, typeError(field, "string", value)
		}

		s = coerceToString(value)
	}

	if rule.Trim || opts.Trim {
		s = strings.TrimSpace(s)
	}

	if rule.Uppercase || opts.Uppercase {
		s = strings.ToUpper(s)
	}

	if rule.Lowercase || opts.Lowercase {
		s = strings.ToLower(s)
	}

	if s == "" {
		return nil, nil
	}

	if rule.Pattern != "" {
		re, err := compiledPattern(rule.Pattern)
		if err != nil {
			return nil, &FieldError{
				Field:   field,
				Rule:    "pattern",
				Message: fmt.Sprintf("invalid pattern %q: %v", rule.Pattern, err),
			}
		}

		if !re.MatchString(s) {
			return nil, &FieldError{
				Field:   field,
				Rule:    "pattern",
				Message: fmt.Sprintf("value does not match pattern %q", rule.Pattern),
			}
		}
	}

	length := utf8.RuneCountInString(s)

	if rule.MinLength > 0 && length < rule.MinLength {
		return nil, &FieldError{
			Field:   field,
			Rule:    "minLength",
			Message: fmt.Sprintf("length %d is below the minimum %d", length, rule.MinLength),
		}
	}

	if rule.MaxLength > 0 && length > rule.MaxLength {
		if !rule.Truncate && !opts.Truncate {
			return nil, &FieldError{
				Field:   field,
				Rule:    "maxLength",
				Message: fmt.Sprintf("length %d exceeds the maximum %d", length, rule.MaxLength),
			}
		}

		s = string([]rune(s)[:rule.MaxLength])
	}

	return s, nil
}

func applyNumberRule(field string, value any, rule Rule, opts Options) (any, *FieldError) {
	f, wasInt, ok := toFloat(value)
	if !ok {
		if !opts.AutoConvert {
			return nil, typeError(field, "number", value)
		}

		f, ok = coerceToNumber(value)
		if !ok {
			return nil, typeError(field, "number", value)
		}
	}

	if rule.Integer && f != math.Trunc(f) {
		if !rule.Round && !opts.Round {
			return nil, &FieldError{
				Field:   field,
				Rule:    "integer",
				Message: fmt.Sprintf("value %v is not an integer", f),
			}
		}

		f = math.Round(f)
	}

	if rule.Min != nil && f < *rule.Min {
		if !rule.Clamp && !opts.Clamp {
			return nil, &FieldError{
				Field:   field,
				Rule:    "min",
				Message: fmt.Sprintf("value %v is below the minimum %v", f, *rule.Min),
			}
		}

		f = *rule.Min
	}

	if rule.Max != nil && f > *rule.Max {
		if !rule.Clamp && !opts.Clamp {
			return nil, &FieldError{
				Field:   field,
				Rule:    "max",
				Message: fmt.Sprintf("value %v exceeds the maximum %v", f, *rule.Max),
			}
		}

		f = *rule.Max
	}

	precision := rule.Precision
	if precision == nil {
		precision = opts.Precision
	}

	if precision != nil && *precision >= 0 {
		shift := math.Pow10(*precision)
		f = math.Round(f*shift) / shift
	}

	if rule.Integer || (wasInt && f == math.Trunc(f)) {
		return int64(f), nil
	}

	return f, nil
}

func applyDateRule(field string, value any, opts Options) (any, *FieldError) {
	switch t := value.(type) {
	case time.Time:
		return t, nil

	case string:
		if !opts.AutoConvert {
			return nil, typeError(field, "date", value)
		}

		parsed, ok := parseDate(t)
		if !ok {
			return nil, &FieldError{
				Field:   field,
				Rule:    "type",
				Message: fmt.Sprintf("cannot parse %q as a date", t),
			}
		}

		return parsed, nil

	case int64:
		if !opts.AutoConvert {
			return nil, typeError(field, "date", value)
		}

		return time.UnixMilli(t).UTC(), nil

	case float64:
		if !opts.AutoConvert {
			return nil, typeError(field, "date", value)
		}

		return time.UnixMilli(int64(t)).UTC(), nil

	default:
		return nil, typeError(field, "date", value)
	}
}

func applyBoolRule(field string, value any, opts Options) (any, *FieldError) {
	switch t := value.(type) {
	case bool:
		return t, nil

	case string:
		if !opts.AutoConvert {
			return nil, typeError(field, "boolean", value)
		}

		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}

		return nil, &FieldError{
			Field:   field,
			Rule:    "type",
			Message: fmt.Sprintf("cannot interpret %q as a boolean", t),
		}

	case int64:
		if !opts.AutoConvert {
			return nil, typeError(field, "boolean", value)
		}

		return boolFromNumber(field, float64(t))

	case float64:
		if !opts.AutoConvert {
			return nil, typeError(field, "boolean", value)
		}

		return boolFromNumber(field, t)

	default:
		return nil, typeError(field, "boolean", value)
	}
}

func boolFromNumber(field string, f float64) (any, *FieldError) {
	switch f {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return nil, &FieldError{
			Field:   field,
			Rule:    "type",
			Message: fmt.Sprintf("cannot interpret %v as a boolean", f),
		}
	}
}

func typeError(field, want string, got any) *FieldError {
	return &FieldError{
		Field:   field,
		Rule:    "type",
		Message: fmt.Sprintf("expected %s, got %T", want, got),
	}
}

// toFloat unpacks the numeric members of the scalar union. wasInt preserves
// the distinction so integral inputs come back out as int64.
func toFloat(value any) (f float64, wasInt, ok bool) {
	switch t := value.(type) {
	case int64:
		return float64(t), true, true
	case float64:
		return t, false, true
	default:
		return 0, false, false
	}
}

func coerceToString(value any) string {
	switch t := value.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// coerceToNumber converts strings and booleans into numbers. The literal
// "NaN" coerces to 0; unparseable values fail.
func coerceToNumber(value any) (float64, bool) {
	switch t := value.(type) {
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.EqualFold(trimmed, "nan") {
			return 0, true
		}

		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}

		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, true
		}

		return f, true

	case bool:
		if t {
			return 1, true
		}

		return 0, true

	default:
		return 0, false
	}
}

// dateLayouts are tried in order when coercing strings to dates.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, bool) {
	trimmed := strings.TrimSpace(s)

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}
