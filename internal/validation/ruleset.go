// Package validation applies per-field type coercion, length/range/pattern
// checks, and null normalization to fetched rows before they are written to
// the destination. Rulesets are part of the persisted task definition.
package validation

type (
	// FieldType names the semantic type a rule expects.
	FieldType string

	// Rule constrains one field. Zero values mean "no constraint"; the
	// boolean fix-up flags (Truncate, Clamp, Round, Trim, case) choose
	// repairing the value over failing it and combine with the run-level
	// Options.
	Rule struct {
		Type      FieldType `bson:"type"                json:"type"                yaml:"type"`
		Required  bool      `bson:"required,omitempty"  json:"required,omitempty"  yaml:"required,omitempty"`
		MinLength int       `bson:"minLength,omitempty" json:"minLength,omitempty" yaml:"minLength,omitempty"`
		MaxLength int       `bson:"maxLength,omitempty" json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
		Pattern   string    `bson:"pattern,omitempty"   json:"pattern,omitempty"   yaml:"pattern,omitempty"`
		Truncate  bool      `bson:"truncate,omitempty"  json:"truncate,omitempty"  yaml:"truncate,omitempty"`
		Trim      bool      `bson:"trim,omitempty"      json:"trim,omitempty"      yaml:"trim,omitempty"`
		Uppercase bool      `bson:"uppercase,omitempty" json:"uppercase,omitempty" yaml:"uppercase,omitempty"`
		Lowercase bool      `bson:"lowercase,omitempty" json:"lowercase,omitempty" yaml:"lowercase,omitempty"`
		Min       *float64  `bson:"min,omitempty"       json:"min,omitempty"       yaml:"min,omitempty"`
		Max       *float64  `bson:"max,omitempty"       json:"max,omitempty"       yaml:"max,omitempty"`
		Integer   bool      `bson:"integer,omitempty"   json:"integer,omitempty"   yaml:"integer,omitempty"`
		Clamp     bool      `bson:"clamp,omitempty"     json:"clamp,omitempty"     yaml:"clamp,omitempty"`
		Round     bool      `bson:"round,omitempty"     json:"round,omitempty"     yaml:"round,omitempty"`
		Precision *int      `bson:"precision,omitempty" json:"precision,omitempty" yaml:"precision,omitempty"`
	}

	// ExistenceCheck names the single primary identity field.
	ExistenceCheck struct {
		Key string `bson:"key" json:"key" yaml:"key"`
	}

	// Ruleset maps field names to rules and carries the identity
	// declaration: RequiredFields combine into the row identity, and the
	// optional ExistenceCheck names the primary identity field.
	Ruleset struct {
		Fields         map[string]Rule `bson:"fields"                   json:"fields"                   yaml:"fields"`
		RequiredFields []string        `bson:"requiredFields,omitempty" json:"requiredFields,omitempty" yaml:"requiredFields,omitempty"`
		ExistenceCheck *ExistenceCheck `bson:"existenceCheck,omitempty" json:"existenceCheck,omitempty" yaml:"existenceCheck,omitempty"`
	}
)

// Semantic field types.
const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeDate   FieldType = "date"
	TypeBool   FieldType = "boolean"
)

// Empty reports whether the ruleset constrains nothing. A task with an
// empty ruleset is not executable.
func (rs *Ruleset) Empty() bool {
	return rs == nil || len(rs.Fields) == 0
}

// MergeKeys returns the duplicate-detection key set: the existence-check
// key first, then the required fields in declared order, without
// repetition. An empty result means the task cannot deduplicate and must
// not run.
func (rs *Ruleset) MergeKeys() []string {
	if rs == nil {
		return nil
	}

	seen := make(map[string]struct{}, len(rs.RequiredFields)+1)

	var keys []string

	add := func(field string) {
		if field == "" {
			return
		}

		if _, ok := seen[field]; ok {
			return
		}

		seen[field] = struct{}{}
		keys = append(keys, field)
	}

	if rs.ExistenceCheck != nil {
		add(rs.ExistenceCheck.Key)
	}

	for _, field := range rs.RequiredFields {
		add(field)
	}

	return keys
}

// identityField reports whether field participates in the row identity.
func (rs *Ruleset) identityField(field string) bool {
	if rs.ExistenceCheck != nil && rs.ExistenceCheck.Key == field {
		return true
	}

	for _, f := range rs.RequiredFields {
		if f == field {
			return true
		}
	}

	return false
}
