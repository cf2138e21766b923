// Package promotion classifies detail rows as regular, trigger, or
// bonus/gift rows and rewrites gift rows to reference the nearest trigger
// for the same article. Documents with promotions arrive as flat row
// sequences; the linker restores the gift-to-trigger relationship the
// destination schema expects.
package promotion

import (
	"errors"
	"fmt"
)

// ErrConfigIncomplete indicates a promotion config missing detection or
// target fields. The orchestrator treats it as "linking disabled for this
// run" and passes rows through untouched.
var ErrConfigIncomplete = errors.New("promotion config incomplete")

// Config carries the field names the linker reads (detection) and writes
// (targets), plus the indicator value that marks a gift row. It is part of
// the persisted task definition.
type Config struct {
	// Detection fields.
	IndicatorField  string `bson:"indicatorField"           json:"indicatorField"           yaml:"indicatorField"`
	RefArticleField string `bson:"refArticleField"          json:"refArticleField"          yaml:"refArticleField"`
	ArticleField    string `bson:"articleField"             json:"articleField"             yaml:"articleField"`
	LineField       string `bson:"lineField"                json:"lineField"                yaml:"lineField"`
	QuantityField   string `bson:"quantityField"            json:"quantityField"            yaml:"quantityField"`
	DiscountField   string `bson:"discountField,omitempty"  json:"discountField,omitempty"  yaml:"discountField,omitempty"`

	// Target fields rewritten on every row.
	BonusLineRefField string `bson:"bonusLineRefField" json:"bonusLineRefField" yaml:"bonusLineRefField"`
	OrderedQtyField   string `bson:"orderedQtyField"   json:"orderedQtyField"   yaml:"orderedQtyField"`
	InvoiceQtyField   string `bson:"invoiceQtyField"   json:"invoiceQtyField"   yaml:"invoiceQtyField"`
	BonusQtyField     string `bson:"bonusQtyField"     json:"bonusQtyField"     yaml:"bonusQtyField"`

	// BonusValue is the indicator value marking a gift row, typically "B".
	BonusValue string `bson:"bonusValue" json:"bonusValue" yaml:"bonusValue"`
}

// Validate checks that every field the linker reads or writes is named.
// DiscountField is optional.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigIncomplete
	}

	required := map[string]string{
		"indicatorField":    c.IndicatorField,
		"refArticleField":   c.RefArticleField,
		"articleField":      c.ArticleField,
		"lineField":         c.LineField,
		"quantityField":     c.QuantityField,
		"bonusLineRefField": c.BonusLineRefField,
		"orderedQtyField":   c.OrderedQtyField,
		"invoiceQtyField":   c.InvoiceQtyField,
		"bonusQtyField":     c.BonusQtyField,
	}

	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%w: %s is empty", ErrConfigIncomplete, name)
		}
	}

	if c.BonusValue == "" {
		return fmt.Errorf("%w: bonusValue is empty", ErrConfigIncomplete)
	}

	return nil
}
