package promotion

import (
	"errors"
	"testing"
)

func testConfig() *Config {
	return &Config{
		IndicatorField:    "promoFlag",
		RefArticleField:   "refArticle",
		ArticleField:      "article",
		LineField:         "line",
		QuantityField:     "qty",
		BonusLineRefField: "bonusLineRef",
		OrderedQtyField:   "orderedQty",
		InvoiceQtyField:   "invoiceQty",
		BonusQtyField:     "bonusQty",
		BonusValue:        "B",
	}
}

func row(line int64, article string, qty float64, flag, ref string) map[string]any {
	r := map[string]any{
		"line":    line,
		"article": article,
		"qty":     qty,
	}

	if flag != "" {
		r["promoFlag"] = flag
	}

	if ref != "" {
		r["refArticle"] = ref
	}

	return r
}

func TestLinkRejectsIncompleteConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := Link([]map[string]any{{"line": int64(1)}}, &Config{BonusValue: "B"})
	if !errors.Is(err, ErrConfigIncomplete) {
		t.Errorf("Link() error = %v, want ErrConfigIncomplete", err)
	}

	_, err = Link(nil, nil)
	if !errors.Is(err, ErrConfigIncomplete) {
		t.Errorf("Link(nil config) error = %v, want ErrConfigIncomplete", err)
	}
}

func TestLinkClassifiesAndRewrites(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rows := []map[string]any{
		row(1, "A-100", 5, "", ""),       // trigger
		row(2, "GIFT-1", 1, "B", "A-100"), // gift referencing A-100
		row(3, "C-300", 0, "", ""),       // zero quantity: plain normal row
	}

	linked, err := Link(rows, testConfig())
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	if len(linked) != len(rows) {
		t.Fatalf("Link() returned %d rows, want %d", len(linked), len(rows))
	}

	if linked[0].Class != Trigger {
		t.Errorf("row 1 class = %s, want trigger", linked[0].Class)
	}

	if linked[1].Class != Bonus || linked[1].Orphan {
		t.Errorf("row 2 class = %s orphan=%v, want non-orphan bonus", linked[1].Class, linked[1].Orphan)
	}

	if linked[2].Class != Normal {
		t.Errorf("row 3 class = %s, want normal", linked[2].Class)
	}

	// Trigger row: quantity copied to ordered/invoice, bonus fields nulled.
	trigger := linked[0].Row
	if trigger["orderedQty"] != 5.0 || trigger["invoiceQty"] != 5.0 {
		t.Errorf("trigger quantities = %v/%v, want 5/5", trigger["orderedQty"], trigger["invoiceQty"])
	}

	if trigger["bonusLineRef"] != nil || trigger["bonusQty"] != nil {
		t.Errorf("trigger bonus fields = %v/%v, want nil/nil", trigger["bonusLineRef"], trigger["bonusQty"])
	}

	// Gift row: points at the trigger's line, quantities moved to bonusQty.
	gift := linked[1].Row
	if gift["bonusLineRef"] != int64(1) {
		t.Errorf("gift bonusLineRef = %v, want 1", gift["bonusLineRef"])
	}

	if gift["bonusQty"] != 1.0 {
		t.Errorf("gift bonusQty = %v, want 1", gift["bonusQty"])
	}

	if gift["orderedQty"] != nil || gift["invoiceQty"] != nil {
		t.Errorf("gift quantities = %v/%v, want nil/nil", gift["orderedQty"], gift["invoiceQty"])
	}
}

func TestLinkPrefersNearestEarlierTrigger(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rows := []map[string]any{
		row(1, "A-100", 5, "", ""),
		row(2, "A-100", 3, "", ""),
		row(3, "GIFT-1", 1, "B", "A-100"),
		row(4, "A-100", 2, "", ""),
	}

	linked, err := Link(rows, testConfig())
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	// Closest earlier occurrence (line 2) wins over line 1 and line 4.
	if got := linked[2].Row["bonusLineRef"]; got != int64(2) {
		t.Errorf("bonusLineRef = %v, want 2", got)
	}
}

func TestLinkFallsForwardWhenNoEarlierTrigger(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rows := []map[string]any{
		row(1, "GIFT-1", 1, "B", "A-100"),
		row(2, "A-100", 5, "", ""),
	}

	linked, err := Link(rows, testConfig())
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	if got := linked[0].Row["bonusLineRef"]; got != int64(2) {
		t.Errorf("bonusLineRef = %v, want the later trigger's line 2", got)
	}

	if linked[0].Orphan {
		t.Error("gift with a later trigger marked orphan")
	}
}

func TestLinkOrphanFallsBackToLineOne(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rows := []map[string]any{
		row(1, "A-100", 5, "", ""),
		row(2, "GIFT-1", 1, "B", "Z-999"),
	}

	linked, err := Link(rows, testConfig())
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	if !linked[1].Orphan {
		t.Error("gift referencing a missing article not marked orphan")
	}

	if got := linked[1].Row["bonusLineRef"]; got != int64(1) {
		t.Errorf("orphan bonusLineRef = %v, want fallback 1", got)
	}

	stats := Summarize(linked)
	if stats.Orphans != 1 || stats.Bonus != 1 || stats.Trigger != 1 {
		t.Errorf("stats = %+v, want 1 orphan, 1 bonus, 1 trigger", stats)
	}
}

func TestLinkSortsByLineNumber(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rows := []map[string]any{
		row(3, "C-300", 1, "", ""),
		row(1, "A-100", 5, "", ""),
		row(2, "B-200", 2, "", ""),
	}

	linked, err := Link(rows, testConfig())
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	for i, wantLine := range []int64{1, 2, 3} {
		if got := linked[i].Row["line"]; got != wantLine {
			t.Errorf("position %d line = %v, want %d", i, got, wantLine)
		}
	}
}

func TestLinkDoesNotMutateInput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	original := row(1, "A-100", 5, "", "")

	if _, err := Link([]map[string]any{original}, testConfig()); err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	if _, ok := original["orderedQty"]; ok {
		t.Error("Link mutated the input row")
	}
}

func TestRowsUnwrapsInOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rows := []map[string]any{
		row(2, "B-200", 2, "", ""),
		row(1, "A-100", 5, "", ""),
	}

	linked, err := Link(rows, testConfig())
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	unwrapped := Rows(linked)
	if len(unwrapped) != 2 || unwrapped[0]["line"] != int64(1) {
		t.Errorf("Rows() = %v, want sorted rows", unwrapped)
	}
}
