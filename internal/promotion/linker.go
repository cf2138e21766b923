package promotion

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

type (
	// Class tags a row's role in the promotion structure.
	Class int

	// Linked is one output row with its classification. Row is a copy; the
	// input sequence is never mutated.
	Linked struct {
		Row    map[string]any
		Class  Class
		Orphan bool
	}

	// Stats summarizes one linking run for logging.
	Stats struct {
		Bonus   int
		Trigger int
		Normal  int
		Orphans int
	}
)

// Row roles.
const (
	// Normal is a plain sales row: neither gift nor promotion trigger.
	Normal Class = iota

	// Trigger is a regular row that can be referenced by gift rows.
	Trigger

	// Bonus is a gift row; it references the article that triggered it.
	Bonus
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case Bonus:
		return "bonus"
	case Trigger:
		return "trigger"
	default:
		return "normal"
	}
}

// Link classifies and rewrites one document's detail rows.
//
// Rows are stably sorted by line number ascending, classified, and then
// every gift row is linked to the nearest non-bonus row carrying its
// referenced article: the closest one earlier in the document wins, then
// the closest later one, then any row with that article. A gift whose
// article appears nowhere falls back to line 1 and is marked orphan.
//
// Rewrites: gift rows get bonusLineRef and bonusQuantity set and their
// ordered/invoice quantities nulled; trigger and normal rows get their
// quantity copied into ordered and invoice quantities and the bonus fields
// nulled. The output has exactly the input's length and preserves the
// multiset of article codes.
//
// Returns ErrConfigIncomplete without touching the rows when cfg is
// missing fields.
func Link(rows []map[string]any, cfg *Config) ([]Linked, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	linked := make([]Linked, len(rows))
	for i, row := range rows {
		clone := make(map[string]any, len(row))
		for k, v := range row {
			clone[k] = v
		}

		linked[i] = Linked{Row: clone, Class: classify(clone, cfg)}
	}

	sort.SliceStable(linked, func(i, j int) bool {
		return lineOrder(linked[i].Row, cfg) < lineOrder(linked[j].Row, cfg)
	})

	// Article multimap over non-bonus rows, in sorted document order.
	triggersByArticle := make(map[string][]int)

	for i, l := range linked {
		if l.Class == Bonus {
			continue
		}

		article := canonical(l.Row[cfg.ArticleField])
		if article == "" {
			continue
		}

		triggersByArticle[article] = append(triggersByArticle[article], i)
	}

	for i := range linked {
		l := &linked[i]

		if l.Class != Bonus {
			quantity := l.Row[cfg.QuantityField]
			l.Row[cfg.OrderedQtyField] = quantity
			l.Row[cfg.InvoiceQtyField] = quantity
			l.Row[cfg.BonusLineRefField] = nil
			l.Row[cfg.BonusQtyField] = nil

			continue
		}

		reference := canonical(l.Row[cfg.RefArticleField])
		candidates := triggersByArticle[reference]
		chosen := chooseTrigger(candidates, i)

		var lineRef any

		if chosen < 0 {
			lineRef = int64(1)
			l.Orphan = true
		} else {
			lineRef = linked[chosen].Row[cfg.LineField]
		}

		l.Row[cfg.BonusLineRefField] = lineRef
		l.Row[cfg.BonusQtyField] = l.Row[cfg.QuantityField]
		l.Row[cfg.OrderedQtyField] = nil
		l.Row[cfg.InvoiceQtyField] = nil
	}

	return linked, nil
}

// Rows unwraps the linked sequence back into plain rows.
func Rows(linked []Linked) []map[string]any {
	rows := make([]map[string]any, len(linked))
	for i, l := range linked {
		rows[i] = l.Row
	}

	return rows
}

// Summarize counts classes and orphans across a linking run.
func Summarize(linked []Linked) Stats {
	var s Stats

	for _, l := range linked {
		switch l.Class {
		case Bonus:
			s.Bonus++
		case Trigger:
			s.Trigger++
		default:
			s.Normal++
		}

		if l.Orphan {
			s.Orphans++
		}
	}

	return s
}

// chooseTrigger picks the candidate index for the bonus row at position i:
// the greatest index strictly below i, else the smallest strictly above,
// else the first candidate, else -1.
func chooseTrigger(candidates []int, i int) int {
	best := -1

	for _, idx := range candidates {
		if idx < i && idx > best {
			best = idx
		}
	}

	if best >= 0 {
		return best
	}

	for _, idx := range candidates {
		if idx > i {
			return idx
		}
	}

	if len(candidates) > 0 {
		return candidates[0]
	}

	return -1
}

// classify tags one row. A row is a gift when its indicator carries the
// bonus value or it references another article. A non-gift row with an
// article, a zero-ish indicator, and positive quantity is a trigger
// candidate; everything else is normal.
func classify(row map[string]any, cfg *Config) Class {
	indicator := row[cfg.IndicatorField]

	if matchesBonusValue(indicator, cfg.BonusValue) || !isEmpty(row[cfg.RefArticleField]) {
		return Bonus
	}

	quantity, _ := numeric(row[cfg.QuantityField])

	if !isEmpty(row[cfg.ArticleField]) && isZeroish(indicator) && quantity > 0 {
		return Trigger
	}

	return Normal
}

func matchesBonusValue(v any, bonusValue string) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}

	return strings.EqualFold(strings.TrimSpace(s), bonusValue)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}

	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}

	return false
}

// isZeroish matches the indicator states that mean "no promotion": null,
// empty string, or a zero in any numeric shape.
func isZeroish(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		trimmed := strings.TrimSpace(t)

		return trimmed == "" || trimmed == "0"
	case int64:
		return t == 0
	case float64:
		return t == 0
	default:
		return false
	}
}

// lineOrder extracts the sortable line number; rows without one sink to the
// end while keeping their relative order.
func lineOrder(row map[string]any, cfg *Config) float64 {
	if f, ok := numeric(row[cfg.LineField]); ok {
		return f
	}

	return math.MaxFloat64
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}

		return 0, false
	default:
		return 0, false
	}
}

// canonical renders a value as a comparison key for article matching.
func canonical(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}
