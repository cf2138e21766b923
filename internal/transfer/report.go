package transfer

import (
	"sort"
)

// Report bounds.
const (
	// maxReportedDuplicates caps the duplicate report's stored rows.
	maxReportedDuplicates = 100

	// maxExtraReportFields is how many non-key fields each reported row
	// keeps alongside its merge-key projection.
	maxExtraReportFields = 5
)

type (
	// DuplicateReport collects a bounded sample of the rows a run skipped
	// as duplicates. Each entry keeps the merge-key projection plus a few
	// extra fields; the total count keeps growing after the cap so the
	// outcome can report how much was cut off.
	DuplicateReport struct {
		mergeKeys []string
		records   []map[string]any
		total     int64
	}
)

// NewDuplicateReport creates a report projecting rows onto mergeKeys.
func NewDuplicateReport(mergeKeys []string) *DuplicateReport {
	return &DuplicateReport{mergeKeys: mergeKeys}
}

// Add records one skipped row. Rows past the cap are counted but not
// stored. When kind is non-empty it annotates the stored entry with the
// error class that exposed the duplicate.
func (r *DuplicateReport) Add(row map[string]any, kind string) {
	r.total++

	if len(r.records) >= maxReportedDuplicates {
		return
	}

	entry := make(map[string]any, len(r.mergeKeys)+maxExtraReportFields+1)

	keyFields := make(map[string]struct{}, len(r.mergeKeys))
	for _, field := range r.mergeKeys {
		keyFields[field] = struct{}{}
		entry[field] = row[field]
	}

	// A deterministic handful of extra fields for context.
	extras := make([]string, 0, len(row))

	for field := range row {
		if _, ok := keyFields[field]; !ok {
			extras = append(extras, field)
		}
	}

	sort.Strings(extras)

	if len(extras) > maxExtraReportFields {
		extras = extras[:maxExtraReportFields]
	}

	for _, field := range extras {
		entry[field] = row[field]
	}

	if kind != "" {
		entry["errorKind"] = kind
	}

	r.records = append(r.records, entry)
}

// Total returns how many duplicates the run saw, stored or not.
func (r *DuplicateReport) Total() int64 { return r.total }

// HasMore reports whether duplicates beyond the stored cap occurred.
func (r *DuplicateReport) HasMore() bool {
	return r.total > int64(len(r.records))
}

// Records returns the stored sample.
func (r *DuplicateReport) Records() []map[string]any { return r.records }
