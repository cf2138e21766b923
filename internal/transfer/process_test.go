package transfer

import (
	"fmt"
	"testing"
	"time"

	"github.com/rowbridge-io/rowbridge/internal/taskstore"
)

func TestCanonicalScalar(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		value any
		want  string
	}{
		{nil, ""},
		{true, "true"},
		{int64(42), "42"},
		{float64(2.5), "2.5"},
		{"abc", "abc"},
		{ts, "2026-03-14T09:26:53Z"},
	}

	for _, tt := range tests {
		if got := canonicalScalar(tt.value); got != tt.want {
			t.Errorf("canonicalScalar(%v) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestMergeKeyStringSeparatesFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	keys := []string{"a", "b"}

	// "ab"+"c" and "a"+"bc" must produce different keys.
	first := mergeKeyString(map[string]any{"a": "ab", "b": "c"}, keys)
	second := mergeKeyString(map[string]any{"a": "a", "b": "bc"}, keys)

	if first == second {
		t.Errorf("composite keys collide: %q", first)
	}

	// Missing fields participate as empty strings, deterministically.
	if got := mergeKeyString(map[string]any{"a": "x"}, keys); got != mergeKeyString(map[string]any{"a": "x", "b": nil}, keys) {
		t.Error("missing and nil key fields should produce the same key")
	}
}

func TestStripKeyPrefix(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	mapping := &taskstore.PostUpdateMapping{
		DestKeyField:   "order_ref",
		SourceKeyField: "id",
		StripPrefix:    "ORD-",
	}

	got := stripKeyPrefix([]string{"ORD-100", "200", "ORD-ORD-1"}, mapping)
	want := []string{"100", "200", "ORD-1"}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stripKeyPrefix[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	unchanged := stripKeyPrefix([]string{"ORD-100"}, nil)
	if unchanged[0] != "ORD-100" {
		t.Error("nil mapping must leave keys untouched")
	}
}

func TestDuplicateReportCapsStoredRecords(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	report := NewDuplicateReport([]string{"id"})

	for i := 0; i < maxReportedDuplicates+20; i++ {
		report.Add(map[string]any{
			"id":     int64(i),
			"name":   fmt.Sprintf("row-%d", i),
			"f1":     1,
			"f2":     2,
			"f3":     3,
			"f4":     4,
			"f5":     5,
			"f6":     "beyond the extra-field cap",
			"status": "x",
		}, "")
	}

	if got := len(report.Records()); got != maxReportedDuplicates {
		t.Errorf("stored records = %d, want %d", got, maxReportedDuplicates)
	}

	if report.Total() != int64(maxReportedDuplicates+20) {
		t.Errorf("Total = %d, want %d", report.Total(), maxReportedDuplicates+20)
	}

	if !report.HasMore() {
		t.Error("HasMore = false past the cap")
	}

	entry := report.Records()[0]
	if _, ok := entry["id"]; !ok {
		t.Error("merge key missing from reported entry")
	}

	// Key field plus at most five extras.
	if len(entry) > 1+maxExtraReportFields {
		t.Errorf("entry carries %d fields, want at most %d", len(entry), 1+maxExtraReportFields)
	}
}

func TestEmitProgressSteps(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rig := newTestRig(t, transferTask())

	ctx := t.Context()
	last := 0

	// 2 of 100 processed: below the step, no emission.
	last = rig.orch.emitProgress(ctx, "task-1", 2, 100, last)
	if last != 0 {
		t.Errorf("emitted at 2%%, lastEmitted = %d", last)
	}

	// 7 of 100: crosses the five-point step.
	last = rig.orch.emitProgress(ctx, "task-1", 7, 100, last)
	if last != 7 {
		t.Errorf("lastEmitted = %d, want 7", last)
	}

	// 100 of 100 while running: capped at the ceiling.
	last = rig.orch.emitProgress(ctx, "task-1", 100, 100, last)
	if last != progressCeiling {
		t.Errorf("lastEmitted = %d, want %d", last, progressCeiling)
	}

	if got := rig.store.statuses[len(rig.store.statuses)-1]; got != progressCeiling {
		t.Errorf("persisted progress = %d, want %d", got, progressCeiling)
	}
}
