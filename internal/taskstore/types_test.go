package taskstore

import (
	"errors"
	"testing"

	"github.com/rowbridge-io/rowbridge/internal/dbconn"
)

func validTask() *Task {
	return &Task{
		Name:      "orders-up",
		Kind:      KindAuto,
		Query:     "SELECT * FROM src_orders",
		DestTable: "dst_orders",
	}
}

func TestTaskValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		name   string
		mutate func(*Task)
		wantOK bool
	}{
		{"complete", func(*Task) {}, true},
		{"manual kind", func(task *Task) { task.Kind = KindManual }, true},
		{"both kind", func(task *Task) { task.Kind = KindBoth }, true},
		{"down direction", func(task *Task) { task.Direction = DirectionDown }, true},
		{"default direction", func(task *Task) { task.Direction = DirectionDefault }, true},
		{"empty name", func(task *Task) { task.Name = "" }, false},
		{"empty query", func(task *Task) { task.Query = "" }, false},
		{"empty dest table", func(task *Task) { task.DestTable = "" }, false},
		{"unknown kind", func(task *Task) { task.Kind = "cron" }, false},
		{"empty kind", func(task *Task) { task.Kind = "" }, false},
		{"unknown direction", func(task *Task) { task.Direction = "sideways" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := validTask()
			tc.mutate(task)

			err := task.Validate()

			if tc.wantOK && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}

			if !tc.wantOK && !errors.Is(err, ErrInvalidTask) {
				t.Errorf("Validate() = %v, want ErrInvalidTask", err)
			}
		})
	}
}

func TestTaskServerSelection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		direction  string
		wantSource string
		wantTarget string
	}{
		{"", dbconn.ServerSource, dbconn.ServerTarget},
		{DirectionDefault, dbconn.ServerSource, dbconn.ServerTarget},
		{DirectionUp, dbconn.ServerSource, dbconn.ServerTarget},
		{DirectionDown, dbconn.ServerTarget, dbconn.ServerSource},
	}

	for _, tc := range cases {
		task := &Task{Direction: tc.direction}

		if got := task.SourceServer(); got != tc.wantSource {
			t.Errorf("direction %q: SourceServer() = %q, want %q", tc.direction, got, tc.wantSource)
		}

		if got := task.TargetServer(); got != tc.wantTarget {
			t.Errorf("direction %q: TargetServer() = %q, want %q", tc.direction, got, tc.wantTarget)
		}
	}
}
