package retryqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rowbridge-io/rowbridge/internal/taskstore"
	"github.com/rowbridge-io/rowbridge/internal/tracker"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	errs map[string]error
}

func (f *fakeRunner) Run(_ context.Context, taskID string) (*taskstore.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.runs = append(f.runs, taskID)

	if err, ok := f.errs[taskID]; ok {
		return nil, err
	}

	return &taskstore.Outcome{Success: true}, nil
}

type fakeGate struct{ healthy bool }

func (f *fakeGate) Check(_ context.Context) bool { return f.healthy }

type fakeStatus struct {
	mu     sync.Mutex
	failed []string
}

func (f *fakeStatus) UpdateStatus(_ context.Context, id, status string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if status == taskstore.StatusFailed {
		f.failed = append(f.failed, id)
	}

	return nil
}

func TestEnqueueDeduplicatesByTask(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := New(Config{}, &fakeRunner{}, nil, nil, nil)

	q.Enqueue("t1", "first failure")
	q.Enqueue("t1", "second failure")
	q.Enqueue("t2", "other")

	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}

	snapshot := q.Snapshot()
	if snapshot[0].TaskID != "t1" || snapshot[0].LastReason != "second failure" {
		t.Errorf("entry = %+v, want updated reason on the original slot", snapshot[0])
	}

	if snapshot[0].FirstFailureAt.After(snapshot[0].LastFailureAt) {
		t.Error("FirstFailureAt moved forward on re-enqueue")
	}
}

func TestEnqueueRespectsCapacity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := New(Config{Capacity: 2}, &fakeRunner{}, nil, nil, nil)

	q.Enqueue("t1", "x")
	q.Enqueue("t2", "x")
	q.Enqueue("t3", "x")

	if q.Len() != 2 {
		t.Errorf("Len = %d, want capacity bound of 2", q.Len())
	}

	if q.Remove("t3") {
		t.Error("t3 should have been dropped at the capacity bound")
	}
}

func TestRunCycleReplaysOldestFirst(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner := &fakeRunner{}
	q := New(Config{MaxPerCycle: 2}, runner, nil, nil, nil)

	q.Enqueue("t1", "x")
	q.Enqueue("t2", "x")
	q.Enqueue("t3", "x")

	q.runCycle(context.Background())

	if len(runner.runs) != 2 || runner.runs[0] != "t1" || runner.runs[1] != "t2" {
		t.Errorf("runs = %v, want [t1 t2]", runner.runs)
	}

	if q.Len() != 1 {
		t.Errorf("Len = %d after cycle, want 1 (t3 still queued)", q.Len())
	}
}

func TestRunCycleSkipsWhenGateClosed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner := &fakeRunner{}
	q := New(Config{}, runner, &fakeGate{healthy: false}, nil, nil)

	q.Enqueue("t1", "x")
	q.runCycle(context.Background())

	if len(runner.runs) != 0 {
		t.Errorf("runs = %v, want none while the gate is closed", runner.runs)
	}

	if q.Len() != 1 {
		t.Errorf("Len = %d, want the entry kept for the next cycle", q.Len())
	}
}

func TestReplayRequeuesOnRepeatedFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner := &fakeRunner{errs: map[string]error{"t1": fmt.Errorf("still down")}}
	q := New(Config{MaxRetries: 3}, runner, nil, nil, nil)

	q.Enqueue("t1", "x")
	q.runCycle(context.Background())

	if q.Len() != 1 {
		t.Fatalf("Len = %d, want the task re-queued", q.Len())
	}

	if got := q.Snapshot()[0].RetryCount; got != 1 {
		t.Errorf("RetryCount = %d, want 1", got)
	}
}

func TestReplayGivesUpAfterBudget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner := &fakeRunner{errs: map[string]error{"t1": fmt.Errorf("still down")}}
	status := &fakeStatus{}
	q := New(Config{MaxRetries: 2}, runner, nil, status, nil)

	q.Enqueue("t1", "x")

	// Two cycles: first failure re-queues with count 1, second exhausts.
	q.runCycle(context.Background())
	q.runCycle(context.Background())

	if q.Len() != 0 {
		t.Errorf("Len = %d, want the exhausted task dropped", q.Len())
	}

	if len(status.failed) != 1 || status.failed[0] != "t1" {
		t.Errorf("permanently failed = %v, want [t1]", status.failed)
	}
}

func TestReplayKeepsEntryWhenAlreadyRunning(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner := &fakeRunner{errs: map[string]error{
		"t1": fmt.Errorf("run rejected: %w", tracker.ErrAlreadyRunning),
	}}
	q := New(Config{}, runner, nil, nil, nil)

	q.Enqueue("t1", "x")
	q.runCycle(context.Background())

	if q.Len() != 1 {
		t.Fatalf("Len = %d, want the entry kept", q.Len())
	}

	if got := q.Snapshot()[0].RetryCount; got != 0 {
		t.Errorf("RetryCount = %d, want unchanged 0", got)
	}
}

func TestRemove(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := New(Config{}, &fakeRunner{}, nil, nil, nil)

	q.Enqueue("t1", "x")

	if !q.Remove("t1") {
		t.Error("Remove returned false for a queued task")
	}

	if q.Remove("t1") {
		t.Error("Remove returned true for an absent task")
	}

	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}
