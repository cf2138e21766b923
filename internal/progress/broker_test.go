package progress

import (
	"testing"
	"time"
)

const testTaskID = "task-1"

func receiveEvent(t *testing.T, ch <-chan Event) (Event, bool) {
	t.Helper()

	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress event")

		return Event{}, false
	}
}

func TestBrokerDeliversInOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	broker := NewBroker(8, nil)
	defer broker.Close()

	ch, cancel := broker.Subscribe(testTaskID)
	defer cancel()

	for _, p := range []int{0, 5, 25, 99} {
		broker.Publish(testTaskID, p)
	}

	for _, want := range []int{0, 5, 25, 99} {
		ev, ok := receiveEvent(t, ch)
		if !ok {
			t.Fatal("channel closed before all events arrived")
		}

		if ev.Progress != want {
			t.Errorf("Progress = %d, want %d", ev.Progress, want)
		}

		if ev.TaskID != testTaskID {
			t.Errorf("TaskID = %q, want %q", ev.TaskID, testTaskID)
		}
	}
}

func TestBrokerTerminalClosesSubscription(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	broker := NewBroker(8, nil)
	defer broker.Close()

	ch, cancel := broker.Subscribe(testTaskID)
	defer cancel()

	broker.Publish(testTaskID, 50)
	broker.Publish(testTaskID, Done)

	ev, ok := receiveEvent(t, ch)
	if !ok || ev.Progress != 50 {
		t.Fatalf("first event = %+v (ok=%v), want progress 50", ev, ok)
	}

	ev, ok = receiveEvent(t, ch)
	if !ok || ev.Progress != Done {
		t.Fatalf("second event = %+v (ok=%v), want terminal 100", ev, ok)
	}

	if _, ok := receiveEvent(t, ch); ok {
		t.Error("expected channel closed after terminal event")
	}

	if got := broker.SubscriberCount(testTaskID); got != 0 {
		t.Errorf("SubscriberCount = %d after terminal, want 0", got)
	}
}

func TestBrokerDropOldestKeepsTerminal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	broker := NewBroker(2, nil)
	defer broker.Close()

	// Nobody reads until every emission is in: the buffer of two must shed
	// the oldest intermediates and still deliver the terminal event.
	ch, cancel := broker.Subscribe(testTaskID)
	defer cancel()

	for _, p := range []int{0, 10, 20, 30, 40} {
		broker.Publish(testTaskID, p)
	}

	broker.Publish(testTaskID, Failed)

	var received []int

	for {
		ev, ok := receiveEvent(t, ch)
		if !ok {
			break
		}

		received = append(received, ev.Progress)
	}

	if len(received) == 0 || received[len(received)-1] != Failed {
		t.Fatalf("received %v, want the terminal -1 as the last event", received)
	}

	if len(received) > 2 {
		t.Errorf("received %d events through a buffer of 2", len(received))
	}
}

func TestBrokerCancelIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	broker := NewBroker(4, nil)
	defer broker.Close()

	ch, cancel := broker.Subscribe(testTaskID)

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after cancel")
	}

	// Publishing to a task with no subscribers must not panic.
	broker.Publish(testTaskID, 42)
}

func TestBrokerIsolatesTasks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	broker := NewBroker(4, nil)
	defer broker.Close()

	chA, cancelA := broker.Subscribe("task-a")
	defer cancelA()

	chB, cancelB := broker.Subscribe("task-b")
	defer cancelB()

	broker.Publish("task-a", 30)

	ev, ok := receiveEvent(t, chA)
	if !ok || ev.Progress != 30 {
		t.Fatalf("task-a event = %+v (ok=%v), want progress 30", ev, ok)
	}

	select {
	case ev := <-chB:
		t.Errorf("task-b received foreign event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
