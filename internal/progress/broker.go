// Package progress fans per-task progress events out to subscribers. Each
// subscriber owns a bounded buffer; when it fills, the oldest pending event
// is dropped to make room, except that terminal events (100 and -1) are
// never dropped. After a terminal event the task's subscriptions are closed
// and removed: the terminal event is always the last one delivered.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Terminal progress values. Everything in [0,99] is an intermediate
// emission of a running task.
const (
	// Done marks a successfully completed run.
	Done = 100

	// Failed marks a failed or cancelled run.
	Failed = -1
)

// defaultBufferSize bounds each subscriber's pending-event buffer.
const defaultBufferSize = 64

type (
	// Event is one progress emission for one task.
	Event struct {
		TaskID    string    `json:"taskId"`
		Progress  int       `json:"progress"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Broker is the process-wide progress fan-out. Publish never blocks on
	// slow subscribers.
	Broker struct {
		logger     *slog.Logger
		bufferSize int

		mu          sync.Mutex
		subscribers map[string][]*subscriber
		closed      bool
	}

	// subscriber serializes sends and close on its channel: consumers only
	// ever receive, so guarding the producing side with one mutex is enough
	// to keep delivery ordered and close race-free.
	subscriber struct {
		mu     sync.Mutex
		ch     chan Event
		closed bool
	}
)

// NewBroker creates a progress broker. bufferSize <= 0 selects the default
// of 64 pending events per subscriber.
func NewBroker(bufferSize int, logger *slog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		logger:      logger.With("component", "progress"),
		bufferSize:  bufferSize,
		subscribers: make(map[string][]*subscriber),
	}
}

// Subscribe registers for taskID's events. The returned channel closes
// after the task's terminal event or when cancel is called; cancel is
// idempotent and must be called when the consumer goes away.
func (b *Broker) Subscribe(taskID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		close(sub.ch)

		return sub.ch, func() {}
	}

	b.subscribers[taskID] = append(b.subscribers[taskID], sub)
	b.mu.Unlock()

	cancel := func() {
		b.unsubscribe(taskID, sub)
	}

	return sub.ch, cancel
}

// Publish delivers a progress value to every subscriber of taskID. Terminal
// values (100, -1) close the task's subscriptions after delivery and are
// never dropped; intermediate values evict the subscriber's oldest pending
// event when its buffer is full.
func (b *Broker) Publish(taskID string, progress int) {
	event := Event{
		TaskID:    taskID,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	}

	terminal := progress == Done || progress == Failed

	b.mu.Lock()

	subs := b.subscribers[taskID]
	if terminal {
		delete(b.subscribers, taskID)
	}

	b.mu.Unlock()

	dropped := 0

	for _, sub := range subs {
		dropped += sub.send(event)

		if terminal {
			sub.close()
		}
	}

	if dropped > 0 {
		b.logger.Debug("slow subscribers dropped oldest pending events",
			"task_id", taskID,
			"dropped", dropped,
		)
	}
}

// SubscriberCount reports the live subscriptions for taskID.
func (b *Broker) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subscribers[taskID])
}

// Close shuts the broker down, closing every open subscription. Publish
// becomes a no-op afterwards.
func (b *Broker) Close() {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return
	}

	b.closed = true
	subscribers := b.subscribers
	b.subscribers = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, subs := range subscribers {
		for _, sub := range subs {
			sub.close()
		}
	}
}

func (b *Broker) unsubscribe(taskID string, target *subscriber) {
	b.mu.Lock()

	subs := b.subscribers[taskID]
	for i, sub := range subs {
		if sub == target {
			b.subscribers[taskID] = append(subs[:i], subs[i+1:]...)

			break
		}
	}

	if len(b.subscribers[taskID]) == 0 {
		delete(b.subscribers, taskID)
	}

	b.mu.Unlock()

	target.close()
}

// send queues event without blocking, evicting the oldest pending events
// while the buffer is full. Returns the number of events dropped.
func (s *subscriber) send(event Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	dropped := 0

	for {
		select {
		case s.ch <- event:
			return dropped
		default:
		}

		select {
		case <-s.ch:
			dropped++
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)
}
