package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/matsushun1/inventory"
)

// RecordingSubscriber is an inventory.Subscriber that keeps every event
// it receives. It can be told to fail, to exercise delivery retries.
type RecordingSubscriber struct {
	name string

	mu       sync.Mutex
	events   []inventory.Event
	failures []error
	notify   chan struct{}
}

// NewRecordingSubscriber creates a subscriber with the given name.
func NewRecordingSubscriber(name string) *RecordingSubscriber {
	return &RecordingSubscriber{name: name, notify: make(chan struct{}, 1)}
}

// Name implements inventory.Subscriber.
func (s *RecordingSubscriber) Name() string { return s.name }

// FailNext queues errors returned by the next Handle calls. A failed
// delivery is not recorded.
func (s *RecordingSubscriber) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Handle implements inventory.Subscriber.
func (s *RecordingSubscriber) Handle(ctx context.Context, event inventory.Event) error {
	s.mu.Lock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return err
	}
	s.events = append(s.events, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Events returns the delivered events in delivery order.
func (s *RecordingSubscriber) Events() []inventory.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.Event(nil), s.events...)
}

// Count returns the number of delivered events.
func (s *RecordingSubscriber) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// WaitFor blocks until at least n events were delivered or the timeout
// passes, and reports whether n was reached.
func (s *RecordingSubscriber) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if s.Count() >= n {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return s.Count() >= n
		}
	}
}

var _ inventory.Subscriber = (*RecordingSubscriber)(nil)
