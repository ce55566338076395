package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payout-sync/domain"
)

// MemoryLog is an in-process log with per-topic offsets. It records every
// published event for assertions and can serve subscribers.
type MemoryLog struct {
	mu      sync.Mutex
	topics  map[string][]Delivery
	err     error
	changed chan struct{}
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{topics: make(map[string][]Delivery), changed: make(chan struct{})}
}

// FailWith makes every Publish fail with err until cleared with nil.
func (l *MemoryLog) FailWith(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// Publish encodes ev and appends it to topic.
func (l *MemoryLog) Publish(ctx context.Context, topic string, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" {
		return fmt.Errorf("%w: empty topic", domain.ErrValidation)
	}
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	l.mu.Lock()
	fail := l.err
	l.mu.Unlock()
	if fail != nil {
		return fail
	}
	l.Append(topic, ev.Subject(), payload)
	return nil
}

// Append writes a raw entry to topic and returns its offset.
func (l *MemoryLog) Append(topic, key string, value []byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	offset := int64(len(l.topics[topic]))
	l.topics[topic] = append(l.topics[topic], Delivery{
		Topic:  topic,
		Offset: offset,
		Key:    key,
		Value:  value,
		Time:   time.Now().UTC(),
	})
	close(l.changed)
	l.changed = make(chan struct{})
	return offset
}

// Events decodes every entry of topic in append order. Entries that do not
// decode are skipped.
func (l *MemoryLog) Events(topic string) []domain.Event {
	l.mu.Lock()
	entries := append([]Delivery(nil), l.topics[topic]...)
	l.mu.Unlock()
	out := make([]domain.Event, 0, len(entries))
	for _, d := range entries {
		if ev, err := Decode(d.Value); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of entries in topic.
func (l *MemoryLog) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.topics[topic])
}

func (l *MemoryLog) entry(topic string, offset int64) (Delivery, bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.topics[topic]
	if offset < int64(len(entries)) {
		return entries[offset], true, nil
	}
	return Delivery{}, false, l.changed
}

// Subscribe returns a single-member subscriber reading topic from its start.
func (l *MemoryLog) Subscribe(topic string) *MemorySubscriber {
	return &MemorySubscriber{log: l, topic: topic}
}

// MemorySubscriber reads one topic of a MemoryLog. Fetch walks forward from
// the last fetched entry; Commit records the group position.
type MemorySubscriber struct {
	log   *MemoryLog
	topic string

	mu        sync.Mutex
	next      int64
	committed int64
	closed    bool
}

func (s *MemorySubscriber) Fetch(ctx context.Context) (Delivery, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Delivery{}, fmt.Errorf("subscriber closed")
		}
		next := s.next
		s.mu.Unlock()

		d, ok, wait := s.log.entry(s.topic, next)
		if ok {
			s.mu.Lock()
			s.next = next + 1
			s.mu.Unlock()
			return d, nil
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-wait:
		}
	}
}

func (s *MemorySubscriber) Commit(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Offset+1 > s.committed {
		s.committed = d.Offset + 1
	}
	return nil
}

// Committed returns the offset of the next entry the group would resume at.
func (s *MemorySubscriber) Committed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Rewind moves the read cursor back to the committed position, as a
// restarted group member would.
func (s *MemorySubscriber) Rewind() {
	s.mu.Lock()
	s.next = s.committed
	s.mu.Unlock()
}

func (s *MemorySubscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
