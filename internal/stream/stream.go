package stream

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/custody"
)

// Stream fan-outs custody events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch        chan custody.Event
	component common.Address
}

var _ custody.Sink = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. A non-zero component limits delivery to that schedule or lock.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, component common.Address) <-chan custody.Event {
	ch := make(chan custody.Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, component: component}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt custody.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.component != (common.Address{}) && sub.component != evt.Component {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Emit publishes evt; it never fails.
func (s *Stream) Emit(_ context.Context, evt custody.Event) error {
	evt.Amount = custody.Clone(evt.Amount)
	s.Publish(evt)
	return nil
}

// Subscribers reports the number of connected clients.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
