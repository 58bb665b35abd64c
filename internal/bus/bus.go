// Package bus implements the small per-producer publish/subscribe fanout
// described in spec.md §4.5 and redesigned per §9: rather than "one mailbox
// per task per subscriber" keyed by a numeric PID, each producer owns a
// bounded list of typed Sinks (sendable channel handles), and each
// subscriber holds one receiver end.
//
// Events are edge notifications, not snapshots (spec.md §4.5): a dropped or
// coalesced send is tolerable because the subscriber re-reads producer
// state on its next wakeup. A Sink's channel therefore has capacity 1 and
// Fire never blocks.
package bus

import (
	"sync"

	"github.com/malbeclabs/metermaid/internal/status"
)

// DefaultMaxSubscribers is spec.md's MAX_EVENTS (5 per producer).
const DefaultMaxSubscribers = 5

// WallClockMaxSubscribers is the larger bound spec.md §4.5 carves out for
// WallClock specifically (15 subscribers across second/minute/hour/day).
const WallClockMaxSubscribers = 15

// Sink is one subscriber's mailbox. The zero value is not usable; construct
// with NewSink.
type Sink[T any] struct {
	ch chan T
}

// NewSink allocates a subscriber mailbox. Capacity 1 matches the "message
// payload is a single machine word, sends are non-blocking" mailbox model
// of spec.md §5: at most one pending edge is retained per subscriber.
func NewSink[T any]() *Sink[T] {
	return &Sink[T]{ch: make(chan T, 1)}
}

// C returns the receive end a subscriber task selects/ranges on.
func (s *Sink[T]) C() <-chan T { return s.ch }

// send is non-blocking: if the mailbox is full the message is dropped,
// exactly as spec.md §5 permits.
func (s *Sink[T]) send(payload T) bool {
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

// Send delivers payload directly to a single sink, for producers (like PHD's
// single storage subscriber, or a BMM's single slave) that address one
// destination rather than fanning out through a Bus. Returns false if the
// mailbox was full and the message was dropped.
func (s *Sink[T]) Send(payload T) bool {
	return s.send(payload)
}

// Bus is a bounded subscriber list owned by one producer (PHD, WallClock,
// or BMM instance).
type Bus[T any] struct {
	mu   sync.Mutex
	subs []*Sink[T]
	max  int
}

// New constructs a Bus with room for max subscribers.
func New[T any](max int) *Bus[T] {
	if max <= 0 {
		max = DefaultMaxSubscribers
	}
	return &Bus[T]{max: max}
}

// Add registers sink, failing NoFreeSlot once max subscribers are already
// registered (spec.md §4.5).
func (b *Bus[T]) Add(sink *Sink[T]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= b.max {
		return status.New("Bus.Add", status.NoFreeSlot, nil)
	}
	b.subs = append(b.subs, sink)
	return nil
}

// Remove unregisters sink, failing NotFound if it was never added or was
// already removed (spec.md §4.5).
func (b *Bus[T]) Remove(sink *Sink[T]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sink {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return nil
		}
	}
	return status.New("Bus.Remove", status.NotFound, nil)
}

// Fire sends payload to every registered subscriber and returns the number
// of sends dropped because a subscriber's mailbox was full. A drop is not
// an error (spec.md §7): the next wakeup re-reads ground truth.
func (b *Bus[T]) Fire(payload T) (dropped int) {
	b.mu.Lock()
	subs := make([]*Sink[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if !s.send(payload) {
			dropped++
		}
	}
	return dropped
}

// Len reports the number of currently registered subscribers (test/metrics
// convenience, not part of the original API).
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
