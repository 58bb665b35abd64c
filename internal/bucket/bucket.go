// Package bucket implements BucketMemory (spec.md §4.4): a fixed-capacity
// ring of timestamped accumulator buckets that fetches pulses from an
// upstream producer on pulse-events, rolls its head on a rollover-event,
// and forwards pulse-events to a configured slave.
package bucket

import (
	"context"
	"log/slog"
	"sync"

	"github.com/malbeclabs/metermaid/internal/bus"
	"github.com/malbeclabs/metermaid/internal/status"
)

// Bucket is a single accumulator slot: the pulse count observed while it
// was at the head, and the wall-clock second it became the head.
type Bucket struct {
	Count         uint32
	TimestampSecs uint32
}

// FetchFunc retrieves newly available pulses from an upstream producer
// (a PulseHandler's Drain, or an upstream BucketMemory's DrainPending),
// matching spec.md §4.4's polymorphic fetch signature.
type FetchFunc func(ctx context.Context) (uint32, error)

// NowSecondsFunc supplies the wall-clock second stamped on a freshly
// rolled-over bucket (typically WallClock.Now).
type NowSecondsFunc func() int64

// Memory is one BucketMemory instance. Construct with New; the zero value
// is not usable.
type Memory struct {
	log     *slog.Logger
	nowSecs NowSecondsFunc

	ring ringState

	fetch FetchFunc

	slaveMu sync.Mutex
	slave   *bus.Sink[struct{}]

	pendingForSlave uint32
	pendingMu       sync.Mutex

	changeBus *bus.Bus[*Memory]

	pulseSink    *bus.Sink[struct{}]
	rolloverSink *bus.Sink[struct{}]

	closedMu sync.Mutex
	closed   bool
}

type ringState struct {
	mu         sync.Mutex
	buckets    []Bucket
	head, tail int
	capacity   int // N+1 slots; N retained buckets max
}

// New allocates a BucketMemory with room for n retained (completed) buckets
// (spec.md §3's BucketRing: N+1 slots, one reserved as a full/empty
// sentinel). nBuckets must be at least 1. The head bucket is stamped with
// nowSecs() immediately, per spec.md §4.4's create() contract, but it is
// only accumulating, not retained: CurrentCount() is 0 until the first
// rollover completes it.
func New(log *slog.Logger, nBuckets int, nowSecs NowSecondsFunc) (*Memory, error) {
	if nBuckets < 1 {
		return nil, status.New("bucket.New", status.InvalidArgument, nil)
	}
	if nowSecs == nil {
		return nil, status.New("bucket.New", status.InvalidArgument, nil)
	}
	if log == nil {
		log = slog.Default()
	}
	capacity := nBuckets + 1
	m := &Memory{
		log:     log.With("component", "bmm"),
		nowSecs: nowSecs,
		ring: ringState{
			buckets:  make([]Bucket, capacity),
			capacity: capacity,
		},
		changeBus: bus.New[*Memory](bus.DefaultMaxSubscribers),
	}
	m.ring.buckets[0].TimestampSecs = uint32(nowSecs())
	m.pulseSink = bus.NewSink[struct{}]()
	m.rolloverSink = bus.NewSink[struct{}]()
	return m, nil
}

// Close tears down the instance. Further public calls return InvalidHandle.
func (m *Memory) Close() error {
	m.closedMu.Lock()
	defer m.closedMu.Unlock()
	if m.closed {
		return status.New("bucket.Close", status.InvalidHandle, nil)
	}
	m.closed = true
	return nil
}

func (m *Memory) checkOpen(op string) error {
	m.closedMu.Lock()
	defer m.closedMu.Unlock()
	if m.closed {
		return status.New(op, status.InvalidHandle, nil)
	}
	return nil
}

// SetFetchFunc wires the upstream pulse source. Per spec.md §9's redesign
// note ("set once at construction and make immutable thereafter" to close
// the original's synchronization gap between BMM_pulseProcess and
// BMM_SetMeteringFunc), this must be called exactly once before
// RunPulseWorker, and
// the field is never written again afterward.
func (m *Memory) SetFetchFunc(fn FetchFunc) error {
	if err := m.checkOpen("bucket.SetFetchFunc"); err != nil {
		return err
	}
	if m.fetch != nil {
		return status.New("bucket.SetFetchFunc", status.InvalidArgument, nil)
	}
	m.fetch = fn
	return nil
}

// SetSlave wires the single downstream BucketMemory this instance forwards
// pulse-events to after crediting its own head bucket.
func (m *Memory) SetSlave(sink *bus.Sink[struct{}]) error {
	if err := m.checkOpen("bucket.SetSlave"); err != nil {
		return err
	}
	m.slaveMu.Lock()
	defer m.slaveMu.Unlock()
	m.slave = sink
	return nil
}

// AddChangeSubscriber registers sink to be notified on every rollover.
func (m *Memory) AddChangeSubscriber(sink *bus.Sink[*Memory]) error {
	if err := m.checkOpen("bucket.AddChangeSubscriber"); err != nil {
		return err
	}
	return m.changeBus.Add(sink)
}

// RemoveChangeSubscriber unregisters sink.
func (m *Memory) RemoveChangeSubscriber(sink *bus.Sink[*Memory]) error {
	if err := m.checkOpen("bucket.RemoveChangeSubscriber"); err != nil {
		return err
	}
	return m.changeBus.Remove(sink)
}

// PulseSink is this instance's pulse-event mailbox: feed it from an
// upstream producer's fanout (PulseHandler's storage subscriber, or a
// master BucketMemory's slave sink) to drive the pulse worker.
func (m *Memory) PulseSink() *bus.Sink[struct{}] { return m.pulseSink }

// RolloverSink is this instance's rollover-event mailbox: subscribe it to
// the matching WallClock edge (minute/hour/day) to drive the rollover
// worker.
func (m *Memory) RolloverSink() *bus.Sink[struct{}] { return m.rolloverSink }

// DrainPending is the critical-section read-reset of pending_for_slave
// (spec.md §4.4), called by a slave's FetchFunc.
func (m *Memory) DrainPending(ctx context.Context) (uint32, error) {
	if err := m.checkOpen("bucket.DrainPending"); err != nil {
		return 0, err
	}
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	n := m.pendingForSlave
	m.pendingForSlave = 0
	return n, nil
}

// CurrentCount reports the number of completed buckets retained, per
// spec.md §4.4: (head-tail) mod capacity. head is the currently-accumulating
// bucket and is never itself counted as retrievable history.
func (m *Memory) CurrentCount() (uint16, error) {
	if err := m.checkOpen("bucket.CurrentCount"); err != nil {
		return 0, err
	}
	m.ring.mu.Lock()
	defer m.ring.mu.Unlock()
	return uint16((m.ring.head - m.ring.tail + m.ring.capacity) % m.ring.capacity), nil
}

// Get returns the completed bucket at logical position i, where i=0 is the
// oldest retained (tail) bucket and i=count-1 is just-before-head. The
// currently-accumulating head bucket is never retrievable via Get.
func (m *Memory) Get(i int) (Bucket, error) {
	if err := m.checkOpen("bucket.Get"); err != nil {
		return Bucket{}, err
	}
	m.ring.mu.Lock()
	defer m.ring.mu.Unlock()
	count := (m.ring.head - m.ring.tail + m.ring.capacity) % m.ring.capacity
	if i < 0 || i >= count {
		return Bucket{}, status.New("bucket.Get", status.InvalidArgument, nil)
	}
	idx := (m.ring.tail + i) % m.ring.capacity
	return m.ring.buckets[idx], nil
}

// RunPulseWorker processes this instance's pulse mailbox until ctx is done
// (spec.md §4.4's pulse worker). On each message it fetches new pulses from
// the upstream producer, credits them to the head bucket and the
// slave-forwarding counter, and — if a slave is configured — forwards a
// pulse-event, in that order, so the slave-chaining invariant holds
// (spec.md §4.4: "a slave is notified after the fetch+accumulate step").
func (m *Memory) RunPulseWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.pulseSink.C():
			m.processPulse(ctx)
		}
	}
}

func (m *Memory) processPulse(ctx context.Context) {
	if m.fetch == nil {
		return
	}
	n, err := m.fetch(ctx)
	if err != nil {
		m.log.Warn("fetch failed", "error", err)
		return
	}
	if n == 0 {
		return
	}

	m.pendingMu.Lock()
	m.pendingForSlave += n
	m.pendingMu.Unlock()

	m.ring.mu.Lock()
	m.ring.buckets[m.ring.head].Count += n
	m.ring.mu.Unlock()

	m.slaveMu.Lock()
	slave := m.slave
	m.slaveMu.Unlock()
	if slave != nil {
		if !slave.Send(struct{}{}) {
			m.log.Warn("dropped pulse-event to slave, mailbox full")
		}
	}
}

// RunRolloverWorker processes this instance's rollover mailbox until ctx is
// done (spec.md §4.4's rollover worker): advancing head (evicting tail on
// wraparound, overwrite-oldest policy), stamping the new head, and fanning
// out to change subscribers.
func (m *Memory) RunRolloverWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.rolloverSink.C():
			m.rollover()
		}
	}
}

func (m *Memory) rollover() {
	m.ring.mu.Lock()
	m.ring.head = (m.ring.head + 1) % m.ring.capacity
	if m.ring.head == m.ring.tail {
		m.ring.tail = (m.ring.tail + 1) % m.ring.capacity // evict oldest retained bucket
	}
	m.ring.buckets[m.ring.head] = Bucket{TimestampSecs: uint32(m.nowSecs())}
	m.ring.mu.Unlock()

	dropped := m.changeBus.Fire(m)
	if dropped > 0 {
		m.log.Warn("dropped change-subscriber notifications", "dropped", dropped)
	}
}
