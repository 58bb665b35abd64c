package bucket

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malbeclabs/metermaid/internal/bus"
	"github.com/malbeclabs/metermaid/internal/status"
	"github.com/stretchr/testify/require"
)

func constNow(secs int64) NowSecondsFunc {
	return func() int64 { return secs }
}

func TestNew_RejectsZeroBuckets(t *testing.T) {
	_, err := New(nil, 0, constNow(0))
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.InvalidArgument, se.Kind)
}

// TestNew_StartsEmpty: the head bucket is stamped at construction but is
// only accumulating, never retained, so CurrentCount() is 0 and Get(0)
// fails until the first rollover completes a bucket (spec.md §4.4: "head is
// the currently accumulating bucket and [tail, head) are completed
// (read-only) buckets").
func TestNew_StartsEmpty(t *testing.T) {
	m, err := New(nil, 4, constNow(1000))
	require.NoError(t, err)
	count, err := m.CurrentCount()
	require.NoError(t, err)
	require.Equal(t, uint16(0), count)
	_, err = m.Get(0)
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.InvalidArgument, se.Kind)
}

// RingIdentity (spec.md §8 invariant #4): for a BMM with capacity N, after
// exactly N rollovers with no pulses, CurrentCount() == N and Get(i)
// succeeds for every i.
func TestRingIdentity_CountNeverExceedsCapacity(t *testing.T) {
	now := int64(0)
	const n = 3
	m, err := New(nil, n, func() int64 { return now })
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		now++
		m.rollover()
	}
	count, err := m.CurrentCount()
	require.NoError(t, err)
	require.Equal(t, uint16(n), count)
	for i := 0; i < n; i++ {
		_, err := m.Get(i)
		require.NoError(t, err)
	}

	// Further rollovers with no pulses never grow the count past N.
	for i := 0; i < 10; i++ {
		now++
		m.rollover()
		count, err := m.CurrentCount()
		require.NoError(t, err)
		require.Equal(t, uint16(n), count)
	}
}

// EvictionLaw (spec.md §8 invariant #5): after the (N+1)th rollover, the
// bucket that was at position 0 before the rollover is no longer
// retrievable, and the new Get(0) returns what was at position 1.
func TestEvictionLaw_OldestDropsFirst(t *testing.T) {
	now := int64(100)
	const n = 2
	m, err := New(nil, n, func() int64 { return now })
	require.NoError(t, err)

	now = 200
	m.rollover() // completes the construction-stamped bucket; count=1
	now = 300
	m.rollover() // completes the 200 bucket; count=2=N, ring full

	beforeTail, err := m.Get(0)
	require.NoError(t, err)
	beforeNext, err := m.Get(1)
	require.NoError(t, err)

	now = 400
	m.rollover() // the (N+1)th rollover: evicts position 0

	count, err := m.CurrentCount()
	require.NoError(t, err)
	require.Equal(t, uint16(n), count)

	afterTail, err := m.Get(0)
	require.NoError(t, err)
	require.Equal(t, beforeNext.TimestampSecs, afterTail.TimestampSecs)
	require.NotEqual(t, beforeTail.TimestampSecs, afterTail.TimestampSecs)
}

func TestGet_OutOfRangeRejected(t *testing.T) {
	m, err := New(nil, 2, constNow(0))
	require.NoError(t, err)
	_, err = m.Get(5)
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.InvalidArgument, se.Kind)
}

// headCount reads a still-accumulating head bucket's count directly, since
// Get/CurrentCount never expose the head (spec.md §4.4: only [tail, head)
// is retrievable).
func headCount(m *Memory) uint32 {
	m.ring.mu.Lock()
	defer m.ring.mu.Unlock()
	return m.ring.buckets[m.ring.head].Count
}

// ChainConservation (spec.md §8 invariant #6): pulses fetched by a master
// are added to the master's own pending-for-slave counter, which the
// slave's FetchFunc drains via DrainPending, and the slave's
// own head bucket count only grows once the slave's pulse worker processes
// the forwarded event.
func TestChainConservation_MasterToSlave(t *testing.T) {
	now := int64(0)
	nowFn := func() int64 { return now }

	master, err := New(nil, 4, nowFn)
	require.NoError(t, err)
	slave, err := New(nil, 4, nowFn)
	require.NoError(t, err)

	var upstreamPulses atomic.Int64
	upstreamPulses.Store(3)
	require.NoError(t, master.SetFetchFunc(func(ctx context.Context) (uint32, error) {
		return uint32(upstreamPulses.Swap(0)), nil
	}))
	require.NoError(t, slave.SetFetchFunc(func(ctx context.Context) (uint32, error) {
		return master.DrainPending(ctx)
	}))
	require.NoError(t, master.SetSlave(slave.PulseSink()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = master.RunPulseWorker(ctx) }()
	go func() { _ = slave.RunPulseWorker(ctx) }()

	master.pulseSink.Send(struct{}{}) // simulate PHD firing a pulse-event

	require.Eventually(t, func() bool {
		return headCount(master) == 3
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return headCount(slave) == 3
	}, time.Second, time.Millisecond)
}

// TimestampMonotonicity: successive rollovers stamp non-decreasing
// TimestampSecs values on each new head. Get never exposes the head, so
// each check reads the bucket the rollover just completed (Get(count-1)).
func TestTimestampMonotonicity(t *testing.T) {
	now := int64(500)
	m, err := New(nil, 5, func() int64 { return now })
	require.NoError(t, err)

	var last uint32
	for i := 0; i < 5; i++ {
		now += int64(i + 1)
		m.rollover()
		count, err := m.CurrentCount()
		require.NoError(t, err)
		head, err := m.Get(int(count) - 1)
		require.NoError(t, err)
		require.GreaterOrEqual(t, head.TimestampSecs, last)
		last = head.TimestampSecs
	}
}

func TestAddRemoveChangeSubscriber(t *testing.T) {
	now := int64(0)
	m, err := New(nil, 3, func() int64 { return now })
	require.NoError(t, err)

	sink := bus.NewSink[*Memory]()
	require.NoError(t, m.AddChangeSubscriber(sink))

	now = 60
	m.rollover()
	select {
	case got := <-sink.C():
		require.Same(t, m, got)
	default:
		t.Fatal("expected change notification after rollover")
	}

	require.NoError(t, m.RemoveChangeSubscriber(sink))
	err = m.RemoveChangeSubscriber(sink)
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.NotFound, se.Kind)
}

func TestRolloverWorker_DrivenByRolloverSink(t *testing.T) {
	now := int64(0)
	m, err := New(nil, 3, func() int64 { return now })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.RunRolloverWorker(ctx) }()

	now = 60
	m.rolloverSink.Send(struct{}{})

	require.Eventually(t, func() bool {
		count, err := m.CurrentCount()
		return err == nil && count == 1
	}, time.Second, time.Millisecond)
}

func TestMemory_ClosedReturnsInvalidHandle(t *testing.T) {
	m, err := New(nil, 3, constNow(0))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.CurrentCount()
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.InvalidHandle, se.Kind)
}

func TestSetFetchFunc_RejectsSecondCall(t *testing.T) {
	m, err := New(nil, 3, constNow(0))
	require.NoError(t, err)
	require.NoError(t, m.SetFetchFunc(func(ctx context.Context) (uint32, error) { return 0, nil }))

	err = m.SetFetchFunc(func(ctx context.Context) (uint32, error) { return 0, nil })
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.InvalidArgument, se.Kind)
}
