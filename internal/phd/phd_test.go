package phd

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/metermaid/internal/bus"
	"github.com/malbeclabs/metermaid/internal/status"
	"github.com/malbeclabs/metermaid/internal/tick"
	"github.com/stretchr/testify/require"
)

func newTestPHD(t *testing.T, fc *clockwork.FakeClock, maxPPM uint16) (*PulseHandler, *tick.Source) {
	t.Helper()
	ts := tick.NewSource(fc)
	p, err := New(nil, ts, fc, maxPPM)
	require.NoError(t, err)
	return p, ts
}

func TestNew_RejectsZeroMaxPPM(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ts := tick.NewSource(fc)
	_, err := New(nil, ts, fc, 0)
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.InvalidArgument, se.Kind)
}

// S1/S2 from spec.md §8: max_ppm=70 gives a 214ms debounce interval; pulses
// at t=0, t=100ms, t=215ms yield pending 0->1->1->2. The test drains after
// the first pulse, so each of its two Drain calls returns 1.
func TestOnPulse_DebounceFloor(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p, _ := newTestPHD(t, fc, 70)
	require.Equal(t, tick.Ticks(214), p.debounceInterval)

	p.OnPulse()
	pending, err := p.Drain()
	require.NoError(t, err)
	require.Equal(t, uint32(1), pending)

	fc.Advance(100 * time.Millisecond)
	p.OnPulse() // within debounce interval: ignored
	fc.Advance(115 * time.Millisecond) // total 215ms since first pulse
	p.OnPulse() // now accepted

	pending, err = p.Drain()
	require.NoError(t, err)
	require.Equal(t, uint32(1), pending)
}

func TestOnPulse_NoLostPulsesAboveDebounceInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p, _ := newTestPHD(t, fc, 70)

	for i := 0; i < 5; i++ {
		p.OnPulse()
		fc.Advance(300 * time.Millisecond) // well above the 214ms floor
	}

	pending, err := p.Drain()
	require.NoError(t, err)
	require.Equal(t, uint32(5), pending)
}

func TestWorker_LoadPPMSlidingWindow(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p, _ := newTestPHD(t, fc, 70)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	for i := 0; i < 10; i++ {
		p.OnPulse()
		fc.Advance(1 * time.Second)
		fc.BlockUntil(1)
	}

	require.Eventually(t, func() bool {
		ppm, err := p.LoadPPM()
		return err == nil && ppm == 10
	}, time.Second, time.Millisecond)

	// Let 61s elapse with no further pulses: window should drain to 0.
	fc.Advance(61 * time.Second)
	fc.BlockUntil(1)

	require.Eventually(t, func() bool {
		ppm, err := p.LoadPPM()
		return err == nil && ppm == 0
	}, time.Second, time.Millisecond)
}

func TestWorker_StorageSubscriberFiresOnPending(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p, _ := newTestPHD(t, fc, 70)

	sink := bus.NewSink[struct{}]()
	require.NoError(t, p.SetStorageSubscriber(sink))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	p.OnPulse()

	select {
	case <-sink.C():
	case <-time.After(time.Second):
		t.Fatal("expected a storage-subscriber notification")
	}
}

func TestWorker_LoadSubscriberFanout(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p, _ := newTestPHD(t, fc, 70)

	sinks := make([]*bus.Sink[*PulseHandler], 3)
	for i := range sinks {
		sinks[i] = bus.NewSink[*PulseHandler]()
		require.NoError(t, p.AddLoadSubscriber(sinks[i]))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	p.OnPulse()

	for _, s := range sinks {
		select {
		case got := <-s.C():
			require.Same(t, p, got)
		case <-time.After(time.Second):
			t.Fatal("expected a load-subscriber notification")
		}
	}
}

func TestPulseHandler_ClosedReturnsInvalidHandle(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p, _ := newTestPHD(t, fc, 70)
	require.NoError(t, p.Close())

	_, err := p.Drain()
	require.Error(t, err)
	var se *status.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.InvalidHandle, se.Kind)

	err = p.Close()
	require.Error(t, err)
	require.ErrorAs(t, err, &se)
	require.Equal(t, status.InvalidHandle, se.Kind)
}
