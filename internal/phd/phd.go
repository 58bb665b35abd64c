// Package phd implements PulseHandler (spec.md §4.3): debounces a raw pulse
// source into a cumulative pulse total and a rolling 60-second
// pulses-per-minute estimate.
package phd

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/metermaid/internal/bus"
	"github.com/malbeclabs/metermaid/internal/status"
	"github.com/malbeclabs/metermaid/internal/tick"
)

const (
	ticksPerMinute  = 60_000
	debounceFactor  = 4
	windowAgeLimit  = tick.Ticks(60_000) // 60s, matches the 60s ppm window
	defaultPollRate = 20 * time.Millisecond
)

// PulseHandler debounces on_pulse calls and maintains the rolling window
// described in spec.md §4.3. Construct with New; the zero value is not
// usable.
type PulseHandler struct {
	log   *slog.Logger
	ticks *tick.Source
	clock clockwork.Clock

	debounceInterval tick.Ticks
	debounceDeadline tick.Deadline

	pending atomic.Int64
	sent    atomic.Int64
	ppmLast atomic.Int64

	windowMu   sync.Mutex
	window     []tick.Ticks
	head, tail int
	windowSize int

	storageMu sync.Mutex
	storage   *bus.Sink[struct{}]
	loadBus   *bus.Bus[*PulseHandler]

	pollInterval time.Duration

	closedMu sync.Mutex
	closed   bool
}

// New constructs a PulseHandler for a meter whose physically plausible
// maximum rate is maxPulsesPerMinute pulses/min. maxPulsesPerMinute must be
// nonzero: spec.md §9 flags the original's unchecked division by it and
// asks that the redesign "reject at construction" instead of crashing.
func New(log *slog.Logger, ticks *tick.Source, clock clockwork.Clock, maxPulsesPerMinute uint16) (*PulseHandler, error) {
	if maxPulsesPerMinute == 0 {
		return nil, status.New("phd.New", status.InvalidArgument, nil)
	}
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	windowSize := int(maxPulsesPerMinute) + 1
	p := &PulseHandler{
		log:              log.With("component", "phd"),
		ticks:            ticks,
		clock:            clock,
		debounceInterval: tick.Ticks(ticksPerMinute) / tick.Ticks(maxPulsesPerMinute) / debounceFactor,
		window:           make([]tick.Ticks, windowSize),
		windowSize:       windowSize,
		loadBus:          bus.New[*PulseHandler](bus.DefaultMaxSubscribers),
		pollInterval:     defaultPollRate,
	}
	return p, nil
}

// Close tears down the instance. Further public calls return InvalidHandle.
func (p *PulseHandler) Close() error {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()
	if p.closed {
		return status.New("phd.Close", status.InvalidHandle, nil)
	}
	p.closed = true
	return nil
}

func (p *PulseHandler) checkOpen(op string) error {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()
	if p.closed {
		return status.New(op, status.InvalidHandle, nil)
	}
	return nil
}

// OnPulse is the debounced pulse entry point, safe to call from whatever
// context stands in for the original interrupt handler. It is
// allocation-free: a single atomic debounce check, a short mutex-protected
// window update, and an atomic increment (spec.md §4.3/§5). It is not
// wait-free: the window update takes windowMu, so OnPulse waits while the
// worker's eviction pass holds that lock.
func (p *PulseHandler) OnPulse() {
	if !p.ticks.Expired(&p.debounceDeadline) {
		return
	}

	p.windowMu.Lock()
	p.window[p.head] = p.ticks.Now()
	p.head = (p.head + 1) % p.windowSize
	if p.head == p.tail {
		p.tail = (p.tail + 1) % p.windowSize // lose oldest
	}
	p.windowMu.Unlock()

	p.pending.Add(1)
	p.ticks.SetTimeout(&p.debounceDeadline, p.debounceInterval)
}

// Drain returns pulses accumulated since the last Drain and resets both the
// pending counter and the worker's "sent" edge-detection snapshot to zero.
func (p *PulseHandler) Drain() (uint32, error) {
	if err := p.checkOpen("PulseHandler.Drain"); err != nil {
		return 0, err
	}
	v := p.pending.Swap(0)
	p.sent.Store(0)
	return uint32(v), nil
}

// SetStorageSubscriber designates the single sink to be notified whenever
// drainable pulses become available (spec.md §4.3).
func (p *PulseHandler) SetStorageSubscriber(sink *bus.Sink[struct{}]) error {
	if err := p.checkOpen("PulseHandler.SetStorageSubscriber"); err != nil {
		return err
	}
	p.storageMu.Lock()
	defer p.storageMu.Unlock()
	p.storage = sink
	return nil
}

// AddLoadSubscriber registers sink to be notified whenever LoadPPM changes.
func (p *PulseHandler) AddLoadSubscriber(sink *bus.Sink[*PulseHandler]) error {
	if err := p.checkOpen("PulseHandler.AddLoadSubscriber"); err != nil {
		return err
	}
	return p.loadBus.Add(sink)
}

// RemoveLoadSubscriber unregisters sink.
func (p *PulseHandler) RemoveLoadSubscriber(sink *bus.Sink[*PulseHandler]) error {
	if err := p.checkOpen("PulseHandler.RemoveLoadSubscriber"); err != nil {
		return err
	}
	return p.loadBus.Remove(sink)
}

// LoadPPM returns the most recently computed pulses-per-minute rate.
func (p *PulseHandler) LoadPPM() (uint32, error) {
	if err := p.checkOpen("PulseHandler.LoadPPM"); err != nil {
		return 0, err
	}
	return uint32(p.ppmLast.Load()), nil
}

// Run drives the PHD worker loop (spec.md §4.3's "worker loop") until ctx
// is done: evicting aged window entries, recomputing pulses-per-minute, and
// firing load/storage subscribers on change.
func (p *PulseHandler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		p.tick()
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.pollInterval):
		}
	}
}

func (p *PulseHandler) tick() {
	now := p.ticks.Now()

	p.windowMu.Lock()
	for p.head != p.tail && now-p.window[p.tail] > windowAgeLimit {
		p.tail = (p.tail + 1) % p.windowSize
	}
	ppm := (p.head - p.tail + p.windowSize) % p.windowSize
	p.windowMu.Unlock()

	if int64(ppm) != p.ppmLast.Load() {
		p.ppmLast.Store(int64(ppm))
		dropped := p.loadBus.Fire(p)
		if dropped > 0 {
			p.log.Warn("dropped load-subscriber notifications", "dropped", dropped)
		}
	}

	pending := p.pending.Load()
	if p.sent.Load() != pending {
		p.sent.Store(pending)
		p.storageMu.Lock()
		sink := p.storage
		p.storageMu.Unlock()
		if sink != nil {
			if !sink.Send(struct{}{}) {
				p.log.Warn("dropped storage-subscriber notification")
			}
		}
	}
}
