// Package wallclock implements WallClock (spec.md §4.2): a monotonic
// wall-clock second counter derived from an external RTC, emitting edge
// events on second/minute/hour/day rollover to registered clients.
package wallclock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/metermaid/internal/status"
	"github.com/malbeclabs/metermaid/internal/tick"
)

// Edge names the rollover granularities a client may subscribe to.
type Edge int

const (
	EdgeSecond Edge = iota
	EdgeMinute
	EdgeHour
	EdgeDay
)

func (e Edge) String() string {
	switch e {
	case EdgeSecond:
		return "second"
	case EdgeMinute:
		return "minute"
	case EdgeHour:
		return "hour"
	case EdgeDay:
		return "day"
	default:
		return "unknown"
	}
}

// Fields is a broken-down date/time as read from (or written to) the RTC,
// in local (CET/CEST) wall-clock time. DOW is 0 (Sunday) .. 6 (Saturday),
// matching spec.md §6's internal convention (the hardware's 1..7 encoding
// is an RTCReader/RTCWriter implementation detail).
type Fields struct {
	Sec, Min, Hour, Day, Month, Year, DOW int
}

// RTCReader is the external RTC hardware read seam (spec.md §1: out of
// scope, specified only at its interface).
type RTCReader interface {
	Read(ctx context.Context) (Fields, error)
}

// RTCWriter is the external RTC hardware write seam used by the resync
// state machine (spec.md §4.2).
type RTCWriter interface {
	Write(ctx context.Context, f Fields) error
}

// resyncState is the Booted/Synchronizing/Waiting machine of spec.md §4.2
// for committing an external time source (e.g. NTP, out of scope) back to
// the RTC.
type resyncState int

const (
	resyncBooted resyncState = iota
	resyncSynchronizing
	resyncWaiting
)

// plausibleEpochFloor is spec.md §4.2's "> 0x4000_0000" plausibility gate
// (roughly the year 2004), carried from original_source's boot check.
const plausibleEpochFloor = 0x4000_0000

const resyncRearmDelay = tick.Ticks(60 * 60 * 1000) // 1 hour, in ticks (ms)

type subscription struct {
	edge Edge
	ctx  any
	ch   chan any
}

// WallClock is the singleton wall-clock subsystem. Construct with New;
// calling New twice without an intervening Close returns DoubleInit
// (spec.md §7), per §9's "encapsulate inside a singleton owned by a single
// initialization call; add a one-shot guard" redesign note.
type WallClock struct {
	log   *slog.Logger
	clock clockwork.Clock
	rtc   RTCReader
	wtr   RTCWriter
	ticks *tick.Source

	mu           sync.Mutex
	subs         []*subscription
	maxSubs      int
	lastReported int64 // UTC seconds-since-epoch, monotonically clamped
	haveReading  bool
	closed       bool

	resync         resyncState
	resyncDeadline tick.Deadline
	pendingExternal int64
	havePending     bool
}

var initialized atomicBool

// New constructs the WallClock singleton. rtc must not be nil; clock
// defaults to a real clock when nil.
func New(log *slog.Logger, rtc RTCReader, wtr RTCWriter, clock clockwork.Clock) (*WallClock, error) {
	if rtc == nil {
		return nil, status.New("wallclock.New", status.InvalidArgument, nil)
	}
	if !initialized.CompareAndSwap(false, true) {
		return nil, status.New("wallclock.New", status.DoubleInit, nil)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	w := &WallClock{
		log:     log.With("component", "wallclock"),
		clock:   clock,
		rtc:     rtc,
		wtr:     wtr,
		ticks:   tick.NewSource(clock),
		maxSubs: 15, // spec.md §4.5: 15 subscriber slots for WallClock.
		resync:  resyncBooted,
	}
	return w, nil
}

// Close tears down the singleton guard so a new WallClock may be created.
// Per spec.md §3's lifecycle rule, further calls on w fail InvalidHandle.
func (w *WallClock) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return status.New("wallclock.Close", status.InvalidHandle, nil)
	}
	w.closed = true
	initialized.Store(false)
	return nil
}

func (w *WallClock) checkOpen(op string) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return status.New(op, status.InvalidHandle, nil)
	}
	return nil
}

// AddClient registers ctx to be delivered on every occurrence of edge. The
// returned channel is the client's mailbox (capacity 1; sends never
// block). Remove with RemoveClient using the same channel.
func (w *WallClock) AddClient(edge Edge, ctx any) (<-chan any, error) {
	if err := w.checkOpen("WallClock.AddClient"); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.subs) >= w.maxSubs {
		return nil, status.New("WallClock.AddClient", status.NoFreeSlot, nil)
	}
	sub := &subscription{edge: edge, ctx: ctx, ch: make(chan any, 1)}
	w.subs = append(w.subs, sub)
	return sub.ch, nil
}

// RemoveClient unregisters the subscription owning ch.
func (w *WallClock) RemoveClient(ch <-chan any) error {
	if err := w.checkOpen("WallClock.RemoveClient"); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, s := range w.subs {
		if (<-chan any)(s.ch) == ch {
			w.subs = append(w.subs[:i], w.subs[i+1:]...)
			return nil
		}
	}
	return status.New("WallClock.RemoveClient", status.NotFound, nil)
}

func (w *WallClock) fireLocked(edge Edge) {
	for _, s := range w.subs {
		if s.edge != edge {
			continue
		}
		select {
		case s.ch <- s.ctx:
		default:
			w.log.Warn("dropped edge, subscriber mailbox full", "edge", edge.String())
		}
	}
}

// Now returns the last reported UTC seconds-since-epoch value.
func (w *WallClock) Now() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReported
}

// Run polls the RTC at 10Hz until ctx is done, firing edge events as
// second/minute/hour/day boundaries are crossed (spec.md §4.2).
func (w *WallClock) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			w.poll(ctx)
		}
	}
}

func (w *WallClock) poll(ctx context.Context) {
	fields, err := w.readConsistent(ctx)
	if err != nil {
		w.log.Warn("rtc read failed", "error", err)
		return
	}

	offset := localOffsetSeconds(fields.Month, fields.Day, fields.Hour, fields.DOW)
	secs := fieldsToSeconds(fields) - int64(offset)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.haveReading && secs < w.lastReported {
		// Clamp: a backward jump is a transient RTC-read glitch, not a
		// real regression (spec.md §4.2 step 3; preserved per §9).
		secs = w.lastReported
	}
	prev := w.lastReported
	hadReading := w.haveReading
	w.lastReported = secs
	w.haveReading = true

	if !hadReading {
		return
	}
	if secs == prev {
		return
	}
	if secs/86400 != prev/86400 {
		w.fireLocked(EdgeDay)
	}
	if secs/3600 != prev/3600 {
		w.fireLocked(EdgeHour)
	}
	if secs/60 != prev/60 {
		w.fireLocked(EdgeMinute)
	}
	w.fireLocked(EdgeSecond)
}

// readConsistent implements spec.md §4.2 step 1: read RTC fields with a
// mins-before/mins-after self-consistency loop, rejecting readings that
// straddle a minute rollover, retried up to 5 times at a constant 5ms
// backoff (teacher
// pattern: controlplane/telemetry/pkg/epoch.getSlotWithRetry).
func (w *WallClock) readConsistent(ctx context.Context) (Fields, error) {
	var result Fields
	op := func() error {
		before, err := w.rtc.Read(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		after, err := w.rtc.Read(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if before.Min != after.Min {
			return errInconsistentRead
		}
		result = after
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 5)
	if err := backoff.Retry(op, b); err != nil {
		return Fields{}, err
	}
	return result, nil
}

// ObserveExternalTime feeds a seconds-since-epoch reading from an external
// time source (e.g. NTP; out of scope per spec.md §1) into the resync
// state machine of spec.md §4.2.
func (w *WallClock) ObserveExternalTime(ctx context.Context, secs int64) error {
	if err := w.checkOpen("WallClock.ObserveExternalTime"); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.resync {
	case resyncBooted:
		if secs > plausibleEpochFloor {
			w.resync = resyncSynchronizing
			w.pendingExternal = secs
			w.havePending = true
		}
	case resyncSynchronizing:
		if w.havePending && secs != w.pendingExternal {
			f := secondsToFields(w.pendingExternal + int64(localOffsetFromUTC(w.pendingExternal)))
			if w.wtr != nil {
				if err := w.wtr.Write(ctx, f); err != nil {
					return err
				}
			}
			w.ticks.SetTimeout(&w.resyncDeadline, resyncRearmDelay)
			w.resync = resyncWaiting
		}
		w.pendingExternal = secs
		w.havePending = true
	case resyncWaiting:
		if w.ticks.Expired(&w.resyncDeadline) {
			w.resync = resyncSynchronizing
			w.pendingExternal = secs
			w.havePending = true
		}
	}
	return nil
}

// localOffsetFromUTC iterates the DST rule against the UTC-based broken
// down fields to recover the CET/CEST offset that should be applied when
// writing local time back to the RTC.
func localOffsetFromUTC(utcSecs int64) int {
	f := secondsToFields(utcSecs)
	return localOffsetSeconds(f.Month, f.Day, f.Hour, f.DOW)
}

// LocalOffsetForUTC exports localOffsetFromUTC for the rtc package's fake
// RTC, which needs to synthesize plausible local CET/CEST broken-down
// fields from a UTC clock reading.
func LocalOffsetForUTC(utcSecs int64) int {
	return localOffsetFromUTC(utcSecs)
}

// LocalOffsetFromFields exports localOffsetSeconds for the rtc package's
// fake RTC, which needs to convert a local broken-down reading it is given
// (via Write) back into a UTC instant using the same rule poll() uses.
func LocalOffsetFromFields(month, day, hour, dow int) int {
	return localOffsetSeconds(month, day, hour, dow)
}
