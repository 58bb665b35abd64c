// Package rtc is the RTC hardware seam named out of scope by spec.md §1:
// it supplies an in-memory RTCReader/RTCWriter fake driven by a
// clockwork.Clock, for tests and the demo agent, with no real register
// I/O.
package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/metermaid/internal/wallclock"
)

// Fake is an in-memory RTCReader/RTCWriter backed by a clockwork.Clock.
// Read derives broken-down fields from the clock's current UTC time unless
// an explicit override has been set via Write or Set.
type Fake struct {
	clock clockwork.Clock

	mu       sync.Mutex
	override *time.Time
}

// New constructs a Fake RTC tracking clock.
func New(clock clockwork.Clock) *Fake {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Fake{clock: clock}
}

// Read implements wallclock.RTCReader. It reports local CET/CEST
// broken-down fields, as real RTC hardware would, derived from the
// underlying clock's UTC time plus the same DST rule WallClock applies
// when converting a reading back to UTC.
func (f *Fake) Read(ctx context.Context) (wallclock.Fields, error) {
	f.mu.Lock()
	t := f.clock.Now().UTC()
	if f.override != nil {
		t = *f.override
	}
	f.mu.Unlock()

	utcSecs := t.Unix()
	offset := wallclock.LocalOffsetForUTC(utcSecs)
	return fieldsFromTime(time.Unix(utcSecs+int64(offset), 0).UTC()), nil
}

// Write implements wallclock.RTCWriter: it pins the fake RTC's reading to
// the given local fields, simulating a resync commit. fields are local
// CET/CEST broken-down time, mirroring what real RTC hardware stores; the
// override is kept as the equivalent UTC instant so Read's offset
// recomputation round-trips.
func (f *Fake) Write(ctx context.Context, fields wallclock.Fields) error {
	localSecs := time.Date(fields.Year, time.Month(fields.Month), fields.Day,
		fields.Hour, fields.Min, fields.Sec, 0, time.UTC).Unix()
	offset := wallclock.LocalOffsetFromFields(fields.Month, fields.Day, fields.Hour, fields.DOW)
	t := time.Unix(localSecs-int64(offset), 0).UTC()
	f.mu.Lock()
	f.override = &t
	f.mu.Unlock()
	return nil
}

// Set forces the fake RTC's reading to t, bypassing Write's local-field
// round trip. Test convenience, not part of the RTCReader/RTCWriter seam.
func (f *Fake) Set(t time.Time) {
	u := t.UTC()
	f.mu.Lock()
	f.override = &u
	f.mu.Unlock()
}

func fieldsFromTime(t time.Time) wallclock.Fields {
	return wallclock.Fields{
		Sec:   t.Second(),
		Min:   t.Minute(),
		Hour:  t.Hour(),
		Day:   t.Day(),
		Month: int(t.Month()),
		Year:  t.Year(),
		DOW:   int(t.Weekday()),
	}
}
