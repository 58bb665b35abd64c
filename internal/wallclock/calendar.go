package wallclock

import (
	"errors"
	"time"
)

var errInconsistentRead = errors.New("wallclock: rtc reading straddled a minute rollover")

// fieldsToSeconds and secondsToFields implement spec.md §4.2's "conversion
// routines (seconds ↔ broken-down date) use the Gregorian leap rule;
// day-of-week is (days_since_epoch + 4) mod 7 with 0 = Sunday." Go's
// time.Date/time.Unix already implement the proleptic Gregorian calendar
// and agree with that day-of-week formula (time.Weekday is Sunday=0..
// Saturday=6), so the conversion is delegated to the standard library
// rather than hand-rolling the original's month-length loop — see
// DESIGN.md.
//
// Fields are treated as already being in whatever zone the caller intends
// (WallClock always passes local CET/CEST broken-down fields and then
// subtracts the DST offset computed by dstActive/localOffsetSeconds).
func fieldsToSeconds(f Fields) int64 {
	t := time.Date(f.Year, time.Month(f.Month), f.Day, f.Hour, f.Min, f.Sec, 0, time.UTC)
	return t.Unix()
}

func secondsToFields(secs int64) Fields {
	t := time.Unix(secs, 0).UTC()
	return Fields{
		Sec:   t.Second(),
		Min:   t.Minute(),
		Hour:  t.Hour(),
		Day:   t.Day(),
		Month: int(t.Month()),
		Year:  t.Year(),
		DOW:   int(t.Weekday()),
	}
}
