package tick

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestSource_NowAdvancesWithClock(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s := NewSource(fc)
	require.Equal(t, Ticks(0), s.Now())

	fc.Advance(250 * time.Millisecond)
	require.Equal(t, Ticks(250), s.Now())
}

func TestDeadline_SetTimeoutAndExpired(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s := NewSource(fc)
	var d Deadline
	s.SetTimeout(&d, 100)

	require.False(t, s.Expired(&d))
	fc.Advance(99 * time.Millisecond)
	require.False(t, s.Expired(&d))
	fc.Advance(1 * time.Millisecond)
	require.True(t, s.Expired(&d))
}

func TestDeadline_Postpone(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s := NewSource(fc)
	var d Deadline
	s.SetTimeout(&d, 50)
	s.Postpone(&d, 50)

	fc.Advance(51 * time.Millisecond)
	require.False(t, s.Expired(&d))
	fc.Advance(49 * time.Millisecond)
	require.True(t, s.Expired(&d))
}

func TestDeadline_ExpireAndNever(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s := NewSource(fc)

	var d Deadline
	s.SetTimeout(&d, 1000)
	d.Expire()
	require.True(t, s.Expired(&d))

	var never Deadline
	never.SetNever()
	fc.Advance(365 * 24 * time.Hour)
	require.False(t, s.Expired(&never))
}

func TestDeadline_ZeroValueAlreadyExpired(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	s := NewSource(fc)
	var d Deadline
	require.True(t, s.Expired(&d))
}
