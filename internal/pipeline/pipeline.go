// Package pipeline wires one meter's full processing chain (spec.md §4,
// component C6): a PulseHandler feeding a minute->hour->day BucketMemory
// cascade, with each BucketMemory's rollover driven by the matching
// WallClock edge.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/metermaid/internal/bucket"
	"github.com/malbeclabs/metermaid/internal/bus"
	"github.com/malbeclabs/metermaid/internal/config"
	"github.com/malbeclabs/metermaid/internal/metrics"
	"github.com/malbeclabs/metermaid/internal/phd"
	"github.com/malbeclabs/metermaid/internal/tick"
	"github.com/malbeclabs/metermaid/internal/wallclock"
)

// Meter is one fully-wired meter instance: a PHD and its minute/hour/day
// BMM cascade, ready to run.
type Meter struct {
	Name   string
	PHD    *phd.PulseHandler
	Minute *bucket.Memory
	Hour   *bucket.Memory
	Day    *bucket.Memory

	wallClock *wallclock.WallClock
	minuteCh  <-chan any
	hourCh    <-chan any
	dayCh     <-chan any
}

// New builds and wires a Meter from spec, per spec.md §4's component C6:
// PHD -> minute BMM -> hour BMM -> day BMM, each BMM's FetchFunc draining
// its upstream's pending counter, and each BMM's rollover sink subscribed
// to the matching WallClock edge.
func New(log *slog.Logger, spec config.MeterSpec, ts *tick.Source, clock clockwork.Clock, w *wallclock.WallClock) (*Meter, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("meter", spec.Name)

	p, err := phd.New(log, ts, clock, spec.MaxPulsesPerMinute)
	if err != nil {
		return nil, err
	}

	minute, err := bucket.New(log.With("granularity", "minute"), spec.MinuteBuckets, w.Now)
	if err != nil {
		return nil, err
	}
	hour, err := bucket.New(log.With("granularity", "hour"), spec.HourBuckets, w.Now)
	if err != nil {
		return nil, err
	}
	day, err := bucket.New(log.With("granularity", "day"), spec.DayBuckets, w.Now)
	if err != nil {
		return nil, err
	}

	if err := minute.SetFetchFunc(func(ctx context.Context) (uint32, error) {
		return p.Drain()
	}); err != nil {
		return nil, err
	}
	if err := hour.SetFetchFunc(minute.DrainPending); err != nil {
		return nil, err
	}
	if err := day.SetFetchFunc(hour.DrainPending); err != nil {
		return nil, err
	}

	if err := p.SetStorageSubscriber(minute.PulseSink()); err != nil {
		return nil, err
	}
	if err := minute.SetSlave(hour.PulseSink()); err != nil {
		return nil, err
	}
	if err := hour.SetSlave(day.PulseSink()); err != nil {
		return nil, err
	}

	minuteCh, err := w.AddClient(wallclock.EdgeMinute, minute)
	if err != nil {
		return nil, err
	}
	hourCh, err := w.AddClient(wallclock.EdgeHour, hour)
	if err != nil {
		return nil, err
	}
	dayCh, err := w.AddClient(wallclock.EdgeDay, day)
	if err != nil {
		return nil, err
	}

	return &Meter{
		Name: spec.Name, PHD: p, Minute: minute, Hour: hour, Day: day,
		wallClock: w, minuteCh: minuteCh, hourCh: hourCh, dayCh: dayCh,
	}, nil
}

// forwardRollover relays WallClock edge notifications into a BMM's
// rollover mailbox until ctx is done, at which point it unregisters from
// the WallClock so the subscriber slot is freed.
func forwardRollover(ctx context.Context, w *wallclock.WallClock, ch <-chan any, m *bucket.Memory) {
	defer func() { _ = w.RemoveClient(ch) }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			m.RolloverSink().Send(struct{}{})
		}
	}
}

// Run starts the meter's PHD worker and the three BMM pulse/rollover
// workers, supervised by an errgroup (teacher pattern promoted from
// indirect dep per SPEC_FULL.md's domain stack), returning when ctx is
// done or any worker fails.
func (m *Meter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.PHD.Run(ctx) })
	g.Go(func() error { return m.Minute.RunPulseWorker(ctx) })
	g.Go(func() error { return m.Minute.RunRolloverWorker(ctx) })
	g.Go(func() error { return m.Hour.RunPulseWorker(ctx) })
	g.Go(func() error { return m.Hour.RunRolloverWorker(ctx) })
	g.Go(func() error { return m.Day.RunPulseWorker(ctx) })
	g.Go(func() error { return m.Day.RunRolloverWorker(ctx) })
	g.Go(func() error { forwardRollover(ctx, m.wallClock, m.minuteCh, m.Minute); return nil })
	g.Go(func() error { forwardRollover(ctx, m.wallClock, m.hourCh, m.Hour); return nil })
	g.Go(func() error { forwardRollover(ctx, m.wallClock, m.dayCh, m.Day); return nil })
	return g.Wait()
}

// MeterName implements httpapi.Meter.
func (m *Meter) MeterName() string { return m.Name }

// PulseHandler implements httpapi.Meter.
func (m *Meter) PulseHandler() *phd.PulseHandler { return m.PHD }

// Bucket implements httpapi.Meter, resolving "minute"/"hour"/"day" to the
// matching BucketMemory.
func (m *Meter) Bucket(granularity string) (*bucket.Memory, bool) {
	switch granularity {
	case "minute":
		return m.Minute, true
	case "hour":
		return m.Hour, true
	case "day":
		return m.Day, true
	default:
		return nil, false
	}
}

// ReportMetrics publishes this meter's current state to the Prometheus
// vectors in internal/metrics. Intended to be called from a change
// subscriber or a periodic scrape-adjacent tick.
func (m *Meter) ReportMetrics() {
	if ppm, err := m.PHD.LoadPPM(); err == nil {
		metrics.LoadPPM.WithLabelValues(m.Name).Set(float64(ppm))
	}
	for gran, bm := range map[string]*bucket.Memory{"minute": m.Minute, "hour": m.Hour, "day": m.Day} {
		if n, err := bm.CurrentCount(); err == nil {
			metrics.BucketCount.WithLabelValues(m.Name, gran).Set(float64(n))
		}
	}
}

// AddLCDSubscriber wires sink to every granularity's change bus and the
// PHD's load bus, for internal/lcdview's fanout demonstration.
func (m *Meter) AddLCDSubscriber(changeSink *bus.Sink[*bucket.Memory], loadSink *bus.Sink[*phd.PulseHandler]) error {
	if err := m.Minute.AddChangeSubscriber(changeSink); err != nil {
		return err
	}
	if err := m.Hour.AddChangeSubscriber(changeSink); err != nil {
		return err
	}
	if err := m.Day.AddChangeSubscriber(changeSink); err != nil {
		return err
	}
	return m.PHD.AddLoadSubscriber(loadSink)
}
