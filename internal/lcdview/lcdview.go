// Package lcdview is the LCD view seam spec.md §1 names as out of scope: a
// ChangeSubscriber implementation that renders the latest bucket/load
// state to an io.Writer-backed fake character display, giving the pub/sub
// fanout a second concrete consumer beyond internal/httpapi without
// implementing real LCD character-device I/O.
package lcdview

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/malbeclabs/metermaid/internal/bucket"
	"github.com/malbeclabs/metermaid/internal/bus"
	"github.com/malbeclabs/metermaid/internal/phd"
)

// View renders change/load notifications from one meter to a fake
// character display (an io.Writer standing in for the real hardware's
// fixed-width text lines).
type View struct {
	log *slog.Logger

	mu  sync.Mutex
	out io.Writer

	meterName string

	changeSink *bus.Sink[*bucket.Memory]
	loadSink   *bus.Sink[*phd.PulseHandler]
}

// New constructs a View that writes rendered lines to out.
func New(log *slog.Logger, meterName string, out io.Writer) *View {
	if log == nil {
		log = slog.Default()
	}
	return &View{
		log:        log.With("component", "lcdview", "meter", meterName),
		out:        out,
		meterName:  meterName,
		changeSink: bus.NewSink[*bucket.Memory](),
		loadSink:   bus.NewSink[*phd.PulseHandler](),
	}
}

// ChangeSink is the sink to register with a BucketMemory's
// AddChangeSubscriber for every granularity this view should track.
func (v *View) ChangeSink() *bus.Sink[*bucket.Memory] { return v.changeSink }

// LoadSink is the sink to register with a PulseHandler's AddLoadSubscriber.
func (v *View) LoadSink() *bus.Sink[*phd.PulseHandler] { return v.loadSink }

// Run drains both sinks and renders a line per event until ctx is done.
func (v *View) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case bm := <-v.changeSink.C():
			v.renderBucket(bm)
		case p := <-v.loadSink.C():
			v.renderLoad(p)
		}
	}
}

func (v *View) renderBucket(bm *bucket.Memory) {
	count, err := bm.CurrentCount()
	if err != nil {
		v.log.Warn("failed to read bucket count", "error", err)
		return
	}
	head, err := bm.Get(int(count) - 1)
	if err != nil {
		v.log.Warn("failed to read latest completed bucket", "error", err)
		return
	}
	v.writeLine(fmt.Sprintf("%s: %d @ %d", v.meterName, head.Count, head.TimestampSecs))
}

func (v *View) renderLoad(p *phd.PulseHandler) {
	ppm, err := p.LoadPPM()
	if err != nil {
		v.log.Warn("failed to read load", "error", err)
		return
	}
	v.writeLine(fmt.Sprintf("%s: %d ppm", v.meterName, ppm))
}

func (v *View) writeLine(line string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := fmt.Fprintln(v.out, line); err != nil {
		v.log.Warn("failed to write display line", "error", err)
	}
}
