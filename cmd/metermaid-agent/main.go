// Command metermaid-agent boots a fleet of MeterMaid meters: one PHD and
// minute/hour/day BucketMemory cascade per configured meter, a shared
// WallClock driving rollovers, and an HTTP API exposing the read model and
// Prometheus metrics. Wiring follows the teacher's cmd/monitor/main.go
// shape: flag parsing, a slog logger built once, signal.NotifyContext for
// graceful shutdown, and a promhttp-backed metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/metermaid/internal/config"
	"github.com/malbeclabs/metermaid/internal/httpapi"
	"github.com/malbeclabs/metermaid/internal/pipeline"
	"github.com/malbeclabs/metermaid/internal/rtc"
	"github.com/malbeclabs/metermaid/internal/tick"
	"github.com/malbeclabs/metermaid/internal/wallclock"
)

var (
	fleetFile   = flag.String("fleet", "fleet.yaml", "path to the meter fleet YAML file")
	httpAddr    = flag.String("http-addr", ":8080", "address to listen on for the HTTP API and /metrics")
	verbose     = flag.Bool("verbose", false, "enable debug logging")
	showVersion = flag.Bool("version", false, "print the version and exit")

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	_ = godotenv.Load()

	log := newLogger(*verbose)

	meters, err := config.LoadFleet(*fleetFile)
	if err != nil {
		log.Error("failed to load fleet", "error", err)
		os.Exit(1)
	}

	cfg := &config.Agent{
		Logger:       log,
		FleetFile:    *fleetFile,
		HTTPAddr:     *httpAddr,
		PollInterval: time.Second,
		Meters:       meters,
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if isTerminal(os.Stderr) {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func run(ctx context.Context, cfg *config.Agent) error {
	clock := clockwork.NewRealClock()
	fakeRTC := rtc.New(clock)

	w, err := wallclock.New(cfg.Logger, fakeRTC, fakeRTC, clock)
	if err != nil {
		return fmt.Errorf("construct wallclock: %w", err)
	}
	defer func() { _ = w.Close() }()

	ts := tick.NewSource(clock)

	meters := make([]*pipeline.Meter, 0, len(cfg.Meters))
	apiMeters := make([]httpapi.Meter, 0, len(cfg.Meters))
	for _, spec := range cfg.Meters {
		m, err := pipeline.New(cfg.Logger, spec, ts, clock, w)
		if err != nil {
			return fmt.Errorf("construct meter %q: %w", spec.Name, err)
		}
		meters = append(meters, m)
		apiMeters = append(apiMeters, m)
	}

	api, err := httpapi.New(cfg.Logger, apiMeters)
	if err != nil {
		return fmt.Errorf("construct http api: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	cfg.Logger.Info("http api listening", "address", listener.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return api.Run(ctx, listener) })
	for _, m := range meters {
		m := m
		g.Go(func() error { return m.Run(ctx) })
	}
	return g.Wait()
}
