// Package httpapi is the HTTP renderer seam spec.md §1 names as an
// out-of-scope external collaborator: it serves the bucket/load read model
// as JSON over a gorilla/mux router (adopted from the pack's moby-moby
// dependency surface), plus a Prometheus /metrics endpoint, grounded on the
// teacher's Server+New+Run(ctx, listener) shape
// (telemetry/state-ingest/pkg/server/server.go).
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/metermaid/internal/bucket"
	"github.com/malbeclabs/metermaid/internal/phd"
)

// Meter is the subset of pipeline.Meter the HTTP API needs, declared
// locally so that package httpapi does not import package pipeline.
type Meter interface {
	MeterName() string
	Bucket(granularity string) (*bucket.Memory, bool)
	PulseHandler() *phd.PulseHandler
}

// Server serves MeterMaid's read-only HTTP API.
type Server struct {
	log    *slog.Logger
	meters map[string]Meter
	router *mux.Router
}

// New builds a Server over the given meters, keyed by meter name.
func New(log *slog.Logger, meters []Meter) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	byName := make(map[string]Meter, len(meters))
	for _, m := range meters {
		byName[m.MeterName()] = m
	}
	s := &Server{log: log.With("component", "httpapi"), meters: byName}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/meters/{meter}/buckets/{granularity}", s.handleBuckets).Methods(http.MethodGet)
	s.router.HandleFunc("/meters/{meter}/load", s.handleLoad).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s, nil
}

// Run serves the API on listener until ctx is done.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

type bucketView struct {
	Count         uint32 `json:"count"`
	TimestampSecs uint32 `json:"timestamp_secs"`
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, ok := s.meters[vars["meter"]]
	if !ok {
		http.Error(w, "unknown meter", http.StatusNotFound)
		return
	}
	bm, ok := m.Bucket(vars["granularity"])
	if !ok {
		http.Error(w, "unknown granularity", http.StatusNotFound)
		return
	}
	count, err := bm.CurrentCount()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]bucketView, 0, count)
	for i := 0; i < int(count); i++ {
		b, err := bm.Get(i)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		views = append(views, bucketView{Count: b.Count, TimestampSecs: b.TimestampSecs})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

type loadView struct {
	PulsesPerMinute uint32 `json:"pulses_per_minute"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, ok := s.meters[vars["meter"]]
	if !ok {
		http.Error(w, "unknown meter", http.StatusNotFound)
		return
	}
	ppm, err := m.PulseHandler().LoadPPM()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(loadView{PulsesPerMinute: ppm}); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}
