// Package metrics exposes Prometheus counters and histograms for a bulk
// round peer, following drand-drand/metrics's package-level registry plus
// collector-vars pattern rather than wrapping every collector behind a
// struct method.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry collects every metric this package registers. Kept
	// package-level, like drand's PrivateMetrics/GroupMetrics registries,
	// rather than threaded through every constructor that wants to record
	// something.
	Registry = prometheus.NewRegistry()

	// RoundsStarted counts BulkRound.Start calls, labeled by whether the
	// round runs in leader-aggregate or plain-broadcast mode.
	RoundsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adcnet_rounds_started_total",
		Help: "Number of bulk rounds started by this peer.",
	}, []string{"mode"})

	// RoundsFinished counts BulkRound completions, labeled by outcome.
	RoundsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adcnet_rounds_finished_total",
		Help: "Number of bulk rounds that reached Finished or Aborted.",
	}, []string{"outcome"})

	// BlameRoundsEntered counts how many rounds needed a blame sub-shuffle.
	BlameRoundsEntered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adcnet_blame_rounds_total",
		Help: "Number of bulk rounds that entered the blame sub-protocol.",
	})

	// MembersBlamed counts distinct group members found responsible for a
	// protocol violation, across all rounds.
	MembersBlamed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adcnet_members_blamed_total",
		Help: "Number of group-member blame attributions recorded.",
	})

	// ShuffleDuration measures wall-clock time spent in the Shuffling state.
	ShuffleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "adcnet_shuffle_duration_seconds",
		Help:    "Time from shuffle Start to its OnFinished callback.",
		Buckets: prometheus.DefBuckets,
	})

	// DataSharingDuration measures wall-clock time from DataSharing entry
	// to the round reaching Finished.
	DataSharingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "adcnet_data_sharing_duration_seconds",
		Help:    "Time from DataSharing entry to round completion.",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequestDuration measures peer-to-peer transport latency, labeled
	// by the endpoint a request hit.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adcnet_http_request_duration_seconds",
		Help:    "Latency of inbound peer HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	registered = false
)

func register() {
	if registered {
		return
	}
	registered = true

	collectors := []prometheus.Collector{
		RoundsStarted,
		RoundsFinished,
		BlameRoundsEntered,
		MembersBlamed,
		ShuffleDuration,
		DataSharingDuration,
		HTTPRequestDuration,
	}
	for _, c := range collectors {
		Registry.MustRegister(c)
	}
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// Server serves Registry over /metrics. A zero-value Addr disables the
// server: New returns nil, nil, mirroring api/httpserver.BaseServer's
// "MetricsAddr empty means don't start" convention.
type Server struct {
	srv *http.Server
}

// New constructs a metrics Server bound to addr, or returns a nil Server
// when addr is empty.
func New(addr string) (*Server, error) {
	register()
	if addr == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))

	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}, nil
}

// ListenAndServe blocks serving metrics until the server is shut down.
func (s *Server) ListenAndServe() error {
	if s == nil {
		return nil
	}
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// TimeSince observes the duration since start on o, a small helper to keep
// call sites free of time-package boilerplate. o is any Observer — a plain
// Histogram or a WithLabelValues result off a HistogramVec.
func TimeSince(o prometheus.Observer, start time.Time) {
	o.Observe(time.Since(start).Seconds())
}
