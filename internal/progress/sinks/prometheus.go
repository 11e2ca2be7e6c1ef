package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skolhustick/mdwnio/internal/progress"
)

// PrometheusSink exports resolution metrics. Labels are limited to bounded
// sets (status class, provenance, cache source, error kind); upstream hosts
// are never used as label values.
type PrometheusSink struct {
	started     prometheus.Counter
	completed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	inflight    prometheus.Gauge
	resolveTime *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	fetchBytes    prometheus.Counter
	fetchDuration *prometheus.HistogramVec

	tracker *resolutionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdwn_resolutions_started_total",
			Help: "Resolutions that have started.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdwn_resolutions_completed_total",
			Help: "Successful resolutions partitioned by provenance and cache source.",
		}, []string{"provenance", "cache"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdwn_resolutions_failed_total",
			Help: "Failed resolutions partitioned by error kind.",
		}, []string{"kind"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdwn_resolutions_inflight",
			Help: "Resolutions started but not yet finished.",
		}),
		resolveTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdwn_resolution_duration_seconds",
			Help:    "Wall time per finished resolution.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdwn_upstream_fetches_total",
			Help: "Upstream fetch completions partitioned by status class.",
		}, []string{"status_class"}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdwn_upstream_fetch_bytes_total",
			Help: "Bytes read from upstream servers.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdwn_upstream_fetch_duration_seconds",
			Help:    "Upstream fetch duration partitioned by status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"status_class"}),
		tracker: newResolutionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.started,
		s.completed,
		s.failed,
		s.inflight,
		s.resolveTime,
		s.fetches,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageResolveStart:
			s.started.Inc()
			if s.tracker.start(evt.ResolutionID) {
				s.inflight.Inc()
			}
		case progress.StageFetchDone:
			s.observeFetch(evt)
		case progress.StageResolveDone:
			s.completed.WithLabelValues(evt.Provenance, orUnknown(evt.Cache)).Inc()
			s.finish(evt, "success")
		case progress.StageResolveError:
			s.failed.WithLabelValues(evt.Kind).Inc()
			s.finish(evt, "error")
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	if evt.Dur > 0 {
		s.resolveTime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.ResolutionID) {
		s.inflight.Dec()
	}
}

func (s *PrometheusSink) observeFetch(evt progress.Event) {
	class := string(evt.StatusClass)
	if class == "" {
		class = string(progress.StatusOther)
	}
	s.fetches.WithLabelValues(class).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(class).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

type resolutionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newResolutionTracker() *resolutionTracker {
	return &resolutionTracker{running: make(map[[16]byte]struct{})}
}

func (t *resolutionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *resolutionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
