// Package metrics exposes build outcomes as Prometheus collectors.
//
// Collectors live on their own registry so that tests and multiple engines in
// one process do not collide. Since a make run is a short-lived process the
// registry is exported with WriteTextfile for the node exporter textfile
// collector rather than served over HTTP.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "pipeweaver"

// Metrics holds the build collectors.
type Metrics struct {
	registry *prometheus.Registry

	Targets        *prometheus.CounterVec
	TargetDuration *prometheus.HistogramVec
	Runs           *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	StoreObjects   prometheus.Gauge
	LastRun        prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_total",
			Help:      "Targets by terminal state.",
		}, []string{"state"}),
		TargetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "target_duration_seconds",
			Help:      "Time spent running target commands.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"state"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Make runs by status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of make runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		StoreObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_objects",
			Help:      "Objects in the content store after the last garbage collection.",
		}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last make run finished.",
		}),
	}
	m.registry.MustRegister(
		m.Targets,
		m.TargetDuration,
		m.Runs,
		m.RunDuration,
		m.StoreObjects,
		m.LastRun,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveTarget counts a target outcome. Elapsed is only observed for targets
// whose command ran.
func (m *Metrics) ObserveTarget(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Targets.WithLabelValues(state).Inc()
	if elapsed > 0 {
		m.TargetDuration.WithLabelValues(state).Observe(elapsed.Seconds())
	}
}

// ObserveRun counts a finished run.
func (m *Metrics) ObserveRun(status string, elapsed time.Duration, end time.Time) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
	m.LastRun.Set(float64(end.Unix()))
}

// SetStoreObjects records the object count of the content store.
func (m *Metrics) SetStoreObjects(n int) {
	if m == nil {
		return
	}
	m.StoreObjects.Set(float64(n))
}

// WriteTextfile writes the registry to path in the Prometheus text format.
// The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
