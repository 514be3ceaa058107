// Package metrics exposes Prometheus collectors for the local mirror.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "posmirror"

// Metrics records reconciliation passes and server mutations.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	passes      *prometheus.CounterVec
	duration    prometheus.Histogram
	records     *prometheus.CounterVec
	lastSuccess prometheus.Gauge
	mirrorSize  prometheus.Gauge
	mutations   *prometheus.CounterVec
}

// New registers the mirror metrics on the provided registerer.
// When reg is nil the returned Metrics records nothing.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}

	passes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_passes_total",
		Help:      "Reconciliation passes by outcome.",
	}, []string{"status"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Duration of reconciliation passes in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_records_total",
		Help:      "Remote records handled by reconciliation, by outcome.",
	}, []string{"outcome"})
	lastSuccess := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Unix time of the last successful reconciliation pass.",
	})
	mirrorSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mirror_products",
		Help:      "Products currently held in the local mirror.",
	})
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mutations_total",
		Help:      "Product mutations sent to the server, by operation and outcome.",
	}, []string{"op", "status"})

	reg.MustRegister(passes, duration, records, lastSuccess, mirrorSize, mutations)
	return &Metrics{
		passes:      passes,
		duration:    duration,
		records:     records,
		lastSuccess: lastSuccess,
		mirrorSize:  mirrorSize,
		mutations:   mutations,
	}
}

// ObserveSync records the outcome of one reconciliation pass.
func (m *Metrics) ObserveSync(duration time.Duration, fetched, upserted, skipped int, err error) {
	if m == nil || m.passes == nil {
		return
	}

	m.passes.WithLabelValues(statusLabel(err)).Inc()
	m.duration.Observe(duration.Seconds())
	m.records.WithLabelValues("fetched").Add(float64(fetched))
	m.records.WithLabelValues("upserted").Add(float64(upserted))
	m.records.WithLabelValues("skipped").Add(float64(skipped))
	if err == nil {
		m.lastSuccess.SetToCurrentTime()
	}
}

// SetMirrorSize records how many products the mirror holds.
func (m *Metrics) SetMirrorSize(n int) {
	if m == nil || m.mirrorSize == nil {
		return
	}
	m.mirrorSize.Set(float64(n))
}

// ObserveMutation records a create, update or delete sent to the server.
func (m *Metrics) ObserveMutation(op string, err error) {
	if m == nil || m.mutations == nil {
		return
	}
	m.mutations.WithLabelValues(normalizeLabel(op), statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
