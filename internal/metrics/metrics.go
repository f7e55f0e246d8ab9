// Package metrics exposes Prometheus instrumentation for ticket submission
// and offline queue delivery.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maintdesk/go-ticket-server/internal/model"
)

const namespace = "maintdesk"

// Metrics implements the offline queue listener and records submit outcomes.
type Metrics struct {
	submissions   *prometheus.CounterVec
	pending       prometheus.Gauge
	flushEntries  *prometheus.CounterVec
	flushDuration prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Ticket submissions by outcome (created or queued).",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Submissions waiting in the offline queue.",
		}),
		flushEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_entries_total",
			Help:      "Queued submissions attempted during flush passes, by result.",
		}, []string{"result"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Wall time of flush passes that had work to do.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	reg.MustRegister(m.submissions, m.pending, m.flushEntries, m.flushDuration)
	return m
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveSubmit counts a Submit outcome.
func (m *Metrics) ObserveSubmit(res model.SubmitResult) {
	if res.Pending {
		m.submissions.WithLabelValues("queued").Inc()
		return
	}
	m.submissions.WithLabelValues("created").Inc()
}

// SetPending overrides the pending gauge, used once at startup.
func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}

func (m *Metrics) Enqueued(_ model.QueuedSubmission, pending int) {
	m.pending.Set(float64(pending))
}

func (m *Metrics) Delivered(model.QueuedSubmission, model.Ticket) {}

func (m *Metrics) Flushed(res model.FlushResult, pending int, elapsed time.Duration) {
	m.flushEntries.WithLabelValues("synced").Add(float64(res.Synced))
	m.flushEntries.WithLabelValues("failed").Add(float64(res.Failed))
	m.pending.Set(float64(pending))
	m.flushDuration.Observe(elapsed.Seconds())
}
