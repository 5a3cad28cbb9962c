// Package metrics exposes Prometheus instrumentation for the chat core.
//
// Collectors are owned by a Metrics value rather than registered globally so
// tests can use a private registry. Label sets are small and fixed: frame
// types, action names and queue kinds all come from closed vocabularies.
// Unknown frame types are folded into "unknown".
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatcore"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesReceived  *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	DecodeErrors    prometheus.Counter
	ListenerPanics  prometheus.Counter
	Reconnects      prometheus.Counter
	Connected       prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	QueueRetries    prometheus.Counter
	QueueDropped    prometheus.Counter
	QueueDelivered  prometheus.Counter
	DedupReplaced   prometheus.Counter
	UploadBytes     prometheus.Counter
	UploadDurations prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames by action.",
		}, []string{"action"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_decode_errors_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		ListenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Listener callbacks that panicked.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the socket is confirmed open.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending outbound entries by queue.",
		}, []string{"queue"}),
		QueueRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_retries_total",
			Help:      "Tracked entries requeued after a failed replay.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Entries dropped after exhausting retries.",
		}),
		QueueDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_delivered_total",
			Help:      "Queued entries transmitted on replay.",
		}),
		DedupReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_replacements_total",
			Help:      "Optimistic messages replaced by their server echo.",
		}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes uploaded for media messages.",
		}),
		UploadDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Media upload duration.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
	reg.MustRegister(
		m.FramesReceived, m.FramesSent, m.DecodeErrors, m.ListenerPanics,
		m.Reconnects, m.Connected, m.QueueDepth, m.QueueRetries,
		m.QueueDropped, m.QueueDelivered, m.DedupReplaced,
		m.UploadBytes, m.UploadDurations,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(kind string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FrameSent(action string) {
	if m != nil {
		m.FramesSent.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) DecodeError() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

func (m *Metrics) ListenerPanic() {
	if m != nil {
		m.ListenerPanics.Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) SetQueueDepth(tracked, fallback int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("tracked").Set(float64(tracked))
	m.QueueDepth.WithLabelValues("fallback").Set(float64(fallback))
}

func (m *Metrics) QueueRetry() {
	if m != nil {
		m.QueueRetries.Inc()
	}
}

func (m *Metrics) QueueDrop() {
	if m != nil {
		m.QueueDropped.Inc()
	}
}

func (m *Metrics) QueueDeliver() {
	if m != nil {
		m.QueueDelivered.Inc()
	}
}

func (m *Metrics) DedupReplace() {
	if m != nil {
		m.DedupReplaced.Inc()
	}
}

func (m *Metrics) Upload(bytes int64, seconds float64) {
	if m == nil {
		return
	}
	m.UploadBytes.Add(float64(bytes))
	m.UploadDurations.Observe(seconds)
}
