package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "forensync"

// Metrics holds the client-side prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	HTTPRequests      *prometheus.CounterVec
	HTTPFailures      *prometheus.CounterVec
	EnvelopesReceived *prometheus.CounterVec
	MalformedFrames   prometheus.Counter
	Reconnects        prometheus.Counter
	OpenChannels      prometheus.Gauge
	ArchiveFailures   prometheus.Counter
	SinkFailures      prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return newMetrics(reg, reg)
}

// NewMetricsWith registers the collectors on reg and gathers from gatherer.
func NewMetricsWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	return newMetrics(reg, gatherer)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: gatherer,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "API requests issued, by method and status class",
		}, []string{"method", "status"}),
		HTTPFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_failures_total",
			Help:      "API requests that surfaced an error, by kind",
		}, []string{"kind"}),
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "realtime_envelopes_total",
			Help:      "Realtime envelopes delivered to subscribers, by type",
		}, []string{"type"}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "realtime_malformed_frames_total",
			Help:      "Realtime frames dropped because they were not valid envelopes",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "realtime_reconnects_total",
			Help:      "Reconnect attempts across all channels",
		}),
		OpenChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "realtime_open_channels",
			Help:      "Channels currently in the open state",
		}),
		ArchiveFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "archive_failures_total",
			Help:      "Envelopes that could not be archived",
		}),
		SinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sink_failures_total",
			Help:      "Envelopes that could not be forwarded",
		}),
	}
}

// Handler serves the metrics in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, statusClass string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, statusClass).Inc()
}

func (m *Metrics) ObserveFailure(kind string) {
	if m == nil {
		return
	}
	m.HTTPFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveEnvelope(envelopeType string) {
	if m == nil {
		return
	}
	m.EnvelopesReceived.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) ObserveMalformed() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.OpenChannels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.OpenChannels.Dec()
}

func (m *Metrics) ObserveArchiveFailure() {
	if m == nil {
		return
	}
	m.ArchiveFailures.Inc()
}

func (m *Metrics) ObserveSinkFailure() {
	if m == nil {
		return
	}
	m.SinkFailures.Inc()
}
