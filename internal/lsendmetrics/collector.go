// Package lsendmetrics exposes Prometheus metrics for peer discovery and
// file transfer activity, following internal/metrics' shape one-for-one.
package lsendmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "lsend"
	subsystem = "agent"
)

const (
	labelState       = "state"
	labelEventType   = "event_type"
	labelEndpoint    = "endpoint"
	labelStatusClass = "status_class"
)

// Collector holds all lsend Prometheus metrics.
type Collector struct {
	// Peers tracks the number of currently known, non-expired peers.
	Peers prometheus.Gauge

	// PeerEvents counts PeerRegistry upsert outcomes (added/updated/refreshed).
	PeerEvents *prometheus.CounterVec

	// Sessions tracks the number of transfer sessions currently in each
	// TransferCoordinator state.
	Sessions *prometheus.GaugeVec

	// BytesReceived counts total bytes written to disk across all /send
	// streams.
	BytesReceived prometheus.Counter

	// BytesSent counts bytes reported through AddBytesSent. The HttpPlane
	// client does not report its outbound /send bytes here, so nothing in
	// the agent increments it.
	BytesSent prometheus.Counter

	// HTTPRequestDuration observes HTTP handler latency by endpoint and
	// status class.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector with all lsend metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Peers,
		c.PeerEvents,
		c.Sessions,
		c.BytesReceived,
		c.BytesSent,
		c.HTTPRequestDuration,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers",
			Help:      "Number of currently known, non-expired peers.",
		}),

		PeerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_events_total",
			Help:      "Total PeerRegistry upsert outcomes by type.",
		}, []string{labelEventType}),

		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfer_sessions",
			Help:      "Number of transfer sessions currently in each state.",
		}, []string{labelState}),

		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_received_total",
			Help:      "Total bytes written to disk by /send handlers.",
		}),

		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_sent_total",
			Help:      "Total bytes streamed by outbound /send calls.",
		}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency by endpoint and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelEndpoint, labelStatusClass}),
	}
}

// SetPeerCount sets the current peer gauge, called by internal/peer.Registry.
func (c *Collector) SetPeerCount(n int) {
	c.Peers.Set(float64(n))
}

// IncPeerEvents increments the peer event counter for eventType
// ("added"/"updated"/"refreshed").
func (c *Collector) IncPeerEvents(eventType string) {
	c.PeerEvents.WithLabelValues(eventType).Inc()
}

// SetSessionState adjusts the session gauge for state by delta, called by
// internal/transfer.Store on every state transition.
func (c *Collector) SetSessionState(state string, delta int) {
	c.Sessions.WithLabelValues(state).Add(float64(delta))
}

// AddBytesReceived adds n to the total bytes-received counter.
func (c *Collector) AddBytesReceived(n int64) {
	c.BytesReceived.Add(float64(n))
}

// AddBytesSent adds n to the total bytes-sent counter.
func (c *Collector) AddBytesSent(n int64) {
	c.BytesSent.Add(float64(n))
}

// ObserveHTTPRequest records the duration of a completed HTTP exchange.
// Implements httpplane.MetricsReporter.
func (c *Collector) ObserveHTTPRequest(endpoint, statusClass string, d time.Duration) {
	c.HTTPRequestDuration.WithLabelValues(endpoint, statusClass).Observe(d.Seconds())
}
