// Package metrics provides Prometheus metrics for s2p.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "s2p"
)

// Metrics contains all Prometheus metrics for a node.
type Metrics struct {
	// Carrier metrics
	PeersConnected prometheus.Gauge
	PeersTotal     prometheus.Counter
	PeersRejected  prometheus.Counter

	// Handshake metrics
	Handshakes        *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram

	// Session metrics
	SessionsActive *prometheus.GaugeVec
	SessionsTotal  *prometheus.CounterVec

	// Data transfer metrics
	BytesRelayed *prometheus.CounterVec

	// UDP metrics
	UDPFlowsActive      prometheus.Gauge
	UDPFlowsEvicted     prometheus.Counter
	UDPDatagrams        *prometheus.CounterVec
	UDPDatagramsDropped *prometheus.CounterVec

	// Exit metrics
	DialDuration prometheus.Histogram
	DNSQueries   *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected carrier peers",
		}),
		PeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Total number of carrier connections accepted",
		}),
		PeersRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_rejected_total",
			Help:      "Carrier connections refused by the peer authenticator",
		}),

		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed handshakes by mode and outcome",
		}, []string{"mode", "outcome"}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from request to response, including the local dial",
			Buckets:   prometheus.DefBuckets,
		}),

		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active proxy sessions",
		}, []string{"mode"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total proxy sessions opened",
		}, []string{"mode"}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Bytes relayed by TCP sessions",
		}, []string{"direction"}),

		UDPFlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_flows_active",
			Help:      "Number of per-target UDP sockets currently open",
		}),
		UDPFlowsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_flows_evicted_total",
			Help:      "UDP flows closed after idling past the threshold",
		}),
		UDPDatagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_total",
			Help:      "UDP datagrams relayed",
		}, []string{"direction"}),
		UDPDatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_dropped_total",
			Help:      "UDP datagrams dropped by reason",
		}, []string{"reason"}),

		DialDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time to establish local TCP connections",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),
		DNSQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_total",
			Help:      "Domain resolutions by result",
		}, []string{"result"}),
	}
}

// RecordPeerConnect records an accepted carrier connection.
func (m *Metrics) RecordPeerConnect() {
	m.PeersConnected.Inc()
	m.PeersTotal.Inc()
}

// RecordPeerDisconnect records a carrier connection ending.
func (m *Metrics) RecordPeerDisconnect() {
	m.PeersConnected.Dec()
}

// RecordPeerRejected records a carrier refused by authentication.
func (m *Metrics) RecordPeerRejected() {
	m.PeersRejected.Inc()
}

// RecordHandshake records a finished handshake. outcome is a status name
// or one of "DECODE_ERROR", "TIMEOUT", "TRANSPORT_ERROR".
func (m *Metrics) RecordHandshake(mode, outcome string, seconds float64) {
	m.Handshakes.WithLabelValues(mode, outcome).Inc()
	m.HandshakeDuration.Observe(seconds)
}

// RecordSessionOpen records a session entering relay.
func (m *Metrics) RecordSessionOpen(mode string) {
	m.SessionsActive.WithLabelValues(mode).Inc()
	m.SessionsTotal.WithLabelValues(mode).Inc()
}

// RecordSessionClose records a session leaving relay.
func (m *Metrics) RecordSessionClose(mode string) {
	m.SessionsActive.WithLabelValues(mode).Dec()
}

// RecordBytes records relayed TCP bytes. direction is "upstream"
// (carrier to target) or "downstream".
func (m *Metrics) RecordBytes(direction string, n uint64) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// RecordFlowOpen records a new UDP flow.
func (m *Metrics) RecordFlowOpen() {
	m.UDPFlowsActive.Inc()
}

// RecordFlowClose records a UDP flow closing; evicted marks idle eviction.
func (m *Metrics) RecordFlowClose(evicted bool) {
	m.UDPFlowsActive.Dec()
	if evicted {
		m.UDPFlowsEvicted.Inc()
	}
}

// RecordDatagram records a relayed UDP datagram.
func (m *Metrics) RecordDatagram(direction string) {
	m.UDPDatagrams.WithLabelValues(direction).Inc()
}

// RecordDatagramDropped records a UDP datagram that was not relayed.
func (m *Metrics) RecordDatagramDropped(reason string) {
	m.UDPDatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordDial records a local TCP dial.
func (m *Metrics) RecordDial(seconds float64) {
	m.DialDuration.Observe(seconds)
}

// RecordDNS records a domain resolution; result is "ok", "cached" or "error".
func (m *Metrics) RecordDNS(result string) {
	m.DNSQueries.WithLabelValues(result).Inc()
}
