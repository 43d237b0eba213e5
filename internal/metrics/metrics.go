// Package metrics provides Prometheus metrics for the tunnel server and
// client.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "wsocks5"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Session (WebSocket tunnel) metrics
	SessionsConnected  prometheus.Gauge
	SessionsTotal      prometheus.Counter
	SessionConnects    *prometheus.CounterVec
	SessionDisconnects *prometheus.CounterVec

	// Channel (proxied connection) metrics
	ChannelsActive     prometheus.Gauge
	ChannelsOpened     prometheus.Counter
	ChannelsClosed     prometheus.Counter
	ChannelOpenLatency prometheus.Histogram
	ChannelErrors      *prometheus.CounterVec

	// Data transfer metrics
	BytesSent      *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// Token registry metrics
	ForwardTokensActive   prometheus.Gauge
	ReverseTokensActive   prometheus.Gauge
	ConnectorTokensActive prometheus.Gauge
	ReverseClientsActive  *prometheus.GaugeVec

	// SOCKS5 ingress metrics
	SOCKS5Connections      prometheus.Gauge
	SOCKS5ConnectionsTotal prometheus.Counter
	SOCKS5AuthFailures     prometheus.Counter
	SOCKS5ConnectLatency   prometheus.Histogram

	// AUTH / keepalive metrics
	AuthLatency    prometheus.Histogram
	AuthErrors     *prometheus.CounterVec
	KeepalivesSent prometheus.Counter
	KeepalivesRecv prometheus.Counter
	KeepaliveRTT   prometheus.Histogram
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

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		SessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_connected",
			Help:      "Number of currently connected WebSocket tunnel sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of tunnel sessions established",
		}),
		SessionConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_connects_total",
			Help:      "Total session connects by mode",
		}, []string{"mode"}),
		SessionDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_disconnects_total",
			Help:      "Total session disconnections by reason",
		}, []string{"reason"}),

		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of currently active proxied channels",
		}),
		ChannelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "Total number of channels opened",
		}),
		ChannelsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_closed_total",
			Help:      "Total number of channels closed",
		}),
		ChannelOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_open_latency_seconds",
			Help:      "Histogram of CONNECT to CONNECT_RESPONSE latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ChannelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_errors_total",
			Help:      "Total channel errors by type",
		}, []string{"error_type"}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by type",
		}, []string{"type"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by type",
		}, []string{"frame_type"}),

		ForwardTokensActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forward_tokens_active",
			Help:      "Number of active forward tokens",
		}),
		ReverseTokensActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reverse_tokens_active",
			Help:      "Number of active reverse tokens",
		}),
		ConnectorTokensActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_tokens_active",
			Help:      "Number of active connector tokens",
		}),
		ReverseClientsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reverse_clients_active",
			Help:      "Number of clients registered per reverse token",
		}, []string{"reverse_token"}),

		SOCKS5Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "Number of active SOCKS5 connections",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 connections",
		}),
		SOCKS5AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_auth_failures_total",
			Help:      "Total SOCKS5 authentication failures",
		}),
		SOCKS5ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_connect_latency_seconds",
			Help:      "Histogram of SOCKS5 connect request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		AuthLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_latency_seconds",
			Help:      "Histogram of AUTH to AUTH_RESPONSE latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		AuthErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_errors_total",
			Help:      "Total AUTH errors by type",
		}, []string{"error_type"}),
		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total keepalive pings sent",
		}),
		KeepalivesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_received_total",
			Help:      "Total keepalive pongs received",
		}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_rtt_seconds",
			Help:      "Histogram of keepalive round-trip time",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	return m
}

// RecordSessionConnect records a new tunnel session.
func (m *Metrics) RecordSessionConnect(mode string) {
	m.SessionsConnected.Inc()
	m.SessionsTotal.Inc()
	m.SessionConnects.WithLabelValues(mode).Inc()
}

// RecordSessionDisconnect records a tunnel session ending.
func (m *Metrics) RecordSessionDisconnect(reason string) {
	m.SessionsConnected.Dec()
	m.SessionDisconnects.WithLabelValues(reason).Inc()
}

// RecordChannelOpen records a channel reaching CONNECT_RESPONSE success.
func (m *Metrics) RecordChannelOpen(latencySeconds float64) {
	m.ChannelsActive.Inc()
	m.ChannelsOpened.Inc()
	m.ChannelOpenLatency.Observe(latencySeconds)
}

// RecordChannelClose records a channel being torn down.
func (m *Metrics) RecordChannelClose() {
	m.ChannelsActive.Dec()
	m.ChannelsClosed.Inc()
}

// RecordChannelError records a channel error.
func (m *Metrics) RecordChannelError(errorType string) {
	m.ChannelErrors.WithLabelValues(errorType).Inc()
}

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordFrameSent records a frame being sent.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records a frame being received.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// SetTokenCounts sets the current forward/reverse/connector token counts.
func (m *Metrics) SetTokenCounts(forward, reverse, connector int) {
	m.ForwardTokensActive.Set(float64(forward))
	m.ReverseTokensActive.Set(float64(reverse))
	m.ConnectorTokensActive.Set(float64(connector))
}

// SetReverseClientCount sets the registered client count for a reverse token.
func (m *Metrics) SetReverseClientCount(reverseToken string, count int) {
	m.ReverseClientsActive.WithLabelValues(reverseToken).Set(float64(count))
}

// RecordAuth records a successful AUTH handshake.
func (m *Metrics) RecordAuth(latencySeconds float64) {
	m.AuthLatency.Observe(latencySeconds)
}

// RecordAuthError records an AUTH error.
func (m *Metrics) RecordAuthError(errorType string) {
	m.AuthErrors.WithLabelValues(errorType).Inc()
}

// RecordKeepaliveSent records a keepalive ping sent.
func (m *Metrics) RecordKeepaliveSent() {
	m.KeepalivesSent.Inc()
}

// RecordKeepaliveRecv records a keepalive pong received with RTT.
func (m *Metrics) RecordKeepaliveRecv(rttSeconds float64) {
	m.KeepalivesRecv.Inc()
	m.KeepaliveRTT.Observe(rttSeconds)
}

// SOCKS5 metrics helpers

// RecordSOCKS5Connect records a SOCKS5 connection.
func (m *Metrics) RecordSOCKS5Connect() {
	m.SOCKS5Connections.Inc()
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordSOCKS5Disconnect records a SOCKS5 disconnection.
func (m *Metrics) RecordSOCKS5Disconnect() {
	m.SOCKS5Connections.Dec()
}

// RecordSOCKS5AuthFailure records a SOCKS5 auth failure.
func (m *Metrics) RecordSOCKS5AuthFailure() {
	m.SOCKS5AuthFailures.Inc()
}

// RecordSOCKS5Latency records SOCKS5 connect latency.
func (m *Metrics) RecordSOCKS5Latency(latencySeconds float64) {
	m.SOCKS5ConnectLatency.Observe(latencySeconds)
}

// Handler returns the HTTP handler that serves metrics in the Prometheus
// exposition format, for mounting on the process's metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
