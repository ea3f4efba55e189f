package monitoring

import (
	"time"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	connectionsActive *prometheus.GaugeVec
	muted             prometheus.Gauge
	peerLossRatio     *prometheus.GaugeVec

	// Counters
	framesSent      *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	connectionsOpen *prometheus.CounterVec
	directoryErrors *prometheus.CounterVec

	// Histograms
	connectionDuration *prometheus.HistogramVec
	directoryLatency   *prometheus.HistogramVec
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the node metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicebox_connections_active",
			Help: "Number of live peer connections",
		}, []string{"direction"}),

		muted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicebox_muted",
			Help: "1 while the local microphone is muted",
		}),

		peerLossRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicebox_peer_loss_ratio",
			Help: "Fraction of our audio lost, as last reported by each peer",
		}, []string{"address"}),

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebox_frames_sent_total",
			Help: "Frames written to peer connections",
		}, []string{"type"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebox_frames_received_total",
			Help: "Frames read from peer connections",
		}, []string{"type"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebox_frames_dropped_total",
			Help: "Frames dropped before delivery",
		}, []string{"type", "reason"}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebox_bytes_sent_total",
			Help: "Bytes written to peer connections",
		}),

		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebox_bytes_received_total",
			Help: "Bytes read from peer connections",
		}),

		connectionsOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebox_connections_total",
			Help: "Peer connections established",
		}, []string{"direction"}),

		directoryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebox_directory_errors_total",
			Help: "Failed directory operations",
		}, []string{"operation"}),

		connectionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicebox_connection_duration_seconds",
			Help:    "Lifetime of peer connections",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"direction"}),

		directoryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicebox_directory_operation_duration_seconds",
			Help:    "Latency of directory register and lookup",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		}, []string{"operation"}),
	}
}

func (p *PrometheusCollector) FrameSent(frameType domain.FrameType, bytes int) {
	p.framesSent.WithLabelValues(frameType.String()).Inc()
	p.bytesSent.Add(float64(bytes))
}

func (p *PrometheusCollector) FrameReceived(frameType domain.FrameType, bytes int) {
	p.framesReceived.WithLabelValues(frameType.String()).Inc()
	p.bytesReceived.Add(float64(bytes))
}

func (p *PrometheusCollector) FrameDropped(frameType domain.FrameType, reason string) {
	p.framesDropped.WithLabelValues(frameType.String(), reason).Inc()
}

func (p *PrometheusCollector) ConnectionOpened(direction domain.ConnectionDirection) {
	p.connectionsActive.WithLabelValues(string(direction)).Inc()
	p.connectionsOpen.WithLabelValues(string(direction)).Inc()
}

func (p *PrometheusCollector) ConnectionClosed(direction domain.ConnectionDirection, duration time.Duration) {
	p.connectionsActive.WithLabelValues(string(direction)).Dec()
	p.connectionDuration.WithLabelValues(string(direction)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) DirectoryOperation(operation string, duration time.Duration, err error) {
	p.directoryLatency.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		p.directoryErrors.WithLabelValues(operation).Inc()
	}
}

func (p *PrometheusCollector) PeerLoss(address string, ratio float64) {
	p.peerLossRatio.WithLabelValues(address).Set(ratio)
}

// ForgetPeer drops per-peer series once a connection is gone.
func (p *PrometheusCollector) ForgetPeer(address string) {
	p.peerLossRatio.DeleteLabelValues(address)
}

func (p *PrometheusCollector) MuteChanged(muted bool) {
	if muted {
		p.muted.Set(1)
		return
	}
	p.muted.Set(0)
}

// NoopMetrics discards everything. Used when Prometheus is disabled and in
// tests.
type NoopMetrics struct{}

var _ ports.Metrics = NoopMetrics{}

func (NoopMetrics) FrameSent(domain.FrameType, int)                            {}
func (NoopMetrics) FrameReceived(domain.FrameType, int)                        {}
func (NoopMetrics) FrameDropped(domain.FrameType, string)                      {}
func (NoopMetrics) ConnectionOpened(domain.ConnectionDirection)                {}
func (NoopMetrics) ConnectionClosed(domain.ConnectionDirection, time.Duration) {}
func (NoopMetrics) DirectoryOperation(string, time.Duration, error)            {}
func (NoopMetrics) PeerLoss(string, float64)                                   {}
func (NoopMetrics) ForgetPeer(string)                                          {}
func (NoopMetrics) MuteChanged(bool)                                           {}
