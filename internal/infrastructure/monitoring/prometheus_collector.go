package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	connectionsTotal    prometheus.Counter
	sessionsLiveTotal   prometheus.Gauge
	relayedBytesTotal   prometheus.Counter
	transcoderExits     *prometheus.CounterVec
	sessionDuration     prometheus.Histogram
	chunkWriteFailures  prometheus.Counter
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_connections_total",
			Help: "Total number of publisher websocket connections accepted",
		}),

		sessionsLiveTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_sessions_live_total",
			Help: "Number of sessions currently live",
		}),

		relayedBytesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_relayed_bytes_total",
			Help: "Total media bytes forwarded to transcoder stdin",
		}),

		transcoderExits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_transcoder_exits_total",
			Help: "Transcoder subprocess exits by outcome",
		}, []string{"outcome"}),

		sessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaycast_session_duration_seconds",
			Help:    "Duration of live sessions",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),

		chunkWriteFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_chunk_write_failures_total",
			Help: "Chunk writes that failed or hit a closed transcoder pipe",
		}),
	}
}

func (p *PrometheusCollector) RecordConnection() {
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordSessionStarted() {
	p.sessionsLiveTotal.Inc()
}

func (p *PrometheusCollector) RecordSessionEnded(duration time.Duration) {
	p.sessionsLiveTotal.Dec()
	p.sessionDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordRelayedBytes(n int) {
	p.relayedBytesTotal.Add(float64(n))
}

func (p *PrometheusCollector) RecordTranscoderExit(code int) {
	outcome := "clean"
	if code != 0 {
		outcome = "error"
	}
	p.transcoderExits.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordWriteFailure() {
	p.chunkWriteFailures.Inc()
}
