package metrics

import (
	"net/http"
	"time"

	"github.com/foxseedlab/monshin/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monshin"

// PrometheusRecorder exports capture counters on a dedicated registry so
// tests can build as many recorders as they like.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	segmentsSent     *prometheus.CounterVec
	segmentsFailed   *prometheus.CounterVec
	segmentsSkipped  *prometheus.CounterVec
	rotationFailures *prometheus.CounterVec
	segmentBytes     prometheus.Histogram
	uploadDuration   *prometheus.HistogramVec
	activeSessions   prometheus.Gauge
	sessionsStarted  prometheus.Counter
}

func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		segmentsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sent_total",
			Help:      "Segments accepted by the ingest endpoint",
		}, []string{"stream_tag"}),
		segmentsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_failed_total",
			Help:      "Segments whose upload attempt failed",
		}, []string{"stream_tag"}),
		segmentsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_skipped_total",
			Help:      "Segments below the minimum size that were never uploaded",
		}, []string{"stream_tag"}),
		rotationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_failures_total",
			Help:      "Rotation ticks where the next segment could not begin",
		}, []string{"stream_tag"}),
		segmentBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_size_bytes",
			Help:      "Size of uploaded segments",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 10), // 4KiB to 2MiB
		}),
		uploadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_upload_duration_seconds",
			Help:      "Time from upload start to settlement",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~50s
		}, []string{"outcome"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_capture_sessions",
			Help:      "Capture sessions currently recording",
		}),
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_sessions_started_total",
			Help:      "Capture sessions that reached recording",
		}),
	}
}

var _ metrics.Recorder = (*PrometheusRecorder)(nil)

func (r *PrometheusRecorder) SegmentSent(streamTag string, bytes int64, took time.Duration) {
	r.segmentsSent.WithLabelValues(streamTag).Inc()
	r.segmentBytes.Observe(float64(bytes))
	r.uploadDuration.WithLabelValues("sent").Observe(took.Seconds())
}

func (r *PrometheusRecorder) SegmentFailed(streamTag string, took time.Duration) {
	r.segmentsFailed.WithLabelValues(streamTag).Inc()
	r.uploadDuration.WithLabelValues("failed").Observe(took.Seconds())
}

func (r *PrometheusRecorder) SegmentSkipped(streamTag string) {
	r.segmentsSkipped.WithLabelValues(streamTag).Inc()
}

func (r *PrometheusRecorder) RotationFailed(streamTag string) {
	r.rotationFailures.WithLabelValues(streamTag).Inc()
}

func (r *PrometheusRecorder) SessionStarted() {
	r.sessionsStarted.Inc()
	r.activeSessions.Inc()
}

func (r *PrometheusRecorder) SessionStopped() {
	r.activeSessions.Dec()
}

func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
