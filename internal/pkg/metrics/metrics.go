package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
)

// UploadMetrics 上传引擎的 Prometheus 指标，实现 engine.Metrics
type UploadMetrics struct {
	chunksTotal    *prometheus.CounterVec
	chunkDuration  *prometheus.HistogramVec
	bytesUploaded  prometheus.Counter
	retriesTotal   *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	outcomes       *prometheus.CounterVec
}

// New 在 reg 上注册全部指标，reg 为 nil 时使用默认 registry
func New(reg prometheus.Registerer) *UploadMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &UploadMetrics{
		chunksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkupload_chunk_attempts_total",
				Help: "Total number of chunk upload attempts by result",
			},
			[]string{"result"},
		),
		chunkDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "chunkupload_chunk_duration_milliseconds",
				Help: "Duration of chunk upload attempts in milliseconds",
				Buckets: []float64{
					10,     // 10ms
					100,    // 100ms
					500,    // 500ms
					1000,   // 1s
					5000,   // 5s
					30000,  // 30s
					120000, // 2m - chunk timeout
				},
			},
			[]string{"result"},
		),
		bytesUploaded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "chunkupload_bytes_uploaded_total",
				Help: "Total bytes of successfully uploaded chunks",
			},
		),
		retriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkupload_chunk_retries_total",
				Help: "Total number of scheduled chunk retries by error kind",
			},
			[]string{"kind"},
		),
		commitDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunkupload_commit_duration_milliseconds",
				Help:    "Duration of block list commits in milliseconds",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
			},
			[]string{"result"},
		),
		inFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "chunkupload_chunks_in_flight",
				Help: "Number of chunk uploads currently in flight",
			},
		),
		outcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkupload_uploads_finished_total",
				Help: "Total number of uploads reaching a terminal status",
			},
			[]string{"status"},
		),
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func (m *UploadMetrics) ObserveChunk(success bool, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.chunksTotal.WithLabelValues(result(success)).Inc()
	m.chunkDuration.WithLabelValues(result(success)).Observe(float64(d.Milliseconds()))
	if success {
		m.bytesUploaded.Add(float64(bytes))
	}
}

func (m *UploadMetrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(kind).Inc()
}

func (m *UploadMetrics) ObserveCommit(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.commitDuration.WithLabelValues(result(err == nil)).Observe(float64(d.Milliseconds()))
}

func (m *UploadMetrics) AddInFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}

func (m *UploadMetrics) RecordOutcome(status models.UploadStatus) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(status)).Inc()
}
