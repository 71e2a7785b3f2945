package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// UploadMetrics covers the upload lifecycle: planning, chunk reports,
// merge attempts, completions and cleanup.
type UploadMetrics struct {
	plans          *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	chunkReports   prometheus.Counter
	mergeAttempts  *prometheus.CounterVec
	mergeDuration  *prometheus.HistogramVec
	completions    *prometheus.CounterVec
	cleanupDeletes *prometheus.CounterVec
	sweptSessions  prometheus.Counter
	abortedUploads prometheus.Counter
}

func NewUploadMetrics(reg prometheus.Registerer) *UploadMetrics {
	m := &UploadMetrics{
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploads",
			Name:      "plans_total",
			Help:      "Upload plans issued, by mode (direct or chunked).",
		}, []string{"mode"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploads",
			Name:      "authorizations_total",
			Help:      "Chunk write authorizations issued, by result.",
		}, []string{"result"}),
		chunkReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploads",
			Name:      "chunk_reports_total",
			Help:      "Chunk upload reports received from clients.",
		}),
		mergeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "attempts_total",
			Help:      "Merge strategy attempts, by strategy and result.",
		}, []string{"strategy", "result"}),
		mergeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of merge strategy attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"strategy"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploads",
			Name:      "completions_total",
			Help:      "Completion requests, by outcome.",
		}, []string{"outcome"}),
		cleanupDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "deletes_total",
			Help:      "Objects and local artifacts removed by cleanup, by result.",
		}, []string{"result"}),
		sweptSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "swept_sessions_total",
			Help:      "Expired sessions removed by the sweeper.",
		}),
		abortedUploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "aborted_multipart_total",
			Help:      "Stale native multipart uploads aborted by the sweeper.",
		}),
	}

	reg.MustRegister(
		m.plans, m.authorizations, m.chunkReports,
		m.mergeAttempts, m.mergeDuration, m.completions,
		m.cleanupDeletes, m.sweptSessions, m.abortedUploads,
	)
	return m
}

func (m *UploadMetrics) Planned(direct bool) {
	mode := "chunked"
	if direct {
		mode = "direct"
	}
	m.plans.WithLabelValues(mode).Inc()
}

func (m *UploadMetrics) AuthorizationIssued(err error) {
	m.authorizations.WithLabelValues(result(err)).Inc()
}

func (m *UploadMetrics) ChunkReported() {
	m.chunkReports.Inc()
}

func (m *UploadMetrics) MergeAttempt(strategy string, err error, dur time.Duration) {
	m.mergeAttempts.WithLabelValues(strategy, result(err)).Inc()
	m.mergeDuration.WithLabelValues(strategy).Observe(dur.Seconds())
}

// Completed records a completion outcome such as "complete", "failed",
// "chunks_missing" or "already_complete".
func (m *UploadMetrics) Completed(outcome string) {
	m.completions.WithLabelValues(outcome).Inc()
}

func (m *UploadMetrics) CleanupDelete(err error) {
	m.cleanupDeletes.WithLabelValues(result(err)).Inc()
}

func (m *UploadMetrics) Swept(sessions, abortedMultipart int) {
	m.sweptSessions.Add(float64(sessions))
	m.abortedUploads.Add(float64(abortedMultipart))
}
