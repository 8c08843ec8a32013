package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reply reasons used as label values.
const (
	ReplyFast    = "fast"
	ReplySilence = "silence"
	ReplyDetect  = "detect"
)

// Metrics contains all Prometheus metrics for the ASR worker. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Transport metrics
	MessagesReceived *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	Connects         prometheus.Counter
	Disconnects      prometheus.Counter

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsFinished prometheus.Counter
	SessionsDropped  prometheus.Counter

	// Segmentation and reply metrics
	SegmentationSteps prometheus.Counter
	Truncations       prometheus.Counter
	Replies           *prometheus.CounterVec
	SuppressedReplies prometheus.Counter
	InferenceDuration *prometheus.HistogramVec
	InferenceFailures *prometheus.CounterVec

	// Archival metrics
	ArchiveEnqueued   prometheus.Counter
	ArchiveDropped    prometheus.Counter
	ArchiveUploaded   prometheus.Counter
	ArchiveFailures   prometheus.Counter
	ArchiveQueueDepth prometheus.Gauge
	ArchiveDuration   prometheus.Histogram
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_messages_received_total",
			Help: "Total number of messages received from the task server",
		}, []string{"kind"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_decode_errors_total",
			Help: "Total number of inbound messages dropped because they could not be decoded",
		}),
		Connects: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_task_server_connects_total",
			Help: "Total number of successful connections to the task server",
		}),
		Disconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_task_server_disconnects_total",
			Help: "Total number of connection failures or closures",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "asr_active_sessions",
			Help: "Current number of sessions in the session table",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsFinished: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_finished_total",
			Help: "Total number of sessions removed by a finish message",
		}),
		SessionsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_sessions_dropped_total",
			Help: "Total number of sessions discarded on reconnect",
		}),

		SegmentationSteps: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_segmentation_steps_total",
			Help: "Total number of speech-activity segmentation steps",
		}),
		Truncations: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_truncations_total",
			Help: "Total number of buffer truncations",
		}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_replies_total",
			Help: "Total number of chat replies sent",
		}, []string{"reason"}),
		SuppressedReplies: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_replies_suppressed_total",
			Help: "Total number of replies suppressed because the transcript was empty punctuation",
		}),
		InferenceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asr_inference_duration_seconds",
			Help:    "Duration of inference calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"op"}),
		InferenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_inference_failures_total",
			Help: "Total number of failed inference calls",
		}, []string{"op"}),

		ArchiveEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_archive_enqueued_total",
			Help: "Total number of archival jobs accepted",
		}),
		ArchiveDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_archive_dropped_total",
			Help: "Total number of archival jobs dropped because the queue was full or closed",
		}),
		ArchiveUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_archive_uploaded_total",
			Help: "Total number of archival jobs stored",
		}),
		ArchiveFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "asr_archive_failures_total",
			Help: "Total number of archival jobs that failed to encode or upload",
		}),
		ArchiveQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "asr_archive_queue_depth",
			Help: "Current number of archival jobs waiting",
		}),
		ArchiveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_archive_duration_seconds",
			Help:    "Time spent encoding and uploading one archival job",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),
	}
}

// RecordMessage counts an inbound message by kind (audio, detect, finish, unknown).
func (m *Metrics) RecordMessage(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

// RecordDecodeError counts a dropped undecodable message.
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordConnect counts a successful connection.
func (m *Metrics) RecordConnect() {
	if m == nil {
		return
	}
	m.Connects.Inc()
}

// RecordDisconnect counts a failed or closed connection.
func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.Disconnects.Inc()
}

// SetActiveSessions sets the session table size.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordSessionCreated counts a new session.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionFinished counts a session removed by finish.
func (m *Metrics) RecordSessionFinished() {
	if m == nil {
		return
	}
	m.SessionsFinished.Inc()
}

// RecordSessionsDropped counts sessions discarded on reconnect.
func (m *Metrics) RecordSessionsDropped(n int) {
	if m == nil {
		return
	}
	m.SessionsDropped.Add(float64(n))
}

// RecordSegmentationStep counts one segmentation step.
func (m *Metrics) RecordSegmentationStep() {
	if m == nil {
		return
	}
	m.SegmentationSteps.Inc()
}

// RecordTruncation counts one buffer truncation.
func (m *Metrics) RecordTruncation() {
	if m == nil {
		return
	}
	m.Truncations.Inc()
}

// RecordReply counts a reply sent for reason.
func (m *Metrics) RecordReply(reason string) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(reason).Inc()
}

// RecordSuppressedReply counts a reply skipped for an empty transcript.
func (m *Metrics) RecordSuppressedReply() {
	if m == nil {
		return
	}
	m.SuppressedReplies.Inc()
}

// RecordInference observes one inference call of op.
func (m *Metrics) RecordInference(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.InferenceDuration.WithLabelValues(op).Observe(seconds)
	if err != nil {
		m.InferenceFailures.WithLabelValues(op).Inc()
	}
}

// RecordArchiveEnqueued counts an accepted job and updates the depth gauge.
func (m *Metrics) RecordArchiveEnqueued(depth int) {
	if m == nil {
		return
	}
	m.ArchiveEnqueued.Inc()
	m.ArchiveQueueDepth.Set(float64(depth))
}

// RecordArchiveDropped counts a job that could not be queued.
func (m *Metrics) RecordArchiveDropped() {
	if m == nil {
		return
	}
	m.ArchiveDropped.Inc()
}

// RecordArchiveResult records the outcome of one consumed job.
func (m *Metrics) RecordArchiveResult(seconds float64, depth int, err error) {
	if m == nil {
		return
	}
	m.ArchiveDuration.Observe(seconds)
	m.ArchiveQueueDepth.Set(float64(depth))
	if err != nil {
		m.ArchiveFailures.Inc()
		return
	}
	m.ArchiveUploaded.Inc()
}
