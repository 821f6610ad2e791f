// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_speech_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsSuccess prometheus.Counter
	SessionsFailed  *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio metrics
	AudioBytesReceived prometheus.Counter
	PCMBytesDecoded    prometheus.Counter
	FramesDropped      prometheus.Counter

	// Decoder child metrics
	DecoderRestarts prometheus.Counter
	DecoderFailures prometheus.Counter

	// VAD metrics
	VADActiveChunks  prometheus.Counter
	VADSilenceEvents prometheus.Counter

	// Transcription metrics
	TokensCommitted   prometheus.Counter
	TranscriberTicks  *prometheus.CounterVec
	TickDuration      prometheus.Histogram
	TranscriberResets prometheus.Counter

	// Diarization metrics
	SpeakerIntervals prometheus.Counter

	// Translation metrics
	TranslationGroups *prometheus.CounterVec

	// Publisher metrics
	SnapshotsEmitted    prometheus.Counter
	SnapshotsSuppressed prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of transcription sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active transcription sessions",
		}),
		SessionsSuccess: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_success_total",
			Help:      "Total number of sessions finalized cleanly",
		}),
		SessionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions terminated with an error",
		}, []string{"kind"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of transcription sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total bytes of audio received at ingress",
		}),
		PCMBytesDecoded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pcm_bytes_decoded_total",
			Help:      "Total bytes of PCM produced by the decoder",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total ingress frames rejected due to backpressure",
		}),

		DecoderRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoder_restarts_total",
			Help:      "Total decoder child process restarts",
		}),
		DecoderFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoder_failures_total",
			Help:      "Total decoder failures after restart exhaustion",
		}),

		VADActiveChunks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_active_chunks_total",
			Help:      "Total active audio chunks emitted by the VAD gate",
		}),
		VADSilenceEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_silence_events_total",
			Help:      "Total silence events emitted by the VAD gate",
		}),

		TokensCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_committed_total",
			Help:      "Total tokens committed to the transcript timeline",
		}),
		TranscriberTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriber_ticks_total",
			Help:      "Total transcriber ticks by outcome",
		}, []string{"policy", "outcome"}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcriber_tick_duration_seconds",
			Help:      "Duration of transcriber ticks in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		TranscriberResets: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriber_resets_total",
			Help:      "Total transcriber state resets after decode failures",
		}),

		SpeakerIntervals: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaker_intervals_total",
			Help:      "Total raw speaker intervals received from the diarizer",
		}),

		TranslationGroups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translation_groups_total",
			Help:      "Total translation groups by outcome",
		}, []string{"outcome"}),

		SnapshotsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_emitted_total",
			Help:      "Total snapshots emitted to subscribers",
		}),
		SnapshotsSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_suppressed_total",
			Help:      "Total publisher ticks suppressed because nothing changed",
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total Kafka publish attempts",
		}, []string{"topic", "eventType"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total Kafka publish errors",
		}, []string{"topic", "eventType"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Latency of Kafka publishes in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, seconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(seconds)
}

// RecordSessionStart records a new session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a finished session.
func (m *Metrics) RecordSessionEnd(kind string, seconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(seconds)
	if kind == "" {
		m.SessionsSuccess.Inc()
	} else {
		m.SessionsFailed.WithLabelValues(kind).Inc()
	}
}
