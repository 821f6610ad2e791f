// Package events publishes transcript events to Kafka for downstream
// consumers. Publishing is optional; without brokers the publisher runs in
// log-only mode.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-speech-transcription-service/internal/models"
	"ai-speech-transcription-service/internal/observability/metrics"
)

// SnapshotPartial is the event emitted for tentative transcript updates.
type SnapshotPartial struct {
	EventType           string `json:"eventType"`
	SessionID           string `json:"sessionId"`
	Timestamp           int64  `json:"timestamp"`
	BufferTranscription string `json:"bufferTranscription"`
	BufferTranslation   string `json:"bufferTranslation,omitempty"`
}

// SegmentFinal is the event emitted for each finalized display segment.
type SegmentFinal struct {
	EventType   string  `json:"eventType"`
	SessionID   string  `json:"sessionId"`
	Timestamp   int64   `json:"timestamp"`
	Start       string  `json:"start"`
	End         string  `json:"end"`
	Text        string  `json:"text"`
	Speaker     int     `json:"speaker"`
	Translation string  `json:"translation,omitempty"`
}

// Publisher publishes transcript events to separate Kafka topics.
type Publisher struct {
	writerPartial *kafka.Writer
	writerFinal   *kafka.Writer
	principal     string
	topicPartial  string
	topicFinal    string
	enabled       bool
	metrics       *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
	Enabled      bool
}

// New creates a Kafka event publisher with separate topics for partial and
// final transcript events.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil || !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		p := &Publisher{enabled: false, metrics: m}
		if cfg != nil {
			p.principal = cfg.Principal
			p.topicPartial = cfg.TopicPartial
			p.topicFinal = cfg.TopicFinal
		}
		return p
	}

	// Longer dial timeouts for DNS resolution in Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	writerPartial := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicPartial,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
	writerFinal := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicFinal,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerPartial: writerPartial,
		writerFinal:   writerFinal,
		principal:     cfg.Principal,
		topicPartial:  cfg.TopicPartial,
		topicFinal:    cfg.TopicFinal,
		enabled:       true,
		metrics:       m,
	}
}

// PublishPartial publishes a tentative transcript update.
func (p *Publisher) PublishPartial(ctx context.Context, sessionId string, snapshot models.Snapshot) error {
	ev := SnapshotPartial{
		EventType:           "transcription.snapshot.partial",
		SessionID:           sessionId,
		Timestamp:           time.Now().UnixMilli(),
		BufferTranscription: snapshot.BufferTranscription,
		BufferTranslation:   snapshot.BufferTranslation,
	}
	return p.publish(ctx, p.writerPartial, p.topicPartial, "partial", sessionId, ev)
}

// PublishFinal publishes the finalized display segments of a session.
func (p *Publisher) PublishFinal(ctx context.Context, sessionId string, segments []models.Segment) error {
	var err error
	for _, seg := range segments {
		ev := SegmentFinal{
			EventType:   "transcription.segment.final",
			SessionID:   sessionId,
			Timestamp:   time.Now().UnixMilli(),
			Start:       seg.Start,
			End:         seg.End,
			Text:        seg.Text,
			Speaker:     seg.Speaker,
			Translation: seg.Translation,
		}
		if e := p.publish(ctx, p.writerFinal, p.topicFinal, "final", sessionId, ev); e != nil {
			err = e
		}
	}
	return err
}

// publish writes one event to a specific Kafka writer.
func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerPartial != nil {
		if e := p.writerPartial.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if p.writerFinal != nil {
		if e := p.writerFinal.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	return err
}
