// Package server exposes transcription sessions over WebSocket. One
// connection carries one session: a JSON start message, binary audio
// frames in, JSON snapshots out.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-transcription-service/internal/asr"
	"ai-speech-transcription-service/internal/config"
	"ai-speech-transcription-service/internal/decode"
	"ai-speech-transcription-service/internal/diarize"
	"ai-speech-transcription-service/internal/events"
	"ai-speech-transcription-service/internal/observability/logging"
	"ai-speech-transcription-service/internal/pipeline"
	"ai-speech-transcription-service/internal/transcriber"
	"ai-speech-transcription-service/internal/translate"
	"ai-speech-transcription-service/internal/vad"
)

const (
	readDeadline  = 120 * time.Second
	writeDeadline = 10 * time.Second
)

// StartMessage is the first message of a session, overriding the service
// defaults for this connection.
type StartMessage struct {
	BackendPolicy  string  `json:"backend_policy,omitempty"`
	Language       string  `json:"language,omitempty"`
	TargetLanguage string  `json:"target_language,omitempty"`
	Diarization    *bool   `json:"diarization,omitempty"`
	Translation    *bool   `json:"translation,omitempty"`
	PCMInput       *bool   `json:"pcm_input,omitempty"`
	PublishHz      float64 `json:"publish_hz,omitempty"`
}

// ConfigSnapshot echoes the resolved session settings to the client before
// any transcript snapshot.
type ConfigSnapshot struct {
	Type            string  `json:"type"`
	SessionID       string  `json:"session_id"`
	BackendPolicy   string  `json:"backend_policy"`
	Language        string  `json:"language"`
	TargetLanguage  string  `json:"target_language,omitempty"`
	Diarization     bool    `json:"diarization"`
	Translation     bool    `json:"translation"`
	PCMInput        bool    `json:"pcm_input"`
	PublishHz       float64 `json:"publish_hz"`
	TimestampFormat string  `json:"timestamp_format"`
}

// Backends bundles the shared model handles one server hands to each
// session pipeline. Handles are shared across sessions; the decoder child
// is per-session and created through NewDecoder.
type Backends struct {
	Encoder     asr.Encoder
	Decoder     asr.Decoder
	WholeChunk  asr.WholeChunkTranscriber
	NewDetector func() (vad.Detector, error)
	NewDiarizer func() diarize.Diarizer
	Translator  translate.Translator
	NewDecoder  func() *decode.Manager
}

// Server upgrades HTTP connections and runs one pipeline per session.
type Server struct {
	cfg      *config.Config
	backends Backends
	events   *events.Publisher
	upgrader websocket.Upgrader
}

// NewServer creates the WebSocket session server.
func NewServer(cfg *config.Config, backends Backends, ev *events.Publisher) *Server {
	return &Server{
		cfg:      cfg,
		backends: backends,
		events:   ev,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// Handle runs one session over one WebSocket connection.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sessionId := uuid.NewString()
	logger := logging.WithSession(sessionId)

	cfg := s.sessionConfig(conn, logger)
	p, err := s.buildPipeline(sessionId, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build pipeline")
		conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
		return
	}

	if err := conn.WriteJSON(ConfigSnapshot{
		Type:            "config",
		SessionID:       sessionId,
		BackendPolicy:   cfg.Pipeline.BackendPolicy,
		Language:        cfg.Pipeline.Language,
		TargetLanguage:  cfg.Pipeline.TargetLanguage,
		Diarization:     cfg.Pipeline.Diarization,
		Translation:     cfg.Pipeline.Translation,
		PCMInput:        cfg.Pipeline.PCMInput,
		PublishHz:       cfg.Pipeline.PublishHz,
		TimestampFormat: timestampFormat(cfg),
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to send config snapshot")
		return
	}

	if err := p.Start(r.Context()); err != nil {
		logger.Error().Err(err).Msg("Failed to start pipeline")
		conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
		return
	}
	defer p.Abort()

	// Writer: forward snapshots until the stream closes after
	// ready_to_stop.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for snap := range p.Snapshots() {
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(snap); err != nil {
				logger.Warn().Err(err).Msg("Snapshot write failed")
				return
			}
		}
	}()

	// Reader: binary frames feed the pipeline; an empty frame drains.
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("WebSocket read failed")
			}
			p.Finish()
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := p.ProcessAudio(data); err != nil {
			if errors.Is(err, pipeline.ErrBackpressure) {
				// The frame is dropped; the client keeps streaming.
				continue
			}
			logger.Warn().Err(err).Msg("Frame rejected")
		}
		if len(data) == 0 {
			break
		}
	}

	select {
	case <-writerDone:
	case <-time.After(cfg.DrainDeadline + 5*time.Second):
		logger.Warn().Msg("Timed out waiting for final snapshots")
	}
}

// sessionConfig resolves the per-session configuration from the service
// defaults and the optional start message.
func (s *Server) sessionConfig(conn *websocket.Conn, logger zerolog.Logger) *config.Config {
	// Shallow copy; only the Pipeline section is overridden per session.
	cfg := *s.cfg

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil || msgType != websocket.TextMessage {
		return &cfg
	}
	var start StartMessage
	if err := json.Unmarshal(data, &start); err != nil {
		logger.Warn().Err(err).Msg("Malformed start message, using defaults")
		return &cfg
	}

	if start.BackendPolicy != "" {
		cfg.Pipeline.BackendPolicy = start.BackendPolicy
	}
	if start.Language != "" {
		cfg.Pipeline.Language = start.Language
	}
	if start.TargetLanguage != "" {
		cfg.Pipeline.TargetLanguage = start.TargetLanguage
	}
	if start.Diarization != nil {
		cfg.Pipeline.Diarization = *start.Diarization
	}
	if start.Translation != nil {
		cfg.Pipeline.Translation = *start.Translation
	}
	if start.PCMInput != nil {
		cfg.Pipeline.PCMInput = *start.PCMInput
	}
	if start.PublishHz > 0 {
		cfg.Pipeline.PublishHz = start.PublishHz
	}
	return &cfg
}

// buildPipeline assembles a session pipeline from the shared backends.
func (s *Server) buildPipeline(sessionId string, cfg *config.Config) (*pipeline.Pipeline, error) {
	policy, err := transcriber.New(cfg, cfg.Pipeline.Language, transcriber.Backends{
		Encoder:    s.backends.Encoder,
		Decoder:    s.backends.Decoder,
		WholeChunk: s.backends.WholeChunk,
	})
	if err != nil {
		return nil, err
	}
	detector, err := s.backends.NewDetector()
	if err != nil {
		return nil, err
	}

	opts := pipeline.Options{
		SessionID: sessionId,
		Config:    cfg,
		Policy:    policy,
		Detector:  detector,
		Events:    s.events,
	}
	if !cfg.Pipeline.PCMInput {
		if s.backends.NewDecoder == nil {
			return nil, errors.New("compressed input not supported: no decoder factory")
		}
		opts.Decoder = s.backends.NewDecoder()
	}
	if cfg.Pipeline.Diarization && s.backends.NewDiarizer != nil {
		opts.Diarizer = s.backends.NewDiarizer()
	}
	if cfg.Pipeline.Translation && cfg.Pipeline.TargetLanguage != "" {
		opts.Translator = s.backends.Translator
	}
	return pipeline.New(opts)
}

func timestampFormat(cfg *config.Config) string {
	if cfg.Pipeline.ClockTimestamps {
		return "clock"
	}
	return "seconds"
}
