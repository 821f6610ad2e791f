// Package config loads service configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// PolicyAlignAtt and PolicyLocalAgreement select the transcription
// stabilization policy for a session.
const (
	PolicyAlignAtt       = "align_att"
	PolicyLocalAgreement = "local_agreement"
)

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	Principal string
	HTTPPort  string
	GRPCPort  string
	ObsPort   string
}

// PipelineConfig holds per-session defaults. A session may override most of
// these through its start message.
type PipelineConfig struct {
	BackendPolicy  string  // align_att | local_agreement
	Language       string  // source language or "auto"
	TargetLanguage string  // empty disables translation
	Diarization    bool
	Translation    bool
	PCMInput       bool
	PublishHz      float64
	ClockTimestamps bool // render H:MM:SS instead of seconds
}

// AlignAttConfig tunes the attention-fire policy.
type AlignAttConfig struct {
	FrameThreshold     int     // encoder frames treated as the live edge
	FireThreshold      float64 // max attention mass on the live edge to commit
	AudioMaxLen        float64 // seconds of audio kept in the rolling window
	MaxTokensPerTick   int
	MaxTentativeTokens int
	BeamSize           int
}

// LocalAgreementConfig tunes the hypothesis-buffering policy.
type LocalAgreementConfig struct {
	BufferTrimming string  // "sentence" | "segment"
	BufferMaxSec   float64 // suffix window limit before trimming
	MaxFailures    int     // consecutive tick failures before escalation
}

// DecoderConfig supervises the external decode child process.
type DecoderConfig struct {
	Binary       string
	MaxRestarts  int
	RestartDelay time.Duration
	ReadTimeout  time.Duration
}

// VADConfig tunes the voice-activity gate.
type VADConfig struct {
	Mode           int // webrtcvad aggressiveness 0-3
	MinSilenceSec  float64
	ChunkFlushSec  float64 // active audio is flushed downstream in pieces of this size
}

// KafkaConfig configures the optional transcript event publisher.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json | console
}

// Config is the root configuration for the service.
type Config struct {
	Service        ServiceConfig
	Pipeline       PipelineConfig
	AlignAtt       AlignAttConfig
	LocalAgreement LocalAgreementConfig
	Decoder        DecoderConfig
	VAD            VADConfig
	Kafka          KafkaConfig
	Observability  ObservabilityConfig
	ASRProvider    string // mock | google
	DrainDeadline  time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal: envOrDefault("SERVICE_PRINCIPAL", "svc-speech-transcription"),
			HTTPPort:  envOrDefault("HTTP_PORT", "8080"),
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			ObsPort:   envOrDefault("OBS_PORT", "9090"),
		},
		Pipeline: PipelineConfig{
			BackendPolicy:   envOrDefault("BACKEND_POLICY", PolicyAlignAtt),
			Language:        envOrDefault("LANGUAGE", "auto"),
			TargetLanguage:  envOrDefault("TARGET_LANGUAGE", ""),
			Diarization:     envBool("DIARIZATION", false),
			Translation:     envBool("TRANSLATION", false),
			PCMInput:        envBool("PCM_INPUT", false),
			PublishHz:       envFloat("PUBLISH_HZ", 20),
			ClockTimestamps: envBool("CLOCK_TIMESTAMPS", false),
		},
		AlignAtt: AlignAttConfig{
			FrameThreshold:     envInt("ALIGNATT_FRAME_THRESHOLD", 25),
			FireThreshold:      envFloat("ALIGNATT_FIRE_THRESHOLD", 0.25),
			AudioMaxLen:        envFloat("ALIGNATT_AUDIO_MAX_LEN", 30),
			MaxTokensPerTick:   envInt("ALIGNATT_MAX_TOKENS_PER_TICK", 12),
			MaxTentativeTokens: envInt("ALIGNATT_MAX_TENTATIVE_TOKENS", 8),
			BeamSize:           envInt("ALIGNATT_BEAM_SIZE", 1),
		},
		LocalAgreement: LocalAgreementConfig{
			BufferTrimming: envOrDefault("LA_BUFFER_TRIMMING", "sentence"),
			BufferMaxSec:   envFloat("LA_BUFFER_MAX_SEC", 15),
			MaxFailures:    envInt("LA_MAX_FAILURES", 5),
		},
		Decoder: DecoderConfig{
			Binary:       envOrDefault("DECODER_BINARY", "ffmpeg"),
			MaxRestarts:  envInt("DECODER_MAX_RESTARTS", 3),
			RestartDelay: envDuration("DECODER_RESTART_DELAY", time.Second),
			ReadTimeout:  envDuration("DECODER_READ_TIMEOUT", 20*time.Second),
		},
		VAD: VADConfig{
			Mode:          envInt("VAD_MODE", 2),
			MinSilenceSec: envFloat("VAD_MIN_SILENCE_SEC", 0.5),
			ChunkFlushSec: envFloat("VAD_CHUNK_FLUSH_SEC", 1.0),
		},
		Kafka: KafkaConfig{
			Enabled:      envBool("KAFKA_ENABLED", false),
			Brokers:      splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "transcription.snapshot.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "transcription.segment.final"),
			Principal:    envOrDefault("SERVICE_PRINCIPAL", "svc-speech-transcription"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
		ASRProvider:   envOrDefault("ASR_PROVIDER", "mock"),
		DrainDeadline: envDuration("DRAIN_DEADLINE", 10*time.Second),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
