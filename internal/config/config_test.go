package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"SERVICE_PRINCIPAL", "HTTP_PORT", "GRPC_PORT", "OBS_PORT",
		"BACKEND_POLICY", "LANGUAGE", "TARGET_LANGUAGE",
		"DIARIZATION", "TRANSLATION", "PCM_INPUT", "PUBLISH_HZ",
		"ALIGNATT_FRAME_THRESHOLD", "ALIGNATT_FIRE_THRESHOLD",
		"ALIGNATT_AUDIO_MAX_LEN", "LA_BUFFER_TRIMMING", "LA_BUFFER_MAX_SEC",
		"DECODER_BINARY", "DECODER_MAX_RESTARTS", "DECODER_RESTART_DELAY",
		"VAD_MODE", "KAFKA_ENABLED", "KAFKA_BROKERS",
		"LOG_LEVEL", "ASR_PROVIDER", "DRAIN_DEADLINE",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Service.Principal != "svc-speech-transcription" {
		t.Errorf("expected default principal 'svc-speech-transcription', got %s", cfg.Service.Principal)
	}
	if cfg.Pipeline.BackendPolicy != PolicyAlignAtt {
		t.Errorf("expected default policy align_att, got %s", cfg.Pipeline.BackendPolicy)
	}
	if cfg.Pipeline.PublishHz != 20 {
		t.Errorf("expected default publish rate 20, got %v", cfg.Pipeline.PublishHz)
	}
	if cfg.AlignAtt.FrameThreshold != 25 {
		t.Errorf("expected default frame threshold 25, got %d", cfg.AlignAtt.FrameThreshold)
	}
	if cfg.AlignAtt.FireThreshold != 0.25 {
		t.Errorf("expected default fire threshold 0.25, got %v", cfg.AlignAtt.FireThreshold)
	}
	if cfg.AlignAtt.AudioMaxLen != 30 {
		t.Errorf("expected default audio max len 30, got %v", cfg.AlignAtt.AudioMaxLen)
	}
	if cfg.LocalAgreement.BufferTrimming != "sentence" {
		t.Errorf("expected default trimming 'sentence', got %s", cfg.LocalAgreement.BufferTrimming)
	}
	if cfg.LocalAgreement.BufferMaxSec != 15 {
		t.Errorf("expected default buffer max 15s, got %v", cfg.LocalAgreement.BufferMaxSec)
	}
	if cfg.LocalAgreement.MaxFailures != 5 {
		t.Errorf("expected default max failures 5, got %d", cfg.LocalAgreement.MaxFailures)
	}
	if cfg.Decoder.Binary != "ffmpeg" {
		t.Errorf("expected default decoder binary 'ffmpeg', got %s", cfg.Decoder.Binary)
	}
	if cfg.Decoder.MaxRestarts != 3 {
		t.Errorf("expected default max restarts 3, got %d", cfg.Decoder.MaxRestarts)
	}
	if cfg.Kafka.Enabled {
		t.Error("expected kafka disabled by default")
	}
	if cfg.ASRProvider != "mock" {
		t.Errorf("expected default ASR provider 'mock', got %s", cfg.ASRProvider)
	}
	if cfg.DrainDeadline != 10*time.Second {
		t.Errorf("expected default drain deadline 10s, got %v", cfg.DrainDeadline)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND_POLICY", PolicyLocalAgreement)
	t.Setenv("DIARIZATION", "true")
	t.Setenv("TARGET_LANGUAGE", "en")
	t.Setenv("PUBLISH_HZ", "10")
	t.Setenv("ALIGNATT_FRAME_THRESHOLD", "40")
	t.Setenv("DECODER_BINARY", "cat")
	t.Setenv("DECODER_RESTART_DELAY", "250ms")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := Load()

	if cfg.Pipeline.BackendPolicy != PolicyLocalAgreement {
		t.Errorf("expected local_agreement, got %s", cfg.Pipeline.BackendPolicy)
	}
	if !cfg.Pipeline.Diarization {
		t.Error("expected diarization enabled")
	}
	if cfg.Pipeline.TargetLanguage != "en" {
		t.Errorf("expected target language 'en', got %s", cfg.Pipeline.TargetLanguage)
	}
	if cfg.Pipeline.PublishHz != 10 {
		t.Errorf("expected publish rate 10, got %v", cfg.Pipeline.PublishHz)
	}
	if cfg.AlignAtt.FrameThreshold != 40 {
		t.Errorf("expected frame threshold 40, got %d", cfg.AlignAtt.FrameThreshold)
	}
	if cfg.Decoder.Binary != "cat" {
		t.Errorf("expected decoder binary 'cat', got %s", cfg.Decoder.Binary)
	}
	if cfg.Decoder.RestartDelay != 250*time.Millisecond {
		t.Errorf("expected restart delay 250ms, got %v", cfg.Decoder.RestartDelay)
	}
	if !cfg.Kafka.Enabled {
		t.Error("expected kafka enabled")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "k1:9092" || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PUBLISH_HZ", "not-a-number")
	t.Setenv("DIARIZATION", "maybe")
	t.Setenv("DECODER_RESTART_DELAY", "soon")

	cfg := Load()

	if cfg.Pipeline.PublishHz != 20 {
		t.Errorf("expected fallback publish rate 20, got %v", cfg.Pipeline.PublishHz)
	}
	if cfg.Pipeline.Diarization {
		t.Error("expected fallback diarization false")
	}
	if cfg.Decoder.RestartDelay != time.Second {
		t.Errorf("expected fallback restart delay 1s, got %v", cfg.Decoder.RestartDelay)
	}
}
