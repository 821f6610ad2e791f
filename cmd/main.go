package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	asrgoogle "ai-speech-transcription-service/internal/asr/google"
	asrmock "ai-speech-transcription-service/internal/asr/mock"
	"ai-speech-transcription-service/internal/config"
	"ai-speech-transcription-service/internal/decode"
	"ai-speech-transcription-service/internal/diarize"
	"ai-speech-transcription-service/internal/events"
	"ai-speech-transcription-service/internal/observability"
	"ai-speech-transcription-service/internal/observability/logging"
	"ai-speech-transcription-service/internal/server"
	"ai-speech-transcription-service/internal/translate"
	"ai-speech-transcription-service/internal/vad"
	vadwebrtc "ai-speech-transcription-service/internal/vad/webrtc"
)

func main() {
	cfg := config.Load()

	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})
	defer publisher.Close()

	backends, err := buildBackends(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build model backends")
	}

	obs := observability.NewServer(":" + cfg.Service.ObsPort)
	obs.Start()

	// gRPC health endpoint next to the WebSocket surface, for load
	// balancers and orchestration probes.
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	grpcLis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen for gRPC")
	}
	go func() {
		log.Info().Str("port", cfg.Service.GRPCPort).Msg("gRPC health server started")
		if err := grpcServer.Serve(grpcLis); err != nil {
			log.Fatal().Err(err).Msg("gRPC serve failed")
		}
	}()

	ws := server.NewServer(cfg, backends, publisher)
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/v1/stream", ws.Handle)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Service.HTTPPort,
		Handler: router,
	}
	go func() {
		log.Info().Str("port", cfg.Service.HTTPPort).Msg("Transcription service started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP serve failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	obs.Shutdown(shutdownCtx)
}

// buildBackends selects the model backends from configuration. The mock
// provider serves development and tests; the google provider backs the
// LocalAgreement policy with Cloud Speech.
func buildBackends(cfg *config.Config) (server.Backends, error) {
	backends := server.Backends{
		NewDetector: func() (vad.Detector, error) {
			return vadwebrtc.New(vadwebrtc.Config{
				Mode:          cfg.VAD.Mode,
				MinSilenceSec: cfg.VAD.MinSilenceSec,
			})
		},
		NewDecoder: func() *decode.Manager {
			dcfg := decode.DefaultConfig()
			dcfg.Binary = cfg.Decoder.Binary
			dcfg.MaxRestarts = cfg.Decoder.MaxRestarts
			dcfg.RestartDelay = cfg.Decoder.RestartDelay
			dcfg.ReadTimeout = cfg.Decoder.ReadTimeout
			return decode.NewManager(dcfg, logging.WithComponent("decoder"))
		},
		// Diarization and translation run on the scripted mocks until real
		// models are integrated; sessions enabling them get working output
		// rather than a silent no-op.
		NewDiarizer: func() diarize.Diarizer {
			return diarize.NewMockDiarizer(diarize.DefaultScript)
		},
		Translator: translate.NewMockTranslator(),
	}

	switch cfg.ASRProvider {
	case "google":
		tr, err := asrgoogle.New(context.Background())
		if err != nil {
			return backends, err
		}
		backends.WholeChunk = tr
	default:
		backends.Encoder = asrmock.NewEncoder()
		backends.Decoder = asrmock.NewDecoder(asrmock.DefaultScript)
		backends.WholeChunk = asrmock.NewChunkTranscriber(asrmock.DefaultHypotheses)
	}
	return backends, nil
}
