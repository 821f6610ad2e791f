package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-transcription-service/internal/config"
	"ai-speech-transcription-service/internal/decode"
	"ai-speech-transcription-service/internal/diarize"
	"ai-speech-transcription-service/internal/events"
	"ai-speech-transcription-service/internal/models"
	"ai-speech-transcription-service/internal/observability/logging"
	"ai-speech-transcription-service/internal/observability/metrics"
	"ai-speech-transcription-service/internal/transcriber"
	"ai-speech-transcription-service/internal/translate"
	"ai-speech-transcription-service/internal/vad"
)

// ErrBackpressure is returned to the ingress caller when a frame cannot be
// accepted without unbounded buffering. The caller is expected to drop the
// frame.
var ErrBackpressure = errors.New("ingress backpressure: frame rejected")

// minRealSilence is the shortest gap rendered as its own silence segment.
// Shorter gaps still flow through the stages for time bookkeeping.
const minRealSilence = 5.0

// Stage queue capacities.
const (
	transcriptionQueueCap = 256
	diarizationQueueCap   = 256
	translationQueueCap   = 64
	snapshotQueueCap      = 64
	// backpressureMargin leaves room for the events of one PCM frame.
	backpressureMargin = 8
)

// Options wires one session's pipeline.
type Options struct {
	SessionID  string
	Config     *config.Config
	Policy     transcriber.Policy
	Detector   vad.Detector
	Decoder    *decode.Manager      // nil for PCM-input sessions
	Diarizer   diarize.Diarizer     // nil disables diarization
	Translator translate.Translator // nil disables translation
	Events     *events.Publisher    // nil disables event publishing
}

// trItem is one unit of work for the translation stage.
type trItem struct {
	token models.Token
	flush bool
}

// Pipeline is one session's processing DAG. Stages run as goroutines joined
// by bounded channels; all state mutation happens in SessionState under its
// lock.
type Pipeline struct {
	opts  Options
	cfg   *config.Config
	log   zerolog.Logger
	state *SessionState

	gate       *vad.Gate
	post       *diarize.PostProcessor
	translator *translate.Worker

	transcriptionCh chan vad.Event
	diarizationCh   chan vad.Event
	translationCh   chan trItem
	snapshots       chan models.Snapshot

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stagesDone chan struct{}
	fatalCh    chan struct{}
	fatalOnce  sync.Once
	drainOnce  sync.Once
	inputOnce  sync.Once
	stopping   atomic.Bool

	pcmResidue []byte
	started    time.Time
}

// New creates a pipeline for one session.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.New("pipeline requires a configuration")
	}
	if opts.Policy == nil {
		return nil, errors.New("pipeline requires a transcriber policy")
	}
	if opts.Detector == nil {
		return nil, errors.New("pipeline requires a VAD detector")
	}
	if !opts.Config.Pipeline.PCMInput && opts.Decoder == nil {
		return nil, errors.New("compressed input requires a decoder")
	}

	p := &Pipeline{
		opts:            opts,
		cfg:             opts.Config,
		log:             logging.WithSession(opts.SessionID),
		state:           NewSessionState(),
		gate:            vad.NewGate(opts.Detector, opts.Config.VAD.ChunkFlushSec),
		transcriptionCh: make(chan vad.Event, transcriptionQueueCap),
		snapshots:       make(chan models.Snapshot, snapshotQueueCap),
		stagesDone:      make(chan struct{}),
		fatalCh:         make(chan struct{}),
	}
	if opts.Diarizer != nil {
		p.post = diarize.NewPostProcessor()
		p.diarizationCh = make(chan vad.Event, diarizationQueueCap)
	}
	if opts.Translator != nil {
		p.translator = translate.NewWorker(
			translate.DefaultConfig(),
			opts.Translator,
			opts.Config.Pipeline.Language,
			opts.Config.Pipeline.TargetLanguage,
		)
		p.translationCh = make(chan trItem, translationQueueCap)
	}
	return p, nil
}

// Snapshots returns the subscriber stream. It is closed after the terminal
// ready_to_stop event.
func (p *Pipeline) Snapshots() <-chan models.Snapshot {
	return p.snapshots
}

// Start launches the stage goroutines.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = time.Now()
	metrics.DefaultMetrics.RecordSessionStart()

	if dec := p.opts.Decoder; dec != nil {
		dec.OnFatal = func(err error) {
			if errors.Is(err, decode.ErrMissing) {
				p.fatal(models.ErrKindDecoderMissing)
				return
			}
			p.fatal(models.ErrKindDecoderCrash)
		}
		if err := dec.Start(); err != nil {
			if errors.Is(err, decode.ErrMissing) {
				p.state.SetError(models.ErrKindDecoderMissing)
				return fmt.Errorf("start decoder: %w", err)
			}
			p.state.SetError(models.ErrKindDecoderCrash)
			return fmt.Errorf("start decoder: %w", err)
		}
		p.wg.Add(1)
		go p.decoderReader()
	}

	p.wg.Add(1)
	go p.transcriptionLoop()

	if p.diarizationCh != nil {
		p.wg.Add(1)
		go p.diarizationLoop()
	}
	if p.translationCh != nil {
		p.wg.Add(1)
		go p.translationLoop()
	}

	// Lifecycle watcher: stages draining cleanly closes stagesDone.
	go func() {
		p.wg.Wait()
		p.log.Debug().Msg("All processing stages finished")
		close(p.stagesDone)
	}()

	go p.publishLoop()
	return nil
}

// ProcessAudio accepts one opaque ingress frame. An empty frame is the
// end-of-stream sentinel and triggers the drain protocol.
func (p *Pipeline) ProcessAudio(frame []byte) error {
	if len(frame) == 0 {
		p.beginDrain()
		return nil
	}
	if p.stopping.Load() {
		p.log.Warn().Msg("Ignoring audio after end of stream")
		return nil
	}
	metrics.DefaultMetrics.AudioBytesReceived.Add(float64(len(frame)))

	if p.opts.Decoder == nil {
		if len(p.transcriptionCh) >= transcriptionQueueCap-backpressureMargin {
			metrics.DefaultMetrics.FramesDropped.Inc()
			return ErrBackpressure
		}
		return p.handlePCM(frame)
	}

	if err := p.opts.Decoder.Write(frame); err != nil {
		if errors.Is(err, decode.ErrFailed) {
			return err
		}
		// Transient: the child is restarting or saturated.
		return fmt.Errorf("%w: %v", ErrBackpressure, err)
	}
	return nil
}

// Finish signals end of stream, equivalent to an empty ingress frame.
func (p *Pipeline) Finish() {
	p.beginDrain()
}

// Abort force-cancels the session without draining. A no-op before Start.
func (p *Pipeline) Abort() {
	if p.cancel == nil {
		return
	}
	p.stopping.Store(true)
	if p.opts.Decoder != nil {
		p.opts.Decoder.Stop()
	}
	p.finishInput()
	p.cancel()
}

// beginDrain starts the end-of-stream protocol: upstream EOF, bounded wait
// for the stages to consume everything, then the final snapshot.
func (p *Pipeline) beginDrain() {
	p.drainOnce.Do(func() {
		p.stopping.Store(true)
		p.log.Info().Msg("Draining session")

		if dec := p.opts.Decoder; dec != nil {
			// The reader goroutine observes EOF and finishes the input.
			if err := dec.CloseInput(); err != nil {
				p.log.Warn().Err(err).Msg("Closing decoder input failed")
				p.finishInput()
			}
		} else {
			p.finishInput()
		}

		go func() {
			deadline := p.cfg.DrainDeadline
			if deadline <= 0 {
				deadline = 10 * time.Second
			}
			select {
			case <-p.stagesDone:
			case <-time.After(deadline):
				p.log.Warn().Dur("deadline", deadline).Msg("Drain deadline exceeded, force-cancelling stages")
				p.cancel()
			}
		}()
	})
}

// finishInput flushes the VAD gate and closes the stage input channels.
func (p *Pipeline) finishInput() {
	p.inputOnce.Do(func() {
		p.route(p.gate.Flush())
		close(p.transcriptionCh)
		if p.diarizationCh != nil {
			close(p.diarizationCh)
		}
	})
}

// handlePCM converts raw s16le bytes and pushes them through the VAD gate.
func (p *Pipeline) handlePCM(data []byte) error {
	samples := p.toFloat32(data)
	if len(samples) == 0 {
		return nil
	}
	eventsOut, err := p.gate.Process(samples)
	if err != nil {
		p.log.Error().Err(err).Msg("VAD failure")
		p.fatal(models.ErrKindVadFailure)
		return err
	}
	p.route(eventsOut)
	p.state.SetIngressTime(p.gate.StreamTime())
	return nil
}

// toFloat32 converts s16le bytes to normalized samples, carrying a partial
// trailing byte between calls.
func (p *Pipeline) toFloat32(data []byte) []float32 {
	if len(p.pcmResidue) > 0 {
		data = append(p.pcmResidue, data...)
		p.pcmResidue = nil
	}
	if len(data)%2 != 0 {
		p.pcmResidue = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		samples[i] = float32(v) / 32768.0
	}
	return samples
}

// route forwards every gate event to the transcription queue and, when
// diarization is enabled, to the diarization queue as well (that stage uses
// the audio chunks and completed silences). Sends block when a queue is
// full, which propagates backpressure upstream.
func (p *Pipeline) route(eventsOut []vad.Event) {
	for _, ev := range eventsOut {
		if ev.Chunk != nil {
			metrics.DefaultMetrics.VADActiveChunks.Inc()
		} else {
			metrics.DefaultMetrics.VADSilenceEvents.Inc()
		}
		select {
		case p.transcriptionCh <- ev:
		case <-p.ctx.Done():
			return
		}
		if p.diarizationCh != nil {
			select {
			case p.diarizationCh <- ev:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// decoderReader pulls decoded PCM out of the child process. Read timeouts
// during active input are a warning, not fatal.
func (p *Pipeline) decoderReader() {
	defer p.wg.Done()
	readTimeout := p.cfg.Decoder.ReadTimeout

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		chunk, err := p.opts.Decoder.Read(4096, readTimeout)
		if err == io.EOF {
			if p.opts.Decoder.State() == decode.StateFailed {
				return
			}
			p.finishInput()
			return
		}
		if err != nil {
			p.log.Warn().Err(err).Msg("Decoder read error")
			continue
		}
		if chunk == nil {
			p.log.Warn().Msg("Decoder read timeout")
			continue
		}
		if err := p.handlePCM(chunk); err != nil {
			return
		}
	}
}

// transcriptionLoop consumes gate events in arrival order, drives the
// stabilization policy and integrates committed tokens.
func (p *Pipeline) transcriptionLoop() {
	defer p.wg.Done()
	if p.translationCh != nil {
		defer close(p.translationCh)
	}

	streamTime := 0.0
	for {
		var ev vad.Event
		var ok bool
		select {
		case ev, ok = <-p.transcriptionCh:
		case <-p.ctx.Done():
			return
		}
		if !ok {
			break
		}

		if sil := ev.Silence; sil != nil {
			if sil.Starting {
				p.opts.Policy.StartSilence()
				p.runTranscriberTick()
			}
			if sil.Ended {
				p.opts.Policy.EndSilence(sil.Duration)
				if sil.End > streamTime {
					streamTime = sil.End
				}
				if sil.Duration >= minRealSilence {
					p.state.AppendSilence(*sil)
				}
				p.sendTranslation(trItem{flush: true})
			}
			continue
		}

		streamTime += float64(len(ev.Chunk)) / vad.SampleRate
		p.opts.Policy.InsertAudio(ev.Chunk, streamTime)
		p.runTranscriberTick()
	}

	// Final pass over whatever the drain delivered.
	p.runTranscriberTick()
	p.sendTranslation(trItem{flush: true})
	p.log.Info().Msg("Transcription stage finished")
}

// runTranscriberTick executes one policy tick and integrates its output.
func (p *Pipeline) runTranscriberTick() {
	start := time.Now()
	tokens, endCommitted, err := p.opts.Policy.Tick(p.ctx)
	metrics.DefaultMetrics.TickDuration.Observe(time.Since(start).Seconds())

	policy := p.cfg.Pipeline.BackendPolicy
	if err != nil {
		if errors.Is(err, transcriber.ErrPersistent) {
			metrics.DefaultMetrics.TranscriberTicks.WithLabelValues(policy, "fatal").Inc()
			p.log.Error().Err(err).Msg("Persistent transcription failure")
			p.fatal(models.ErrKindAsrPersistent)
			return
		}
		metrics.DefaultMetrics.TranscriberTicks.WithLabelValues(policy, "error").Inc()
		return
	}
	metrics.DefaultMetrics.TranscriberTicks.WithLabelValues(policy, "ok").Inc()

	p.state.AppendTokens(tokens, p.opts.Policy.Buffer(), endCommitted)
	if len(tokens) > 0 {
		metrics.DefaultMetrics.TokensCommitted.Add(float64(len(tokens)))
		for _, tok := range tokens {
			p.sendTranslation(trItem{token: tok})
		}
	}
}

func (p *Pipeline) sendTranslation(item trItem) {
	if p.translationCh == nil {
		return
	}
	select {
	case p.translationCh <- item:
	case <-p.ctx.Done():
	}
}

// diarizationLoop feeds the diarizer from the PCM tap and integrates its
// intervals. A diarizer failure degrades the session instead of killing it.
func (p *Pipeline) diarizationLoop() {
	defer p.wg.Done()

	streamTime := 0.0
	for {
		var ev vad.Event
		var ok bool
		select {
		case ev, ok = <-p.diarizationCh:
		case <-p.ctx.Done():
			return
		}
		if !ok {
			break
		}

		if sil := ev.Silence; sil != nil {
			if sil.Ended && sil.End > streamTime {
				streamTime = sil.End
			}
			continue
		}

		streamTime += float64(len(ev.Chunk)) / vad.SampleRate
		raw, err := p.opts.Diarizer.Feed(p.ctx, ev.Chunk, streamTime)
		if err != nil {
			p.log.Error().Err(err).Msg("Diarizer failure, continuing without speakers")
			p.state.DegradeDiarization()
			return
		}
		if len(raw) == 0 {
			continue
		}
		intervals := p.post.Add(raw)
		metrics.DefaultMetrics.SpeakerIntervals.Add(float64(len(raw)))
		p.state.SetIntervals(intervals, p.post.EndOfDiarizedAudio())
	}
	p.log.Info().Msg("Diarization stage finished")
}

// translationLoop groups committed tokens and translates closed groups.
func (p *Pipeline) translationLoop() {
	defer p.wg.Done()

	for {
		var item trItem
		var ok bool
		select {
		case item, ok = <-p.translationCh:
		case <-p.ctx.Done():
			return
		}
		if !ok {
			break
		}

		var tr *models.Translation
		if item.flush {
			tr = p.translator.Flush(p.ctx)
		} else {
			tr = p.translator.AddToken(p.ctx, item.token)
		}
		if tr != nil {
			metrics.DefaultMetrics.TranslationGroups.WithLabelValues("ok").Inc()
		}
		p.state.AppendTranslation(tr, p.translator.Buffer(), p.translator.Disabled())
	}

	if tr := p.translator.Flush(p.ctx); tr != nil {
		metrics.DefaultMetrics.TranslationGroups.WithLabelValues("ok").Inc()
		p.state.AppendTranslation(tr, "", p.translator.Disabled())
	}
	p.log.Info().Msg("Translation stage finished")
}

// fatal records the first fatal error and tears the stages down. The
// publisher emits the terminal error snapshot.
func (p *Pipeline) fatal(kind models.ErrorKind) {
	p.state.SetError(kind)
	p.fatalOnce.Do(func() {
		p.log.Error().Str("kind", string(kind)).Msg("Fatal session error")
		close(p.fatalCh)
		p.cancel()
	})
}
