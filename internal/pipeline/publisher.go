package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ai-speech-transcription-service/internal/align"
	"ai-speech-transcription-service/internal/models"
	"ai-speech-transcription-service/internal/observability/metrics"
)

// publishLoop runs the publisher cadence: invoke the aligner, fingerprint
// the observable output and emit a snapshot only when it changed. The
// remaining-time hints are refreshed on every emission but excluded from
// the fingerprint, so lag alone never triggers a publish.
func (p *Pipeline) publishLoop() {
	hz := p.cfg.Pipeline.PublishHz
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / hz))
	defer ticker.Stop()

	var last string

	for {
		select {
		case <-ticker.C:
			snap := p.buildSnapshot()
			fp := fingerprint(snap)
			if fp == last {
				metrics.DefaultMetrics.SnapshotsSuppressed.Inc()
				continue
			}
			last = fp
			p.emit(snap)
			if p.opts.Events != nil {
				p.opts.Events.PublishPartial(context.Background(), p.opts.SessionID, snap)
			}

		case <-p.fatalCh:
			snap := p.buildSnapshot()
			snap.Status = models.StatusError
			snap.Error = p.state.ErrorKind()
			p.emit(snap)
			p.finish(snap)
			return

		case <-p.stagesDone:
			final := p.buildSnapshot()
			if p.state.HasOutput() {
				final.Status = models.StatusFinalized
			} else {
				final.Status = models.StatusNoAudio
			}
			if kind := p.state.ErrorKind(); kind != models.ErrKindNone {
				final.Status = models.StatusError
				final.Error = kind
			}
			if fingerprint(final) != last {
				p.emit(final)
			}
			if final.Status != models.StatusError {
				p.emit(models.Snapshot{Type: "ready_to_stop", ReadyToStop: true})
			}
			p.finish(final)
			return
		}
	}
}

// finish publishes terminal events, records metrics and closes the
// subscriber stream. No snapshot is emitted after ready_to_stop.
func (p *Pipeline) finish(final models.Snapshot) {
	if p.opts.Events != nil && len(final.Lines) > 0 {
		p.opts.Events.PublishFinal(context.Background(), p.opts.SessionID, final.Lines)
	}
	metrics.DefaultMetrics.RecordSessionEnd(string(p.state.ErrorKind()), time.Since(p.started).Seconds())
	close(p.snapshots)
	p.log.Info().Str("status", string(final.Status)).Msg("Session closed")
}

// emit delivers a snapshot to the subscriber, dropping the oldest buffered
// snapshot when the subscriber cannot keep up.
func (p *Pipeline) emit(snap models.Snapshot) {
	metrics.DefaultMetrics.SnapshotsEmitted.Inc()
	select {
	case p.snapshots <- snap:
	default:
		select {
		case <-p.snapshots:
		default:
		}
		select {
		case p.snapshots <- snap:
		default:
		}
	}
}

// buildSnapshot runs the aligner over the session state under the lock and
// assembles the observable output.
func (p *Pipeline) buildSnapshot() models.Snapshot {
	st := p.state
	st.mu.Lock()
	defer st.mu.Unlock()

	aligner := &align.Aligner{
		Diarization:     p.diarizationCh != nil && !st.diarizationDegraded,
		ClockTimestamps: p.cfg.Pipeline.ClockTimestamps,
	}
	out := aligner.Align(st.tokens, st.intervals, st.translations, st.endDiarized)

	endBuffer := st.endCommitted
	if st.tentative.End > endBuffer {
		endBuffer = st.tentative.End
	}
	latestEnd := endBuffer
	if n := len(st.tokens); n > 0 && st.tokens[n-1].End > latestEnd {
		latestEnd = st.tokens[n-1].End
	}

	remTranscription := st.ingressTime - endBuffer
	if remTranscription < 0 {
		remTranscription = 0
	}
	remDiarization := 0.0
	if aligner.Diarization {
		remDiarization = latestEnd - st.endDiarized
		if remDiarization < 0 {
			remDiarization = 0
		}
	}

	status := models.StatusActive
	if len(out.Segments) == 0 && st.tentative.IsEmpty() && out.BufferDiarization == "" {
		status = models.StatusNoAudio
	}

	return models.Snapshot{
		Status:                     status,
		Lines:                      out.Segments,
		BufferTranscription:        st.tentative.Text,
		BufferDiarization:          out.BufferDiarization,
		BufferTranslation:          st.translationBuffer,
		RemainingTimeTranscription: round1(remTranscription),
		RemainingTimeDiarization:   round1(remDiarization),
	}
}

// fingerprint canonicalizes the observable part of a snapshot: the segment
// sequence, the three buffers and the status. Remaining-time hints are
// deliberately excluded.
func fingerprint(snap models.Snapshot) string {
	var sb strings.Builder
	sb.WriteString(string(snap.Status))
	sb.WriteByte('|')
	sb.WriteString(string(snap.Error))
	sb.WriteByte('|')
	for _, seg := range snap.Lines {
		fmt.Fprintf(&sb, "%s;%s;%d;%s;%s;%s\x1e", seg.Start, seg.End, seg.Speaker, seg.Text, seg.Translation, seg.DetectedLanguage)
	}
	sb.WriteByte('|')
	sb.WriteString(snap.BufferTranscription)
	sb.WriteByte('|')
	sb.WriteString(snap.BufferDiarization)
	sb.WriteByte('|')
	sb.WriteString(snap.BufferTranslation)
	return sb.String()
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
