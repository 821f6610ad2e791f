package transcriber

import (
	"context"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-transcription-service/internal/asr"
	"ai-speech-transcription-service/internal/config"
	"ai-speech-transcription-service/internal/models"
	"ai-speech-transcription-service/internal/vad"
)

const timeEpsilon = 1e-6

// LocalAgreement is the hypothesis-buffering policy: each tick the audio
// suffix is re-transcribed and the longest common prefix between the
// previous and the current hypothesis is committed.
type LocalAgreement struct {
	cfg      config.LocalAgreementConfig
	language string
	tr       asr.WholeChunkTranscriber
	log      zerolog.Logger

	buffer      []float32 // audio suffix being re-transcribed
	bufferStart float64   // stream time of buffer[0]
	streamEnd   float64
	lastCommit     float64
	sentenceAnchor float64 // end of the last committed sentence-final word
	prev           []asr.Word
	tentative      models.TentativeBuffer
	failures       int
}

// NewLocalAgreement creates the hypothesis-buffering policy.
func NewLocalAgreement(cfg config.LocalAgreementConfig, language string, tr asr.WholeChunkTranscriber) *LocalAgreement {
	if cfg.BufferMaxSec <= 0 {
		cfg.BufferMaxSec = 15
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	return &LocalAgreement{
		cfg:      cfg,
		language: language,
		tr:       tr,
		log:      log.With().Str("policy", "local_agreement").Logger(),
	}
}

// InsertAudio appends voiced PCM ending at the given stream time.
func (l *LocalAgreement) InsertAudio(chunk []float32, streamTimeEnd float64) {
	if len(l.buffer) == 0 {
		l.bufferStart = streamTimeEnd - float64(len(chunk))/vad.SampleRate
		if l.bufferStart < 0 {
			l.bufferStart = 0
		}
	}
	l.buffer = append(l.buffer, chunk...)
	l.streamEnd = streamTimeEnd
}

// StartSilence is a no-op; agreement is driven purely by ticks.
func (l *LocalAgreement) StartSilence() {}

// EndSilence advances stream time past a voice gap. When the buffer is
// empty the anchor moves with it; buffered audio keeps its compressed
// timeline.
func (l *LocalAgreement) EndSilence(duration float64) {
	l.streamEnd += duration
	if len(l.buffer) == 0 {
		l.bufferStart = l.streamEnd
	}
}

// Buffer returns the current tentative suffix.
func (l *LocalAgreement) Buffer() models.TentativeBuffer {
	return l.tentative
}

// Tick re-transcribes the suffix window and commits the longest common
// prefix with the previous hypothesis. ASR errors skip the tick without
// mutating state; persistent errors escalate.
func (l *LocalAgreement) Tick(ctx context.Context) ([]models.Token, float64, error) {
	if len(l.buffer) == 0 {
		return nil, l.lastCommit, nil
	}

	words, err := l.tr.Transcribe(ctx, l.buffer, l.language)
	if err != nil {
		l.failures++
		l.log.Warn().Err(err).Int("failures", l.failures).Msg("Hypothesis transcription failed")
		if l.failures >= l.cfg.MaxFailures {
			return nil, l.lastCommit, ErrPersistent
		}
		return nil, l.lastCommit, nil
	}
	l.failures = 0

	// Hypothesis times are relative to the buffer; words that go backward
	// relative to the last commit are ignored.
	cur := make([]asr.Word, 0, len(words))
	for _, w := range words {
		w.Start += l.bufferStart
		w.End += l.bufferStart
		if w.End <= l.lastCommit+timeEpsilon {
			continue
		}
		cur = append(cur, w)
	}

	if len(cur) == 0 {
		// A fresh hypothesis that retracted everything commits nothing,
		// and the previous hypothesis is kept for the next comparison.
		if len(l.prev) > 0 {
			return nil, l.lastCommit, nil
		}
		l.tentative = models.TentativeBuffer{Start: l.lastCommit, End: l.streamEnd}
		return nil, l.lastCommit, nil
	}

	agree := commonPrefixLen(l.prev, cur)
	var newTokens []models.Token
	for _, w := range cur[:agree] {
		start := w.Start
		if start < l.lastCommit {
			start = l.lastCommit
		}
		end := w.End
		if end < start {
			end = start
		}
		tok := models.Token{
			Start:       start,
			End:         end,
			Text:        " " + w.Word,
			Probability: w.Probability,
			Speaker:     models.SpeakerPending,
			Language:    l.language,
		}
		l.lastCommit = end
		if tok.IsSentenceEnd() {
			l.sentenceAnchor = end
		}
		newTokens = append(newTokens, tok)
	}

	l.prev = append([]asr.Word(nil), cur[agree:]...)
	l.tentative = models.TentativeBuffer{
		Start: l.lastCommit,
		End:   l.streamEnd,
		Text:  joinWords(l.prev),
	}

	if l.streamEnd-l.bufferStart > l.cfg.BufferMaxSec {
		l.trimBuffer()
	}

	return newTokens, l.lastCommit, nil
}

// trimBuffer cuts the suffix window from the front, preferring a sentence
// boundary when configured and one is available.
func (l *LocalAgreement) trimBuffer() {
	anchor := l.lastCommit
	if l.cfg.BufferTrimming == "sentence" && l.sentenceAnchor > l.bufferStart {
		anchor = l.sentenceAnchor
	}
	if anchor <= l.bufferStart {
		return
	}
	cut := int((anchor - l.bufferStart) * vad.SampleRate)
	if cut <= 0 {
		return
	}
	if cut > len(l.buffer) {
		cut = len(l.buffer)
	}
	l.buffer = l.buffer[cut:]
	l.bufferStart = anchor
	l.log.Debug().Float64("anchor", anchor).Msg("Trimmed hypothesis buffer")
}

// commonPrefixLen returns the length of the longest common prefix of two
// hypotheses, matched on normalized word text.
func commonPrefixLen(prev, cur []asr.Word) int {
	n := 0
	for n < len(prev) && n < len(cur) {
		a, b := normalizeWord(prev[n].Word), normalizeWord(cur[n].Word)
		if a == "" && b == "" {
			// Pure punctuation normalizes to nothing; compare raw.
			a, b = prev[n].Word, cur[n].Word
		}
		if a != b {
			break
		}
		n++
	}
	return n
}

// normalizeWord lowers the case and strips surrounding punctuation so that
// cosmetic differences between hypotheses do not block agreement.
func normalizeWord(w string) string {
	w = strings.ToLower(strings.TrimSpace(w))
	return strings.TrimFunc(w, unicode.IsPunct)
}

func joinWords(words []asr.Word) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Word
	}
	return strings.Join(parts, " ")
}
