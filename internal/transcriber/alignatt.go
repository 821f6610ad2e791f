package transcriber

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-transcription-service/internal/asr"
	"ai-speech-transcription-service/internal/config"
	"ai-speech-transcription-service/internal/models"
	"ai-speech-transcription-service/internal/observability/metrics"
	"ai-speech-transcription-service/internal/vad"
)

// maxConsecutiveFailures before an AlignAtt session escalates.
const maxConsecutiveFailures = 5

// AlignAtt is the attention-fire policy: a candidate token is committed as
// soon as its cross-attention mass has moved away from the live edge of the
// encoder window.
type AlignAtt struct {
	cfg      config.AlignAttConfig
	language string
	enc      asr.Encoder
	dec      asr.Decoder
	log      zerolog.Logger

	window      []float32 // rolling audio window
	windowStart float64   // stream time of window[0]
	streamEnd   float64   // stream time at the end of inserted audio
	history     []int     // committed token ids
	lastCommit  float64   // end time of the last committed token
	tentative   models.TentativeBuffer
	failures    int
}

// NewAlignAtt creates the attention-fire policy.
func NewAlignAtt(cfg config.AlignAttConfig, language string, enc asr.Encoder, dec asr.Decoder) *AlignAtt {
	if cfg.MaxTokensPerTick <= 0 {
		cfg.MaxTokensPerTick = 12
	}
	if cfg.MaxTentativeTokens <= 0 {
		cfg.MaxTentativeTokens = 8
	}
	if cfg.AudioMaxLen <= 0 {
		cfg.AudioMaxLen = 30
	}
	return &AlignAtt{
		cfg:      cfg,
		language: language,
		enc:      enc,
		dec:      dec,
		log:      log.With().Str("policy", "align_att").Logger(),
	}
}

// InsertAudio appends voiced PCM ending at the given stream time.
func (a *AlignAtt) InsertAudio(chunk []float32, streamTimeEnd float64) {
	if len(a.window) == 0 {
		a.windowStart = streamTimeEnd - float64(len(chunk))/vad.SampleRate
		if a.windowStart < 0 {
			a.windowStart = 0
		}
		a.dec.TrimCache(a.windowStart)
	}
	a.window = append(a.window, chunk...)
	a.streamEnd = streamTimeEnd
}

// StartSilence is a no-op for state: commits happen eagerly on each tick, so
// there is nothing buffered to flush here.
func (a *AlignAtt) StartSilence() {}

// EndSilence advances the window past a voice gap of the given duration.
// The buffered audio has had the whole silence to stabilize; whatever did
// not fire stays tentative. No samples are inserted for the gap.
func (a *AlignAtt) EndSilence(duration float64) {
	end := a.windowStart + float64(len(a.window))/vad.SampleRate
	a.window = nil
	a.windowStart = end + duration
	a.streamEnd = a.windowStart
	if err := a.dec.TrimCache(a.windowStart); err != nil {
		a.log.Warn().Err(err).Msg("Cache trim after silence failed")
	}
}

// Buffer returns the current tentative suffix.
func (a *AlignAtt) Buffer() models.TentativeBuffer {
	return a.tentative
}

// Tick runs the fire loop: decode candidates and commit every one whose
// attention mass on the last frameThreshold frames is at most the fire
// threshold.
func (a *AlignAtt) Tick(ctx context.Context) ([]models.Token, float64, error) {
	if len(a.window) == 0 {
		return nil, a.lastCommit, nil
	}

	frames, err := a.enc.Encode(a.window)
	if err != nil {
		return nil, a.lastCommit, a.fail(err)
	}
	n := frames.FrameCount()
	if n == 0 {
		return nil, a.lastCommit, nil
	}
	tpf := frames.TimePerFrame()

	var newTokens []models.Token
	var candidate *asr.StepResult

	for i := 0; i < a.cfg.MaxTokensPerTick; i++ {
		res, err := a.dec.Step(frames, a.history)
		if err != nil {
			a.resetToCommitted()
			if ferr := a.fail(err); ferr != nil {
				return nil, a.lastCommit, ferr
			}
			return newTokens, a.lastCommit, nil
		}
		if res.EOT {
			break
		}

		att := averageHeads(res.Attention, n)
		if tailMass(att, a.cfg.FrameThreshold) > a.cfg.FireThreshold {
			// Still anchored near the live edge; stop decoding.
			candidate = &res
			break
		}

		start := a.windowStart + float64(peakFrame(att))*tpf
		if start < a.lastCommit {
			start = a.lastCommit
		}
		end := start + tpf
		tok := models.Token{
			Start:       start,
			End:         end,
			Text:        res.Text,
			Probability: res.Probability,
			Speaker:     models.SpeakerPending,
			Language:    a.language,
		}
		a.history = append(a.history, res.TokenID)
		a.lastCommit = end
		newTokens = append(newTokens, tok)
	}

	a.failures = 0
	a.updateTentative(frames, candidate)

	if float64(len(a.window))/vad.SampleRate > a.cfg.AudioMaxLen {
		a.trimWindow()
	}

	return newTokens, a.lastCommit, nil
}

// updateTentative extends the candidate with a bounded greedy continuation.
// The provisional history is not retained; the next tick re-derives it.
func (a *AlignAtt) updateTentative(frames asr.EncoderFrames, candidate *asr.StepResult) {
	var text string
	provisional := append([]int(nil), a.history...)
	count := 0
	if candidate != nil {
		text = candidate.Text
		provisional = append(provisional, candidate.TokenID)
		count = 1
	}
	for count < a.cfg.MaxTentativeTokens {
		res, err := a.dec.Step(frames, provisional)
		if err != nil || res.EOT {
			break
		}
		text += res.Text
		provisional = append(provisional, res.TokenID)
		count++
	}
	a.tentative = models.TentativeBuffer{
		Start: a.lastCommit,
		End:   a.streamEnd,
		Text:  trimLeadingSpace(text),
	}
}

// trimWindow cuts the window from the front using the last committed token
// as the anchor, shifting the decoder caches consistently.
func (a *AlignAtt) trimWindow() {
	anchor := a.lastCommit
	if anchor <= a.windowStart {
		return
	}
	cut := int((anchor - a.windowStart) * vad.SampleRate)
	if cut <= 0 {
		return
	}
	if cut > len(a.window) {
		cut = len(a.window)
	}
	a.window = a.window[cut:]
	a.windowStart = anchor
	if err := a.dec.TrimCache(anchor); err != nil {
		a.log.Warn().Err(err).Msg("Cache trim failed, resetting decoder")
		a.dec.Reset()
	}
}

// resetToCommitted restores the post-last-committed-token state after a
// decode failure. Committed tokens are never dropped.
func (a *AlignAtt) resetToCommitted() {
	metrics.DefaultMetrics.TranscriberResets.Inc()
	a.trimWindow()
	a.dec.Reset()
	a.tentative = models.TentativeBuffer{Start: a.lastCommit, End: a.streamEnd}
}

func (a *AlignAtt) fail(err error) error {
	a.failures++
	a.log.Warn().Err(err).Int("failures", a.failures).Msg("AlignAtt tick failed")
	if a.failures >= maxConsecutiveFailures {
		return ErrPersistent
	}
	return nil
}

func averageHeads(heads [][]float64, n int) []float64 {
	avg := make([]float64, n)
	if len(heads) == 0 {
		return avg
	}
	for _, head := range heads {
		for i := 0; i < n && i < len(head); i++ {
			avg[i] += head[i]
		}
	}
	for i := range avg {
		avg[i] /= float64(len(heads))
	}
	return avg
}

func tailMass(att []float64, frameThreshold int) float64 {
	if frameThreshold <= 0 {
		return 0
	}
	from := len(att) - frameThreshold
	if from < 0 {
		from = 0
	}
	sum := 0.0
	for _, v := range att[from:] {
		sum += v
	}
	return sum
}

func peakFrame(att []float64) int {
	best := 0
	for i, v := range att {
		if v > att[best] {
			best = i
		}
	}
	return best
}

func trimLeadingSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	return s
}
