// Package asr defines the narrow capability interfaces over the external
// speech recognition models. The pipeline consumes these; concrete backends
// live in subpackages.
package asr

import "context"

// EncoderFrames is the encoder output for a window of audio: a sequence of
// frames on a fixed time grid.
type EncoderFrames interface {
	FrameCount() int
	TimePerFrame() float64 // seconds, typically 0.02
	Frame(i int) []float32
}

// Encoder produces encoder frames from normalized 16 kHz mono PCM.
type Encoder interface {
	Encode(pcm []float32) (EncoderFrames, error)
}

// StepResult is one greedy decode step: the next candidate token and its
// cross-attention over the encoder frames, averaged over the model's
// alignment heads.
type StepResult struct {
	TokenID     int
	Text        string
	Probability float64
	// Attention holds one attention-over-frames distribution per
	// alignment head. Each row sums to approximately 1.
	Attention [][]float64
	// EOT is set when the decoder produced the end-of-transcript token.
	EOT bool
}

// Decoder decodes tokens incrementally against encoder frames. The decoder
// owns its attention caches; TrimCache must keep decoding equivalent to a
// full recompute from the trimmed window.
type Decoder interface {
	Step(frames EncoderFrames, history []int) (StepResult, error)
	Reset()
	TrimCache(anchorTime float64) error
}

// Word is one time-stamped word of a whole-chunk hypothesis.
type Word struct {
	Word        string
	Start       float64
	End         float64
	Probability float64
}

// WholeChunkTranscriber re-transcribes a whole audio window, producing an
// ordered sequence of time-stamped words. Used by the LocalAgreement
// policy. Word times are relative to the start of the given PCM.
type WholeChunkTranscriber interface {
	Transcribe(ctx context.Context, pcm []float32, languageHint string) ([]Word, error)
}
