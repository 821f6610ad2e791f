// Package mock provides scripted ASR backends for tests and development.
// The mocks simulate realistic streaming behavior with prescribed outputs:
// the encoder produces one frame per 20 ms of audio, the decoder replays a
// script of tokens with attention peaks at chosen stream times, and the
// whole-chunk transcriber replays one hypothesis per call.
package mock

import (
	"context"
	"errors"
	"sync"

	"ai-speech-transcription-service/internal/asr"
)

// TimePerFrame is the encoder grid of the mock (20 ms).
const TimePerFrame = 0.02

// SamplesPerFrame at 16 kHz.
const SamplesPerFrame = 320

// Frames implements asr.EncoderFrames over raw PCM.
type Frames struct {
	pcm []float32
}

// FrameCount returns the number of whole frames in the window.
func (f *Frames) FrameCount() int {
	return len(f.pcm) / SamplesPerFrame
}

// TimePerFrame returns the grid step in seconds.
func (f *Frames) TimePerFrame() float64 {
	return TimePerFrame
}

// Frame returns the PCM slice of frame i.
func (f *Frames) Frame(i int) []float32 {
	return f.pcm[i*SamplesPerFrame : (i+1)*SamplesPerFrame]
}

// Encoder implements asr.Encoder. Encoding is a reslice; the mock treats
// the PCM itself as the encoded representation.
type Encoder struct{}

// NewEncoder creates a mock encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode produces frames for the window.
func (e *Encoder) Encode(pcm []float32) (asr.EncoderFrames, error) {
	return &Frames{pcm: pcm}, nil
}

// ScriptedToken is one token the mock decoder will produce, localized at
// PeakTime on the stream axis.
type ScriptedToken struct {
	Text        string
	PeakTime    float64
	Probability float64
}

// DefaultScript provides a sample token stream for development sessions
// without real models.
var DefaultScript = []ScriptedToken{
	{Text: " This", PeakTime: 0.4, Probability: 0.95},
	{Text: " is", PeakTime: 0.7, Probability: 0.96},
	{Text: " a", PeakTime: 0.9, Probability: 0.92},
	{Text: " simulated", PeakTime: 1.4, Probability: 0.93},
	{Text: " transcription", PeakTime: 2.1, Probability: 0.94},
	{Text: " session", PeakTime: 2.8, Probability: 0.95},
	{Text: ".", PeakTime: 2.9, Probability: 0.99},
}

// DefaultHypotheses provides sample whole-chunk hypotheses for development
// sessions using the LocalAgreement policy.
var DefaultHypotheses = []Hypothesis{
	{{Word: "This", Start: 0.4, End: 0.6, Probability: 0.95}},
	{{Word: "This", Start: 0.4, End: 0.6, Probability: 0.95}, {Word: "is", Start: 0.7, End: 0.8, Probability: 0.96}},
	{{Word: "This", Start: 0.4, End: 0.6, Probability: 0.95}, {Word: "is", Start: 0.7, End: 0.8, Probability: 0.96}, {Word: "simulated.", Start: 1.0, End: 1.6, Probability: 0.93}},
}

// Decoder implements asr.Decoder by replaying a script. The attention for
// token k is a point mass on the frame nearest its PeakTime, relative to
// the current window origin; a peak beyond the window lands on the last
// frame, which keeps the token anchored to the live edge.
type Decoder struct {
	mu     sync.Mutex
	script []ScriptedToken
	origin float64 // stream time of frame 0, maintained via TrimCache

	// FailNext makes the next Step return an error, then clears itself.
	FailNext bool
}

// NewDecoder creates a mock decoder over the given script.
func NewDecoder(script []ScriptedToken) *Decoder {
	return &Decoder{script: script}
}

// SetScript replaces the remaining script.
func (d *Decoder) SetScript(script []ScriptedToken) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = script
}

// Origin returns the current window origin.
func (d *Decoder) Origin() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.origin
}

// Step produces the token at position len(history) in the script.
func (d *Decoder) Step(frames asr.EncoderFrames, history []int) (asr.StepResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailNext {
		d.FailNext = false
		return asr.StepResult{}, errors.New("scripted decode failure")
	}

	cursor := len(history)
	if cursor >= len(d.script) {
		return asr.StepResult{EOT: true}, nil
	}
	tok := d.script[cursor]

	n := frames.FrameCount()
	if n == 0 {
		return asr.StepResult{EOT: true}, nil
	}
	attention := make([]float64, n)
	peak := int((tok.PeakTime - d.origin) / frames.TimePerFrame())
	if peak < 0 {
		peak = 0
	}
	if peak >= n {
		peak = n - 1
	}
	attention[peak] = 1.0

	return asr.StepResult{
		TokenID:     cursor,
		Text:        tok.Text,
		Probability: tok.Probability,
		Attention:   [][]float64{attention},
	}, nil
}

// Reset clears nothing but satisfies the interface; the script cursor is
// derived from the caller's history.
func (d *Decoder) Reset() {}

// TrimCache records the new window origin. Decoding against the trimmed
// window is then identical to a full recompute by construction.
func (d *Decoder) TrimCache(anchorTime float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.origin = anchorTime
	return nil
}

// Hypothesis is one scripted whole-chunk output.
type Hypothesis []asr.Word

// ChunkTranscriber implements asr.WholeChunkTranscriber by replaying one
// hypothesis per Transcribe call. When the script is exhausted the last
// hypothesis is repeated.
type ChunkTranscriber struct {
	mu     sync.Mutex
	script []Hypothesis
	calls  int

	// Errs maps call indices (0-based) to injected errors.
	Errs map[int]error
}

// NewChunkTranscriber creates a scripted whole-chunk transcriber.
func NewChunkTranscriber(script []Hypothesis) *ChunkTranscriber {
	return &ChunkTranscriber{script: script}
}

// Calls returns how many times Transcribe ran.
func (c *ChunkTranscriber) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Transcribe replays the next scripted hypothesis.
func (c *ChunkTranscriber) Transcribe(ctx context.Context, pcm []float32, languageHint string) ([]asr.Word, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call := c.calls
	c.calls++

	if err, ok := c.Errs[call]; ok {
		return nil, err
	}
	if len(c.script) == 0 {
		return nil, nil
	}
	idx := call
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	return append([]asr.Word(nil), c.script[idx]...), nil
}
