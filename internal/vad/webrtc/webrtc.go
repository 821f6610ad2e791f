// Package webrtc adapts the WebRTC voice-activity detector to the gate's
// Detector interface. Per-window boolean decisions are smoothed with a
// hangover so that short pauses inside an utterance do not split it.
package webrtc

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"ai-speech-transcription-service/internal/vad"
)

// webrtcvad accepts 10/20/30 ms frames; at 16 kHz a 10 ms frame is 160
// samples, so each 512-sample window is judged by its first three frames.
const frameSize = 160
const framesPerWindow = 3

// Config tunes the detector.
type Config struct {
	Mode              int     // aggressiveness 0-3
	MinSilenceSec     float64 // silence this long ends an active region
	MinSpeechWindows  int     // consecutive voiced windows to open a region
}

// DefaultConfig returns moderate settings.
func DefaultConfig() Config {
	return Config{
		Mode:             2,
		MinSilenceSec:    0.5,
		MinSpeechWindows: 2,
	}
}

// Detector implements vad.Detector over go-webrtcvad.
type Detector struct {
	inner *webrtcvad.VAD
	cfg   Config

	samples     int64
	inVoice     bool
	voiceRun    int
	silenceRun  int
	voiceStart  int64 // sample where the current voice run began
	silenceFrom int64 // sample where the current silence run began
}

// New creates a webrtcvad-backed detector.
func New(cfg Config) (*Detector, error) {
	inner, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	mode := cfg.Mode
	if mode < 0 {
		mode = 0
	}
	if mode > 3 {
		mode = 3
	}
	if err := inner.SetMode(mode); err != nil {
		return nil, fmt.Errorf("set vad mode: %w", err)
	}
	if cfg.MinSpeechWindows <= 0 {
		cfg.MinSpeechWindows = 2
	}
	if cfg.MinSilenceSec <= 0 {
		cfg.MinSilenceSec = 0.5
	}
	return &Detector{inner: inner, cfg: cfg}, nil
}

// Feed judges one 512-sample window and reports region transitions.
func (d *Detector) Feed(window []float32) (vad.Result, error) {
	if len(window) != vad.WindowSize {
		return vad.Result{}, fmt.Errorf("vad window must be %d samples, got %d", vad.WindowSize, len(window))
	}

	voiced, err := d.isVoiced(window)
	if err != nil {
		return vad.Result{}, err
	}

	base := d.samples
	d.samples += int64(len(window))

	var res vad.Result
	if voiced {
		if d.voiceRun == 0 {
			d.voiceStart = base
		}
		d.voiceRun++
		d.silenceRun = 0
		if !d.inVoice && d.voiceRun >= d.cfg.MinSpeechWindows {
			d.inVoice = true
			res.HasStart = true
			res.StartSample = d.voiceStart
		}
	} else {
		if d.silenceRun == 0 {
			d.silenceFrom = base
		}
		d.silenceRun++
		d.voiceRun = 0
		if d.inVoice && float64(d.silenceRun*vad.WindowSize)/vad.SampleRate >= d.cfg.MinSilenceSec {
			d.inVoice = false
			res.HasEnd = true
			res.EndSample = d.silenceFrom
		}
	}
	return res, nil
}

// Reset clears the smoothing state. The absolute sample counter is kept so
// indices remain monotonic within the session.
func (d *Detector) Reset() {
	d.inVoice = false
	d.voiceRun = 0
	d.silenceRun = 0
}

func (d *Detector) isVoiced(window []float32) (bool, error) {
	frame := make([]byte, frameSize*2)
	voiced := 0
	for f := 0; f < framesPerWindow; f++ {
		for i := 0; i < frameSize; i++ {
			s := window[f*frameSize+i]
			if s > 1.0 {
				s = 1.0
			}
			if s < -1.0 {
				s = -1.0
			}
			v := int16(s * 32767)
			frame[i*2] = byte(v)
			frame[i*2+1] = byte(v >> 8)
		}
		active, err := d.inner.Process(vad.SampleRate, frame)
		if err != nil {
			return false, fmt.Errorf("vad process: %w", err)
		}
		if active {
			voiced++
		}
	}
	return voiced*2 >= framesPerWindow, nil
}
