package vad

import (
	"fmt"

	"ai-speech-transcription-service/internal/models"
)

// Event is one output of the gate: either an active audio chunk or a
// silence transition. Exactly one of Chunk and Silence is set.
type Event struct {
	Chunk   []float32
	Silence *models.Silence
}

// Gate splits a continuous PCM stream into voiced chunks and silence
// events. It maintains two states, Active and Silent, and a single
// monotonic sample counter that is never reset within a session.
type Gate struct {
	det        Detector
	chunkFlush int // flush active audio downstream in pieces of this many samples

	pending  []float32
	chunk    []float32
	samples  int64 // absolute position of the next unprocessed sample
	active   bool
	silence  *models.Silence
	announced bool
}

// NewGate creates a gate over the given detector. chunkFlushSec bounds how
// much active audio is buffered before being flushed downstream.
func NewGate(det Detector, chunkFlushSec float64) *Gate {
	flush := int(chunkFlushSec * SampleRate)
	if flush < WindowSize {
		flush = WindowSize
	}
	return &Gate{
		det:        det,
		chunkFlush: flush,
		silence:    &models.Silence{Start: 0, Starting: true},
	}
}

func sampleTime(s int64) float64 {
	return float64(s) / SampleRate
}

// Process consumes PCM and returns the events produced by it, in order.
func (g *Gate) Process(pcm []float32) ([]Event, error) {
	var events []Event

	// The session opens in silence; announce it once.
	if !g.announced {
		g.announced = true
		events = append(events, Event{Silence: &models.Silence{Start: 0, Starting: true}})
	}

	g.pending = append(g.pending, pcm...)
	for len(g.pending) >= WindowSize {
		window := g.pending[:WindowSize]
		g.pending = g.pending[WindowSize:]
		windowBase := g.samples

		res, err := g.det.Feed(window)
		if err != nil {
			return events, fmt.Errorf("vad feed: %w", err)
		}

		if res.HasStart && !g.active {
			events = append(events, g.endSilence(res.StartSample)...)
			g.active = true
			// Accumulate from the reported start; audio before this
			// window has already been released as silence.
			rel := res.StartSample - windowBase
			if rel < 0 {
				rel = 0
			}
			if rel < int64(len(window)) {
				g.chunk = append(g.chunk, window[rel:]...)
			}
			g.samples += WindowSize
			continue
		}

		if res.HasEnd && g.active {
			rel := res.EndSample - windowBase
			if rel > int64(len(window)) {
				rel = int64(len(window))
			}
			if rel > 0 {
				g.chunk = append(g.chunk, window[:rel]...)
			}
			events = append(events, g.flushChunk()...)
			g.active = false
			g.silence = &models.Silence{Start: sampleTime(res.EndSample), Starting: true}
			events = append(events, Event{Silence: &models.Silence{
				Start:    g.silence.Start,
				Starting: true,
			}})
			g.samples += WindowSize
			continue
		}

		if g.active {
			g.chunk = append(g.chunk, window...)
			if len(g.chunk) >= g.chunkFlush {
				events = append(events, g.flushChunk()...)
			}
		}
		g.samples += WindowSize
	}

	return events, nil
}

// Flush finalizes the gate at end of stream: any residual samples and the
// accumulated active chunk are released downstream.
func (g *Gate) Flush() []Event {
	var events []Event
	if g.active {
		if len(g.pending) > 0 {
			g.chunk = append(g.chunk, g.pending...)
			g.samples += int64(len(g.pending))
			g.pending = nil
		}
		events = append(events, g.flushChunk()...)
		g.active = false
	} else if g.silence != nil {
		sil := g.completedSilence(g.samples + int64(len(g.pending)))
		if sil != nil {
			events = append(events, Event{Silence: sil})
		}
		g.silence = nil
	}
	return events
}

// StreamTime returns the stream time of the last consumed sample.
func (g *Gate) StreamTime() float64 {
	return sampleTime(g.samples)
}

func (g *Gate) flushChunk() []Event {
	if len(g.chunk) == 0 {
		return nil
	}
	chunk := g.chunk
	g.chunk = nil
	return []Event{{Chunk: chunk}}
}

func (g *Gate) endSilence(endSample int64) []Event {
	sil := g.completedSilence(endSample)
	g.silence = nil
	if sil == nil {
		return nil
	}
	return []Event{{Silence: sil}}
}

func (g *Gate) completedSilence(endSample int64) *models.Silence {
	if g.silence == nil {
		return nil
	}
	end := sampleTime(endSample)
	if end < g.silence.Start {
		end = g.silence.Start
	}
	return &models.Silence{
		Start:    g.silence.Start,
		End:      end,
		Duration: end - g.silence.Start,
		Ended:    true,
	}
}
