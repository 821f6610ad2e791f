package vad

import (
	"testing"
)

// scriptedDetector replays prescribed results keyed by window index.
type scriptedDetector struct {
	results map[int]Result
	window  int
}

func (d *scriptedDetector) Feed(window []float32) (Result, error) {
	res := d.results[d.window]
	d.window++
	return res, nil
}

func (d *scriptedDetector) Reset() {}

func samples(n int) []float32 {
	return make([]float32, n)
}

func collect(t *testing.T, g *Gate, pcm []float32) []Event {
	t.Helper()
	events, err := g.Process(pcm)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	return events
}

func TestGate_AnnouncesInitialSilence(t *testing.T) {
	g := NewGate(&scriptedDetector{results: map[int]Result{}}, 1.0)

	events := collect(t, g, samples(WindowSize))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	sil := events[0].Silence
	if sil == nil || !sil.Starting || sil.Start != 0 {
		t.Fatalf("expected starting silence at 0, got %+v", sil)
	}
}

func TestGate_VoiceStartEndsSilence(t *testing.T) {
	// Voice begins at sample 1024 (window 2).
	det := &scriptedDetector{results: map[int]Result{
		2: {HasStart: true, StartSample: 1024},
	}}
	g := NewGate(det, 10.0)

	events := collect(t, g, samples(4*WindowSize))

	// initial starting silence, then the completed silence.
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	done := events[1].Silence
	if done == nil || !done.Ended {
		t.Fatalf("expected completed silence, got %+v", done)
	}
	if done.Start != 0 || done.End != 1024.0/SampleRate {
		t.Fatalf("unexpected silence bounds: %+v", done)
	}
	if done.Duration != done.End-done.Start {
		t.Fatalf("duration mismatch: %+v", done)
	}
}

func TestGate_VoiceEndEmitsChunkAndStartsSilence(t *testing.T) {
	det := &scriptedDetector{results: map[int]Result{
		0: {HasStart: true, StartSample: 0},
		3: {HasEnd: true, EndSample: 3 * WindowSize},
	}}
	g := NewGate(det, 10.0)

	events := collect(t, g, samples(5*WindowSize))

	var chunks [][]float32
	var silences []Event
	for _, ev := range events {
		if ev.Chunk != nil {
			chunks = append(chunks, ev.Chunk)
		} else {
			silences = append(silences, ev)
		}
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if len(chunks[0]) != 3*WindowSize {
		t.Fatalf("expected chunk of %d samples, got %d", 3*WindowSize, len(chunks[0]))
	}
	// initial starting silence, its completion at voice start, and the
	// starting silence after voice end.
	if len(silences) != 3 {
		t.Fatalf("expected 3 silence events, got %d", len(silences))
	}
	after := silences[2].Silence
	if !after.Starting || after.Start != float64(3*WindowSize)/SampleRate {
		t.Fatalf("unexpected post-voice silence: %+v", after)
	}
}

func TestGate_ActiveAudioFlushedInBoundedPieces(t *testing.T) {
	det := &scriptedDetector{results: map[int]Result{
		0: {HasStart: true, StartSample: 0},
	}}
	// Flush pieces of one window each.
	g := NewGate(det, float64(WindowSize)/SampleRate)

	events := collect(t, g, samples(4*WindowSize))

	chunkCount := 0
	for _, ev := range events {
		if ev.Chunk != nil {
			chunkCount++
			if len(ev.Chunk) > 2*WindowSize {
				t.Fatalf("chunk exceeds flush bound: %d samples", len(ev.Chunk))
			}
		}
	}
	if chunkCount < 3 {
		t.Fatalf("expected bounded flushing to yield several chunks, got %d", chunkCount)
	}
}

func TestGate_SampleCounterNeverResets(t *testing.T) {
	det := &scriptedDetector{results: map[int]Result{}}
	g := NewGate(det, 1.0)

	collect(t, g, samples(3*WindowSize))
	if g.StreamTime() != float64(3*WindowSize)/SampleRate {
		t.Fatalf("unexpected stream time %v", g.StreamTime())
	}
	collect(t, g, samples(2*WindowSize))
	if g.StreamTime() != float64(5*WindowSize)/SampleRate {
		t.Fatalf("stream time should accumulate, got %v", g.StreamTime())
	}
}

func TestGate_FlushReleasesResidualActiveAudio(t *testing.T) {
	det := &scriptedDetector{results: map[int]Result{
		0: {HasStart: true, StartSample: 0},
	}}
	g := NewGate(det, 100.0)

	collect(t, g, samples(2*WindowSize))
	// Residual partial window stays pending until flush.
	collect(t, g, samples(100))

	events := g.Flush()
	if len(events) != 1 || events[0].Chunk == nil {
		t.Fatalf("expected one trailing chunk, got %+v", events)
	}
	if len(events[0].Chunk) != 2*WindowSize+100 {
		t.Fatalf("expected trailing chunk of %d samples, got %d", 2*WindowSize+100, len(events[0].Chunk))
	}
}

func TestGate_FlushCompletesOpenSilence(t *testing.T) {
	det := &scriptedDetector{results: map[int]Result{}}
	g := NewGate(det, 1.0)

	collect(t, g, samples(2*WindowSize))
	events := g.Flush()
	if len(events) != 1 || events[0].Silence == nil || !events[0].Silence.Ended {
		t.Fatalf("expected completed silence on flush, got %+v", events)
	}
}
