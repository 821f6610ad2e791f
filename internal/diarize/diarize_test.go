package diarize

import (
	"testing"
)

func TestPostProcessor_IDStabilization(t *testing.T) {
	p := NewPostProcessor()

	// Internal cluster IDs arrive out of order and sparse; exposed labels
	// are dense and assigned in first-appearance order.
	out := p.Add([]RawInterval{
		{SpeakerID: 7, Start: 0, End: 1},
		{SpeakerID: 3, Start: 1.5, End: 2.5},
		{SpeakerID: 7, Start: 3, End: 4},
	})

	if len(out) != 3 {
		t.Fatalf("expected 3 intervals, got %d", len(out))
	}
	if out[0].Speaker != 1 || out[1].Speaker != 2 || out[2].Speaker != 1 {
		t.Fatalf("unexpected labels: %+v", out)
	}
	if p.SpeakerCount() != 2 {
		t.Fatalf("expected 2 speakers, got %d", p.SpeakerCount())
	}
}

func TestPostProcessor_MappingNeverReused(t *testing.T) {
	p := NewPostProcessor()
	p.Add([]RawInterval{{SpeakerID: 1, Start: 0, End: 1}})
	p.Add([]RawInterval{{SpeakerID: 2, Start: 2, End: 3}})
	out := p.Add([]RawInterval{{SpeakerID: 1, Start: 4, End: 5}})

	last := out[len(out)-1]
	if last.Speaker != 1 {
		t.Fatalf("internal ID 1 must keep label 1, got %d", last.Speaker)
	}
	if p.SpeakerCount() != 2 {
		t.Fatalf("expected stable speaker count 2, got %d", p.SpeakerCount())
	}
}

func TestPostProcessor_BoundarySmoothing(t *testing.T) {
	p := NewPostProcessor()

	out := p.Add([]RawInterval{
		{SpeakerID: 1, Start: 0, End: 1.0},
		{SpeakerID: 1, Start: 1.1, End: 2.0}, // gap 0.1 < 0.2 → merged
		{SpeakerID: 1, Start: 2.5, End: 3.0}, // gap 0.5 → separate
	})

	if len(out) != 2 {
		t.Fatalf("expected 2 intervals after smoothing, got %d: %+v", len(out), out)
	}
	if out[0].Start != 0 || out[0].End != 2.0 {
		t.Fatalf("unexpected merged interval: %+v", out[0])
	}
}

func TestPostProcessor_DifferentSpeakersNotMerged(t *testing.T) {
	p := NewPostProcessor()

	out := p.Add([]RawInterval{
		{SpeakerID: 1, Start: 0, End: 1.0},
		{SpeakerID: 2, Start: 1.05, End: 2.0},
	})

	if len(out) != 2 {
		t.Fatalf("intervals of different speakers must stay separate: %+v", out)
	}
}

func TestPostProcessor_MinimumDuration(t *testing.T) {
	p := NewPostProcessor()

	out := p.Add([]RawInterval{
		{SpeakerID: 1, Start: 0, End: 0.05},  // too short
		{SpeakerID: 2, Start: 1, End: 2},
	})

	if len(out) != 1 {
		t.Fatalf("expected the sub-0.1s interval to be discarded: %+v", out)
	}
	// Discarded intervals must not consume a label; labels stay dense.
	if out[0].Speaker != 1 {
		t.Fatalf("expected surviving interval labelled 1, got %d", out[0].Speaker)
	}
	if p.SpeakerCount() != 1 {
		t.Fatalf("expected one speaker, got %d", p.SpeakerCount())
	}
}

func TestPostProcessor_EndOfDiarizedAudioAdvances(t *testing.T) {
	p := NewPostProcessor()

	p.Add([]RawInterval{{SpeakerID: 1, Start: 0, End: 1}})
	if p.EndOfDiarizedAudio() != 1 {
		t.Fatalf("expected end 1, got %v", p.EndOfDiarizedAudio())
	}
	p.Add([]RawInterval{{SpeakerID: 1, Start: 1, End: 2.5}})
	if p.EndOfDiarizedAudio() != 2.5 {
		t.Fatalf("expected end 2.5, got %v", p.EndOfDiarizedAudio())
	}
	// Stale raw intervals never move it backward.
	p.Add([]RawInterval{{SpeakerID: 1, Start: 0.2, End: 0.4}})
	if p.EndOfDiarizedAudio() != 2.5 {
		t.Fatalf("end of diarized audio must be monotone, got %v", p.EndOfDiarizedAudio())
	}
}

func TestMockDiarizer_ReleasesByStreamTime(t *testing.T) {
	m := NewMockDiarizer([]RawInterval{
		{SpeakerID: 1, Start: 0, End: 1},
		{SpeakerID: 2, Start: 1, End: 2},
	})

	out, err := m.Feed(nil, nil, 0.5)
	if err != nil || len(out) != 0 {
		t.Fatalf("expected nothing before intervals end, got %v, %v", out, err)
	}
	out, _ = m.Feed(nil, nil, 1.0)
	if len(out) != 1 || out[0].SpeakerID != 1 {
		t.Fatalf("expected first interval at t=1, got %v", out)
	}
	out, _ = m.Feed(nil, nil, 5)
	if len(out) != 1 || out[0].SpeakerID != 2 {
		t.Fatalf("expected second interval, got %v", out)
	}
}
