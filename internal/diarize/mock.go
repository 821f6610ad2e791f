package diarize

import (
	"context"
	"sync"
)

// DefaultScript provides sample intervals for development sessions without
// a real diarization model: two speakers taking turns.
var DefaultScript = []RawInterval{
	{SpeakerID: 1, Start: 0, End: 4},
	{SpeakerID: 2, Start: 4, End: 8},
	{SpeakerID: 1, Start: 8, End: 12},
	{SpeakerID: 2, Start: 12, End: 16},
	{SpeakerID: 1, Start: 16, End: 20},
	{SpeakerID: 2, Start: 20, End: 24},
}

// MockDiarizer replays scripted intervals: each Feed call releases the
// intervals whose end lies within the stream time seen so far.
type MockDiarizer struct {
	mu       sync.Mutex
	script   []RawInterval
	released int
	closed   bool

	// Err, when set, is returned by every Feed call.
	Err error
}

// NewMockDiarizer creates a scripted diarizer. Script intervals must be
// ordered by end time.
func NewMockDiarizer(script []RawInterval) *MockDiarizer {
	return &MockDiarizer{script: script}
}

// Feed releases all scripted intervals decided up to streamTime.
func (m *MockDiarizer) Feed(ctx context.Context, pcm []float32, streamTime float64) ([]RawInterval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	var out []RawInterval
	for m.released < len(m.script) && m.script[m.released].End <= streamTime {
		out = append(out, m.script[m.released])
		m.released++
	}
	return out, nil
}

// Close marks the diarizer closed.
func (m *MockDiarizer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
