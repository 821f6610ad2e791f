// Package diarize assigns relative speaker labels to audio intervals.
// The underlying model's clustering is trusted; this package only
// stabilizes its IDs and cleans up interval boundaries.
package diarize

import (
	"context"
	"sort"

	"ai-speech-transcription-service/internal/models"
)

// Post-processing constants.
const (
	// smoothingGap merges adjacent same-speaker intervals closer than this.
	smoothingGap = 0.2
	// minDuration discards intervals shorter than this.
	minDuration = 0.1
)

// RawInterval is one interval as emitted by the underlying model, carrying
// its internal cluster ID.
type RawInterval struct {
	SpeakerID int
	Start     float64
	End       float64
}

// Diarizer is the capability interface over the external diarization model.
// Feed delivers PCM aligned in time with the transcriber's view and returns
// the intervals the model has decided so far.
type Diarizer interface {
	Feed(ctx context.Context, pcm []float32, streamTime float64) ([]RawInterval, error)
	Close() error
}

// PostProcessor turns raw model intervals into the session's stable,
// smoothed speaker timeline.
//
// ID stabilization maps internal cluster IDs onto session-wide labels
// (1, 2, ...) in order of first appearance; the mapping is 1:1 and never
// reused. Adjacent same-speaker intervals with a gap below smoothingGap are
// merged, and intervals shorter than minDuration are discarded.
type PostProcessor struct {
	mapping   map[int]int
	nextLabel int
	intervals []models.SpeakerInterval
	endTime   float64
}

// NewPostProcessor creates an empty post-processor.
func NewPostProcessor() *PostProcessor {
	return &PostProcessor{
		mapping:   make(map[int]int),
		nextLabel: 1,
	}
}

// Add ingests raw intervals and returns the full processed timeline.
// Sub-minimum intervals are discarded before label assignment so that
// exposed labels stay dense.
func (p *PostProcessor) Add(raw []RawInterval) []models.SpeakerInterval {
	for _, r := range raw {
		if r.End-r.Start < minDuration {
			continue
		}
		label, ok := p.mapping[r.SpeakerID]
		if !ok {
			label = p.nextLabel
			p.mapping[r.SpeakerID] = label
			p.nextLabel++
		}
		p.intervals = append(p.intervals, models.SpeakerInterval{
			Speaker: label,
			Start:   r.Start,
			End:     r.End,
		})
		if r.End > p.endTime {
			p.endTime = r.End
		}
	}
	p.normalize()
	return p.Intervals()
}

// Intervals returns a copy of the processed timeline.
func (p *PostProcessor) Intervals() []models.SpeakerInterval {
	return append([]models.SpeakerInterval(nil), p.intervals...)
}

// EndOfDiarizedAudio returns how far the speaker timeline extends.
func (p *PostProcessor) EndOfDiarizedAudio() float64 {
	return p.endTime
}

// SpeakerCount returns the number of labels assigned so far.
func (p *PostProcessor) SpeakerCount() int {
	return p.nextLabel - 1
}

// normalize sorts, merges and filters the accumulated intervals.
func (p *PostProcessor) normalize() {
	sort.SliceStable(p.intervals, func(i, j int) bool {
		return p.intervals[i].Start < p.intervals[j].Start
	})

	merged := p.intervals[:0]
	for _, iv := range p.intervals {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Speaker == iv.Speaker && iv.Start-last.End < smoothingGap {
				if iv.End > last.End {
					last.End = iv.End
				}
				continue
			}
		}
		merged = append(merged, iv)
	}

	kept := merged[:0]
	for _, iv := range merged {
		if iv.Duration() < minDuration {
			continue
		}
		kept = append(kept, iv)
	}
	p.intervals = kept
}
