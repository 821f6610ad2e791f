// Package align joins committed tokens, speaker intervals and translations
// on the shared time axis and produces the displayable timeline.
package align

import (
	"strings"

	"ai-speech-transcription-service/internal/models"
)

// Boundary constants.
const (
	// gapBoundary starts a new segment when consecutive tokens are this
	// far apart.
	gapBoundary = 1.5
	// translationTolerance widens a segment's span when attaching
	// translations.
	translationTolerance = 0.1
)

// Aligner assembles segments from the session's committed timeline.
type Aligner struct {
	// Diarization controls speaker assignment; when false every token except
	// silence markers is exposed as unassigned.
	Diarization bool
	// ClockTimestamps renders H:MM:SS instead of seconds.
	ClockTimestamps bool
}

// Output is the displayable timeline of one aligner pass.
type Output struct {
	Segments          []models.Segment
	BufferDiarization string
}

// Align assigns speakers to tokens (in place), groups them into segments
// and attaches translations.
//
// Speaker assignment only touches tokens whose audio has been diarized;
// since tokens are ordered by start, the displayed timeline grows as a
// stable prefix while undiarized tokens wait in the diarization buffer.
func (a *Aligner) Align(
	tokens []models.Token,
	intervals []models.SpeakerInterval,
	translations []models.Translation,
	endDiarized float64,
) Output {
	if a.Diarization {
		assignSpeakers(tokens, intervals, endDiarized)
	}

	display, pending := a.splitPending(tokens, endDiarized)
	segments := a.group(display)
	attachTranslations(segments, translations)

	return Output{
		Segments:          segments,
		BufferDiarization: joinTexts(pending),
	}
}

// splitPending separates tokens ready for display from tokens still waiting
// for speaker attribution.
func (a *Aligner) splitPending(tokens []models.Token, endDiarized float64) (display, pending []models.Token) {
	if !a.Diarization {
		display = make([]models.Token, len(tokens))
		for i, tok := range tokens {
			if tok.Speaker != models.SpeakerSilence {
				tok.Speaker = models.SpeakerUnassigned
			}
			display[i] = tok
		}
		return display, nil
	}
	for _, tok := range tokens {
		if tok.Speaker == models.SpeakerSilence || tok.End <= endDiarized+timeEpsilon {
			display = append(display, tok)
		} else {
			pending = append(pending, tok)
		}
	}
	return display, pending
}

const timeEpsilon = 1e-6

// assignSpeakers resolves pending tokens against the speaker timeline by
// largest intersection. Ties break to the earlier interval. A diarized
// token with no intersecting interval is finalized as unassigned: once a
// token has been displayed its speaker must not change on a later pass.
func assignSpeakers(tokens []models.Token, intervals []models.SpeakerInterval, endDiarized float64) {
	for i := range tokens {
		tok := &tokens[i]
		if tok.Speaker != models.SpeakerPending {
			continue
		}
		if tok.End > endDiarized+timeEpsilon {
			continue
		}
		best := -1
		bestOverlap := 0.0
		for j, iv := range intervals {
			overlap := intersection(tok.Start, tok.End, iv.Start, iv.End)
			if overlap > bestOverlap+timeEpsilon {
				bestOverlap = overlap
				best = j
			}
		}
		if best >= 0 {
			tok.Speaker = intervals[best].Speaker
		} else {
			tok.Speaker = models.SpeakerUnassigned
		}
	}
}

func intersection(aStart, aEnd, bStart, bEnd float64) float64 {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	if end <= start {
		return 0
	}
	return end - start
}

// group splits the display tokens into segments. A speaker change is the
// strongest boundary, then sentence-terminal punctuation, then a time gap.
func (a *Aligner) group(tokens []models.Token) []models.Segment {
	var segments []models.Segment
	var current []models.Token

	flush := func() {
		if len(current) == 0 {
			return
		}
		segments = append(segments, a.newSegment(current))
		current = nil
	}

	for _, tok := range tokens {
		if tok.Speaker == models.SpeakerSilence {
			flush()
			segments = append(segments, a.newSegment([]models.Token{tok}))
			continue
		}
		if len(current) > 0 {
			prev := current[len(current)-1]
			switch {
			case tok.Speaker != prev.Speaker:
				flush()
			case prev.IsSentenceEnd():
				flush()
			case tok.Start-prev.End > gapBoundary:
				flush()
			}
		}
		current = append(current, tok)
	}
	flush()
	return segments
}

func (a *Aligner) newSegment(tokens []models.Token) models.Segment {
	first, last := tokens[0], tokens[len(tokens)-1]
	seg := models.Segment{
		Start:    models.FormatTimestamp(first.Start, a.ClockTimestamps),
		End:      models.FormatTimestamp(last.End, a.ClockTimestamps),
		StartSec: first.Start,
		EndSec:   last.End,
		Text:     joinTexts(tokens),
		Speaker:  first.Speaker,
	}
	for _, tok := range tokens {
		if tok.Language != "" {
			seg.DetectedLanguage = tok.Language
			break
		}
	}
	return seg
}

// attachTranslations concatenates, per segment, the translations whose span
// is contained in the segment's span within the tolerance.
func attachTranslations(segments []models.Segment, translations []models.Translation) {
	for i := range segments {
		seg := &segments[i]
		if seg.Speaker == models.SpeakerSilence {
			continue
		}
		var parts []string
		for _, tr := range translations {
			if tr.Start >= seg.StartSec-translationTolerance && tr.End <= seg.EndSec+translationTolerance {
				parts = append(parts, tr.Text)
			}
		}
		seg.Translation = strings.Join(parts, " ")
	}
}

func joinTexts(tokens []models.Token) string {
	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteString(tok.Text)
	}
	return strings.TrimSpace(sb.String())
}
