// Package pipeline coordinates the stages that turn a raw audio stream into
// a published, speaker-attributed token timeline: ingress, decode, VAD
// gating, transcription, diarization, translation, alignment and snapshot
// publication. One Pipeline instance serves one audio stream session.
package pipeline

import (
	"sync"

	"ai-speech-transcription-service/internal/models"
)

// SessionState is the process-wide state of one session. All mutation goes
// through its methods under a single lock; stages compute new values off the
// lock and integrate them here.
type SessionState struct {
	mu sync.Mutex

	tokens       []models.Token
	tentative    models.TentativeBuffer
	intervals    []models.SpeakerInterval
	translations []models.Translation

	endCommitted float64
	endDiarized  float64
	ingressTime  float64

	translationBuffer   string
	diarizationDegraded bool
	translationDisabled bool
	errorKind           models.ErrorKind
}

// NewSessionState creates empty session state.
func NewSessionState() *SessionState {
	return &SessionState{}
}

// AppendTokens integrates newly committed tokens and the fresh tentative
// buffer. Committed tokens are append-only; starts are clamped so the
// sequence stays non-decreasing even when a stage reports late.
func (s *SessionState) AppendTokens(tokens []models.Token, tentative models.TentativeBuffer, endCommitted float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tok := range tokens {
		if n := len(s.tokens); n > 0 {
			prev := s.tokens[n-1]
			if tok.Start < prev.End {
				tok.Start = prev.End
			}
			if tok.End < tok.Start {
				tok.End = tok.Start
			}
		}
		s.tokens = append(s.tokens, tok)
	}
	s.tentative = tentative
	if endCommitted > s.endCommitted {
		s.endCommitted = endCommitted
	}
}

// AppendSilence records a silence marker as its own timeline entry. The
// marker is dropped when it would overlap already-committed tokens.
func (s *SessionState) AppendSilence(sil models.Silence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.tokens); n > 0 && sil.Start < s.tokens[n-1].End {
		return
	}
	s.tokens = append(s.tokens, models.Token{
		Start:   sil.Start,
		End:     sil.End,
		Speaker: models.SpeakerSilence,
	})
}

// SetIntervals replaces the processed speaker timeline.
func (s *SessionState) SetIntervals(intervals []models.SpeakerInterval, endDiarized float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals = intervals
	if endDiarized > s.endDiarized {
		s.endDiarized = endDiarized
	}
}

// AppendTranslation records a completed translation and the fresh buffer.
func (s *SessionState) AppendTranslation(tr *models.Translation, buffer string, disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr != nil {
		s.translations = append(s.translations, *tr)
	}
	s.translationBuffer = buffer
	if disabled {
		s.translationDisabled = true
		s.translationBuffer = ""
	}
}

// SetIngressTime advances the ingress head used for lag hints.
func (s *SessionState) SetIngressTime(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t > s.ingressTime {
		s.ingressTime = t
	}
}

// DegradeDiarization marks the session as running without speaker
// attribution after a diarizer failure.
func (s *SessionState) DegradeDiarization() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diarizationDegraded = true
	s.intervals = nil
}

// SetError records the first fatal error kind.
func (s *SessionState) SetError(kind models.ErrorKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errorKind == models.ErrKindNone {
		s.errorKind = kind
	}
}

// ErrorKind returns the recorded fatal error kind, if any.
func (s *SessionState) ErrorKind() models.ErrorKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorKind
}

// HasOutput reports whether the session has anything to show: committed
// timeline entries or live buffers.
func (s *SessionState) HasOutput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens) > 0 || !s.tentative.IsEmpty() || s.translationBuffer != ""
}
