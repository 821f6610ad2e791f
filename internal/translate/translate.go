// Package translate produces translated text aligned to committed token
// intervals. Tokens are grouped by sentence boundary, with a max-token and
// a time-span fallback for speech that never reaches one.
package translate

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-transcription-service/internal/models"
)

// Translator is the capability interface over the external translation
// model.
type Translator interface {
	Translate(ctx context.Context, sourceLang, targetLang, text string) (string, error)
}

// Config tunes translation grouping.
type Config struct {
	MaxGroupTokens int     // flush a group at this many tokens without a boundary
	MaxGroupSpan   float64 // flush when the group covers this many seconds
	MaxFailures    int     // consecutive failures before translation is disabled
}

// DefaultConfig returns sensible grouping defaults.
func DefaultConfig() Config {
	return Config{
		MaxGroupTokens: 30,
		MaxGroupSpan:   10,
		MaxFailures:    3,
	}
}

// Worker accumulates committed tokens into groups and translates each
// closed group. Failures skip the group rather than stalling the pipeline;
// persistent failures disable translation for the session.
type Worker struct {
	cfg        Config
	translator Translator
	source     string
	target     string
	log        zerolog.Logger

	group    []models.Token
	buffer   string // in-flight translation of the open group
	failures int
	disabled bool
}

// NewWorker creates a translation worker.
func NewWorker(cfg Config, translator Translator, source, target string) *Worker {
	if cfg.MaxGroupTokens <= 0 {
		cfg.MaxGroupTokens = 30
	}
	if cfg.MaxGroupSpan <= 0 {
		cfg.MaxGroupSpan = 10
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	return &Worker{
		cfg:        cfg,
		translator: translator,
		source:     source,
		target:     target,
		log:        log.With().Str("component", "translate").Logger(),
	}
}

// Disabled reports whether translation was turned off after persistent
// failures.
func (w *Worker) Disabled() bool {
	return w.disabled
}

// Buffer returns the in-flight translation of the open group.
func (w *Worker) Buffer() string {
	return w.buffer
}

// AddToken accumulates one committed token. It returns a completed
// Translation when the token closes a group.
func (w *Worker) AddToken(ctx context.Context, tok models.Token) *models.Translation {
	if w.disabled {
		return nil
	}
	w.group = append(w.group, tok)

	if tok.IsSentenceEnd() || len(w.group) >= w.cfg.MaxGroupTokens || w.groupSpan() >= w.cfg.MaxGroupSpan {
		return w.flushGroup(ctx)
	}

	// Keep the tentative translation fresh for the open group.
	if text, ok := w.translate(ctx, groupText(w.group)); ok {
		w.buffer = text
	}
	return nil
}

// Flush translates whatever group is open. Called on silence boundaries and
// at session drain.
func (w *Worker) Flush(ctx context.Context) *models.Translation {
	if w.disabled || len(w.group) == 0 {
		return nil
	}
	return w.flushGroup(ctx)
}

func (w *Worker) flushGroup(ctx context.Context) *models.Translation {
	group := w.group
	w.group = nil
	w.buffer = ""

	text, ok := w.translate(ctx, groupText(group))
	if !ok {
		// The group is skipped, not retried.
		return nil
	}
	return &models.Translation{
		Start: group[0].Start,
		End:   group[len(group)-1].End,
		Text:  text,
	}
}

func (w *Worker) translate(ctx context.Context, text string) (string, bool) {
	if text == "" {
		return "", false
	}
	out, err := w.translator.Translate(ctx, w.source, w.target, text)
	if err != nil {
		w.failures++
		w.log.Warn().Err(err).Int("failures", w.failures).Msg("Translation failed")
		if w.failures >= w.cfg.MaxFailures {
			w.disabled = true
			w.buffer = ""
			w.log.Error().Msg("Translation disabled for session")
		}
		return "", false
	}
	w.failures = 0
	return out, true
}

func (w *Worker) groupSpan() float64 {
	if len(w.group) == 0 {
		return 0
	}
	return w.group[len(w.group)-1].End - w.group[0].Start
}

func groupText(group []models.Token) string {
	var sb strings.Builder
	for _, tok := range group {
		sb.WriteString(tok.Text)
	}
	return strings.TrimSpace(sb.String())
}
