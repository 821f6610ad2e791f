package transcriber

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ai-speech-transcription-service/internal/asr/mock"
	"ai-speech-transcription-service/internal/config"
	"ai-speech-transcription-service/internal/models"
	"ai-speech-transcription-service/internal/vad"
)

func laConfig() config.LocalAgreementConfig {
	return config.LocalAgreementConfig{
		BufferTrimming: "sentence",
		BufferMaxSec:   15,
		MaxFailures:    5,
	}
}

func newLA(t *testing.T, script []mock.Hypothesis) (*LocalAgreement, *mock.ChunkTranscriber) {
	t.Helper()
	tr := mock.NewChunkTranscriber(script)
	return NewLocalAgreement(laConfig(), "en", tr), tr
}

func audioSeconds(sec float64) []float32 {
	return make([]float32, int(sec*vad.SampleRate))
}

func committedText(tokens []models.Token) string {
	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteString(tok.Text)
	}
	return strings.TrimSpace(sb.String())
}

func tick(t *testing.T, p Policy) []models.Token {
	t.Helper()
	tokens, _, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return tokens
}

func TestLocalAgreement_LCPCommit(t *testing.T) {
	// Scripted hypotheses across three ticks grow by one word each time.
	la, _ := newLA(t, []mock.Hypothesis{
		{{Word: "Hello", Start: 0.1, End: 0.5}},
		{{Word: "Hello", Start: 0.1, End: 0.5}, {Word: "world", Start: 0.6, End: 1.0}},
		{{Word: "Hello", Start: 0.1, End: 0.5}, {Word: "world", Start: 0.6, End: 1.0}, {Word: "how", Start: 1.1, End: 1.3}},
	})

	var all []models.Token

	la.InsertAudio(audioSeconds(1), 1)
	all = append(all, tick(t, la)...)
	if len(all) != 0 {
		t.Fatalf("tick 1 should commit nothing, got %q", committedText(all))
	}

	la.InsertAudio(audioSeconds(0.5), 1.5)
	all = append(all, tick(t, la)...)
	if got := committedText(all); got != "Hello" {
		t.Fatalf("after tick 2 expected committed 'Hello', got %q", got)
	}

	la.InsertAudio(audioSeconds(0.5), 2)
	all = append(all, tick(t, la)...)
	if got := committedText(all); got != "Hello world" {
		t.Fatalf("after tick 3 expected committed 'Hello world', got %q", got)
	}
	if buf := la.Buffer(); buf.Text != "how" {
		t.Fatalf("expected tentative 'how', got %q", buf.Text)
	}
}

func TestLocalAgreement_HypothesisRetraction(t *testing.T) {
	la, _ := newLA(t, []mock.Hypothesis{
		{{Word: "Hello", Start: 0.1, End: 0.5}, {Word: "wurld", Start: 0.6, End: 1.0}},
		{{Word: "Hello", Start: 0.1, End: 0.5}, {Word: "world", Start: 0.6, End: 1.0}},
	})

	var all []models.Token

	la.InsertAudio(audioSeconds(1), 1)
	all = append(all, tick(t, la)...)
	la.InsertAudio(audioSeconds(0.5), 1.5)
	all = append(all, tick(t, la)...)

	if got := committedText(all); got != "Hello" {
		t.Fatalf("mismatch at position 2 must prevent commit; expected 'Hello', got %q", got)
	}
	if buf := la.Buffer(); buf.Text != "world" {
		t.Fatalf("expected tentative 'world', got %q", buf.Text)
	}
}

func TestLocalAgreement_NormalizedMatching(t *testing.T) {
	// Case and surrounding punctuation differences do not block agreement;
	// the committed token keeps the current hypothesis text.
	la, _ := newLA(t, []mock.Hypothesis{
		{{Word: "hello", Start: 0.1, End: 0.5}},
		{{Word: "Hello,", Start: 0.1, End: 0.5}},
	})

	la.InsertAudio(audioSeconds(1), 1)
	tick(t, la)
	la.InsertAudio(audioSeconds(0.5), 1.5)
	tokens := tick(t, la)

	if committedText(tokens) != "Hello," {
		t.Fatalf("expected normalized agreement to commit 'Hello,', got %q", committedText(tokens))
	}
}

func TestLocalAgreement_EmptyCurrentCommitsNothing(t *testing.T) {
	la, _ := newLA(t, []mock.Hypothesis{
		{{Word: "Hello", Start: 0.1, End: 0.5}},
		{}, // fresh hypothesis retracted everything
		{{Word: "Hello", Start: 0.1, End: 0.5}},
	})

	la.InsertAudio(audioSeconds(1), 1)
	tick(t, la)

	la.InsertAudio(audioSeconds(0.5), 1.5)
	tokens := tick(t, la)
	if len(tokens) != 0 {
		t.Fatalf("empty hypothesis must not commit, got %v", tokens)
	}

	// The previous hypothesis is kept, so the next agreeing tick commits.
	la.InsertAudio(audioSeconds(0.5), 2)
	tokens = tick(t, la)
	if committedText(tokens) != "Hello" {
		t.Fatalf("expected 'Hello' after agreement resumes, got %q", committedText(tokens))
	}
}

func TestLocalAgreement_BackwardTokensIgnored(t *testing.T) {
	la, _ := newLA(t, []mock.Hypothesis{
		{{Word: "Hello", Start: 0.1, End: 0.5}},
		{{Word: "Hello", Start: 0.1, End: 0.5}},
		// The ASR re-emits the committed word plus an earlier artifact.
		{{Word: "stale", Start: 0.0, End: 0.4}, {Word: "Hello", Start: 0.1, End: 0.5}},
	})

	la.InsertAudio(audioSeconds(1), 1)
	tick(t, la)
	la.InsertAudio(audioSeconds(0.2), 1.2)
	tokens := tick(t, la)
	if committedText(tokens) != "Hello" {
		t.Fatalf("expected 'Hello' committed, got %q", committedText(tokens))
	}

	la.InsertAudio(audioSeconds(0.2), 1.4)
	tokens = tick(t, la)
	if len(tokens) != 0 {
		t.Fatalf("tokens behind the last commit must be ignored, got %v", tokens)
	}
}

func TestLocalAgreement_CommittedTokensMonotonic(t *testing.T) {
	la, _ := newLA(t, []mock.Hypothesis{
		{{Word: "a", Start: 0.1, End: 0.3}, {Word: "b", Start: 0.4, End: 0.6}},
		{{Word: "a", Start: 0.1, End: 0.3}, {Word: "b", Start: 0.4, End: 0.6}, {Word: "c", Start: 0.7, End: 0.9}},
		{{Word: "a", Start: 0.1, End: 0.3}, {Word: "b", Start: 0.4, End: 0.6}, {Word: "c", Start: 0.7, End: 0.9}},
	})

	var all []models.Token
	for i := 0; i < 3; i++ {
		la.InsertAudio(audioSeconds(0.5), float64(i+1)*0.5)
		all = append(all, tick(t, la)...)
	}

	for i := 1; i < len(all); i++ {
		if all[i].Start < all[i-1].Start {
			t.Fatalf("token starts must be non-decreasing: %v", all)
		}
		if all[i].Start < all[i-1].End-timeEpsilon {
			t.Fatalf("tokens must not overlap: %v", all)
		}
	}
	for _, tok := range all {
		if tok.Start > tok.End {
			t.Fatalf("token start beyond end: %+v", tok)
		}
	}
}

func TestLocalAgreement_TransientFailureSkipsTick(t *testing.T) {
	tr := mock.NewChunkTranscriber([]mock.Hypothesis{
		{{Word: "Hello", Start: 0.1, End: 0.5}},
		{{Word: "Hello", Start: 0.1, End: 0.5}},
	})
	tr.Errs = map[int]error{0: errors.New("asr hiccup")}
	la := NewLocalAgreement(laConfig(), "en", tr)

	la.InsertAudio(audioSeconds(1), 1)
	tokens, _, err := la.Tick(context.Background())
	if err != nil {
		t.Fatalf("transient failure must not escalate: %v", err)
	}
	if len(tokens) != 0 {
		t.Fatalf("failed tick must not mutate state, got %v", tokens)
	}

	// Subsequent ticks proceed normally.
	tick(t, la)
	la.InsertAudio(audioSeconds(0.2), 1.2)
	tokens = tick(t, la)
	if committedText(tokens) != "Hello" {
		t.Fatalf("expected recovery commit 'Hello', got %q", committedText(tokens))
	}
}

func TestLocalAgreement_PersistentFailureEscalates(t *testing.T) {
	tr := mock.NewChunkTranscriber(nil)
	tr.Errs = map[int]error{}
	for i := 0; i < 10; i++ {
		tr.Errs[i] = errors.New("asr down")
	}
	cfg := laConfig()
	cfg.MaxFailures = 3
	la := NewLocalAgreement(cfg, "en", tr)

	la.InsertAudio(audioSeconds(1), 1)
	var err error
	for i := 0; i < 3; i++ {
		_, _, err = la.Tick(context.Background())
	}
	if !errors.Is(err, ErrPersistent) {
		t.Fatalf("expected ErrPersistent after repeated failures, got %v", err)
	}
}

func TestLocalAgreement_BufferTrimsAtSentenceBoundary(t *testing.T) {
	script := []mock.Hypothesis{
		{{Word: "Done.", Start: 0.5, End: 1.0}},
		{{Word: "Done.", Start: 0.5, End: 1.0}},
	}
	la, _ := newLA(t, script)
	la.cfg.BufferMaxSec = 2

	la.InsertAudio(audioSeconds(1.5), 1.5)
	tick(t, la)
	la.InsertAudio(audioSeconds(1.5), 3.0)
	tick(t, la) // commits "Done." and exceeds the 2 s window

	if la.bufferStart != 1.0 {
		t.Fatalf("expected trim anchored at the sentence end 1.0, got %v", la.bufferStart)
	}
	wantLen := int(2.0 * vad.SampleRate)
	if len(la.buffer) != wantLen {
		t.Fatalf("expected %d samples after trim, got %d", wantLen, len(la.buffer))
	}
}
