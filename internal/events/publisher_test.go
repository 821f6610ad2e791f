package events

import (
	"context"
	"testing"

	"ai-speech-transcription-service/internal/models"
)

func TestNew_NilConfigIsLogOnly(t *testing.T) {
	p := New(nil)
	if p.enabled {
		t.Fatal("nil config must produce a log-only publisher")
	}
	if err := p.PublishPartial(context.Background(), "s-1", models.Snapshot{BufferTranscription: "hi"}); err != nil {
		t.Fatalf("log-only publish must not fail: %v", err)
	}
}

func TestNew_DisabledConfigIsLogOnly(t *testing.T) {
	p := New(&Config{Enabled: false, Principal: "svc-test"})
	if p.enabled {
		t.Fatal("disabled config must produce a log-only publisher")
	}
	if p.principal != "svc-test" {
		t.Fatalf("principal should carry over, got %q", p.principal)
	}
}

func TestNew_EnabledWithoutBrokersIsLogOnly(t *testing.T) {
	p := New(&Config{Enabled: true})
	if p.enabled {
		t.Fatal("no brokers must produce a log-only publisher")
	}
}

func TestPublishFinal_LogOnlyPublishesAllSegments(t *testing.T) {
	p := New(nil)
	segments := []models.Segment{
		{Start: "0.10", End: "1.00", Text: "Hello world.", Speaker: 1},
		{Start: "1.50", End: "2.00", Text: "Bye.", Speaker: 2},
	}
	if err := p.PublishFinal(context.Background(), "s-1", segments); err != nil {
		t.Fatalf("log-only final publish must not fail: %v", err)
	}
}

func TestClose_LogOnlyIsNoop(t *testing.T) {
	p := New(nil)
	if err := p.Close(); err != nil {
		t.Fatalf("close on log-only publisher must not fail: %v", err)
	}
}
