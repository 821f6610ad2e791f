// Package google provides a Google Cloud Speech-to-Text whole-chunk
// transcriber for the LocalAgreement policy.
package google

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"

	"ai-speech-transcription-service/internal/asr"
)

const sampleRate = 16000

// Transcriber implements asr.WholeChunkTranscriber using Cloud Speech with
// word time offsets enabled.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
type Transcriber struct {
	client *speech.Client
}

// New creates a new Cloud Speech transcriber.
func New(ctx context.Context) (*Transcriber, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &Transcriber{client: c}, nil
}

// Transcribe recognizes one audio window and returns its time-stamped words.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []float32, languageHint string) ([]asr.Word, error) {
	lang := languageHint
	if lang == "" || lang == "auto" {
		lang = "en-US"
	}

	resp, err := t.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:              speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:       sampleRate,
			LanguageCode:          lang,
			EnableWordTimeOffsets: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{
				Content: pcmToBytes(pcm),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}

	var words []asr.Word
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		alt := result.Alternatives[0]
		for _, w := range alt.Words {
			words = append(words, asr.Word{
				Word:        w.Word,
				Start:       w.StartTime.AsDuration().Seconds(),
				End:         w.EndTime.AsDuration().Seconds(),
				Probability: float64(alt.Confidence),
			})
		}
	}
	return words, nil
}

// Close releases the underlying client.
func (t *Transcriber) Close() error {
	return t.client.Close()
}

func pcmToBytes(pcm []float32) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		if s > 1.0 {
			s = 1.0
		}
		if s < -1.0 {
			s = -1.0
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
