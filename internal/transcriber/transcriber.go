// Package transcriber implements the stabilization layer over the
// underlying ASR: the policies that decide when tentative output is
// promoted to committed output.
package transcriber

import (
	"context"
	"errors"
	"fmt"

	"ai-speech-transcription-service/internal/asr"
	"ai-speech-transcription-service/internal/config"
	"ai-speech-transcription-service/internal/models"
)

// ErrPersistent signals that the ASR has failed repeatedly and the session
// must be terminated.
var ErrPersistent = errors.New("persistent transcription failure")

// Policy is the contract both stabilization policies implement. Exactly one
// policy is selected per session.
//
// InsertAudio appends voiced PCM ending at the given stream time.
// StartSilence / EndSilence bracket a voice-inactive gap.
// Tick runs one stabilization pass and returns newly committed tokens plus
// the new end of committed audio.
type Policy interface {
	InsertAudio(chunk []float32, streamTimeEnd float64)
	StartSilence()
	EndSilence(duration float64)
	Tick(ctx context.Context) ([]models.Token, float64, error)
	Buffer() models.TentativeBuffer
}

// Backends bundles the model capabilities a policy may draw on.
type Backends struct {
	Encoder    asr.Encoder
	Decoder    asr.Decoder
	WholeChunk asr.WholeChunkTranscriber
}

// New constructs the policy selected by the configuration.
func New(cfg *config.Config, language string, b Backends) (Policy, error) {
	switch cfg.Pipeline.BackendPolicy {
	case config.PolicyAlignAtt:
		if b.Encoder == nil || b.Decoder == nil {
			return nil, errors.New("align_att requires encoder and decoder backends")
		}
		return NewAlignAtt(cfg.AlignAtt, language, b.Encoder, b.Decoder), nil
	case config.PolicyLocalAgreement:
		if b.WholeChunk == nil {
			return nil, errors.New("local_agreement requires a whole-chunk transcriber")
		}
		return NewLocalAgreement(cfg.LocalAgreement, language, b.WholeChunk), nil
	default:
		return nil, fmt.Errorf("unknown backend policy %q", cfg.Pipeline.BackendPolicy)
	}
}
