package voice

import (
	"bytes"
	"context"
	"strings"
)

// Synthesizer renders reply text into one encoded audio payload. It is
// stateless and never retries; failures are *reliability.BackendError.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Speed           float64 `json:"speed"`
}

// DefaultVoiceSettings favours expressiveness and voice similarity over
// stability.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0,
		SimilarityBoost: 1.0,
		UseSpeakerBoost: true,
		Speed:           1.0,
	}
}

// MockSynthesizer returns a short deterministic payload derived from the
// text, standing in for audio when no TTS credentials are configured.
type MockSynthesizer struct {
	Synth func(ctx context.Context, text string) ([]byte, error)
}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if m.Synth != nil {
		return m.Synth(ctx, text)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.WriteString("MOCKAUDIO:")
	out.WriteString(strings.TrimSpace(text))
	return out.Bytes(), nil
}
