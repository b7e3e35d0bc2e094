package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/voicerelay/internal/asr"
	"github.com/ent0n29/voicerelay/internal/completion"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/voice"
)

type providerSet struct {
	dialer    asr.Dialer
	completer completion.Invoker
	synth     voice.Synthesizer
	detail    string
}

func resolveProviders(cfg config.Config) (providerSet, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.VoiceProvider)) {
	case "live":
		return providerSet{
			dialer: asr.NewDeepgramDialer(asr.DeepgramConfig{
				APIKey:    cfg.DeepgramAPIKey,
				WSBaseURL: cfg.DeepgramWSBaseURL,
			}),
			completer: completion.NewOpenAIInvoker(completion.OpenAIConfig{
				APIKey:       cfg.OpenAIAPIKey,
				BaseURL:      cfg.OpenAIBaseURL,
				Model:        cfg.OpenAIModel,
				SystemPrompt: cfg.SystemPrompt,
			}),
			synth: voice.NewElevenLabsSynthesizer(voice.ElevenLabsConfig{
				APIKey:       cfg.ElevenLabsAPIKey,
				WSBaseURL:    cfg.ElevenLabsWSBaseURL,
				VoiceID:      cfg.VoiceID,
				ModelID:      cfg.ElevenLabsModel,
				OutputFormat: cfg.ElevenLabsOutputFormat,
				Settings:     voice.DefaultVoiceSettings(),
			}),
			detail: fmt.Sprintf("deepgram %s + openai %s + elevenlabs %s", cfg.DeepgramModel, cfg.OpenAIModel, cfg.ElevenLabsModel),
		}, nil
	case "mock":
		return providerSet{
			dialer:    asr.NewMockDialer(),
			completer: completion.NewMockInvoker(),
			synth:     voice.NewMockSynthesizer(),
			detail:    "mock asr + echo completion + mock synthesis",
		}, nil
	default:
		return providerSet{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected live|mock)", cfg.VoiceProvider)
	}
}
