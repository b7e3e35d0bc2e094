package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice relay service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogFormat                string

	AllowAnyOrigin bool
	WSReadLimit    int
	WSPingInterval time.Duration

	VoiceProvider string

	DeepgramAPIKey      string
	DeepgramWSBaseURL   string
	DeepgramModel       string
	DeepgramSmartFormat bool

	ASRKeepAliveInterval    time.Duration
	ASRReconnectBackoffBase time.Duration
	ASRReconnectBackoffMax  time.Duration
	ASRMaxReconnectFailures int
	ASRMinHealthyStream     time.Duration

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	SystemPrompt  string

	ElevenLabsAPIKey       string
	ElevenLabsWSBaseURL    string
	VoiceID                string
	ElevenLabsModel        string
	ElevenLabsOutputFormat string

	BackendTimeout  time.Duration
	HistoryMaxTurns int
	TurnPolicy      string

	DatabaseURL string
}

const (
	TurnPolicyInterleave = "interleave"
	TurnPolicySerialize  = "serialize"
)

// Load reads environment variables and applies safe defaults. Callers that want
// .env support should call LoadDotEnv first.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               BindAddrFromEnv(),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("LOG_FORMAT", "text"),
		AllowAnyOrigin:         true,
		VoiceProvider:          strings.ToLower(envOrDefault("VOICE_PROVIDER", "live")),
		DeepgramAPIKey:         stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramWSBaseURL:      envOrDefault("DEEPGRAM_WS_BASE_URL", "wss://api.deepgram.com"),
		DeepgramModel:          envOrDefault("DEEPGRAM_MODEL", "nova-3"),
		DeepgramSmartFormat:    true,
		OpenAIAPIKey:           stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:          stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIModel:            envOrDefault("OPENAI_MODEL", "gpt-3.5-turbo"),
		SystemPrompt:           envOrDefault("SYSTEM_PROMPT", "You are a helpful assistant."),
		ElevenLabsAPIKey:       stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:    envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		VoiceID:                stringsTrimSpace("VOICE_ID"),
		ElevenLabsModel:        envOrDefault("ELEVENLABS_MODEL_ID", "eleven_flash_v2_5"),
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_OUTPUT_FORMAT", "mp3_44100_128"),
		TurnPolicy:             strings.ToLower(envOrDefault("TURN_POLICY", TurnPolicyInterleave)),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		ASRKeepAliveInterval:     10 * time.Second,
		ASRReconnectBackoffBase:  250 * time.Millisecond,
		ASRReconnectBackoffMax:   5 * time.Second,
		ASRMaxReconnectFailures:  5,
		ASRMinHealthyStream:      2 * time.Second,
		WSReadLimit:              2 << 20,
		WSPingInterval:           30 * time.Second,
		BackendTimeout:           60 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRKeepAliveInterval, err = durationFromEnv("ASR_KEEPALIVE_INTERVAL", cfg.ASRKeepAliveInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRReconnectBackoffBase, err = durationFromEnv("ASR_RECONNECT_BACKOFF_BASE", cfg.ASRReconnectBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRReconnectBackoffMax, err = durationFromEnv("ASR_RECONNECT_BACKOFF_MAX", cfg.ASRReconnectBackoffMax)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRMinHealthyStream, err = durationFromEnv("ASR_MIN_HEALTHY_STREAM", cfg.ASRMinHealthyStream)
	if err != nil {
		return Config{}, err
	}
	cfg.WSPingInterval, err = durationFromEnv("APP_WS_PING_INTERVAL", cfg.WSPingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.WSReadLimit, err = intFromEnv("APP_WS_READ_LIMIT", cfg.WSReadLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendTimeout, err = durationFromEnv("BACKEND_TIMEOUT", cfg.BackendTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRMaxReconnectFailures, err = intFromEnv("ASR_MAX_RECONNECT_FAILURES", cfg.ASRMaxReconnectFailures)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryMaxTurns, err = intFromEnv("HISTORY_MAX_TURNS", cfg.HistoryMaxTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.DeepgramSmartFormat, err = boolFromEnv("DEEPGRAM_SMART_FORMAT", cfg.DeepgramSmartFormat)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.VoiceProvider {
	case "live":
		var missing []string
		if c.DeepgramAPIKey == "" {
			missing = append(missing, "DEEPGRAM_API_KEY")
		}
		if c.OpenAIAPIKey == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
		if c.ElevenLabsAPIKey == "" {
			missing = append(missing, "ELEVENLABS_API_KEY")
		}
		if c.VoiceID == "" {
			missing = append(missing, "VOICE_ID")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
		}
	case "mock":
	default:
		return fmt.Errorf("invalid VOICE_PROVIDER: %q (expected live|mock)", c.VoiceProvider)
	}

	switch c.TurnPolicy {
	case TurnPolicyInterleave, TurnPolicySerialize:
	default:
		return fmt.Errorf("invalid TURN_POLICY: %q (expected %s|%s)", c.TurnPolicy, TurnPolicyInterleave, TurnPolicySerialize)
	}

	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ASRKeepAliveInterval <= 0 {
		return fmt.Errorf("ASR_KEEPALIVE_INTERVAL must be positive")
	}
	if c.ASRReconnectBackoffBase < 0 || c.ASRReconnectBackoffMax < c.ASRReconnectBackoffBase {
		return fmt.Errorf("ASR_RECONNECT_BACKOFF_MAX must be >= ASR_RECONNECT_BACKOFF_BASE >= 0")
	}
	if c.ASRMaxReconnectFailures <= 0 {
		return fmt.Errorf("ASR_MAX_RECONNECT_FAILURES must be positive")
	}
	if c.ASRMinHealthyStream <= 0 {
		return fmt.Errorf("ASR_MIN_HEALTHY_STREAM must be positive")
	}
	if c.WSReadLimit <= 0 {
		return fmt.Errorf("APP_WS_READ_LIMIT must be positive")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("APP_WS_PING_INTERVAL must be positive")
	}
	if c.HistoryMaxTurns < 0 {
		return fmt.Errorf("HISTORY_MAX_TURNS must be >= 0")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	return nil
}

// BindAddrFromEnv honours APP_BIND_ADDR first and falls back to the PORT
// convention used by most hosting platforms.
func BindAddrFromEnv() string {
	if v := stringsTrimSpace("APP_BIND_ADDR"); v != "" {
		return v
	}
	if port := stringsTrimSpace("PORT"); port != "" {
		return ":" + strings.TrimPrefix(port, ":")
	}
	return ":3000"
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
