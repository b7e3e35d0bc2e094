package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMockDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROVIDER", "mock")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":3000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":3000")
	}
	if cfg.DeepgramModel != "nova-3" || !cfg.DeepgramSmartFormat {
		t.Fatalf("deepgram options = (%q, %v), want (nova-3, true)", cfg.DeepgramModel, cfg.DeepgramSmartFormat)
	}
	if cfg.ASRKeepAliveInterval != 10*time.Second {
		t.Fatalf("ASRKeepAliveInterval = %v, want 10s", cfg.ASRKeepAliveInterval)
	}
	if cfg.TurnPolicy != TurnPolicyInterleave {
		t.Fatalf("TurnPolicy = %q, want %q", cfg.TurnPolicy, TurnPolicyInterleave)
	}
	if cfg.HistoryMaxTurns != 0 {
		t.Fatalf("HistoryMaxTurns = %d, want 0 (unbounded)", cfg.HistoryMaxTurns)
	}
	if cfg.ASRMinHealthyStream != 2*time.Second {
		t.Fatalf("ASRMinHealthyStream = %v, want 2s", cfg.ASRMinHealthyStream)
	}
	if cfg.WSReadLimit != 2<<20 || cfg.WSPingInterval != 30*time.Second {
		t.Fatalf("websocket options = (%d, %v), want (%d, 30s)", cfg.WSReadLimit, cfg.WSPingInterval, 2<<20)
	}
}

func TestLoadPortFallback(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROVIDER", "mock")
	t.Setenv("PORT", "8081")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8081" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8081")
	}

	t.Setenv("APP_BIND_ADDR", "127.0.0.1:9000")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("BindAddr = %q, want APP_BIND_ADDR to win", cfg.BindAddr)
	}
}

func TestLoadLiveRequiresCredentials(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("DEEPGRAM_API_KEY", "dg")

	_, err := Load()
	if err == nil {
		t.Fatalf("Load() error = nil, want missing credentials error")
	}
	for _, key := range []string{"OPENAI_API_KEY", "ELEVENLABS_API_KEY", "VOICE_ID"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
	if strings.Contains(err.Error(), "DEEPGRAM_API_KEY") {
		t.Fatalf("error %q mentions a key that was set", err)
	}
}

func TestLoadLiveWithCredentials(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("DEEPGRAM_API_KEY", "dg")
	t.Setenv("OPENAI_API_KEY", "oa")
	t.Setenv("ELEVENLABS_API_KEY", "el")
	t.Setenv("VOICE_ID", "voice-1")
	t.Setenv("TURN_POLICY", "SERIALIZE")
	t.Setenv("HISTORY_MAX_TURNS", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TurnPolicy != TurnPolicySerialize {
		t.Fatalf("TurnPolicy = %q, want %q", cfg.TurnPolicy, TurnPolicySerialize)
	}
	if cfg.HistoryMaxTurns != 20 {
		t.Fatalf("HistoryMaxTurns = %d, want 20", cfg.HistoryMaxTurns)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"TURN_POLICY", "random"},
		{"VOICE_PROVIDER", "local"},
		{"ASR_MAX_RECONNECT_FAILURES", "0"},
		{"ASR_KEEPALIVE_INTERVAL", "soon"},
		{"HISTORY_MAX_TURNS", "-1"},
		{"DEEPGRAM_SMART_FORMAT", "maybe"},
		{"APP_SESSION_INACTIVITY_TIMEOUT", "1s"},
		{"ASR_MIN_HEALTHY_STREAM", "0s"},
		{"APP_WS_READ_LIMIT", "0"},
		{"APP_WS_PING_INTERVAL", "often"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("VOICE_PROVIDER", "mock")
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", tc.key, tc.value)
			}
		})
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	// t.Setenv restores the original value; Unsetenv makes the key truly absent
	// so godotenv is allowed to fill it.
	t.Setenv("OPENAI_MODEL", "")
	os.Unsetenv("OPENAI_MODEL")
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("OPENAI_MODEL=gpt-4o-mini\nDEEPGRAM_MODEL=nova-2\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("DEEPGRAM_MODEL", "nova-3")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("OPENAI_MODEL"); got != "gpt-4o-mini" {
		t.Fatalf("OPENAI_MODEL = %q, want value from .env", got)
	}
	if got := os.Getenv("DEEPGRAM_MODEL"); got != "nova-3" {
		t.Fatalf("DEEPGRAM_MODEL = %q, want existing env to win", got)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"PORT",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_WS_READ_LIMIT",
		"APP_WS_PING_INTERVAL",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"VOICE_PROVIDER",
		"DEEPGRAM_API_KEY",
		"DEEPGRAM_WS_BASE_URL",
		"DEEPGRAM_MODEL",
		"DEEPGRAM_SMART_FORMAT",
		"ASR_KEEPALIVE_INTERVAL",
		"ASR_RECONNECT_BACKOFF_BASE",
		"ASR_RECONNECT_BACKOFF_MAX",
		"ASR_MAX_RECONNECT_FAILURES",
		"ASR_MIN_HEALTHY_STREAM",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_MODEL",
		"SYSTEM_PROMPT",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_MODEL_ID",
		"ELEVENLABS_OUTPUT_FORMAT",
		"VOICE_ID",
		"BACKEND_TIMEOUT",
		"HISTORY_MAX_TURNS",
		"TURN_POLICY",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
