package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

func newFakeElevenLabs(t *testing.T, respond func(conn *websocket.Conn, msgs []map[string]any)) (*httptest.Server, *http.Request, *sync.Mutex) {
	t.Helper()
	var (
		mu  sync.Mutex
		req http.Request
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		req = *r.Clone(context.Background())
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var msgs []map[string]any
		for len(msgs) < 3 {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			msgs = append(msgs, m)
		}
		respond(conn, msgs)
	}))
	t.Cleanup(srv.Close)
	return srv, &req, &mu
}

func TestElevenLabsSynthesizeConcatenatesChunks(t *testing.T) {
	var (
		gotMu sync.Mutex
		got   []map[string]any
	)
	srv, req, mu := newFakeElevenLabs(t, func(conn *websocket.Conn, msgs []map[string]any) {
		gotMu.Lock()
		got = msgs
		gotMu.Unlock()
		for _, chunk := range []string{"abc", "def"} {
			_ = conn.WriteJSON(map[string]any{"audio": base64.StdEncoding.EncodeToString([]byte(chunk))})
		}
		_ = conn.WriteJSON(map[string]any{"isFinal": true})
	})

	synth := NewElevenLabsSynthesizer(ElevenLabsConfig{
		APIKey:    "el-key",
		WSBaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		VoiceID:   "voice-1",
		Settings:  DefaultVoiceSettings(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	audio, err := synth.Synthesize(ctx, "Hello there.")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(audio) != "abcdef" {
		t.Fatalf("audio = %q, want %q", audio, "abcdef")
	}

	mu.Lock()
	defer mu.Unlock()
	if req.URL.Path != "/v1/text-to-speech/voice-1/stream-input" {
		t.Fatalf("path = %q", req.URL.Path)
	}
	q := req.URL.Query()
	if q.Get("model_id") != "eleven_flash_v2_5" || q.Get("output_format") != "mp3_44100_128" {
		t.Fatalf("query = %q, want default model and output format", req.URL.RawQuery)
	}
	if req.Header.Get("xi-api-key") != "el-key" {
		t.Fatalf("xi-api-key = %q", req.Header.Get("xi-api-key"))
	}

	gotMu.Lock()
	defer gotMu.Unlock()
	settings, _ := json.Marshal(got[0]["voice_settings"])
	var vs VoiceSettings
	_ = json.Unmarshal(settings, &vs)
	if vs != DefaultVoiceSettings() {
		t.Fatalf("voice_settings = %+v, want %+v", vs, DefaultVoiceSettings())
	}
	if got[1]["text"] != "Hello there. " {
		t.Fatalf("text message = %v", got[1]["text"])
	}
	if got[2]["text"] != "" {
		t.Fatalf("final message text = %v, want empty", got[2]["text"])
	}
}

func TestElevenLabsSynthesizeStreamError(t *testing.T) {
	srv, _, _ := newFakeElevenLabs(t, func(conn *websocket.Conn, _ []map[string]any) {
		_ = conn.WriteJSON(map[string]any{"message_type": "quota_exceeded", "error": "out of credits"})
	})
	synth := NewElevenLabsSynthesizer(ElevenLabsConfig{
		APIKey:    "k",
		WSBaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		VoiceID:   "v",
	})
	_, err := synth.Synthesize(context.Background(), "hi")
	be, ok := reliability.AsBackendError(err)
	if !ok {
		t.Fatalf("error = %v, want BackendError", err)
	}
	if be.Service != "elevenlabs" || be.Category != "rate_limited" {
		t.Fatalf("backend error = %+v, want elevenlabs/rate_limited", be)
	}
}

func TestElevenLabsSynthesizeHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	synth := NewElevenLabsSynthesizer(ElevenLabsConfig{APIKey: "bad", WSBaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"), VoiceID: "v"})
	_, err := synth.Synthesize(context.Background(), "hi")
	be, ok := reliability.AsBackendError(err)
	if !ok || be.StatusCode != http.StatusUnauthorized || be.Category != "auth" {
		t.Fatalf("error = %v, want auth BackendError", err)
	}
}
