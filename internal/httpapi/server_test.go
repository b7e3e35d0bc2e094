package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voicerelay/internal/asr"
	"github.com/ent0n29/voicerelay/internal/completion"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/memory"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/voice"
)

type testServer struct {
	ts       *httptest.Server
	sessions *session.Registry
	store    *memory.InMemoryStore
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	if cfg.VoiceProvider == "" {
		cfg.VoiceProvider = "mock"
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_httpapi")
	sessions := session.NewRegistry(time.Minute)
	store := memory.NewInMemoryStore()
	dialer := &asr.MockDialer{AutoOpen: true, TranscriptEvery: 2, Transcript: "simulated voice input"}
	orch := voice.NewOrchestrator(voice.Config{
		ASROptions:     asr.Options{SmartFormat: true, Model: "nova-3"},
		BackendTimeout: 2 * time.Second,
	}, sessions, dialer, completion.NewMockInvoker(), voice.NewMockSynthesizer(), store, metrics, logger)

	srv := New(cfg, sessions, orch, store, metrics, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, sessions: sessions, store: store}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRootHealthCheck(t *testing.T) {
	s := newTestServer(t, config.Config{})

	res, err := http.Get(s.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("GET / = %d %q, want 200 OK", res.StatusCode, body)
	}

	var health map[string]any
	if code := getJSON(t, s.ts.URL+"/healthz", &health); code != http.StatusOK {
		t.Fatalf("GET /healthz status = %d", code)
	}
	if health["status"] != "ok" || health["voice_provider"] != "mock" || health["archive_mode"] != "in-memory" {
		t.Fatalf("health = %+v", health)
	}

	res, err = http.Get(s.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", res.StatusCode)
	}
}

func TestWebSocketReadLimitFromConfig(t *testing.T) {
	s := newTestServer(t, config.Config{AllowAnyOrigin: true, WSReadLimit: 64})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.ts.URL, "http")+"/v1/voice/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitUntil(t, "registered session", func() bool { return s.sessions.ActiveCount() == 1 })

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1024)); err != nil {
		t.Fatalf("write oversized frame: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("read after oversized frame error = nil, want closed connection")
	}
	waitUntil(t, "session ended", func() bool { return s.sessions.ActiveCount() == 0 })
}

func TestVoiceRelayOverWebSocket(t *testing.T) {
	s := newTestServer(t, config.Config{AllowAnyOrigin: true})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.ts.URL, "http")+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitUntil(t, "active session", func() bool {
		list := s.sessions.List()
		return len(list) == 1 && list[0].State == session.StateActive
	})
	id := s.sessions.List()[0].ID

	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{byte(i), 1, 2, 3}); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var reply string
	if msgType != websocket.TextMessage || json.Unmarshal(data, &reply) != nil {
		t.Fatalf("reply frame = (%d, %q), want JSON string", msgType, data)
	}
	if reply != "You said: simulated voice input" {
		t.Fatalf("reply = %q", reply)
	}
	msgType, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if msgType != websocket.BinaryMessage || string(data) != "MOCKAUDIO:"+reply {
		t.Fatalf("audio frame = (%d, %q)", msgType, data)
	}

	var listed struct {
		Sessions []session.Session `json:"sessions"`
	}
	getJSON(t, s.ts.URL+"/v1/sessions", &listed)
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != id || listed.Sessions[0].Turns != 1 {
		t.Fatalf("sessions = %+v, want one session with one turn", listed.Sessions)
	}

	var history struct {
		SessionID string              `json:"session_id"`
		Turns     []memory.TurnRecord `json:"turns"`
	}
	waitUntil(t, "archived turns", func() bool {
		getJSON(t, s.ts.URL+"/v1/sessions/"+id+"/history", &history)
		return len(history.Turns) == 2
	})
	if history.Turns[0].Role != "user" || history.Turns[1].Role != "assistant" {
		t.Fatalf("history roles = %q, %q", history.Turns[0].Role, history.Turns[1].Role)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	waitUntil(t, "session teardown", func() bool { return s.sessions.ActiveCount() == 0 })

	if code := getJSON(t, s.ts.URL+"/v1/sessions/"+id, nil); code != http.StatusNotFound {
		t.Fatalf("GET ended session status = %d, want 404", code)
	}
	getJSON(t, s.ts.URL+"/v1/sessions/"+id+"/history", &history)
	if len(history.Turns) != 2 {
		t.Fatalf("history after disconnect = %d turns, want 2", len(history.Turns))
	}
}

func TestSessionHistoryRejectsBadLimit(t *testing.T) {
	s := newTestServer(t, config.Config{})
	_ = s.store.SaveTurn(context.Background(), memory.TurnRecord{SessionID: "abc", Role: "user", Content: "hi"})

	if code := getJSON(t, s.ts.URL+"/v1/sessions/abc/history?limit=-2", nil); code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	var history struct {
		Turns []memory.TurnRecord `json:"turns"`
	}
	if code := getJSON(t, s.ts.URL+"/v1/sessions/unknown/history", &history); code != http.StatusOK || len(history.Turns) != 0 {
		t.Fatalf("unknown session history = %d %+v, want 200 and no turns", code, history.Turns)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	s := newTestServer(t, config.Config{AllowAnyOrigin: false})

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, res, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.ts.URL, "http")+"/v1/voice/ws", header)
	if err == nil {
		t.Fatalf("dial with foreign origin succeeded, want rejection")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v, want 403", res)
	}
	if n := s.sessions.ActiveCount(); n != 0 {
		t.Fatalf("sessions = %d, want 0", n)
	}
}

func TestPerfLatencySnapshot(t *testing.T) {
	s := newTestServer(t, config.Config{})
	var snap observability.StageSnapshot
	if code := getJSON(t, s.ts.URL+"/v1/perf/latency", &snap); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
}
