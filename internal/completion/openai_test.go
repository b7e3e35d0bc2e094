package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestOpenAIInvokerPrependsSystemPrompt(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer oa-key" {
			t.Errorf("Authorization = %q, want bearer key", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hi there."}}]}`))
	}))
	defer srv.Close()

	inv := NewOpenAIInvoker(OpenAIConfig{
		APIKey:       "oa-key",
		BaseURL:      srv.URL + "/v1/",
		Model:        "gpt-3.5-turbo",
		SystemPrompt: "You are a helpful assistant.",
	})
	history := []Turn{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hey"},
		{Role: RoleUser, Content: "how are you"},
	}
	reply, err := inv.Complete(context.Background(), history)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if reply != "Hi there." {
		t.Fatalf("reply = %q, want %q", reply, "Hi there.")
	}

	if got.Model != "gpt-3.5-turbo" {
		t.Fatalf("model = %q, want gpt-3.5-turbo", got.Model)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(got.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if got.Messages[i].Role != role {
			t.Fatalf("messages[%d].role = %q, want %q", i, got.Messages[i].Role, role)
		}
	}
	if got.Messages[0].Content != "You are a helpful assistant." {
		t.Fatalf("system content = %q", got.Messages[0].Content)
	}
	if len(history) != 3 {
		t.Fatalf("history mutated: len = %d", len(history))
	}
}

func TestOpenAIInvokerMapsErrorsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	inv := NewOpenAIInvoker(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1/"})
	_, err := inv.Complete(context.Background(), []Turn{{Role: RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatalf("Complete() error = nil, want backend error")
	}
	be, ok := reliability.AsBackendError(err)
	if !ok {
		t.Fatalf("error %T is not a BackendError", err)
	}
	if be.Service != "openai" || be.StatusCode != http.StatusTooManyRequests || be.Category != "rate_limited" {
		t.Fatalf("backend error = %+v, want openai/429/rate_limited", be)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("requests = %d, want exactly 1", n)
	}
}

func TestMockInvokerEchoesLastUserTurn(t *testing.T) {
	reply, err := NewMockInvoker().Complete(context.Background(), []Turn{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "ok"},
		{Role: RoleUser, Content: " second "},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if reply != "You said: second" {
		t.Fatalf("reply = %q, want %q", reply, "You said: second")
	}
}
