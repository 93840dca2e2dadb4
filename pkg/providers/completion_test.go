package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sipeed/larkrelay/pkg/config"
)

type fakeCompletions struct {
	hits    int32
	status  int
	body    string
	request map[string]interface{}
	header  http.Header
}

func (f *fakeCompletions) client(t *testing.T, apiKey string) *CompletionClient {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.hits, 1)
		if r.URL.Path != "/api/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		f.header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &f.request)
		w.Header().Set("Content-Type", "application/json")
		if f.status != 0 {
			w.WriteHeader(f.status)
		}
		_, _ = w.Write([]byte(f.body))
	}))
	t.Cleanup(ts.Close)

	cfg := config.DefaultConfig().Provider
	cfg.APIKey = apiKey
	cfg.APIBase = ts.URL + "/api/v1/"
	cfg.RequestTimeout = 5
	return NewCompletionClient(cfg, ts.Client())
}

func TestGenerateReplyReturnsFirstChoice(t *testing.T) {
	f := &fakeCompletions{body: `{"id":"c1","object":"chat.completion","model":"allenai/molmo-2-8b:free",
		"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hi! How can I help?"}}],
		"usage":{"prompt_tokens":3,"completion_tokens":6,"total_tokens":9}}`}
	c := f.client(t, "sk-test")

	got, err := c.GenerateReply(context.Background(), "hello")
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if got != "Hi! How can I help?" {
		t.Fatalf("reply = %q", got)
	}

	if f.request["model"] != "allenai/molmo-2-8b:free" {
		t.Fatalf("model = %v", f.request["model"])
	}
	msgs, _ := f.request["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", f.request["messages"])
	}
	first, _ := msgs[0].(map[string]interface{})
	if first["role"] != "user" || first["content"] != "hello" {
		t.Fatalf("message = %v", first)
	}
	if f.header.Get("Authorization") != "Bearer sk-test" {
		t.Fatalf("authorization = %q", f.header.Get("Authorization"))
	}
	if f.header.Get("HTTP-Referer") != "https://railway.app" || f.header.Get("X-Title") != "Lark Bot AI" {
		t.Fatalf("attribution headers missing: %v", f.header)
	}
}

func TestGenerateReplyMissingKey(t *testing.T) {
	f := &fakeCompletions{body: `{}`}
	c := f.client(t, "")

	got, err := c.GenerateReply(context.Background(), "hello")
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if got != "❌ Server missing OpenRouter API key" {
		t.Fatalf("reply = %q", got)
	}
	if atomic.LoadInt32(&f.hits) != 0 {
		t.Fatal("no request should be made without an API key")
	}
}

func TestGenerateReplyFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "no choices", body: `{"id":"c","object":"chat.completion","choices":[]}`},
		{name: "empty content", body: `{"id":"c","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":""}}]}`},
		{name: "error body", status: http.StatusTooManyRequests, body: `{"error":{"message":"rate limited","code":429}}`},
		{name: "server error", status: http.StatusBadGateway, body: `{"error":{"message":"upstream"}}`},
		{name: "html body", body: `<html>oops</html>`},
		{name: "empty body", body: ``},
		{name: "wrong shape", body: `{"choices":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCompletions{status: tt.status, body: tt.body}
			c := f.client(t, "sk-test")

			got, err := c.GenerateReply(context.Background(), "hello")
			if err != nil {
				t.Fatalf("GenerateReply: %v", err)
			}
			if got != "AI không trả lời 😢" {
				t.Fatalf("reply = %q", got)
			}
			if hits := atomic.LoadInt32(&f.hits); hits != 1 {
				t.Fatalf("requests = %d, want exactly one attempt", hits)
			}
		})
	}
}

func TestGenerateReplyTransportFailure(t *testing.T) {
	cfg := config.DefaultConfig().Provider
	cfg.APIKey = "sk-test"
	cfg.APIBase = "http://127.0.0.1:1/api/v1/"
	cfg.RequestTimeout = 2
	c := NewCompletionClient(cfg, nil)

	if _, err := c.GenerateReply(context.Background(), "hello"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestProviderLabel(t *testing.T) {
	tests := []struct {
		base, model, want string
	}{
		{"https://openrouter.ai/api/v1", "allenai/molmo-2-8b:free", "openrouter"},
		{"https://api.openai.com/v1", "gpt-4o-mini", "openai"},
		{"", "deepseek/deepseek-chat", "deepseek"},
		{"", "claude-3-haiku", "anthropic"},
		{"", "", "unknown"},
	}
	for _, tt := range tests {
		if got := ProviderLabel(tt.base, tt.model); got != tt.want {
			t.Fatalf("ProviderLabel(%q, %q) = %q, want %q", tt.base, tt.model, got, tt.want)
		}
	}
}
