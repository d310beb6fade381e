package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseStructuredJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain object", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"surrounding prose", "Here you go:\n{\"a\":1}\nhope that helps", `{"a":1}`, false},
		{"array", `[1,2]`, `[1,2]`, false},
		{"empty", "", "", true},
		{"garbage", "not json at all", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStructuredJSON(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err == nil && string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateStructuredJSON(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["overall_summary"],
		"properties": {"overall_summary": {"type": "string"}}
	}`)

	if err := ValidateStructuredJSON(schema, json.RawMessage(`{"overall_summary":"ok"}`)); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	if err := ValidateStructuredJSON(schema, json.RawMessage(`{"other":1}`)); err == nil {
		t.Error("missing required field should fail validation")
	}

	// Wrapped schema form used by the chat API.
	wrapped := json.RawMessage(`{"name":"x","strict":true,"schema":{"type":"object","required":["a"],"properties":{"a":{"type":"integer"}}}}`)
	if err := ValidateStructuredJSON(wrapped, json.RawMessage(`{"a":1}`)); err != nil {
		t.Errorf("wrapped schema rejected valid doc: %v", err)
	}
}

func TestMockClientScript(t *testing.T) {
	client := NewMockClient(
		MockResponse{Err: &RateLimitError{RetryAfter: time.Second}},
		MockResponse{Content: `{"drawing_name":"A-101"}`},
	)

	_, err := client.Chat(context.Background(), &ChatRequest{})
	if after, ok := IsRateLimited(err); !ok || after != time.Second {
		t.Fatalf("first call should rate-limit, got %v", err)
	}

	res, err := client.Chat(context.Background(), &ChatRequest{
		ResponseFormat: &ResponseFormat{Type: "json_schema"},
	})
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if string(res.ParsedJSON) != `{"drawing_name":"A-101"}` {
		t.Errorf("parsed = %s", res.ParsedJSON)
	}
	if len(client.Requests()) != 2 {
		t.Errorf("requests = %d, want 2", len(client.Requests()))
	}
}

func TestOpenRouterChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing auth header")
		}
		var req openRouterRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test/model" {
			t.Errorf("model = %s", req.Model)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test/model",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "A-101"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12},
		})
	}))
	defer srv.Close()

	client := NewOpenRouterClient(OpenRouterConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		DefaultModel: "test/model",
	})

	res, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "read the title block", Images: [][]byte{{0x89, 0x50}}}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if res.Content != "A-101" || res.TotalTokens != 12 {
		t.Errorf("result = %+v", res)
	}
}

func TestOpenRouterRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	after, ok := IsRateLimited(err)
	if !ok {
		t.Fatalf("want RateLimitError, got %v", err)
	}
	if after != 7*time.Second {
		t.Errorf("retry after = %s, want 7s", after)
	}
}

func TestOpenRouterRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test/model",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": ""}, "finish_reason": "content_filter"},
			},
		})
	}))
	defer srv.Close()

	client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if !IsRefusal(err) {
		t.Fatalf("want RefusalError, got %v", err)
	}
}

func TestRegistryReload(t *testing.T) {
	r := NewRegistry()
	cfg := RegistryConfig{Clients: map[string]ClientConfig{
		"extractor": {Type: "openrouter", Model: "m1", APIKey: "k", RateLimit: 60, Enabled: true},
		"disabled":  {Type: "openrouter", Model: "m2", APIKey: "k", Enabled: false},
	}}
	r.Reload(cfg)

	if !r.Has("extractor") {
		t.Fatal("enabled client should register")
	}
	if r.Has("disabled") {
		t.Fatal("disabled client should not register")
	}
	if _, err := r.Limiter("extractor"); err != nil {
		t.Errorf("limiter missing: %v", err)
	}

	// Removal on reload.
	r.Reload(RegistryConfig{Clients: map[string]ClientConfig{}})
	if r.Has("extractor") {
		t.Error("client should unregister when dropped from config")
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(600) // 10/s so the test stays fast
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	st := l.Status()
	if st.TotalConsumed != 5 {
		t.Errorf("consumed = %d, want 5", st.TotalConsumed)
	}

	l.Record429()
	st = l.Status()
	if st.TokensAvailable >= st.TokensLimit {
		t.Error("bucket should drain after 429")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	drained := NewRateLimiter(1)
	for i := 0; i < 1; i++ {
		drained.Wait(ctx)
	}
	if err := drained.Wait(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait with cancelled ctx = %v", err)
	}
}
