// Package providers holds the LLM client layer: a vision-capable chat
// interface, the OpenRouter implementation, structured-output helpers, and a
// registry with config-driven construction and hot reload. The OCR and
// summary workers are the only consumers.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LLMClient is the chat interface both stage workers call through.
type LLMClient interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g. "openrouter").
	Name() string
}

// Message is one chat message. Images are attached as raw PNG/JPEG bytes and
// base64-encoded into the request by the client.
type Message struct {
	Role    string   `json:"role"` // "system", "user", "assistant"
	Content string   `json:"content"`
	Images  [][]byte `json:"-"`
}

// ResponseFormat requests structured output.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	Messages []Message `json:"messages"`

	// Model selection (client default if empty)
	Model string `json:"model,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	RequestID string `json:"-"`
}

// ChatResult is the response from an LLM call.
type ChatResult struct {
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	ExecutionTime time.Duration `json:"execution_time"`

	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`
	RequestID string `json:"request_id"`
}

// RateLimitError reports external throttling (HTTP 429). The caller backs
// off for RetryAfter before trying again; these attempts are free.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RefusalError reports a content-policy or safety refusal. Terminal.
type RefusalError struct {
	Reason string
}

func (e *RefusalError) Error() string {
	return "model refused request: " + e.Reason
}

// IsRateLimited reports whether err is (or wraps) a rate-limit error and
// returns the advised backoff.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsRefusal reports whether err is (or wraps) a refusal.
func IsRefusal(err error) bool {
	var r *RefusalError
	return errors.As(err, &r)
}
