package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const MockClientName = "mock"

// MockClient is a scripted LLMClient for tests. Responses are consumed in
// order; once the script runs out the last entry repeats.
type MockClient struct {
	mu       sync.Mutex
	script   []MockResponse
	requests []*ChatRequest
}

// MockResponse is one scripted turn: either content or an error.
type MockResponse struct {
	Content string
	Err     error
}

// NewMockClient builds a client that replies with the given script.
func NewMockClient(script ...MockResponse) *MockClient {
	return &MockClient{script: script}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// Chat replays the next scripted response.
func (c *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	n := len(c.requests)
	if len(c.script) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("mock client has no scripted responses")
	}
	idx := n - 1
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	resp := c.script[idx]
	c.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}

	result := &ChatResult{
		Content:   resp.Content,
		Provider:  MockClientName,
		ModelUsed: req.Model,
		RequestID: fmt.Sprintf("mock-%d", n),
	}
	if req.ResponseFormat != nil && resp.Content != "" {
		if parsed, err := ParseStructuredJSON(resp.Content); err == nil {
			result.ParsedJSON = parsed
		}
	}
	return result, nil
}

// Requests returns every request seen so far, in order.
func (c *MockClient) Requests() []*ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ChatRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// JSONResponse is a convenience for scripting a structured reply.
func JSONResponse(v any) MockResponse {
	b, err := json.Marshal(v)
	if err != nil {
		return MockResponse{Err: fmt.Errorf("failed to encode mock response: %w", err)}
	}
	return MockResponse{Content: string(b)}
}

// Verify interface
var _ LLMClient = (*MockClient)(nil)
