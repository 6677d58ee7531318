package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIClient(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    baseURL,
		Model:      "gpt-5.2",
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	return c
}

func TestStreamTextAndUsage(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":4,"prompt_tokens_details":{"cached_tokens":3},"completion_tokens_details":{"reasoning_tokens":1}}}`,
		`[DONE]`,
	})
	c := newTestClient(t, srv.URL)

	stream, err := c.Stream(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	resp, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Text != "Hello world" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if resp.Usage.CachedInputTokens != 3 || resp.Usage.ReasoningTokens != 1 {
		t.Errorf("Usage details = %+v", resp.Usage)
	}
}

func TestStreamToolCallAccumulation(t *testing.T) {
	// Arguments for one call arrive fragmented across deltas; two calls
	// interleave by index.
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"Read","arguments":"{\"file_"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"LS","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"path\":\"src/main.py\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	})
	c := newTestClient(t, srv.URL)

	stream, err := c.Stream(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "go"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	resp, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "call_a" || resp.ToolCalls[0].Name != "Read" {
		t.Errorf("call 0 = %+v", resp.ToolCalls[0])
	}
	if resp.ToolCalls[0].Arguments != `{"file_path":"src/main.py"}` {
		t.Errorf("call 0 arguments = %q", resp.ToolCalls[0].Arguments)
	}
	if resp.ToolCalls[1].ID != "call_b" || resp.ToolCalls[1].Name != "LS" {
		t.Errorf("call 1 = %+v", resp.ToolCalls[1])
	}
}

func TestStreamRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	stream, err := c.Stream(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	resp, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q", resp.Text)
	}
	if calls.Load() != 2 {
		t.Errorf("server calls = %d, want 2", calls.Load())
	}
}

func TestStreamNonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Stream(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 401 {
		t.Fatalf("err = %v, want 401 HTTPError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1 (no retry on 401)", calls.Load())
	}
}

func TestProxyHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Workshop-Code"); got != "ws-42" {
			t.Errorf("X-Workshop-Code = %q", got)
		}
		if got := r.Header.Get("X-Student-Id"); got != "kid-7" {
			t.Errorf("X-Student-Id = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		Model:        "gpt-5.2",
		WorkshopCode: "ws-42",
		StudentID:    "kid-7",
	})
	if err != nil {
		t.Fatal(err)
	}
	stream, err := c.Stream(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, err := stream.Collect(); err != nil {
		t.Fatalf("Collect: %v", err)
	}
}

func TestWithModel(t *testing.T) {
	c := newTestClient(t, "https://example.invalid")
	alt := c.WithModel("gpt-4.1")
	if alt.Model() != "gpt-4.1" {
		t.Errorf("alt model = %q", alt.Model())
	}
	if c.Model() != "gpt-5.2" {
		t.Errorf("original model changed to %q", c.Model())
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err           error
		contextWindow bool
		outputLimit   bool
	}{
		{errors.New("400: context_length_exceeded"), true, false},
		{errors.New("This model's maximum context length is 128000 tokens"), true, false},
		{errors.New("prompt is too long: 210000 tokens"), true, false},
		{errors.New("Could not finish the message because max_tokens was reached"), false, true},
		{errors.New("completion length exceeded"), false, true},
		{errors.New("connection refused"), false, false},
		{nil, false, false},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		if got := IsContextWindowError(tt.err); got != tt.contextWindow {
			t.Errorf("IsContextWindowError(%q) = %v, want %v", name, got, tt.contextWindow)
		}
		if got := IsOutputLimitError(tt.err); got != tt.outputLimit {
			t.Errorf("IsOutputLimitError(%q) = %v, want %v", name, got, tt.outputLimit)
		}
	}
}
