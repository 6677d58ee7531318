package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"elisa/internal/logging"
	"elisa/internal/tokens"
)

// OpenAIConfig holds configuration for OpenAI-compatible APIs, including the
// workshop proxy in front of them.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // Default: "https://api.openai.com"
	Model   string

	// Workshop proxy identification, forwarded as headers when set.
	WorkshopCode string
	StudentID    string

	MaxRetries  int
	RetryDelay  time.Duration
	HTTPTimeout time.Duration
}

// OpenAIClient implements LanguageModel over the chat-completions endpoint.
type OpenAIClient struct {
	config     OpenAIConfig
	httpClient *http.Client
}

// NewOpenAIClient creates a client after validating the configuration.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com"
	}
	if !strings.HasPrefix(config.BaseURL, "http://") && !strings.HasPrefix(config.BaseURL, "https://") {
		return nil, fmt.Errorf("invalid BaseURL: must start with http:// or https://")
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("MaxRetries cannot be negative, got: %d", config.MaxRetries)
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 1 * time.Second
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 120 * time.Second
	}

	return &OpenAIClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.HTTPTimeout},
	}, nil
}

// Model returns the configured model id.
func (c *OpenAIClient) Model() string {
	return c.config.Model
}

// WithModel returns a client bound to a different model.
func (c *OpenAIClient) WithModel(model string) LanguageModel {
	clone := *c
	clone.config.Model = model
	return &clone
}

// Stream sends one chat request and returns the streaming response, retrying
// transient failures with exponential backoff.
func (c *OpenAIClient) Stream(ctx context.Context, req ChatRequest) (*StreamingResponse, error) {
	var lastErr error
	var lastStatus int

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(1<<uint(attempt-1))
			logging.Info("retrying model request", "attempt", attempt, "delay", delay, "last_status", lastStatus)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.doStreamRequest(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			lastStatus = httpErr.StatusCode
		}
		if !IsRetryable(err) {
			return nil, err
		}
		logging.Warn("model request failed, will retry", "attempt", attempt, "error", err, "status", lastStatus)
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.config.MaxRetries, lastErr)
}

func (c *OpenAIClient) doStreamRequest(ctx context.Context, req ChatRequest) (*StreamingResponse, error) {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	body := map[string]any{
		"model":          model,
		"messages":       encodeMessages(req.Messages),
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.MaxCompletionTokens > 0 {
		body["max_completion_tokens"] = req.MaxCompletionTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		body["tools"] = encodeTools(req.Tools)
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if c.config.WorkshopCode != "" {
		httpReq.Header.Set("X-Workshop-Code", c.config.WorkshopCode)
	}
	if c.config.StudentID != "" {
		httpReq.Header.Set("X-Student-Id", c.config.StudentID)
	}

	logging.Debug("model API request", "url", url, "model", model, "messages", len(req.Messages), "tools", len(req.Tools))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			respBody = []byte("(failed to read response body)")
		}
		resp.Body.Close()
		logging.Warn("model API error", "status", resp.StatusCode, "body", string(respBody))
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("API error (status %d): %s", resp.StatusCode, apiErrorMessage(respBody)),
		}
	}

	chunks := make(chan ResponseChunk, 16)
	done := make(chan struct{})

	go func() {
		defer close(chunks)
		defer close(done)
		defer resp.Body.Close()
		c.readStream(ctx, resp.Body, chunks)
	}()

	return &StreamingResponse{Chunks: chunks, Done: done}, nil
}

// toolCallAccumulator assembles tool-call fragments streamed across deltas,
// keyed by the call's index.
type toolCallAccumulator struct {
	byIndex map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func (a *toolCallAccumulator) add(index int, id, name, args string) {
	if a.byIndex == nil {
		a.byIndex = make(map[int]*partialCall)
	}
	p, ok := a.byIndex[index]
	if !ok {
		p = &partialCall{}
		a.byIndex[index] = p
	}
	if id != "" {
		p.id = id
	}
	if name != "" {
		p.name = name
	}
	p.args.WriteString(args)
}

func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.byIndex))
	for i := range a.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		p := a.byIndex[i]
		out = append(out, ToolCall{ID: p.id, Name: p.name, Arguments: p.args.String()})
	}
	return out
}

func (c *OpenAIClient) readStream(ctx context.Context, body io.Reader, chunks chan<- ResponseChunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	acc := &toolCallAccumulator{}
	var finishReason string
	var usage tokens.Usage

	emit := func(chunk ResponseChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}
	finalize := func() {
		emit(ResponseChunk{
			ToolCalls:    acc.calls(),
			Done:         true,
			FinishReason: finishReason,
			Usage:        usage,
		})
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			emit(ResponseChunk{Error: ctx.Err(), Done: true})
			return
		default:
		}

		line := scanner.Text()
		var data string
		switch {
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimPrefix(line, "data:")
		default:
			continue
		}

		if data == "[DONE]" {
			finalize()
			return
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			logging.Warn("failed to parse SSE event", "error", err, "data", truncate(data, 200))
			continue
		}

		if event.Error != nil {
			emit(ResponseChunk{
				Error: fmt.Errorf("API error (%s): %s", event.Error.Code, event.Error.Message),
				Done:  true,
			})
			return
		}

		if event.Usage != nil {
			usage = tokens.Usage{
				InputTokens:       event.Usage.PromptTokens,
				OutputTokens:      event.Usage.CompletionTokens,
				CachedInputTokens: event.Usage.PromptTokensDetails.CachedTokens,
				ReasoningTokens:   event.Usage.CompletionTokensDetails.ReasoningTokens,
			}
		}

		for _, choice := range event.Choices {
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				if !emit(ResponseChunk{Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc.add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ResponseChunk{Error: fmt.Errorf("stream read failed: %w", err), Done: true})
		return
	}
	// Stream ended without a [DONE] marker; finalize with what we have.
	finalize()
}

// streamEvent is the wire shape of one SSE data payload.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
		CompletionTokensDetails struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func encodeMessages(messages []Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		entry := map[string]any{"role": m.Role}
		if m.Content != "" || len(m.ToolCalls) == 0 {
			entry["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		if m.Name != "" {
			entry["name"] = m.Name
		}
		out = append(out, entry)
	}
	return out
}

func encodeTools(tools []ToolSchema) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

// apiErrorMessage extracts the error message from a JSON error body, falling
// back to the raw body.
func apiErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
