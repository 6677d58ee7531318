// Package dispatch runs one agent against the language model: a turn loop
// with streaming output, parallel tool execution under the sandbox, and
// stable error classification in the result summary.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"elisa/internal/client"
	"elisa/internal/logging"
	"elisa/internal/tokens"
	"elisa/internal/tools"
)

const (
	// toolOutputCap truncates a single tool result handed to the model.
	toolOutputCap = 10000
	// truncationMarker is appended to capped tool output.
	truncationMarker = "\n[Output truncated]"
	// streamDebounce coalesces streamed text before emitting it outward.
	streamDebounce = 100 * time.Millisecond
	// askUserTool is the reserved tool name that suspends the dispatch
	// until a human answers.
	askUserTool = "AskUser"
)

// Summary markers for classified failures.
const (
	MarkerContextWindow = "CONTEXT_WINDOW_EXCEEDED:"
	MarkerOutputLimit   = "OUTPUT_LIMIT_REACHED:"
	SummaryCancelled    = "Agent was cancelled"
)

// Options configures one dispatch.
type Options struct {
	TaskID              string
	SystemPrompt        string
	UserPrompt          string
	MaxTurns            int
	MaxCompletionTokens int
	Timeout             time.Duration
	AllowedTools        []string
	EnableStreaming     bool
	EnableToolCalling   bool
	Model               string

	// OnOutput receives debounced assistant text while streaming.
	OnOutput func(text string)

	// OnToolUse and OnToolResult observe tool execution.
	OnToolUse    func(call client.ToolCall)
	OnToolResult func(record ToolCallRecord)

	// OnQuestion suspends the dispatch for a human answer. Nil disables
	// the AskUser tool.
	OnQuestion func(ctx context.Context, question string, fields []string) (map[string]string, error)
}

// ToolCallRecord is one executed tool call.
type ToolCallRecord struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Output    string        `json:"output"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
}

// AgentResult is the outcome of one dispatch.
type AgentResult struct {
	Success   bool
	Summary   string
	Usage     tokens.Usage
	ToolCalls []ToolCallRecord
	CostUSD   float64
	Turns     int
}

// Dispatcher runs agents. Safe for concurrent dispatches.
type Dispatcher struct {
	model    client.LanguageModel
	registry *tools.Registry
}

// New creates a dispatcher over a model and a tool registry.
func New(model client.LanguageModel, registry *tools.Registry) *Dispatcher {
	return &Dispatcher{model: model, registry: registry}
}

// Dispatch runs the turn loop until the agent produces a final answer, the
// turn budget runs out, or the dispatch fails. Failures are classified into
// the summary; the error return is reserved for programming errors.
func (d *Dispatcher) Dispatch(ctx context.Context, opts Options) AgentResult {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 1
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	model := opts.Model
	if model == "" {
		model = d.model.Model()
	}

	result := AgentResult{}
	history := []client.Message{
		{Role: client.RoleSystem, Content: opts.SystemPrompt},
		{Role: client.RoleUser, Content: opts.UserPrompt},
	}

	var schemas []client.ToolSchema
	if opts.EnableToolCalling {
		schemas = d.registry.Schemas(opts.AllowedTools)
		if opts.OnQuestion != nil {
			schemas = append(schemas, askUserSchema())
		}
	}

	out := newDebouncer(streamDebounce, opts.OnOutput)
	defer out.Flush()

	for turn := 0; turn < opts.MaxTurns; turn++ {
		if ctx.Err() != nil {
			result.Summary = SummaryCancelled
			return result
		}
		result.Turns = turn + 1

		resp, err := d.modelTurn(runCtx, client.ChatRequest{
			Model:               model,
			Messages:            history,
			Tools:               schemas,
			MaxCompletionTokens: opts.MaxCompletionTokens,
		}, opts.EnableStreaming, out)
		if err != nil {
			d.classify(ctx, runCtx, err, opts, &result)
			return result
		}

		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens
		result.Usage.CachedInputTokens += resp.Usage.CachedInputTokens
		result.Usage.ReasoningTokens += resp.Usage.ReasoningTokens
		result.CostUSD += tokens.Cost(model, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			result.Success = true
			result.Summary = strings.TrimSpace(resp.Text)
			return result
		}

		history = append(history, client.Message{
			Role:      client.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		records, err := d.executeToolCalls(runCtx, resp.ToolCalls, opts)
		if err != nil {
			d.classify(ctx, runCtx, err, opts, &result)
			return result
		}
		result.ToolCalls = append(result.ToolCalls, records...)
		for i, rec := range records {
			history = append(history, client.Message{
				Role:       client.RoleTool,
				Content:    rec.Output,
				ToolCallID: resp.ToolCalls[i].ID,
				Name:       rec.Name,
			})
		}
	}

	result.Summary = fmt.Sprintf("Agent used all %d turns without finishing", opts.MaxTurns)
	return result
}

// modelTurn performs one model call, streaming text through the debouncer.
func (d *Dispatcher) modelTurn(ctx context.Context, req client.ChatRequest, streaming bool, out *debouncer) (*client.Response, error) {
	stream, err := d.model.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	if !streaming {
		return stream.Collect()
	}

	resp := &client.Response{}
	for chunk := range stream.Chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		if chunk.Text != "" {
			resp.Text += chunk.Text
			out.Write(chunk.Text)
		}
		resp.ToolCalls = append(resp.ToolCalls, chunk.ToolCalls...)
		if chunk.Done {
			resp.FinishReason = chunk.FinishReason
		}
		if chunk.Usage.InputTokens > 0 {
			resp.Usage.InputTokens = chunk.Usage.InputTokens
			resp.Usage.CachedInputTokens = chunk.Usage.CachedInputTokens
		}
		if chunk.Usage.OutputTokens > 0 {
			resp.Usage.OutputTokens = chunk.Usage.OutputTokens
			resp.Usage.ReasoningTokens = chunk.Usage.ReasoningTokens
		}
	}
	out.Flush()
	return resp, nil
}

// executeToolCalls runs every call from one assistant turn concurrently and
// returns records in call order.
func (d *Dispatcher) executeToolCalls(ctx context.Context, calls []client.ToolCall, opts Options) ([]ToolCallRecord, error) {
	records := make([]ToolCallRecord, len(calls))
	var wg sync.WaitGroup
	var questionErr error
	var questionMu sync.Mutex

	for i, call := range calls {
		if opts.OnToolUse != nil {
			opts.OnToolUse(call)
		}
		wg.Add(1)
		go func(i int, call client.ToolCall) {
			defer wg.Done()
			rec := d.executeOne(ctx, call, opts)
			if rec.Name == askUserTool && !rec.Success && ctx.Err() != nil {
				questionMu.Lock()
				questionErr = ctx.Err()
				questionMu.Unlock()
			}
			records[i] = rec
			if opts.OnToolResult != nil {
				opts.OnToolResult(rec)
			}
		}(i, call)
	}
	wg.Wait()

	if ctx.Err() != nil {
		if questionErr != nil {
			return records, questionErr
		}
		return records, ctx.Err()
	}
	return records, nil
}

func (d *Dispatcher) executeOne(ctx context.Context, call client.ToolCall, opts Options) ToolCallRecord {
	start := time.Now()
	rec := ToolCallRecord{ID: call.ID, Name: call.Name, Arguments: call.Arguments}

	finish := func(output string, success bool) ToolCallRecord {
		if len(output) > toolOutputCap {
			output = output[:toolOutputCap] + truncationMarker
		}
		rec.Output = output
		rec.Success = success
		rec.Duration = time.Since(start)
		return rec
	}

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return finish(fmt.Sprintf("Error: invalid tool arguments: %s", err), false)
		}
	}

	if call.Name == askUserTool {
		return d.askUser(ctx, args, opts, finish)
	}

	tool, err := d.registry.Get(call.Name)
	if err != nil {
		return finish(fmt.Sprintf("Error: %s", err), false)
	}
	if err := tool.Validate(args); err != nil {
		return finish(fmt.Sprintf("Error: %s", err), false)
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return finish(fmt.Sprintf("Error: %s", err), false)
	}
	logging.Debug("tool executed", "tool", call.Name, "success", result.Success, "duration", time.Since(start))
	return finish(result.Output(), result.Success)
}

// askUser suspends the dispatch until the human answers, then injects the
// answers as the tool result.
func (d *Dispatcher) askUser(ctx context.Context, args map[string]any, opts Options, finish func(string, bool) ToolCallRecord) ToolCallRecord {
	if opts.OnQuestion == nil {
		return finish("Error: questions are not available for this task", false)
	}
	question, _ := tools.GetString(args, "question")
	var fields []string
	if raw, ok := args["fields"].([]any); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
	}

	answers, err := opts.OnQuestion(ctx, question, fields)
	if err != nil {
		return finish(fmt.Sprintf("Error: %s", err), false)
	}
	data, err := json.Marshal(answers)
	if err != nil {
		return finish(fmt.Sprintf("Error: %s", err), false)
	}
	return finish(string(data), true)
}

// classify maps a dispatch failure to its stable summary marker.
func (d *Dispatcher) classify(outer, run context.Context, err error, opts Options, result *AgentResult) {
	switch {
	case outer.Err() != nil:
		result.Summary = SummaryCancelled
	case run.Err() == context.DeadlineExceeded:
		result.Summary = fmt.Sprintf("Agent timed out after %d seconds", int(opts.Timeout.Seconds()))
	case client.IsContextWindowError(err):
		result.Summary = fmt.Sprintf("%s %s", MarkerContextWindow, err)
	case client.IsOutputLimitError(err):
		result.Summary = fmt.Sprintf("%s %s", MarkerOutputLimit, err)
	default:
		result.Summary = err.Error()
	}
	logging.Warn("dispatch failed", "task", opts.TaskID, "summary", result.Summary)
}

func askUserSchema() client.ToolSchema {
	return client.ToolSchema{
		Name:        askUserTool,
		Description: "Asks the human user a question and waits for their answer. Use only when you cannot proceed without a decision from the user.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question to ask",
				},
				"fields": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Named answer fields you expect back",
				},
			},
			"required": []string{"question"},
		},
	}
}
