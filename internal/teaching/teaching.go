// Package teaching produces short kid-friendly explanations of the concept
// a finished task exercised. Teaching is best-effort: the executor emits a
// teaching_moment when one is available and moves on when it is not.
package teaching

import (
	"context"
	"fmt"
	"strings"

	"elisa/internal/client"
	"elisa/internal/logging"
)

const momentMaxCompletionTokens = 300

// Capability produces one explanation per completed task.
type Capability interface {
	MomentFor(ctx context.Context, taskName, description string) (string, error)
}

// Engine asks the language model for an explanation and falls back to a
// canned one when the model is unavailable.
type Engine struct {
	model client.LanguageModel
}

// NewEngine creates a teaching engine. A nil model always uses the fallback.
func NewEngine(model client.LanguageModel) *Engine {
	return &Engine{model: model}
}

const systemPrompt = `You explain programming concepts to curious kids aged 8-12.
Given a finished build task, explain in 2-3 plain sentences what concept it used and why it matters.
No code, no jargon without explaining it, no headings.`

// MomentFor returns one explanation. It never returns an empty string with
// a nil error.
func (e *Engine) MomentFor(ctx context.Context, taskName, description string) (string, error) {
	if e.model == nil {
		return fallbackMoment(taskName), nil
	}

	stream, err := e.model.Stream(ctx, client.ChatRequest{
		Model: e.model.Model(),
		Messages: []client.Message{
			{Role: client.RoleSystem, Content: systemPrompt},
			{Role: client.RoleUser, Content: fmt.Sprintf("Task: %s\n%s", taskName, description)},
		},
		MaxCompletionTokens: momentMaxCompletionTokens,
	})
	if err != nil {
		logging.Debug("teaching model unavailable, using fallback", "error", err)
		return fallbackMoment(taskName), nil
	}
	resp, err := stream.Collect()
	if err != nil {
		logging.Debug("teaching response failed, using fallback", "error", err)
		return fallbackMoment(taskName), nil
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return fallbackMoment(taskName), nil
	}
	return text, nil
}

// fallbackMoment picks a canned explanation keyed on words in the task name.
func fallbackMoment(taskName string) string {
	lower := strings.ToLower(taskName)
	switch {
	case strings.Contains(lower, "test"):
		return "Tests are like double-checking your homework: the computer reruns your work and tells you right away if something stopped working."
	case strings.Contains(lower, "review"):
		return "A code review is like having a friend read your story before you hand it in. A second pair of eyes catches mistakes the writer stopped seeing."
	case strings.Contains(lower, "led") || strings.Contains(lower, "blink") || strings.Contains(lower, "sensor"):
		return "Your code just talked to real hardware. Programs control lights and sensors by switching tiny electrical signals on and off, very fast."
	case strings.Contains(lower, "server") || strings.Contains(lower, "api") || strings.Contains(lower, "web"):
		return "A server is a program that waits for questions and sends back answers. Every website you visit is a conversation with a server somewhere."
	default:
		return "Big problems become easy when you cut them into small steps and finish one step at a time. That is exactly what this task did."
	}
}
