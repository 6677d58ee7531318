package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"elisa/internal/client"
	"elisa/internal/config"
	"elisa/internal/dispatch"
	"elisa/internal/events"
	"elisa/internal/gitstore"
	"elisa/internal/logging"
	"elisa/internal/prompt"
	"elisa/internal/session"
	"elisa/internal/spec"
	"elisa/internal/task"
)

// executePhase drives the scheduler until every task is terminal. Worker
// goroutines run one task each; completions are collected on a channel so
// new batches start as slots free up.
func (c *Controller) executePhase(ctx context.Context) error {
	c.sess.SetState(session.StateExecuting)

	sched, err := task.NewScheduler(c.plan.Tasks, c.cfg.Concurrency)
	if err != nil {
		return err
	}

	results := make(chan error)
	active := 0
	for {
		if ctx.Err() != nil || c.sess.Cancelled() {
			// Drain in-flight workers before reporting cancellation.
			for active > 0 {
				<-results
				active--
			}
			return ErrCancelled
		}

		for _, id := range sched.Ready() {
			active++
			go func(id string) {
				results <- c.runTask(ctx, sched, id)
			}(id)
		}

		if active == 0 {
			if sched.Done() {
				return nil
			}
			if sched.Stalled() {
				return fmt.Errorf("scheduler stalled with unfinished tasks")
			}
			continue
		}

		if err := <-results; err != nil {
			active--
			for active > 0 {
				<-results
				active--
			}
			return err
		}
		active--
	}
}

// runTask runs one task through the retry ladder. A nil return means the
// task reached a terminal state; an error terminates the whole run.
func (c *Controller) runTask(ctx context.Context, sched *task.Scheduler, id string) error {
	t, ok := sched.Task(id)
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	agent := c.agentFor(t)
	review := agent.Role == spec.RoleReviewer

	sched.Start(id)
	c.emit(events.TaskStarted, id, map[string]any{"name": t.Name, "agent": agent.Name})
	c.emit(events.AgentStatus, id, map[string]any{"agent": agent.Name, "status": task.AgentWorking})
	if review {
		c.emit(events.CodeReviewStarted, id, map[string]any{"agent": agent.Name})
	}

	if err := c.ws.StaleClean(); err != nil {
		logging.Warn("stale clean failed", "task", id, "error", err)
	}

	compact := false
	var result dispatch.AgentResult
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		result = c.dispatchAttempt(ctx, t, agent, attempt, compact)
		c.sess.Tokens.Add(c.modelID(), result.Usage)

		if result.Success {
			return c.finishTask(ctx, sched, t, agent, result, review)
		}
		if ctx.Err() != nil {
			// Cancellation shows up as a failed dispatch; the phase loop
			// reports it.
			return nil
		}

		switch {
		case strings.HasPrefix(result.Summary, dispatch.MarkerOutputLimit):
			c.mu.Lock()
			c.useFallback = true
			c.mu.Unlock()
		case strings.HasPrefix(result.Summary, dispatch.MarkerContextWindow):
			compact = true
		}

		if attempt < config.RetryLimit {
			t.RetryCount = attempt + 1
			c.emit(events.AgentMessage, id, map[string]any{
				"agent":   agent.Name,
				"message": fmt.Sprintf("Attempt %d failed: %s. Retrying.", attempt+1, result.Summary),
			})
			continue
		}
		break
	}

	return c.failTask(ctx, sched, t, agent, result.Summary)
}

// dispatchAttempt runs one dispatch with the attempt's turn and token
// budgets.
func (c *Controller) dispatchAttempt(ctx context.Context, t *task.Task, agent spec.AgentSpec, attempt int, compact bool) dispatch.AgentResult {
	files, digest := prompt.Snapshot(c.ws.Root())
	maxTurns := c.cfg.MaxTurns + attempt*config.RetryTurnIncrement
	maxTokens := config.CompletionBudget * (attempt + 1)
	if maxTokens > config.CompletionBudgetMax {
		maxTokens = config.CompletionBudgetMax
	}

	in := prompt.Input{
		Task:     t,
		Agent:    agent,
		Context:  c.ctxmgr.ContextFor(t.Dependencies),
		Files:    files,
		Digest:   digest,
		Attempt:  attempt,
		Compact:  compact,
		MaxTurns: maxTurns,
		Workflow: c.sess.Spec.Workflow,
	}

	return c.disp.Dispatch(ctx, dispatch.Options{
		TaskID:              t.ID,
		SystemPrompt:        prompt.System(in),
		UserPrompt:          prompt.User(in),
		MaxTurns:            maxTurns,
		MaxCompletionTokens: maxTokens,
		Timeout:             c.cfg.DispatchTimeout,
		EnableStreaming:     true,
		EnableToolCalling:   true,
		Model:               c.modelID(),
		OnOutput: func(text string) {
			c.emit(events.AgentOutput, t.ID, map[string]any{"agent": agent.Name, "text": text})
		},
		OnToolUse: func(call client.ToolCall) {
			c.emit(events.ToolUse, t.ID, map[string]any{"tool": call.Name, "arguments": call.Arguments})
		},
		OnToolResult: func(rec dispatch.ToolCallRecord) {
			c.emit(events.ToolResult, t.ID, map[string]any{
				"tool":        rec.Name,
				"success":     rec.Success,
				"duration_ms": rec.Duration.Milliseconds(),
			})
		},
		OnQuestion: func(qctx context.Context, question string, fields []string) (map[string]string, error) {
			return c.askHuman(qctx, t.ID, question, fields)
		},
	})
}

// askHuman suspends a dispatch until answerQuestion resolves it.
func (c *Controller) askHuman(ctx context.Context, taskID, question string, fields []string) (map[string]string, error) {
	resolver := c.sess.ArmQuestion(taskID)
	c.emit(events.AgentQuestion, taskID, map[string]any{
		"question": question,
		"fields":   fields,
	})
	select {
	case answers := <-resolver:
		return answers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishTask records the summary, commits the work, and marks done.
func (c *Controller) finishTask(ctx context.Context, sched *task.Scheduler, t *task.Task, agent spec.AgentSpec, result dispatch.AgentResult, review bool) error {
	if err := c.ctxmgr.RecordResult(t.ID, result.Summary); err != nil {
		logging.Warn("recording task summary", "task", t.ID, "error", err)
	}

	if gitstore.Available() {
		rec, err := c.git.Commit(ctx, t.Name, agent.Name, t.ID, writtenPaths(result.ToolCalls))
		if err != nil {
			logging.Warn("commit failed", "task", t.ID, "error", err)
		} else if rec != nil {
			c.mu.Lock()
			c.commits = append(c.commits, *rec)
			c.mu.Unlock()
			c.emit(events.CommitCreated, t.ID, map[string]any{
				"hash":    rec.Hash,
				"short":   rec.ShortHash,
				"message": rec.Message,
				"agent":   rec.AgentName,
			})
			c.emit(events.CodeGenerated, t.ID, map[string]any{"paths": rec.ChangedPaths})
		}
	}

	sched.Complete(t.ID)
	c.emit(events.TaskCompleted, t.ID, map[string]any{
		"summary": result.Summary,
		"turns":   result.Turns,
	})
	if review {
		c.emit(events.CodeReviewComplete, t.ID, map[string]any{"agent": agent.Name, "notes": result.Summary})
	}
	c.emit(events.AgentStatus, t.ID, map[string]any{"agent": agent.Name, "status": task.AgentDone})

	c.teachingMoment(ctx, t)
	return nil
}

// pathArgument maps file-writing tools to the argument naming their target.
var pathArgument = map[string]string{
	"Write":        "file_path",
	"Edit":         "file_path",
	"MultiEdit":    "file_path",
	"NotebookEdit": "notebook_path",
}

// writtenPaths extracts the files a dispatch touched, for pathspec-limited
// staging. A successful Bash call may have created files the records cannot
// name, so its presence forces a full stage (empty result).
func writtenPaths(calls []dispatch.ToolCallRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, call := range calls {
		if !call.Success {
			continue
		}
		if call.Name == "Bash" {
			return nil
		}
		key, ok := pathArgument[call.Name]
		if !ok {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			continue
		}
		path, _ := args[key].(string)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, path)
	}
	return out
}

// teachingMoment is best-effort: failures never affect the run.
func (c *Controller) teachingMoment(ctx context.Context, t *task.Task) {
	if c.teach == nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	moment, err := c.teach.MomentFor(tctx, t.Name, t.Description)
	if err != nil || moment == "" {
		return
	}
	c.emit(events.TeachingMoment, t.ID, map[string]any{"text": moment})
}

// failTask exhausted its retries: gate on the human, then mark failed and
// cascade, or terminate the run on rejection.
func (c *Controller) failTask(ctx context.Context, sched *task.Scheduler, t *task.Task, agent spec.AgentSpec, summary string) error {
	if c.sess.Spec.Workflow.HumanGates {
		gate := c.sess.ArmGate()
		c.emit(events.HumanGate, t.ID, map[string]any{
			"reason": "retries_exhausted",
			"question": fmt.Sprintf("Task %q failed after %d retries. Continue the build without it?",
				t.Name, t.RetryCount),
			"context": map[string]any{
				"retry_count": t.RetryCount,
				"summary":     summary,
			},
		})
		select {
		case d := <-gate:
			if !d.Approved {
				return fmt.Errorf("%w: task %q rejected at human gate", ErrBuildStopped, t.ID)
			}
		case <-ctx.Done():
			return nil
		}
	}

	sched.Fail(t.ID, summary)
	c.emit(events.TaskFailed, t.ID, map[string]any{
		"reason":      summary,
		"retry_count": t.RetryCount,
	})
	c.emit(events.AgentStatus, t.ID, map[string]any{"agent": agent.Name, "status": task.AgentError})

	for _, skipped := range sched.CascadeFailures() {
		c.emit(events.TaskFailed, skipped, map[string]any{"reason": task.FailPredecessor})
	}
	return nil
}

func (c *Controller) agentFor(t *task.Task) spec.AgentSpec {
	if a, ok := c.plan.AgentByName(t.AgentName); ok {
		return spec.AgentSpec{Name: a.Name, Role: a.Role, Persona: a.Persona}
	}
	return spec.AgentSpec{Name: t.AgentName, Role: spec.RoleBuilder}
}

// modelID returns the active model, switching to the fallback once an
// output-limit failure has been seen in this run.
func (c *Controller) modelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.useFallback && c.cfg.FallbackModel != "" {
		return c.cfg.FallbackModel
	}
	if c.cfg.Model != "" {
		return c.cfg.Model
	}
	return c.model.Model()
}
