// Package pipeline drives one build session end to end: plan, execute,
// test, deploy, judge, complete. The controller owns phase ordering,
// cancellation, and the terminal event; the executor in this package drives
// the task graph.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"elisa/internal/buildctx"
	"elisa/internal/client"
	"elisa/internal/config"
	"elisa/internal/deploy"
	"elisa/internal/dispatch"
	"elisa/internal/events"
	"elisa/internal/gitstore"
	"elisa/internal/judge"
	"elisa/internal/logging"
	"elisa/internal/memory"
	"elisa/internal/planner"
	"elisa/internal/portal"
	"elisa/internal/session"
	"elisa/internal/spec"
	"elisa/internal/task"
	"elisa/internal/teaching"
	"elisa/internal/testrun"
	"elisa/internal/tools"
	"elisa/internal/workspace"
)

// Sentinel errors the server branches on.
var (
	// ErrBuildStopped ends a run after a human rejected a gate.
	ErrBuildStopped = errors.New("Build stopped")
	// ErrCancelled ends a run after the session was cancelled.
	ErrCancelled = errors.New("build cancelled")
	// ErrRunActive rejects a second run on the same session.
	ErrRunActive = errors.New("a run is already active for this session")
)

// Deps are the capabilities a controller consumes. Model is required;
// everything else degrades gracefully when nil.
type Deps struct {
	Config   config.Config
	Model    client.LanguageModel
	Memory   *memory.Store
	Teaching teaching.Capability
	Tests    testrun.Capability
	Hardware deploy.HardwareDeployer
}

// Controller runs the pipeline for exactly one session.
type Controller struct {
	cfg      config.Config
	sess     *session.Session
	model    client.LanguageModel
	mem      *memory.Store
	teach    teaching.Capability
	tests    testrun.Capability
	hardware deploy.HardwareDeployer

	ws       *workspace.Manager
	slog     *logging.SessionLog
	git      *gitstore.Store
	ctxmgr   *buildctx.Manager
	registry *tools.Registry
	disp     *dispatch.Dispatcher
	portals  *portal.Manager
	plan     *planner.Plan

	mu            sync.Mutex
	running       bool
	useFallback   bool
	commits       []gitstore.CommitRecord
	testReport    *testrun.Report
	verdict       *judge.Verdict
	overridden    bool
	deployHandles []deploy.Handle
	previewURL    string
}

// NewController wires a controller for a session.
func NewController(sess *session.Session, deps Deps) (*Controller, error) {
	if deps.Model == nil {
		return nil, errors.New("pipeline needs a language model")
	}
	ws, err := workspace.NewManager(sess.WorkDir)
	if err != nil {
		return nil, err
	}
	registry := tools.NewDefaultRegistry(sess.WorkDir)

	tests := deps.Tests
	if tests == nil {
		tests = testrun.NewPytestRunner()
	}
	teach := deps.Teaching
	if teach == nil {
		teach = teaching.NewEngine(deps.Model)
	}

	return &Controller{
		cfg:      deps.Config,
		sess:     sess,
		model:    deps.Model,
		mem:      deps.Memory,
		teach:    teach,
		tests:    tests,
		hardware: deps.Hardware,
		ws:       ws,
		git:      gitstore.New(sess.WorkDir),
		ctxmgr:   buildctx.NewManager(ws.CommsDir(), ws.ContextDir(), 0),
		registry: registry,
		disp:     dispatch.New(deps.Model, registry),
		portals:  portal.NewManager(),
	}, nil
}

// Run executes the pipeline to completion. It blocks; callers that need
// run(spec) -> void semantics start it on a goroutine. Exactly one active
// run per session.
func (c *Controller) Run() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrRunActive
	}
	c.running = true
	c.mu.Unlock()

	ctx := c.sess.Context()
	if err := c.run(ctx); err != nil {
		c.fail(err)
		return err
	}
	c.complete(ctx)
	return nil
}

func (c *Controller) run(ctx context.Context) error {
	steps := []func(context.Context) error{
		c.provisionPhase,
		c.planPhase,
		c.executePhase,
		c.testPhase,
		c.deployPhase,
		c.judgePhase,
	}
	for _, step := range steps {
		if ctx.Err() != nil || c.sess.Cancelled() {
			return ErrCancelled
		}
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Cancel aborts the run. Safe to call at any time.
func (c *Controller) Cancel() {
	c.sess.Cancel()
}

// AnswerGate forwards a human gate decision to the session.
func (c *Controller) AnswerGate(approved bool, feedback string) {
	c.sess.AnswerGate(session.GateDecision{Approved: approved, Feedback: feedback})
}

// AnswerQuestion forwards answers to a task's pending question.
func (c *Controller) AnswerQuestion(taskID string, answers map[string]string) {
	c.sess.AnswerQuestion(taskID, answers)
}

// Commits returns the commits created so far.
func (c *Controller) Commits() []gitstore.CommitRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gitstore.CommitRecord(nil), c.commits...)
}

// TestResults returns the normalized test report, nil before the test phase.
func (c *Controller) TestResults() *testrun.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.testReport
}

// provisionPhase prepares the workspace, the version store, and portals.
func (c *Controller) provisionPhase(ctx context.Context) error {
	created, err := c.ws.Provision(c.sess.RestartMode)
	if err != nil {
		return fmt.Errorf("provisioning workspace: %w", err)
	}
	if slog, err := logging.OpenSessionLog(c.ws.LogsDir(), c.sess.ID); err != nil {
		logging.Warn("session log unavailable", "error", err)
	} else {
		c.slog = slog
	}

	c.emit(events.WorkspaceCreated, "", map[string]any{
		"path":    c.ws.Root(),
		"created": created,
		"mode":    c.sess.RestartMode,
	})

	if gitstore.Available() {
		if err := c.git.InitRepo(ctx, c.sess.Spec.Goal); err != nil {
			logging.Warn("version store init failed", "error", err)
		}
	}

	snap := c.deploySnapshot()
	if deploy.ShouldInitializePortals(snap) {
		if err := c.portals.Initialize(ctx, c.sess.Spec.Portals); err != nil {
			return err
		}
		for _, h := range c.portals.Handles() {
			mcpPortal, ok := h.(*portal.MCPPortal)
			if !ok {
				continue
			}
			remote, err := mcpPortal.Tools(ctx)
			if err != nil {
				return err
			}
			for _, t := range remote {
				c.registry.Register(t)
			}
		}
	}
	return nil
}

// planPhase produces and announces the task graph.
func (c *Controller) planPhase(ctx context.Context) error {
	c.sess.SetState(session.StatePlanning)
	c.emit(events.PlanningStarted, "", map[string]any{"goal": c.sess.Spec.Goal})

	var mem planner.Memory
	if c.mem != nil {
		mem = c.mem
	}
	plan, err := planner.New(c.model, mem).Plan(ctx, c.sess.Spec)
	if err != nil {
		return err
	}
	c.plan = plan

	c.emit(events.PlanReady, "", map[string]any{
		"tasks":            plan.Tasks,
		"agents":           plan.Agents,
		"plan_explanation": plan.Explanation,
	})
	for _, a := range plan.Agents {
		c.emit(events.AgentSpawned, "", map[string]any{"agent": a.Name, "role": a.Role})
	}
	return nil
}

// testPhase runs the suite and streams normalized results. No-op when the
// spec asks for no testing.
func (c *Controller) testPhase(ctx context.Context) error {
	sp := c.sess.Spec
	if !sp.Workflow.TestingEnabled && !sp.HasBehavioralTests() {
		return nil
	}
	c.sess.SetState(session.StateTesting)
	c.emit(events.TestStarted, "", nil)

	report, err := c.tests.Run(ctx, c.ws.Root())
	if err != nil {
		return fmt.Errorf("test phase: %w", err)
	}
	c.mu.Lock()
	c.testReport = report
	c.mu.Unlock()

	for _, res := range report.Tests {
		c.emit(events.TestResult, "", map[string]any{
			"name":    res.Name,
			"passed":  res.Passed,
			"details": res.Details,
		})
	}
	summary := map[string]any{
		"passed": report.Passed,
		"failed": report.Failed,
		"total":  report.Total,
	}
	if report.HasCoverage {
		summary["coverage_pct"] = report.CoveragePct
	}
	c.emit(events.TestPhaseComplete, "", summary)
	return nil
}

// deployPhase ships the build per the deployment target.
func (c *Controller) deployPhase(ctx context.Context) error {
	snap := c.deploySnapshot()
	web := deploy.ShouldDeployWeb(snap)
	hardware := deploy.ShouldDeployHardware(snap)
	if !web && !hardware {
		return nil
	}
	c.sess.SetState(session.StateDeploying)
	c.emit(events.DeployStarted, "", map[string]any{"target": snap.Target})

	data := map[string]any{"target": snap.Target}
	if web {
		server, err := deploy.StartWeb(ctx, c.ws.SrcDir(), 0)
		if err != nil {
			return fmt.Errorf("web deploy: %w", err)
		}
		watcher, err := deploy.WatchPreview(c.ws.SrcDir(), func(path string) {
			c.emit(events.DeployProgress, "", map[string]any{"stage": "refresh", "path": path})
		})
		if err != nil {
			server.Close()
			return fmt.Errorf("preview watcher: %w", err)
		}
		c.mu.Lock()
		c.deployHandles = append(c.deployHandles, server, watcher)
		c.previewURL = server.URL
		c.mu.Unlock()
		data["url"] = server.URL
	}

	if hardware {
		if c.hardware == nil {
			return errors.New("hardware deploy requested but no deployer is wired")
		}
		c.emit(events.DeployProgress, "", map[string]any{"stage": "compile"})
		if err := c.hardware.Compile(ctx, c.ws.Root()); err != nil {
			return fmt.Errorf("firmware compile: %w", err)
		}
		c.emit(events.DeployProgress, "", map[string]any{"stage": "flash"})
		if err := c.hardware.Flash(ctx, c.ws.Root(), serialDevice(c.sess.Spec)); err != nil {
			return fmt.Errorf("firmware flash: %w", err)
		}
	}

	c.emit(events.DeployComplete, "", data)
	return nil
}

// judgePhase scores the run and, when the verdict fails, blocks on the
// override gate.
func (c *Controller) judgePhase(ctx context.Context) error {
	c.sess.SetState(session.StateJudging)
	c.emit(events.JudgeStarted, "", nil)

	var tasks []*task.Task
	if c.plan != nil {
		tasks = c.plan.Tasks
	}
	verdict := judge.Evaluate(judge.Input{
		Spec:    c.sess.Spec,
		Tasks:   tasks,
		Report:  c.TestResults(),
		Commits: c.Commits(),
		WorkDir: c.ws.Root(),
	}, c.cfg.JudgeMinScore)

	overridden := false
	if !verdict.Passed {
		gate := c.sess.ArmGate()
		c.emit(events.HumanGate, events.GateJudge, map[string]any{
			"reason": "judge_verdict",
			"question": fmt.Sprintf("The judge scored this build %d, below the %d threshold. Accept the result anyway?",
				verdict.Score, verdict.Threshold),
			"context": map[string]any{
				"score":           verdict.Score,
				"threshold":       verdict.Threshold,
				"blocking_issues": verdict.BlockingIssues,
			},
		})
		select {
		case d := <-gate:
			if !d.Approved {
				return fmt.Errorf("%w: Judge verdict rejected", ErrBuildStopped)
			}
			overridden = true
		case <-ctx.Done():
			return ErrCancelled
		}
	}

	c.mu.Lock()
	c.verdict = &verdict
	c.overridden = overridden
	c.mu.Unlock()

	c.emit(events.JudgeResult, "", judgePayload(verdict, overridden))
	return nil
}

func judgePayload(verdict judge.Verdict, overridden bool) map[string]any {
	return map[string]any{
		"score":           verdict.Score,
		"raw_passed":      verdict.Passed,
		"passed":          verdict.Passed || overridden,
		"overridden":      overridden,
		"checks":          verdict.Checks,
		"blocking_issues": verdict.BlockingIssues,
		"threshold":       verdict.Threshold,
	}
}

// complete closes out a successful run: serial handles are released before
// the summary event so devices free up promptly.
func (c *Controller) complete(ctx context.Context) {
	c.portals.CloseSerial()

	outcome := c.outcome(true)
	c.recordMemory(outcome)

	data := map[string]any{
		"success": true,
		"summary": c.summary(outcome),
		"stats":   c.stats(outcome),
	}
	c.mu.Lock()
	if c.verdict != nil {
		data["judge"] = judgePayload(*c.verdict, c.overridden)
	}
	if c.previewURL != "" {
		data["preview_url"] = c.previewURL
	}
	c.mu.Unlock()
	if c.mem != nil {
		if sugs := c.mem.SuggestReusablePatterns(c.sess.Spec, 0); len(sugs) > 0 {
			data["suggestions"] = sugs
		}
	}

	c.emit(events.SessionComplete, "", data)
	c.sess.SetState(session.StateDone)
	c.portals.Teardown()
	c.slog.Close()
}

// fail ends the run with a terminal error event. The memory record is still
// written so partial failures inform future plans.
func (c *Controller) fail(err error) {
	c.teardown()
	c.recordMemory(c.outcome(false))

	code := "RUN_FAILED"
	state := session.StateError
	switch {
	case errors.Is(err, planner.ErrPlanInvalid):
		code = "PLAN_INVALID"
	case errors.Is(err, ErrBuildStopped):
		code = "BUILD_STOPPED"
	case errors.Is(err, ErrCancelled):
		code = "CANCELLED"
		// Cancellation is an orderly stop, not a failure state.
		state = session.StateDone
	}
	c.emit(events.Error, "", map[string]any{
		"message":     err.Error(),
		"code":        code,
		"recoverable": false,
	})
	c.sess.SetState(state)
	c.slog.Close()
}

// teardown releases every deploy handle and portal, swallowing errors.
func (c *Controller) teardown() {
	c.mu.Lock()
	handles := c.deployHandles
	c.deployHandles = nil
	c.mu.Unlock()
	deploy.Teardown(handles)
	c.portals.Teardown()
}

func (c *Controller) outcome(success bool) memory.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := memory.Outcome{Success: success}
	if c.plan != nil {
		out.TasksTotal = len(c.plan.Tasks)
		for _, t := range c.plan.Tasks {
			if t.Status == task.StatusDone {
				out.TasksCompleted++
			}
		}
		if out.TasksCompleted < out.TasksTotal {
			out.Success = false
		}
	}
	if c.testReport != nil {
		out.TestsPassed = c.testReport.Passed
		out.TestsFailed = c.testReport.Failed
		if c.testReport.HasCoverage {
			out.Coverage = c.testReport.CoveragePct
		}
		if c.testReport.Failed > 0 {
			out.Success = false
		}
	}
	if c.verdict != nil {
		out.JudgeScore = c.verdict.Score
		out.Overridden = c.overridden
	}
	snap := c.sess.Tokens.Snapshot()
	out.TotalTokens = snap.TotalTokens
	out.CostUSD = snap.CostUSD
	return out
}

func (c *Controller) recordMemory(outcome memory.Outcome) {
	if c.mem == nil {
		return
	}
	var highlights []string
	for _, commit := range c.Commits() {
		highlights = append(highlights, commit.Message)
		if len(highlights) == 5 {
			break
		}
	}
	rec := memory.NewRecord(c.sess.ID, c.sess.Spec, outcome, highlights)
	if err := c.mem.RecordRun(rec); err != nil {
		logging.Warn("memory record failed", "error", err)
	}
}

// summary renders the human-readable wrap-up line for session_complete.
func (c *Controller) summary(outcome memory.Outcome) string {
	s := fmt.Sprintf("Completed %d/%d tasks", outcome.TasksCompleted, outcome.TasksTotal)
	if total := outcome.TestsPassed + outcome.TestsFailed; total > 0 {
		s += fmt.Sprintf(", %d/%d tests passed", outcome.TestsPassed, total)
	}
	return s
}

func (c *Controller) stats(outcome memory.Outcome) map[string]any {
	snap := c.sess.Tokens.Snapshot()
	return map[string]any{
		"tasks_completed": outcome.TasksCompleted,
		"tasks_total":     outcome.TasksTotal,
		"tests_passed":    outcome.TestsPassed,
		"tests_failed":    outcome.TestsFailed,
		"total_tokens":    snap.TotalTokens,
		"cost_usd":        snap.CostUSD,
	}
}

func (c *Controller) deploySnapshot() deploy.Snapshot {
	sp := c.sess.Spec
	return deploy.Snapshot{
		Target:     sp.Deployment.Target,
		AutoFlash:  sp.Deployment.AutoFlash,
		HasPortals: len(sp.Portals) > 0,
		HasSerial:  c.portals.HasSerial(),
	}
}

// serialDevice returns the first serial portal endpoint, for flashing.
func serialDevice(sp spec.ProjectSpec) string {
	for _, p := range sp.Portals {
		if p.Kind == portal.KindSerial {
			return p.Endpoint
		}
	}
	return ""
}

func (c *Controller) emit(eventType, taskID string, data map[string]any) {
	e := events.New(eventType, data)
	if taskID != "" {
		e = e.WithTask(taskID)
	}
	c.slog.Event(eventType, "task", taskID)
	c.sess.Bus.Publish(e)
}
