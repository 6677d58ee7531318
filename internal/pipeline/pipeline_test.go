package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"elisa/internal/client"
	"elisa/internal/config"
	"elisa/internal/dispatch"
	"elisa/internal/events"
	"elisa/internal/session"
	"elisa/internal/spec"
	"elisa/internal/testrun"
)

// modelTurn is one scripted model response.
type modelTurn struct {
	text string
	err  error
}

// scriptedModel replays turns in order, repeating the last one when the
// script runs out.
type scriptedModel struct {
	mu       sync.Mutex
	turns    []modelTurn
	requests []client.ChatRequest
}

func (m *scriptedModel) Stream(ctx context.Context, req client.ChatRequest) (*client.StreamingResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	turn := modelTurn{text: "done"}
	if len(m.turns) > 0 {
		turn = m.turns[0]
		if len(m.turns) > 1 {
			m.turns = m.turns[1:]
		}
	}
	m.mu.Unlock()

	if turn.err != nil {
		return nil, turn.err
	}
	ch := make(chan client.ResponseChunk, 2)
	done := make(chan struct{})
	ch <- client.ResponseChunk{Text: turn.text}
	ch <- client.ResponseChunk{Done: true}
	close(ch)
	close(done)
	return &client.StreamingResponse{Chunks: ch, Done: done}, nil
}

func (m *scriptedModel) Model() string                         { return "gpt-5.2" }
func (m *scriptedModel) WithModel(string) client.LanguageModel { return m }

func (m *scriptedModel) systemPrompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, req := range m.requests {
		out = append(out, req.Messages[0].Content)
	}
	return out
}

type fakeTeach struct{}

func (fakeTeach) MomentFor(ctx context.Context, name, desc string) (string, error) {
	return "Small steps solve big problems.", nil
}

type fakeTests struct{ report *testrun.Report }

func (f fakeTests) Run(ctx context.Context, workDir string) (*testrun.Report, error) {
	return f.report, nil
}

const planJSON = `{
  "tasks": [
    {"id": "t1", "name": "Blink the LED", "description": "Toggle the LED every second with a timer loop.",
     "agent_name": "bob", "dependencies": [], "acceptance_criteria": ["LED blinks every second"]}
  ],
  "plan_explanation": "One focused task."
}`

func blinkSpec() spec.ProjectSpec {
	return spec.ProjectSpec{
		Goal:         "Blink an LED",
		Requirements: []spec.Requirement{{Type: "functional", Description: "the LED blinks every second"}},
		Agents:       []spec.AgentSpec{{Name: "bob", Role: spec.RoleBuilder}},
		Workflow:     spec.Workflow{TestingEnabled: true, HumanGates: true},
	}
}

// harness wires a controller over a temp workspace with a scripted model
// and records the ordered event stream.
type harness struct {
	ctrl *Controller
	sess *session.Session

	mu     sync.Mutex
	events []events.Event
	done   chan struct{}

	approveGates bool
}

func newHarness(t *testing.T, sp spec.ProjectSpec, model *scriptedModel, report *testrun.Report) *harness {
	t.Helper()
	store := session.NewStore(time.Hour, time.Hour, time.Minute)
	t.Cleanup(store.Close)
	sess := store.Create(sp, t.TempDir(), "clean", false)

	cfg := config.Config{
		Model:           "gpt-5.2",
		FallbackModel:   "gpt-4.1",
		Concurrency:     1,
		MaxTurns:        25,
		DispatchTimeout: 10 * time.Second,
		JudgeMinScore:   70,
	}
	ctrl, err := NewController(sess, Deps{
		Config:   cfg,
		Model:    model,
		Teaching: fakeTeach{},
		Tests:    fakeTests{report: report},
	})
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{ctrl: ctrl, sess: sess, done: make(chan struct{}), approveGates: true}
	sess.Bus.Subscribe(func(e events.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
		if e.Type == events.HumanGate {
			ctrl.AnswerGate(h.approveGates, "")
		}
		if e.Terminal() {
			close(h.done)
		}
	})
	return h
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	err := h.ctrl.Run()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event")
	}
	return err
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func (h *harness) firstIndex(eventType string) int {
	for i, typ := range h.eventTypes() {
		if typ == eventType {
			return i
		}
	}
	return -1
}

func (h *harness) count(eventType string) int {
	n := 0
	for _, typ := range h.eventTypes() {
		if typ == eventType {
			n++
		}
	}
	return n
}

func passingReport() *testrun.Report {
	return &testrun.Report{
		Tests: []testrun.Result{
			{Name: "tests/test_blink.py::test_blinks_every_second", Passed: true, Details: "LED blinks every second"},
		},
		Passed: 1, Total: 1,
	}
}

func TestHappyPathEventSequence(t *testing.T) {
	model := &scriptedModel{turns: []modelTurn{
		{text: planJSON},
		{text: "Implemented the blink loop."},
	}}
	h := newHarness(t, blinkSpec(), model, passingReport())

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	order := []string{
		events.WorkspaceCreated,
		events.PlanningStarted,
		events.PlanReady,
		events.AgentSpawned,
		events.TaskStarted,
		events.TaskCompleted,
		events.TestStarted,
		events.TestResult,
		events.TestPhaseComplete,
		events.JudgeStarted,
		events.JudgeResult,
		events.SessionComplete,
	}
	last := -1
	for _, typ := range order {
		idx := h.firstIndex(typ)
		if idx < 0 {
			t.Fatalf("missing event %s in %v", typ, h.eventTypes())
		}
		if idx < last {
			t.Errorf("event %s out of order: %v", typ, h.eventTypes())
		}
		last = idx
	}
	if h.count(events.HumanGate) != 0 {
		t.Error("gate fired on a passing run")
	}
	if h.sess.State() != session.StateDone {
		t.Errorf("state = %s", h.sess.State())
	}
	if h.count(events.TeachingMoment) != 1 {
		t.Error("teaching moment missing")
	}

	completeIdx := h.firstIndex(events.SessionComplete)
	h.mu.Lock()
	complete := h.events[completeIdx]
	h.mu.Unlock()
	summary, _ := complete.Data["summary"].(string)
	if !strings.Contains(summary, "Completed 1/1 tasks") {
		t.Errorf("summary = %q", summary)
	}
	if !strings.Contains(summary, "1/1 tests passed") {
		t.Errorf("summary = %q", summary)
	}
}

func TestRetryLadderBudgets(t *testing.T) {
	model := &scriptedModel{turns: []modelTurn{
		{text: planJSON},
		{err: errors.New("boom 1")},
		{err: errors.New("boom 2")},
		{err: errors.New("boom 3")},
		{text: "unused"},
	}}
	sp := blinkSpec()
	sp.Workflow.TestingEnabled = false
	h := newHarness(t, sp, model, &testrun.Report{})

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	prompts := model.systemPrompts()
	// Request 0 is the plan; 1..3 are the attempts.
	if len(prompts) < 4 {
		t.Fatalf("requests = %d", len(prompts))
	}
	for i, want := range []string{"25 turns", "35 turns", "45 turns"} {
		if !strings.Contains(prompts[i+1], want) {
			t.Errorf("attempt %d system prompt missing %q", i, want)
		}
	}
	model.mu.Lock()
	budgets := []int{model.requests[1].MaxCompletionTokens, model.requests[2].MaxCompletionTokens, model.requests[3].MaxCompletionTokens}
	model.mu.Unlock()
	for i, want := range []int{4000, 8000, 12000} {
		if budgets[i] != want {
			t.Errorf("attempt %d completion budget = %d, want %d", i, budgets[i], want)
		}
	}

	gateIdx := h.firstIndex(events.HumanGate)
	if gateIdx < 0 {
		t.Fatal("gate did not fire after retries")
	}
	h.mu.Lock()
	gate := h.events[gateIdx]
	h.mu.Unlock()
	question, _ := gate.Data["question"].(string)
	if !strings.Contains(question, "Blink the LED") {
		t.Errorf("gate question = %q", question)
	}
	detail, ok := gate.Data["context"].(map[string]any)
	if !ok || detail["retry_count"] != 2 {
		t.Errorf("gate context = %v", gate.Data["context"])
	}
	if h.firstIndex(events.TaskFailed) < 0 {
		t.Error("task not marked failed after approved gate")
	}
}

func TestJudgeOverrideAccepted(t *testing.T) {
	model := &scriptedModel{turns: []modelTurn{
		{text: planJSON},
		{text: "Implemented the blink loop."},
	}}
	sp := blinkSpec()
	// Untraceable behavioral test forces a failing verdict.
	sp.Workflow.BehavioralTests = []spec.BehavioralTest{
		{When: "the spaceship docks", Then: "the airlock pressurizes"},
	}
	h := newHarness(t, sp, model, passingReport())

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	gateIdx := h.firstIndex(events.HumanGate)
	if gateIdx < 0 {
		t.Fatal("judge gate missing")
	}
	h.mu.Lock()
	gate := h.events[gateIdx]
	var judgeResult events.Event
	for _, e := range h.events {
		if e.Type == events.JudgeResult {
			judgeResult = e
		}
	}
	h.mu.Unlock()

	if gate.TaskID != events.GateJudge {
		t.Errorf("gate task id = %q", gate.TaskID)
	}
	question, _ := gate.Data["question"].(string)
	if !strings.Contains(question, "judge scored") {
		t.Errorf("gate question = %q", question)
	}
	if _, ok := gate.Data["context"].(map[string]any); !ok {
		t.Errorf("gate context = %v", gate.Data["context"])
	}
	if judgeResult.Data["overridden"] != true || judgeResult.Data["passed"] != true {
		t.Errorf("judge result = %v", judgeResult.Data)
	}
	if judgeResult.Data["raw_passed"] != false {
		t.Errorf("raw verdict = %v", judgeResult.Data["raw_passed"])
	}
	if h.firstIndex(events.SessionComplete) < 0 {
		t.Error("session_complete missing after override")
	}
}

func TestJudgeOverrideRejected(t *testing.T) {
	model := &scriptedModel{turns: []modelTurn{
		{text: planJSON},
		{text: "Implemented the blink loop."},
	}}
	sp := blinkSpec()
	sp.Workflow.BehavioralTests = []spec.BehavioralTest{
		{When: "the spaceship docks", Then: "the airlock pressurizes"},
	}
	h := newHarness(t, sp, model, passingReport())
	h.approveGates = false

	err := h.run(t)
	if !errors.Is(err, ErrBuildStopped) {
		t.Fatalf("err = %v", err)
	}

	if h.firstIndex(events.SessionComplete) >= 0 {
		t.Error("session_complete emitted after rejection")
	}
	errIdx := h.firstIndex(events.Error)
	if errIdx < 0 {
		t.Fatal("error event missing")
	}
	h.mu.Lock()
	msg, _ := h.events[errIdx].Data["message"].(string)
	h.mu.Unlock()
	if !strings.Contains(msg, "Judge") {
		t.Errorf("error message = %q", msg)
	}
	if h.sess.State() != session.StateError {
		t.Errorf("state = %s", h.sess.State())
	}
}

func TestPlanInvalidTerminatesRun(t *testing.T) {
	model := &scriptedModel{turns: []modelTurn{
		{text: strings.ReplaceAll(planJSON, `"agent_name": "bob"`, `"agent_name": "ghost"`)},
	}}
	h := newHarness(t, blinkSpec(), model, passingReport())

	err := h.run(t)
	if err == nil {
		t.Fatal("invalid plan accepted")
	}
	errIdx := h.firstIndex(events.Error)
	if errIdx < 0 {
		t.Fatal("error event missing")
	}
	h.mu.Lock()
	code := h.events[errIdx].Data["code"]
	h.mu.Unlock()
	if code != "PLAN_INVALID" {
		t.Errorf("error code = %v", code)
	}
}

func TestSecondRunRejected(t *testing.T) {
	model := &scriptedModel{turns: []modelTurn{{text: planJSON}, {text: "ok"}}}
	h := newHarness(t, blinkSpec(), model, passingReport())

	if err := h.run(t); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Run(); !errors.Is(err, ErrRunActive) {
		t.Errorf("second run err = %v", err)
	}
}

func TestQuestionSuspendResume(t *testing.T) {
	// The dispatcher interprets an AskUser call; here we only verify the
	// controller plumbing end to end via AnswerQuestion on the session.
	store := session.NewStore(time.Hour, time.Hour, time.Minute)
	defer store.Close()
	sess := store.Create(blinkSpec(), t.TempDir(), "clean", false)
	ctrl, err := NewController(sess, Deps{
		Config: config.Config{Model: "gpt-5.2", Concurrency: 1, MaxTurns: 5, DispatchTimeout: time.Second, JudgeMinScore: 70},
		Model:  &scriptedModel{},
	})
	if err != nil {
		t.Fatal(err)
	}

	questionShown := make(chan struct{})
	sess.Bus.Subscribe(func(e events.Event) {
		if e.Type == events.AgentQuestion {
			close(questionShown)
		}
	})

	answered := make(chan map[string]string, 1)
	go func() {
		answers, err := ctrl.askHuman(context.Background(), "t1", "Which database?", []string{"db"})
		if err != nil {
			t.Error(err)
		}
		answered <- answers
	}()

	select {
	case <-questionShown:
	case <-time.After(2 * time.Second):
		t.Fatal("agent_question not emitted")
	}
	ctrl.AnswerQuestion("t1", map[string]string{"db": "sqlite"})

	select {
	case answers := <-answered:
		if answers["db"] != "sqlite" {
			t.Errorf("answers = %v", answers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("question never resolved")
	}
}

func TestWrittenPathsFromToolCalls(t *testing.T) {
	calls := []dispatch.ToolCallRecord{
		{Name: "Write", Arguments: `{"file_path":"src/main.py","content":"x"}`, Success: true},
		{Name: "Edit", Arguments: `{"file_path":"src/main.py","old_string":"a","new_string":"b"}`, Success: true},
		{Name: "NotebookEdit", Arguments: `{"notebook_path":"analysis.ipynb"}`, Success: true},
		{Name: "Write", Arguments: `{"file_path":"broken.py"}`, Success: false},
		{Name: "Read", Arguments: `{"file_path":"README.md"}`, Success: true},
	}
	got := writtenPaths(calls)
	want := []string{"src/main.py", "analysis.ipynb"}
	if len(got) != len(want) {
		t.Fatalf("paths = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("path[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// A shell command can create files no record names, so everything must
	// be staged.
	calls = append(calls, dispatch.ToolCallRecord{Name: "Bash", Arguments: `{"command":"touch extra.py"}`, Success: true})
	if got := writtenPaths(calls); got != nil {
		t.Errorf("paths after shell call = %v, want nil", got)
	}
}

func TestCancelProducesTerminalError(t *testing.T) {
	model := &scriptedModel{turns: []modelTurn{{text: planJSON}, {text: "ok"}}}
	h := newHarness(t, blinkSpec(), model, passingReport())

	h.sess.Cancel()
	err := h.run(t)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v", err)
	}
	errIdx := h.firstIndex(events.Error)
	if errIdx < 0 {
		t.Fatal("terminal error event missing")
	}
	h.mu.Lock()
	recoverable := h.events[errIdx].Data["recoverable"]
	code := h.events[errIdx].Data["code"]
	h.mu.Unlock()
	if recoverable != false {
		t.Errorf("recoverable = %v", recoverable)
	}
	if code != "CANCELLED" {
		t.Errorf("code = %v", code)
	}
	// An orderly cancel ends in done, not error.
	if h.sess.State() != session.StateDone {
		t.Errorf("state = %s", h.sess.State())
	}
}
