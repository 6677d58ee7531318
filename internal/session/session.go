// Package session owns build-session records and their store.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"elisa/internal/events"
	"elisa/internal/spec"
	"elisa/internal/tokens"
)

// Session states, ordered. Transitions are monotonically forward except
// cancel, which jumps straight to done.
const (
	StateIdle      = "idle"
	StatePlanning  = "planning"
	StateExecuting = "executing"
	StateTesting   = "testing"
	StateDeploying = "deploying"
	StateJudging   = "judging"
	StateDone      = "done"
	StateError     = "error"
)

var stateRank = map[string]int{
	StateIdle:      0,
	StatePlanning:  1,
	StateExecuting: 2,
	StateTesting:   3,
	StateDeploying: 4,
	StateJudging:   5,
	StateDone:      6,
	StateError:     7,
}

// GateDecision is the human answer to a blocking gate.
type GateDecision struct {
	Approved bool
	Feedback string
}

// Session is the lifetime of one build run.
type Session struct {
	ID            string
	Spec          spec.ProjectSpec
	WorkDir       string
	RestartMode   string // continue | clean
	UserWorkspace bool

	Bus    *events.Bus
	Tokens *tokens.Tracker

	CreatedAt time.Time

	mu        sync.Mutex
	state     string
	endedAt   time.Time
	cancelled bool
	cancelCtx context.Context
	cancel    context.CancelFunc

	// At most one gate may block at a time.
	gateResolver chan GateDecision
	// At most one pending question per task.
	questionResolvers map[string]chan map[string]string
}

func newSession(s spec.ProjectSpec, workDir, restartMode string, userWorkspace bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		ID:                id,
		Spec:              s,
		WorkDir:           workDir,
		RestartMode:       restartMode,
		UserWorkspace:     userWorkspace,
		Bus:               events.NewBus(id),
		Tokens:            tokens.NewTracker(),
		CreatedAt:         time.Now(),
		state:             StateIdle,
		cancelCtx:         ctx,
		cancel:            cancel,
		questionResolvers: make(map[string]chan map[string]string),
	}
}

// State returns the current state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState advances the state machine. Backward transitions are ignored so
// late phase updates cannot resurrect a finished session.
func (s *Session) SetState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stateRank[state] < stateRank[s.state] {
		return
	}
	s.state = state
	if state == StateDone || state == StateError {
		if s.endedAt.IsZero() {
			s.endedAt = time.Now()
		}
	}
}

// Terminal reports whether the session has ended.
func (s *Session) Terminal() bool {
	st := s.State()
	return st == StateDone || st == StateError
}

// EndedAt returns when the session reached a terminal state.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Cancel sets the cancellation flag and aborts in-flight work. Idempotent;
// calling after done is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.cancelled || s.state == StateDone || s.state == StateError {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mu.Unlock()
	s.cancel()
}

// Cancelled reports whether cancel has been requested.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Context is cancelled when the session is.
func (s *Session) Context() context.Context {
	return s.cancelCtx
}

// ArmGate registers the single pending gate and returns its resolver
// channel. Arming while a gate is pending replaces the old resolver, which
// is then never answered.
func (s *Session) ArmGate() <-chan GateDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateResolver = make(chan GateDecision, 1)
	return s.gateResolver
}

// AnswerGate resolves the pending gate. Answering with none pending is a
// silent no-op.
func (s *Session) AnswerGate(d GateDecision) {
	s.mu.Lock()
	resolver := s.gateResolver
	s.gateResolver = nil
	s.mu.Unlock()
	if resolver != nil {
		resolver <- d
	}
}

// ArmQuestion registers a pending question for a task.
func (s *Session) ArmQuestion(taskID string) <-chan map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan map[string]string, 1)
	s.questionResolvers[taskID] = ch
	return ch
}

// AnswerQuestion resolves a task's pending question. Unknown task ids are a
// silent no-op.
func (s *Session) AnswerQuestion(taskID string, answers map[string]string) {
	s.mu.Lock()
	resolver := s.questionResolvers[taskID]
	delete(s.questionResolvers, taskID)
	s.mu.Unlock()
	if resolver != nil {
		resolver <- answers
	}
}
