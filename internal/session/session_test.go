package session

import (
	"testing"
	"time"

	"elisa/internal/spec"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s := newSession(spec.ProjectSpec{Goal: "test goal"}, t.TempDir(), "clean", false)
	t.Cleanup(func() { s.Bus.Close() })
	return s
}

func TestSetStateForwardOnly(t *testing.T) {
	s := newTestSession(t)
	if got := s.State(); got != StateIdle {
		t.Fatalf("initial state = %q, want %q", got, StateIdle)
	}

	s.SetState(StatePlanning)
	s.SetState(StateExecuting)
	// A late phase update must not move the session backwards.
	s.SetState(StatePlanning)
	if got := s.State(); got != StateExecuting {
		t.Errorf("state = %q, want %q after backward transition ignored", got, StateExecuting)
	}

	s.SetState(StateDone)
	if !s.Terminal() {
		t.Error("Terminal() = false after done")
	}
	if s.EndedAt().IsZero() {
		t.Error("EndedAt not recorded on terminal transition")
	}
}

func TestCancelIdempotent(t *testing.T) {
	s := newTestSession(t)
	s.SetState(StateExecuting)

	s.Cancel()
	if !s.Cancelled() {
		t.Fatal("Cancelled() = false after Cancel")
	}
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("session context not cancelled")
	}

	// Second cancel is a no-op, not a panic.
	s.Cancel()
}

func TestCancelAfterDoneIsNoop(t *testing.T) {
	s := newTestSession(t)
	s.SetState(StateDone)
	s.Cancel()
	if s.Cancelled() {
		t.Error("Cancel after done should not set the flag")
	}
}

func TestGateResolution(t *testing.T) {
	s := newTestSession(t)
	resolver := s.ArmGate()

	go s.AnswerGate(GateDecision{Approved: true, Feedback: "ship it"})

	select {
	case d := <-resolver:
		if !d.Approved || d.Feedback != "ship it" {
			t.Errorf("decision = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("gate never resolved")
	}

	// With no gate pending the answer is silently dropped.
	s.AnswerGate(GateDecision{Approved: false})
}

func TestQuestionResolutionPerTask(t *testing.T) {
	s := newTestSession(t)
	r1 := s.ArmQuestion("task-1")
	r2 := s.ArmQuestion("task-2")

	s.AnswerQuestion("task-2", map[string]string{"db": "sqlite"})
	select {
	case answers := <-r2:
		if answers["db"] != "sqlite" {
			t.Errorf("answers = %v", answers)
		}
	case <-time.After(time.Second):
		t.Fatal("question for task-2 never resolved")
	}

	select {
	case <-r1:
		t.Fatal("task-1 resolver fired for task-2 answer")
	default:
	}

	// Unknown task id is a silent no-op.
	s.AnswerQuestion("task-9", nil)
}

func TestStorePrune(t *testing.T) {
	st := NewStore(time.Hour, time.Hour, 5*time.Minute)
	defer st.Close()

	fresh := st.Create(spec.ProjectSpec{Goal: "fresh"}, t.TempDir(), "clean", false)
	finished := st.Create(spec.ProjectSpec{Goal: "finished"}, t.TempDir(), "clean", false)
	finished.SetState(StateDone)

	// Nothing has aged out yet; the finished session is inside its grace.
	st.Prune(time.Now())
	if st.Len() != 2 {
		t.Fatalf("Len() = %d after early prune, want 2", st.Len())
	}

	// Past the grace window the finished session is destroyed, the live one
	// survives until maxAge.
	st.Prune(time.Now().Add(6 * time.Minute))
	if _, err := st.Get(finished.ID); err == nil {
		t.Error("finished session survived grace expiry")
	}
	if _, err := st.Get(fresh.ID); err != nil {
		t.Errorf("fresh session pruned early: %v", err)
	}

	// Everything goes once maxAge passes.
	st.Prune(time.Now().Add(2 * time.Hour))
	if st.Len() != 0 {
		t.Errorf("Len() = %d after maxAge prune, want 0", st.Len())
	}
}

func TestStoreRemove(t *testing.T) {
	st := NewStore(time.Hour, time.Hour, time.Minute)
	defer st.Close()

	sess := st.Create(spec.ProjectSpec{Goal: "g"}, t.TempDir(), "continue", true)
	if _, err := st.Get(sess.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	st.Remove(sess.ID)
	if _, err := st.Get(sess.ID); err == nil {
		t.Error("session still present after Remove")
	}
	if !sess.Cancelled() {
		t.Error("Remove should cancel the session")
	}
}
