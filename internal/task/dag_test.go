package task

import (
	"testing"
)

func mkTask(id string, deps ...string) *Task {
	return &Task{ID: id, Name: id, Status: StatusPending, Dependencies: deps}
}

func TestNewSchedulerValidation(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		ok    bool
	}{
		{"empty graph", nil, true},
		{"linear chain", []*Task{mkTask("a"), mkTask("b", "a")}, true},
		{"duplicate id", []*Task{mkTask("a"), mkTask("a")}, false},
		{"unknown dependency", []*Task{mkTask("a", "ghost")}, false},
		{"self cycle", []*Task{mkTask("a", "a")}, false},
		{"two node cycle", []*Task{mkTask("a", "b"), mkTask("b", "a")}, false},
		{"diamond", []*Task{mkTask("a"), mkTask("b", "a"), mkTask("c", "a"), mkTask("d", "b", "c")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScheduler(tt.tasks, 2)
			if (err == nil) != tt.ok {
				t.Errorf("NewScheduler err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestReadyRespectsDependencies(t *testing.T) {
	s, err := NewScheduler([]*Task{
		mkTask("a"), mkTask("b", "a"), mkTask("c", "a"),
	}, 4)
	if err != nil {
		t.Fatal(err)
	}

	batch := s.Ready()
	if len(batch) != 1 || batch[0] != "a" {
		t.Fatalf("first batch = %v", batch)
	}
	// a is in flight, nothing else is ready yet.
	if more := s.Ready(); len(more) != 0 {
		t.Fatalf("second batch before completion = %v", more)
	}

	s.Start("a")
	s.Complete("a")
	batch = s.Ready()
	if len(batch) != 2 || batch[0] != "b" || batch[1] != "c" {
		t.Fatalf("batch after a = %v", batch)
	}
}

func TestReadyHonorsConcurrencyCap(t *testing.T) {
	s, err := NewScheduler([]*Task{
		mkTask("a"), mkTask("b"), mkTask("c"), mkTask("d"),
	}, 2)
	if err != nil {
		t.Fatal(err)
	}

	batch := s.Ready()
	if len(batch) != 2 {
		t.Fatalf("batch = %v, want 2 tasks", batch)
	}
	if s.InFlight() != 2 {
		t.Errorf("InFlight = %d", s.InFlight())
	}
	// Slot frees as tasks complete, insertion order preserved.
	s.Complete(batch[0])
	next := s.Ready()
	if len(next) != 1 || next[0] != "c" {
		t.Fatalf("next batch = %v", next)
	}
}

func TestCascadeFailuresIsTransitive(t *testing.T) {
	s, err := NewScheduler([]*Task{
		mkTask("a"), mkTask("b", "a"), mkTask("c", "b"), mkTask("x"),
	}, 4)
	if err != nil {
		t.Fatal(err)
	}
	s.Ready()
	s.Start("a")
	s.Fail("a", "dispatch exhausted retries")

	marked := s.CascadeFailures()
	if len(marked) != 2 {
		t.Fatalf("marked = %v", marked)
	}
	for _, id := range []string{"b", "c"} {
		task, _ := s.Task(id)
		if task.Status != StatusFailed || task.FailReason != FailPredecessor {
			t.Errorf("%s = %s/%s", id, task.Status, task.FailReason)
		}
	}
	if x, _ := s.Task("x"); x.Status != StatusPending {
		t.Errorf("unrelated task x = %s", x.Status)
	}
}

func TestDoneAndStalled(t *testing.T) {
	s, err := NewScheduler([]*Task{mkTask("a"), mkTask("b", "a")}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Done() {
		t.Error("Done before any work")
	}
	if s.Stalled() {
		t.Error("Stalled while a is ready")
	}

	s.Ready()
	s.Start("a")
	s.Fail("a", "boom")
	s.CascadeFailures()

	if !s.Done() {
		t.Error("not Done after cascade")
	}
}

func TestFailedDependencyBlocksReadiness(t *testing.T) {
	s, err := NewScheduler([]*Task{mkTask("a"), mkTask("b", "a")}, 2)
	if err != nil {
		t.Fatal(err)
	}
	s.Ready()
	s.Fail("a", "boom")
	if batch := s.Ready(); len(batch) != 0 {
		t.Errorf("b dispatched over a failed dependency: %v", batch)
	}
	if !s.Stalled() {
		t.Error("not Stalled before cascade")
	}
}
