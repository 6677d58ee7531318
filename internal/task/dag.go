package task

import (
	"fmt"
	"sync"
)

// Scheduler yields ready batches from an acyclic task graph under a
// concurrency cap. Readiness means every predecessor is done; ties break by
// insertion order. A failed task does not fail its dependents here — the
// executor decides the cascade and reports it through Fail.
type Scheduler struct {
	mu          sync.Mutex
	order       []string
	tasks       map[string]*Task
	inFlight    map[string]bool
	concurrency int
}

// NewScheduler builds a scheduler over tasks, validating the graph. It
// returns an error on duplicate ids, unknown dependencies, or cycles.
func NewScheduler(tasks []*Task, concurrency int) (*Scheduler, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	s := &Scheduler{
		tasks:       make(map[string]*Task, len(tasks)),
		inFlight:    make(map[string]bool),
		concurrency: concurrency,
	}
	for _, t := range tasks {
		if _, dup := s.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		s.tasks[t.ID] = t
		s.order = append(s.order, t.ID)
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := s.tasks[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	if err := s.checkAcyclic(); err != nil {
		return nil, err
	}
	return s, nil
}

// Ready returns the next batch of dispatchable task ids, bounded so that
// in-flight plus returned never exceeds the concurrency cap. Returned tasks
// are counted as in flight immediately.
func (s *Scheduler) Ready() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	budget := s.concurrency - len(s.inFlight)
	if budget <= 0 {
		return nil
	}

	var batch []string
	for _, id := range s.order {
		if budget == 0 {
			break
		}
		t := s.tasks[id]
		if t.Status != StatusPending || s.inFlight[id] {
			continue
		}
		if !s.depsDoneLocked(t) {
			continue
		}
		s.inFlight[id] = true
		batch = append(batch, id)
		budget--
	}
	return batch
}

// Start marks a task in progress. The task must have been returned by Ready.
func (s *Scheduler) Start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = StatusInProgress
	}
}

// Complete marks a task done and releases its concurrency slot.
func (s *Scheduler) Complete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = StatusDone
	}
	delete(s.inFlight, id)
}

// Fail marks a task failed with a reason and releases its slot.
func (s *Scheduler) Fail(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = StatusFailed
		t.FailReason = reason
	}
	delete(s.inFlight, id)
}

// CascadeFailures marks every pending task whose predecessor closure
// contains a failed task as failed with reason predecessor_failed, and
// returns the ids it marked. The cascade is transitive: grandchildren of a
// failed task are skipped too, so every task still reaches a terminal state.
func (s *Scheduler) CascadeFailures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked []string
	for {
		progressed := false
		for _, id := range s.order {
			t := s.tasks[id]
			if t.Status != StatusPending || s.inFlight[id] {
				continue
			}
			for _, dep := range t.Dependencies {
				if d := s.tasks[dep]; d.Status == StatusFailed {
					t.Status = StatusFailed
					t.FailReason = FailPredecessor
					marked = append(marked, id)
					progressed = true
					break
				}
			}
		}
		if !progressed {
			return marked
		}
	}
}

// Done reports whether every task is terminal.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if !t.Terminal() {
			return false
		}
	}
	return true
}

// Stalled reports whether no task is in flight and none can become ready,
// while non-terminal tasks remain. With transitive failure cascade applied
// this only happens on graphs the validator should have rejected.
func (s *Scheduler) Stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inFlight) > 0 {
		return false
	}
	pending := false
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Terminal() {
			continue
		}
		pending = true
		if t.Status == StatusPending && s.depsDoneLocked(t) {
			return false
		}
	}
	return pending
}

// InFlight returns the number of tasks currently dispatched.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Task returns the task with the given id.
func (s *Scheduler) Task(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns all tasks in insertion order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}
	return out
}

func (s *Scheduler) depsDoneLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		if s.tasks[dep].Status != StatusDone {
			return false
		}
	}
	return true
}

// checkAcyclic runs Kahn's algorithm over the graph.
func (s *Scheduler) checkAcyclic() error {
	indegree := make(map[string]int, len(s.tasks))
	dependents := make(map[string][]string, len(s.tasks))
	for _, id := range s.order {
		indegree[id] = len(s.tasks[id].Dependencies)
		for _, dep := range s.tasks[id].Dependencies {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(s.tasks))
	for _, id := range s.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(s.tasks) {
		return fmt.Errorf("task graph contains a cycle")
	}
	return nil
}
