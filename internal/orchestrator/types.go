package orchestrator

import (
	"sync"
	"time"

	"github.com/fleetlabs/orchestrator/internal/router"
)

// TaskStatus is the Task state machine's closed set of states.
// New -> Planning -> Dispatched -> (Aggregating)* -> Done, with any
// state able to transition to Failed or Cancelled.
type TaskStatus string

const (
	TaskNew         TaskStatus = "New"
	TaskPlanning    TaskStatus = "Planning"
	TaskDispatched  TaskStatus = "Dispatched"
	TaskAggregating TaskStatus = "Aggregating"
	TaskDone        TaskStatus = "Done"
	TaskFailed      TaskStatus = "Failed"
	TaskCancelled   TaskStatus = "Cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

// SubtaskStatus mirrors the Task state machine at subtask granularity.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "Pending"
	SubtaskReady     SubtaskStatus = "Ready"
	SubtaskDispatched SubtaskStatus = "Dispatched"
	SubtaskDone      SubtaskStatus = "Done"
	SubtaskFailed    SubtaskStatus = "Failed"
)

// Subtask is one node of a Task's dependency DAG.
type Subtask struct {
	ID            string
	ParentTaskID  string
	Description   string
	Dependencies  []string
	IsAggregation bool
	Level         int // aggregation level; 0 for leaves
	Strategy      router.Strategy

	mu     sync.Mutex
	status SubtaskStatus
	output string
	failed bool
}

func (s *Subtask) Status() SubtaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Subtask) setStatus(st SubtaskStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Subtask) complete(output string) {
	s.mu.Lock()
	s.status = SubtaskDone
	s.output = output
	s.mu.Unlock()
}

func (s *Subtask) fail(placeholder string) {
	s.mu.Lock()
	s.status = SubtaskFailed
	s.output = placeholder
	s.failed = true
	s.mu.Unlock()
}

func (s *Subtask) Output() (text string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output, s.failed
}

// Result is what Await returns for a successfully completed Task.
type Result struct {
	TaskID    string
	Output    string
	Failed    bool
	Subtasks  int
	Complexity float64
}

// Task is one unit of orchestrated work: a description decomposed
// into a Subtask DAG, routed, dispatched to the Fleet, aggregated, and
// recorded to the Ledger.
type Task struct {
	ID               string
	Project          string
	Description      string
	StructuredInputs interface{}
	Deadline         time.Time
	StartedAt        time.Time

	mu         sync.Mutex
	status     TaskStatus
	complexity float64
	subtasks   []*Subtask
	result     *Result
	err        error
	cancelled  bool

	done chan struct{}
}

func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) setStatus(s TaskStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) finish(status TaskStatus, result *Result, err error) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status = status
	t.result = result
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// Handle is the opaque reference Submit returns; callers hold it to
// Await or Cancel the task it names.
type Handle struct {
	TaskID string
}
