package model

import (
	"time"
)

const (
	// DefaultMaxRetries is the per-task retry budget when a definition does
	// not override it.
	DefaultMaxRetries = 3
	// DefaultTaskTimeout bounds a single attempt when a definition does not
	// override it.
	DefaultTaskTimeout = time.Hour
)

// Task is one node of a workflow graph. A zero StartedAt/CompletedAt means
// the task has not reached that point yet.
type Task struct {
	ID           string
	Name         string
	FunctionRef  string
	Args         map[string]any
	Dependencies []string
	RetryCount   int
	MaxRetries   int
	Timeout      time.Duration
	Status       TaskStatus
	Result       any
	Error        string
	ErrorKind    ErrorKind
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	Metadata     map[string]any
}

// NewTask returns a PENDING task with the default retry budget and timeout.
func NewTask(id, name, functionRef string) *Task {
	return &Task{
		ID:          id,
		Name:        name,
		FunctionRef: functionRef,
		MaxRetries:  DefaultMaxRetries,
		Timeout:     DefaultTaskTimeout,
		Status:      TaskPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Clone returns an independent copy. Args, Dependencies and Metadata are
// copied one level deep; Result is shared (treated as immutable once set).
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Args = copyAnyMap(t.Args)
	cp.Metadata = copyAnyMap(t.Metadata)
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return &cp
}

// WorkflowState is the full persisted record of one workflow. The owning
// coordinator mutates it; everyone else sees snapshots from Clone.
type WorkflowState struct {
	WorkflowID  string
	Name        string
	Status      WorkflowStatus
	Tasks       map[string]*Task
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Progress    float64
	Metadata    map[string]any
}

// NewWorkflowState builds a CREATED workflow over the given tasks, keyed by
// task id.
func NewWorkflowState(id, name string, tasks []*Task) *WorkflowState {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return &WorkflowState{
		WorkflowID: id,
		Name:       name,
		Status:     WorkflowCreated,
		Tasks:      byID,
		CreatedAt:  time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand out while the coordinator keeps
// mutating the original.
func (w *WorkflowState) Clone() *WorkflowState {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Metadata = copyAnyMap(w.Metadata)
	cp.Tasks = make(map[string]*Task, len(w.Tasks))
	for id, t := range w.Tasks {
		cp.Tasks[id] = t.Clone()
	}
	return &cp
}

// RecalcProgress recomputes Progress as the percentage of COMPLETED tasks.
// An empty workflow counts as fully complete.
func (w *WorkflowState) RecalcProgress() {
	if len(w.Tasks) == 0 {
		w.Progress = 100
		return
	}
	done := 0
	for _, t := range w.Tasks {
		if t.Status == TaskCompleted {
			done++
		}
	}
	w.Progress = float64(done) / float64(len(w.Tasks)) * 100
}

// CountByStatus tallies tasks per status.
func (w *WorkflowState) CountByStatus() map[TaskStatus]int {
	counts := make(map[TaskStatus]int, 6)
	for _, t := range w.Tasks {
		counts[t.Status]++
	}
	return counts
}

// AllDecided reports whether every task is in a terminal status.
func (w *WorkflowState) AllDecided() bool {
	for _, t := range w.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
