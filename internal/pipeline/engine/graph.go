package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

var (
	// ErrMissingDependency marks a task that names a dependency not present
	// in the workflow.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrCycleDetected marks a dependency graph that is not a DAG.
	ErrCycleDetected = errors.New("dependency cycle")
)

// validateGraph rejects empty or duplicate task ids, references to unknown
// tasks, and cycles. Cycle detection is Kahn's algorithm: if peeling
// in-degree-zero tasks cannot consume the whole graph, whatever remains sits
// on a cycle.
func validateGraph(tasks []*model.Task) error {
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("task id is required")
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("duplicate task id: %q", t.ID)
		}
		ids[t.ID] = struct{}{}
	}

	indeg := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		seen := make(map[string]struct{}, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return fmt.Errorf("%w: task %q depends on itself", ErrCycleDetected, t.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: task %q requires unknown task %q", ErrMissingDependency, t.ID, dep)
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			indeg[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	queue := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if indeg[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited < len(tasks) {
		remaining := make([]string, 0, len(tasks)-visited)
		for id, d := range indeg {
			if d > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return fmt.Errorf("%w: involving %s", ErrCycleDetected, strings.Join(remaining, ", "))
	}
	return nil
}

// readyTasks returns the PENDING tasks whose dependencies are all COMPLETED,
// sorted by id for deterministic submission order.
func readyTasks(w *model.WorkflowState) []*model.Task {
	var ready []*model.Task
	for _, t := range w.Tasks {
		if t.Status != model.TaskPending {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			d := w.Tasks[dep]
			if d == nil || d.Status != model.TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// blockedByDead returns the ids of PENDING tasks that can never run because
// a dependency, directly or transitively, ended FAILED or CANCELLED.
func blockedByDead(w *model.WorkflowState) []string {
	dead := make(map[string]bool, len(w.Tasks))
	for id, t := range w.Tasks {
		if t.Status == model.TaskFailed || t.Status == model.TaskCancelled {
			dead[id] = true
		}
	}

	blocked := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for id, t := range w.Tasks {
			if t.Status != model.TaskPending || blocked[id] {
				continue
			}
			for _, dep := range t.Dependencies {
				if dead[dep] || blocked[dep] {
					blocked[id] = true
					changed = true
					break
				}
			}
		}
	}

	out := make([]string, 0, len(blocked))
	for id := range blocked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// deadDepsOf lists the task's direct dependencies that are FAILED or
// CANCELLED, for failure messages.
func deadDepsOf(w *model.WorkflowState, t *model.Task) []string {
	var out []string
	for _, dep := range t.Dependencies {
		d := w.Tasks[dep]
		if d != nil && (d.Status == model.TaskFailed || d.Status == model.TaskCancelled) {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}
