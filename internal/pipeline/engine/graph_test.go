package engine

import (
	"errors"
	"testing"

	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

func mkTask(id string, deps ...string) *model.Task {
	t := model.NewTask(id, id, "noop")
	t.Dependencies = deps
	return t
}

func TestValidateGraphAcceptsDiamond(t *testing.T) {
	tasks := []*model.Task{
		mkTask("a"),
		mkTask("b", "a"),
		mkTask("c", "a"),
		mkTask("d", "b", "c"),
	}
	if err := validateGraph(tasks); err != nil {
		t.Fatalf("validateGraph: %v", err)
	}
}

func TestValidateGraphMissingDependency(t *testing.T) {
	err := validateGraph([]*model.Task{mkTask("a", "ghost")})
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("got %v want ErrMissingDependency", err)
	}
}

func TestValidateGraphCycle(t *testing.T) {
	tasks := []*model.Task{
		mkTask("a", "c"),
		mkTask("b", "a"),
		mkTask("c", "b"),
	}
	err := validateGraph(tasks)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("got %v want ErrCycleDetected", err)
	}
}

func TestValidateGraphSelfDependency(t *testing.T) {
	err := validateGraph([]*model.Task{mkTask("a", "a")})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("got %v want ErrCycleDetected", err)
	}
}

func TestValidateGraphDuplicateID(t *testing.T) {
	if err := validateGraph([]*model.Task{mkTask("a"), mkTask("a")}); err == nil {
		t.Fatalf("expected error for duplicate id")
	}
}

func TestReadyTasksOrderAndGating(t *testing.T) {
	w := model.NewWorkflowState("wf", "t", []*model.Task{
		mkTask("b", "a"),
		mkTask("a"),
		mkTask("c"),
	})
	ready := readyTasks(w)
	if len(ready) != 2 || ready[0].ID != "a" || ready[1].ID != "c" {
		t.Fatalf("ready: %v", ids(ready))
	}

	w.Tasks["a"].Status = model.TaskCompleted
	w.Tasks["c"].Status = model.TaskRunning
	ready = readyTasks(w)
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("ready after a completes: %v", ids(ready))
	}
}

func TestBlockedByDeadIsTransitive(t *testing.T) {
	w := model.NewWorkflowState("wf", "t", []*model.Task{
		mkTask("a"),
		mkTask("b", "a"),
		mkTask("c", "b"),
		mkTask("d"),
	})
	w.Tasks["a"].Status = model.TaskFailed

	blocked := blockedByDead(w)
	if len(blocked) != 2 || blocked[0] != "b" || blocked[1] != "c" {
		t.Fatalf("blocked: %v", blocked)
	}
}

func ids(tasks []*model.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
