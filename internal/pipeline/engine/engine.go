// Package engine is the workflow orchestrator: it owns workflow state,
// validates task graphs, drives the ready-set execution loop over the
// scheduler, and persists every transition so a crashed run resumes from
// its last snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/peptilab/peptiflow/internal/pipeline/fingerprint"
	"github.com/peptilab/peptiflow/internal/pipeline/model"
	"github.com/peptilab/peptiflow/internal/pipeline/notify"
	"github.com/peptilab/peptiflow/internal/pipeline/scheduler"
	"github.com/peptilab/peptiflow/internal/pipeline/state"
)

// ErrUnknownWorkflow marks an id with no persisted or in-memory state.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// metaFailureNotified is set in workflow metadata once the failure
// notification for that workflow has been handed to the sink, so resumed or
// re-inspected workflows never notify twice.
const metaFailureNotified = "failure_notified"

type execution struct {
	ctx    context.Context
	cancel context.CancelFunc
	paused atomic.Bool
}

// Orchestrator coordinates workflows. Each Execute call becomes the single
// coordinator for its workflow: it alone mutates the WorkflowState, and
// workers only talk to it through scheduler events.
type Orchestrator struct {
	// ProgressSink, when set, receives every progress event in addition to
	// the per-workflow ndjson feed. Set it before the first Execute.
	ProgressSink func(map[string]any)

	cfg   Config
	store *state.Store
	reg   *Registry
	sink  notify.Sink
	sched *scheduler.Scheduler

	// mu guards the maps and every mutation of a tracked WorkflowState, so
	// snapshot readers never observe a half-applied transition.
	mu     sync.Mutex
	states map[string]*model.WorkflowState
	execs  map[string]*execution
}

// New builds an orchestrator over the given store and registry. sink may be
// nil to disable failure notifications.
func New(cfg Config, store *state.Store, reg *Registry, sink notify.Sink) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:   cfg,
		store: store,
		reg:   reg,
		sink:  sink,
		sched: scheduler.New(scheduler.Config{
			MaxWorkers:    cfg.MaxWorkers,
			QueueCapacity: cfg.QueueCapacity,
			RetryDelay:    cfg.RetryDelay(),
		}),
		states: make(map[string]*model.WorkflowState),
		execs:  make(map[string]*execution),
	}, nil
}

// Close drains the scheduler. Workflows should be cancelled or finished
// first.
func (o *Orchestrator) Close() {
	o.sched.Shutdown()
}

// Create validates the task graph, assigns a workflow id, and persists the
// CREATED snapshot. The graph must reference only known tasks, be acyclic,
// and use only registered functions.
func (o *Orchestrator) Create(name string, tasks []*model.Task) (string, error) {
	if err := validateGraph(tasks); err != nil {
		return "", err
	}
	for _, t := range tasks {
		if _, ok := o.reg.Resolve(t.FunctionRef); !ok {
			return "", model.Validationf("task %q uses unregistered function %q", t.ID, t.FunctionRef)
		}
		if len(t.Args) > 0 {
			if _, has := t.Metadata["args_digest"]; !has {
				digest, err := fingerprint.ArgsDigest(t.Args)
				if err != nil {
					return "", model.NewTaskError(model.KindValidation, fmt.Sprintf("task %q has unserializable args", t.ID), err)
				}
				if t.Metadata == nil {
					t.Metadata = make(map[string]any, 1)
				}
				t.Metadata["args_digest"] = digest
			}
		}
	}

	id := uuid.NewString()
	st := model.NewWorkflowState(id, name, tasks)
	if err := o.store.Save(st); err != nil {
		return "", err
	}
	o.mu.Lock()
	o.states[id] = st
	o.mu.Unlock()

	o.progressEvent(id, "workflow_created", map[string]any{
		"name":  name,
		"tasks": len(tasks),
	})
	return id, nil
}

// Execute runs the workflow to a terminal or paused state and returns the
// resulting snapshot. Calling it on a terminal workflow returns the snapshot
// unchanged; calling it on a PAUSED or crashed-RUNNING workflow resumes it.
func (o *Orchestrator) Execute(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	o.mu.Lock()
	st, err := o.lockedState(workflowID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if st.Status.Terminal() {
		o.mu.Unlock()
		return st.Clone(), nil
	}
	if _, running := o.execs[workflowID]; running {
		o.mu.Unlock()
		return nil, fmt.Errorf("workflow %s is already executing", workflowID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	ex := &execution{ctx: runCtx, cancel: cancel}
	o.execs[workflowID] = ex
	normalizeForResume(st)
	st.Status = model.WorkflowRunning
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now().UTC()
	}
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.execs, workflowID)
		o.mu.Unlock()
	}()

	if err := o.store.Save(st); err != nil {
		return nil, err
	}
	o.progressEvent(workflowID, "workflow_started", map[string]any{"name": st.Name})

	return o.runLoop(ex, st)
}

// Resume is Execute for a workflow that persisted mid-run.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	return o.Execute(ctx, workflowID)
}

// Pause asks a running workflow to stop submitting new tasks. In-flight
// tasks drain; Execute then returns with status PAUSED. Returns false when
// the workflow is not currently executing.
func (o *Orchestrator) Pause(workflowID string) bool {
	o.mu.Lock()
	ex, ok := o.execs[workflowID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	ex.paused.Store(true)
	o.progressEvent(workflowID, "workflow_pause_requested", nil)
	return true
}

// Cancel stops a workflow. A live execution is cancelled cooperatively; a
// dormant non-terminal workflow is marked CANCELLED directly. Cancelling a
// terminal workflow is a no-op.
func (o *Orchestrator) Cancel(workflowID string) error {
	o.mu.Lock()
	if ex, running := o.execs[workflowID]; running {
		o.mu.Unlock()
		ex.cancel()
		return nil
	}
	st, err := o.lockedState(workflowID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	defer o.mu.Unlock()
	if st.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	for _, t := range st.Tasks {
		if !t.Status.Terminal() {
			t.Status = model.TaskCancelled
			t.CompletedAt = now
		}
	}
	st.Status = model.WorkflowCancelled
	st.CompletedAt = now
	st.RecalcProgress()
	if err := o.store.Save(st); err != nil {
		return err
	}
	o.progressEvent(workflowID, "workflow_cancelled", nil)
	return nil
}

// Status returns a deep-copied snapshot.
func (o *Orchestrator) Status(workflowID string) (*model.WorkflowState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, err := o.lockedState(workflowID)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// List returns all persisted workflow ids.
func (o *Orchestrator) List() ([]string, error) {
	return o.store.List()
}

// Cleanup deletes terminal workflows created more than olderThan ago and
// returns how many were removed.
func (o *Orchestrator) Cleanup(olderThan time.Duration) (int, error) {
	ids, err := o.store.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for _, id := range ids {
		st, err := o.store.Load(id)
		if err != nil || st == nil {
			continue
		}
		if !st.Status.Terminal() || !st.CreatedAt.Before(cutoff) {
			continue
		}
		if err := o.store.Delete(id); err != nil {
			return removed, err
		}
		o.mu.Lock()
		delete(o.states, id)
		o.mu.Unlock()
		removed++
	}
	return removed, nil
}

// lockedState resolves a workflow from memory or disk. Caller holds o.mu.
func (o *Orchestrator) lockedState(workflowID string) (*model.WorkflowState, error) {
	if st, ok := o.states[workflowID]; ok {
		return st, nil
	}
	st, err := o.store.Load(workflowID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	o.states[workflowID] = st
	return st, nil
}

// runLoop is the coordinator: submit ready tasks up to worker capacity,
// persist every transition, and wait for one event at a time until the
// workflow is decided, paused, or cancelled. Every mutation of st happens
// under o.mu so Status and Cancel can clone concurrently; reads outside the
// lock are safe because this goroutine is the only writer.
func (o *Orchestrator) runLoop(ex *execution, st *model.WorkflowState) (*model.WorkflowState, error) {
	events := make(chan scheduler.Event, eventBufferFor(st))
	inflight := make(map[string]struct{})

	for {
		cancelled := ex.ctx.Err() != nil
		paused := ex.paused.Load()

		if !cancelled && !paused {
			if err := o.submitReady(ex, st, inflight, events); err != nil {
				return st.Clone(), err
			}
		}

		if len(inflight) == 0 {
			switch {
			case cancelled:
				return o.finishCancelled(st)
			case paused:
				o.mu.Lock()
				st.Status = model.WorkflowPaused
				o.mu.Unlock()
				if err := o.store.Save(st); err != nil {
					return st.Clone(), err
				}
				o.progressEvent(st.WorkflowID, "workflow_paused", map[string]any{
					"progress": st.Progress,
				})
				return st.Clone(), nil
			case st.AllDecided():
				return o.finishTerminal(st)
			}

			blocked := blockedByDead(st)
			if len(blocked) > 0 {
				now := time.Now().UTC()
				msgs := make(map[string]string, len(blocked))
				o.mu.Lock()
				for _, id := range blocked {
					t := st.Tasks[id]
					t.Status = model.TaskFailed
					t.ErrorKind = model.KindDependency
					t.Error = fmt.Sprintf("dependency failed: %s", strings.Join(deadDepsOf(st, t), ", "))
					t.CompletedAt = now
					msgs[id] = t.Error
				}
				o.mu.Unlock()
				for _, id := range blocked {
					o.progressEvent(st.WorkflowID, "task_blocked", map[string]any{
						"task_id": id,
						"error":   msgs[id],
					})
				}
				if err := o.store.Save(st); err != nil {
					return st.Clone(), err
				}
				continue
			}

			// Nothing running, nothing dead, tasks still pending: the graph
			// cannot make progress. Construction validation should make this
			// unreachable, so treat it as an internal fault.
			return o.finishDeadlocked(st)
		}

		ev := <-events
		o.applyEvent(st, ev, inflight)
		if err := o.store.Save(st); err != nil {
			return st.Clone(), err
		}
	}
}

// submitReady hands PENDING tasks with satisfied dependencies to the
// scheduler, at most up to the worker bound, persisting the RUNNING
// transition before each submission.
func (o *Orchestrator) submitReady(ex *execution, st *model.WorkflowState, inflight map[string]struct{}, events chan scheduler.Event) error {
	for _, t := range readyTasks(st) {
		if len(inflight) >= o.cfg.MaxWorkers {
			return nil
		}
		fn, ok := o.reg.Resolve(t.FunctionRef)
		if !ok {
			o.mu.Lock()
			t.Status = model.TaskFailed
			t.ErrorKind = model.KindValidation
			t.Error = fmt.Sprintf("unregistered function %q", t.FunctionRef)
			t.CompletedAt = time.Now().UTC()
			o.mu.Unlock()
			if err := o.store.Save(st); err != nil {
				return err
			}
			continue
		}

		o.mu.Lock()
		t.Status = model.TaskRunning
		t.StartedAt = time.Now().UTC()
		o.mu.Unlock()
		if err := o.store.Save(st); err != nil {
			return err
		}

		spec := scheduler.Spec{
			WorkflowID: st.WorkflowID,
			TaskID:     t.ID,
			Args:       t.Args,
			Timeout:    t.Timeout,
			MaxRetries: t.MaxRetries,
			RetryCount: t.RetryCount,
		}
		if err := o.sched.Submit(ex.ctx, spec, fn, events); err != nil {
			o.mu.Lock()
			t.Status = model.TaskPending
			t.StartedAt = time.Time{}
			o.mu.Unlock()
			if saveErr := o.store.Save(st); saveErr != nil {
				return saveErr
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		inflight[t.ID] = struct{}{}
		o.progressEvent(st.WorkflowID, "task_started", map[string]any{
			"task_id":     t.ID,
			"function":    t.FunctionRef,
			"retry_count": t.RetryCount,
		})
	}
	return nil
}

// applyEvent folds one scheduler event into the state.
func (o *Orchestrator) applyEvent(st *model.WorkflowState, ev scheduler.Event, inflight map[string]struct{}) {
	t := st.Tasks[ev.TaskID]
	if t == nil {
		return
	}
	o.mu.Lock()
	switch ev.Type {
	case scheduler.EventRetrying:
		t.Status = model.TaskRetrying
		t.RetryCount = ev.RetryCount
		t.ErrorKind = ev.Kind
		t.Error = ev.Err
	case scheduler.EventDone:
		delete(inflight, ev.TaskID)
		t.Status = ev.Status
		t.RetryCount = ev.RetryCount
		t.CompletedAt = ev.CompletedAt
		switch ev.Status {
		case model.TaskCompleted:
			t.Result = ev.Result
			t.Error = ""
			t.ErrorKind = ""
		default:
			t.ErrorKind = ev.Kind
			t.Error = ev.Err
		}
		st.RecalcProgress()
	}
	progress := st.Progress
	o.mu.Unlock()

	switch ev.Type {
	case scheduler.EventRetrying:
		o.progressEvent(st.WorkflowID, "task_retrying", map[string]any{
			"task_id":     ev.TaskID,
			"attempt_id":  ev.AttemptID,
			"retry_count": ev.RetryCount,
			"kind":        string(ev.Kind),
			"error":       ev.Err,
		})
	case scheduler.EventDone:
		o.progressEvent(st.WorkflowID, "task_finished", map[string]any{
			"task_id":     ev.TaskID,
			"attempt_id":  ev.AttemptID,
			"status":      string(ev.Status),
			"retry_count": ev.RetryCount,
			"progress":    progress,
		})
	}
}

// finishTerminal decides the workflow outcome once every task is terminal.
func (o *Orchestrator) finishTerminal(st *model.WorkflowState) (*model.WorkflowState, error) {
	counts := st.CountByStatus()
	o.mu.Lock()
	switch {
	case counts[model.TaskFailed] > 0:
		st.Status = model.WorkflowFailed
	case counts[model.TaskCancelled] > 0:
		st.Status = model.WorkflowCancelled
	default:
		st.Status = model.WorkflowCompleted
	}
	st.CompletedAt = time.Now().UTC()
	st.RecalcProgress()
	failed := st.Status == model.WorkflowFailed
	o.mu.Unlock()

	if failed {
		o.notifyFailure(st)
	}
	if err := o.store.Save(st); err != nil {
		return st.Clone(), err
	}
	o.progressEvent(st.WorkflowID, "workflow_finished", map[string]any{
		"status":   string(st.Status),
		"progress": st.Progress,
	})
	return st.Clone(), nil
}

// finishCancelled marks everything undecided as CANCELLED after the
// in-flight tasks drained.
func (o *Orchestrator) finishCancelled(st *model.WorkflowState) (*model.WorkflowState, error) {
	now := time.Now().UTC()
	o.mu.Lock()
	for _, t := range st.Tasks {
		if !t.Status.Terminal() {
			t.Status = model.TaskCancelled
			t.CompletedAt = now
		}
	}
	st.Status = model.WorkflowCancelled
	st.CompletedAt = now
	st.RecalcProgress()
	o.mu.Unlock()
	if err := o.store.Save(st); err != nil {
		return st.Clone(), err
	}
	o.progressEvent(st.WorkflowID, "workflow_cancelled", map[string]any{
		"progress": st.Progress,
	})
	return st.Clone(), nil
}

// finishDeadlocked handles a wedged graph: pending work, no running tasks,
// no failed dependency to blame.
func (o *Orchestrator) finishDeadlocked(st *model.WorkflowState) (*model.WorkflowState, error) {
	o.mu.Lock()
	st.Status = model.WorkflowFailed
	st.CompletedAt = time.Now().UTC()
	o.mu.Unlock()
	o.notifyFailureWith(st, "", model.KindInternal, "workflow deadlocked with no runnable tasks")
	if err := o.store.Save(st); err != nil {
		return st.Clone(), err
	}
	return st.Clone(), fmt.Errorf("workflow %s deadlocked with no runnable tasks", st.WorkflowID)
}

// notifyFailure sends the single terminal-failure notification, naming the
// task whose own failure (not a DEPENDENCY cascade) decided the outcome.
func (o *Orchestrator) notifyFailure(st *model.WorkflowState) {
	var culprit *model.Task
	for _, t := range st.Tasks {
		if t.Status != model.TaskFailed {
			continue
		}
		if t.ErrorKind == model.KindDependency {
			continue
		}
		if culprit == nil || t.CompletedAt.Before(culprit.CompletedAt) {
			culprit = t
		}
	}
	if culprit == nil {
		o.notifyFailureWith(st, "", model.KindInternal, "workflow failed")
		return
	}
	o.notifyFailureWith(st, culprit.ID, culprit.ErrorKind, culprit.Error)
}

func (o *Orchestrator) notifyFailureWith(st *model.WorkflowState, taskID string, kind model.ErrorKind, message string) {
	o.mu.Lock()
	if done, _ := st.Metadata[metaFailureNotified].(bool); done {
		o.mu.Unlock()
		return
	}
	if st.Metadata == nil {
		st.Metadata = make(map[string]any, 1)
	}
	st.Metadata[metaFailureNotified] = true
	o.mu.Unlock()

	if o.sink == nil {
		return
	}
	n := notify.Notification{
		WorkflowID: st.WorkflowID,
		TaskID:     taskID,
		Kind:       kind,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := o.sink.Notify(ctx, n); err != nil {
		o.progressEvent(st.WorkflowID, "notification_error", map[string]any{
			"error": err.Error(),
		})
	}
}

func eventBufferFor(st *model.WorkflowState) int {
	n := 0
	for _, t := range st.Tasks {
		n += t.MaxRetries + 2
	}
	if n < 16 {
		n = 16
	}
	return n
}
