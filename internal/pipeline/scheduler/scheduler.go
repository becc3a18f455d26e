// Package scheduler runs task attempts on a fixed pool of workers. Each
// submitted task gets an attempt loop with a per-attempt timeout, classified
// retries with linear backoff, and cooperative cancellation; every
// transition is reported to the submitter over its event channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

// ErrShutdown is returned by Submit after Shutdown has been called.
var ErrShutdown = errors.New("scheduler shut down")

const (
	DefaultMaxWorkers    = 4
	DefaultQueueCapacity = 256
	DefaultRetryDelay    = 5 * time.Second
	DefaultMaxRetryDelay = 5 * time.Minute
)

// TaskFunc is the unit of work a task executes. Implementations must honor
// ctx cancellation for timeouts and cancellation to take effect promptly.
type TaskFunc func(ctx context.Context, args map[string]any) (any, error)

type EventType string

const (
	// EventRetrying reports a failed attempt that will be retried after
	// backoff. It is delivered before the backoff sleep starts.
	EventRetrying EventType = "retrying"
	// EventDone reports the final outcome of the task.
	EventDone EventType = "done"
)

// Event is one transition of a running task, sent to the submitter's
// channel. For EventDone, Status is COMPLETED, FAILED or CANCELLED.
type Event struct {
	Type        EventType
	TaskID      string
	AttemptID   string
	Attempt     int
	RetryCount  int
	Status      model.TaskStatus
	Kind        model.ErrorKind
	Err         string
	Result      any
	StartedAt   time.Time
	CompletedAt time.Time
}

// Spec describes one task submission. RetryCount carries retries already
// consumed by a previous run so resumed tasks keep their budget.
type Spec struct {
	WorkflowID string
	TaskID     string
	Args       map[string]any
	Timeout    time.Duration
	MaxRetries int
	RetryCount int
}

// key identifies one submission. Task ids are only unique within a workflow,
// and one scheduler serves every workflow in the process.
func (sp Spec) key() string {
	return sp.WorkflowID + "/" + sp.TaskID
}

type Config struct {
	MaxWorkers    int
	QueueCapacity int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
}

type job struct {
	spec   Spec
	fn     TaskFunc
	ctx    context.Context
	events chan<- Event
}

// Scheduler is safe for concurrent use by multiple coordinators.
type Scheduler struct {
	cfg  Config
	jobs chan *job
	wg   sync.WaitGroup

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	statuses map[string]model.TaskStatus
	closed   bool
}

// New starts the worker pool.
func New(cfg Config) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:      cfg,
		jobs:     make(chan *job, cfg.QueueCapacity),
		cancels:  make(map[string]context.CancelFunc),
		statuses: make(map[string]model.TaskStatus),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit queues the task. Attempts run under a child of ctx, so cancelling
// ctx cancels the task. Events for the task are delivered to events in
// order, ending with exactly one EventDone.
func (s *Scheduler) Submit(ctx context.Context, spec Spec, fn TaskFunc, events chan<- Event) error {
	if spec.TaskID == "" {
		return fmt.Errorf("submit: missing task id")
	}
	if fn == nil {
		return fmt.Errorf("submit %s: nil task func", spec.TaskID)
	}

	key := spec.key()
	jctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrShutdown
	}
	s.cancels[key] = cancel
	s.statuses[key] = model.TaskPending
	s.mu.Unlock()

	j := &job{spec: spec, fn: fn, ctx: jctx, events: events}
	select {
	case s.jobs <- j:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.cancels, key)
		delete(s.statuses, key)
		s.mu.Unlock()
		cancel()
		return ctx.Err()
	}
}

// Cancel requests cancellation of a queued or running task. Returns false
// when the scheduler no longer tracks the task.
func (s *Scheduler) Cancel(workflowID, taskID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[Spec{WorkflowID: workflowID, TaskID: taskID}.key()]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Status reports the scheduler's view of a task. Finished tasks keep their
// final status until the scheduler is discarded.
func (s *Scheduler) Status(workflowID, taskID string) (model.TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[Spec{WorkflowID: workflowID, TaskID: taskID}.key()]
	return st, ok
}

// Shutdown stops accepting submissions and waits for queued and in-flight
// tasks to finish. Safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.runJob(j)
	}
}

func (s *Scheduler) runJob(j *job) {
	s.setStatus(j.spec.key(), model.TaskRunning)

	retries := j.spec.RetryCount
	attempt := retries
	for {
		attempt++
		attemptID := ulid.Make().String()
		started := time.Now().UTC()

		if j.ctx.Err() != nil {
			s.finish(j, Event{
				Type: EventDone, TaskID: j.spec.TaskID, AttemptID: attemptID,
				Attempt: attempt, RetryCount: retries,
				Status: model.TaskCancelled, Kind: model.KindCancelled,
				Err:       "cancelled before attempt started",
				StartedAt: started, CompletedAt: time.Now().UTC(),
			})
			return
		}

		result, err := runAttempt(j)
		completed := time.Now().UTC()

		if err == nil {
			s.finish(j, Event{
				Type: EventDone, TaskID: j.spec.TaskID, AttemptID: attemptID,
				Attempt: attempt, RetryCount: retries,
				Status: model.TaskCompleted, Result: result,
				StartedAt: started, CompletedAt: completed,
			})
			return
		}

		kind := model.Classify(err)
		if kind == model.KindCancelled {
			s.finish(j, Event{
				Type: EventDone, TaskID: j.spec.TaskID, AttemptID: attemptID,
				Attempt: attempt, RetryCount: retries,
				Status: model.TaskCancelled, Kind: kind, Err: err.Error(),
				StartedAt: started, CompletedAt: completed,
			})
			return
		}

		if kind.Retryable() && retries < j.spec.MaxRetries {
			retries++
			j.events <- Event{
				Type: EventRetrying, TaskID: j.spec.TaskID, AttemptID: attemptID,
				Attempt: attempt, RetryCount: retries,
				Kind: kind, Err: err.Error(),
				StartedAt: started, CompletedAt: completed,
			}
			delay := RetryDelay(s.cfg.RetryDelay, s.cfg.MaxRetryDelay, retries)
			if !sleepWithContext(j.ctx, delay) {
				s.finish(j, Event{
					Type: EventDone, TaskID: j.spec.TaskID, AttemptID: attemptID,
					Attempt: attempt, RetryCount: retries,
					Status: model.TaskCancelled, Kind: model.KindCancelled,
					Err:       "cancelled during backoff",
					StartedAt: started, CompletedAt: time.Now().UTC(),
				})
				return
			}
			continue
		}

		s.finish(j, Event{
			Type: EventDone, TaskID: j.spec.TaskID, AttemptID: attemptID,
			Attempt: attempt, RetryCount: retries,
			Status: model.TaskFailed, Kind: kind, Err: err.Error(),
			StartedAt: started, CompletedAt: completed,
		})
		return
	}
}

// runAttempt executes one attempt under the task's timeout. The deadline is
// enforced even against a function that ignores its context: the worker stops
// waiting when it fires and reports TIMEOUT, leaving the runaway goroutine to
// finish into a buffered channel. Panics in the task function surface as
// INTERNAL failures instead of killing the worker.
func runAttempt(j *job) (any, error) {
	if j.spec.Timeout <= 0 {
		return nil, model.Timeoutf("task %s has no timeout budget", j.spec.TaskID)
	}
	actx, cancel := context.WithTimeout(j.ctx, j.spec.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: model.NewTaskError(model.KindInternal,
					fmt.Sprintf("task %s panicked: %v", j.spec.TaskID, r),
					errors.New(string(debug.Stack())))}
			}
		}()
		result, err := j.fn(actx, j.spec.Args)
		out <- outcome{result: result, err: err}
	}()

	select {
	case o := <-out:
		if o.err != nil {
			if j.ctx.Err() != nil {
				return nil, model.NewTaskError(model.KindCancelled, "attempt cancelled", o.err)
			}
			if errors.Is(actx.Err(), context.DeadlineExceeded) {
				return nil, model.NewTaskError(model.KindTimeout,
					fmt.Sprintf("attempt exceeded %s", j.spec.Timeout), o.err)
			}
		}
		return o.result, o.err
	case <-actx.Done():
		if j.ctx.Err() != nil {
			return nil, model.NewTaskError(model.KindCancelled, "attempt cancelled", j.ctx.Err())
		}
		return nil, model.NewTaskError(model.KindTimeout,
			fmt.Sprintf("attempt exceeded %s", j.spec.Timeout), context.DeadlineExceeded)
	}
}

func (s *Scheduler) setStatus(key string, st model.TaskStatus) {
	s.mu.Lock()
	s.statuses[key] = st
	s.mu.Unlock()
}

func (s *Scheduler) finish(j *job, ev Event) {
	key := j.spec.key()
	s.mu.Lock()
	if cancel, ok := s.cancels[key]; ok {
		delete(s.cancels, key)
		defer cancel()
	}
	s.statuses[key] = ev.Status
	s.mu.Unlock()
	j.events <- ev
}
