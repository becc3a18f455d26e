package model

import (
	"fmt"
	"strings"
)

// TaskStatus is the lifecycle state of a single task. The persisted form is
// always the uppercase canonical value.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskRetrying  TaskStatus = "RETRYING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return TaskPending, nil
	case "RUNNING":
		return TaskRunning, nil
	case "RETRYING":
		return TaskRetrying, nil
	case "COMPLETED":
		return TaskCompleted, nil
	case "FAILED":
		return TaskFailed, nil
	case "CANCELLED", "CANCELED":
		return TaskCancelled, nil
	default:
		return "", fmt.Errorf("invalid task status: %q", s)
	}
}

func (s TaskStatus) Valid() bool {
	_, err := ParseTaskStatus(string(s))
	return err == nil
}

// Terminal reports whether the task has reached a decided state that execution
// will never revisit.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// WorkflowStatus is the lifecycle state of a whole workflow.
type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "CREATED"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowPaused    WorkflowStatus = "PAUSED"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

func ParseWorkflowStatus(s string) (WorkflowStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATED":
		return WorkflowCreated, nil
	case "RUNNING":
		return WorkflowRunning, nil
	case "PAUSED":
		return WorkflowPaused, nil
	case "COMPLETED":
		return WorkflowCompleted, nil
	case "FAILED":
		return WorkflowFailed, nil
	case "CANCELLED", "CANCELED":
		return WorkflowCancelled, nil
	default:
		return "", fmt.Errorf("invalid workflow status: %q", s)
	}
}

func (s WorkflowStatus) Valid() bool {
	_, err := ParseWorkflowStatus(string(s))
	return err == nil
}

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}
