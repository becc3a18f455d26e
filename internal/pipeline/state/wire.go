package state

import (
	"fmt"
	"time"

	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

// workflowDoc is the persisted JSON form of a workflow. Status strings are
// uppercase, timestamps RFC3339Nano, and task timeouts plain seconds, so
// files survive round trips across tooling in other languages.
type workflowDoc struct {
	WorkflowID  string             `json:"workflow_id"`
	Name        string             `json:"name"`
	Status      string             `json:"status"`
	Tasks       map[string]taskDoc `json:"tasks"`
	CreatedAt   string             `json:"created_at"`
	StartedAt   string             `json:"started_at,omitempty"`
	CompletedAt string             `json:"completed_at,omitempty"`
	Progress    float64            `json:"progress"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

type taskDoc struct {
	TaskID         string         `json:"task_id"`
	Name           string         `json:"name"`
	Function       string         `json:"function"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	Dependencies   []string       `json:"dependencies"`
	Status         string         `json:"status"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
	Error          string         `json:"error,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	Result         any            `json:"result,omitempty"`
	CreatedAt      string         `json:"created_at"`
	StartedAt      string         `json:"started_at,omitempty"`
	CompletedAt    string         `json:"completed_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func encodeWorkflow(w *model.WorkflowState) workflowDoc {
	doc := workflowDoc{
		WorkflowID:  w.WorkflowID,
		Name:        w.Name,
		Status:      string(w.Status),
		Tasks:       make(map[string]taskDoc, len(w.Tasks)),
		CreatedAt:   encodeTime(w.CreatedAt),
		StartedAt:   encodeTimeOmit(w.StartedAt),
		CompletedAt: encodeTimeOmit(w.CompletedAt),
		Progress:    w.Progress,
		Metadata:    w.Metadata,
	}
	for id, t := range w.Tasks {
		doc.Tasks[id] = taskDoc{
			TaskID:         t.ID,
			Name:           t.Name,
			Function:       t.FunctionRef,
			Arguments:      t.Args,
			Dependencies:   emptyIfNil(t.Dependencies),
			Status:         string(t.Status),
			RetryCount:     t.RetryCount,
			MaxRetries:     t.MaxRetries,
			TimeoutSeconds: t.Timeout.Seconds(),
			Error:          t.Error,
			ErrorKind:      string(t.ErrorKind),
			Result:         t.Result,
			CreatedAt:      encodeTime(t.CreatedAt),
			StartedAt:      encodeTimeOmit(t.StartedAt),
			CompletedAt:    encodeTimeOmit(t.CompletedAt),
			Metadata:       t.Metadata,
		}
	}
	return doc
}

func decodeWorkflow(doc workflowDoc) (*model.WorkflowState, error) {
	status, err := model.ParseWorkflowStatus(doc.Status)
	if err != nil {
		return nil, err
	}
	w := &model.WorkflowState{
		WorkflowID: doc.WorkflowID,
		Name:       doc.Name,
		Status:     status,
		Tasks:      make(map[string]*model.Task, len(doc.Tasks)),
		Progress:   doc.Progress,
		Metadata:   doc.Metadata,
	}
	if w.CreatedAt, err = decodeTime(doc.CreatedAt); err != nil {
		return nil, fmt.Errorf("workflow created_at: %w", err)
	}
	if w.StartedAt, err = decodeTimeOmit(doc.StartedAt); err != nil {
		return nil, fmt.Errorf("workflow started_at: %w", err)
	}
	if w.CompletedAt, err = decodeTimeOmit(doc.CompletedAt); err != nil {
		return nil, fmt.Errorf("workflow completed_at: %w", err)
	}

	for id, td := range doc.Tasks {
		ts, err := model.ParseTaskStatus(td.Status)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		t := &model.Task{
			ID:           td.TaskID,
			Name:         td.Name,
			FunctionRef:  td.Function,
			Args:         td.Arguments,
			Dependencies: td.Dependencies,
			RetryCount:   td.RetryCount,
			MaxRetries:   td.MaxRetries,
			Timeout:      time.Duration(td.TimeoutSeconds * float64(time.Second)),
			Status:       ts,
			Result:       td.Result,
			Error:        td.Error,
			Metadata:     td.Metadata,
		}
		if td.ErrorKind != "" {
			kind, err := model.ParseErrorKind(td.ErrorKind)
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", id, err)
			}
			t.ErrorKind = kind
		}
		if t.CreatedAt, err = decodeTime(td.CreatedAt); err != nil {
			return nil, fmt.Errorf("task %s created_at: %w", id, err)
		}
		if t.StartedAt, err = decodeTimeOmit(td.StartedAt); err != nil {
			return nil, fmt.Errorf("task %s started_at: %w", id, err)
		}
		if t.CompletedAt, err = decodeTimeOmit(td.CompletedAt); err != nil {
			return nil, fmt.Errorf("task %s completed_at: %w", id, err)
		}
		w.Tasks[id] = t
	}
	return w, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimeOmit(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return encodeTime(t)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// RFC3339Nano rejects plain second precision in some producers'
		// output; fall back before failing.
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

func decodeTimeOmit(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return decodeTime(s)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
