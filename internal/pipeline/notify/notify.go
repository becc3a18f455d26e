// Package notify delivers terminal workflow failure notifications. Delivery
// is best effort: the engine sends at most one notification per failed
// workflow, and sink errors are reported back for logging, never retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

// Notification describes a workflow that reached FAILED. TaskID names the
// first task whose failure decided the outcome, when one exists.
type Notification struct {
	WorkflowID  string          `json:"workflow_id"`
	TaskID      string          `json:"task_id,omitempty"`
	Kind        model.ErrorKind `json:"kind"`
	Message     string          `json:"message"`
	Timestamp   time.Time       `json:"timestamp"`
	Diagnostics string          `json:"diagnostics,omitempty"`
}

// Sink receives failure notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes one ndjson line per notification.
type LogSink struct {
	mu sync.Mutex
	W  io.Writer
}

func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{W: w}
}

func (s *LogSink) Notify(_ context.Context, n Notification) error {
	line := map[string]any{
		"event":       "workflow_failure",
		"workflow_id": n.WorkflowID,
		"kind":        string(n.Kind),
		"message":     n.Message,
		"ts":          n.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if n.TaskID != "" {
		line["task_id"] = n.TaskID
	}
	if n.Diagnostics != "" {
		line["diagnostics"] = n.Diagnostics
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.W.Write(append(data, '\n'))
	return err
}

// WebhookSink POSTs the notification as JSON. Any non-2xx response is an
// error.
type WebhookSink struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Timeout: 10 * time.Second}
}

func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", s.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: status %d", s.URL, resp.StatusCode)
	}
	return nil
}

// MultiSink fans out to every sink and joins their errors. One sink failing
// never stops delivery to the others.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
