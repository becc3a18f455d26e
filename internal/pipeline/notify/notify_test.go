package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

func sample() Notification {
	return Notification{
		WorkflowID:  "wf-1",
		TaskID:      "dock",
		Kind:        model.KindTransientIO,
		Message:     "retries exhausted",
		Timestamp:   time.Now().UTC(),
		Diagnostics: "connection reset by peer",
	}
}

func TestLogSinkWritesNDJSON(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(&buf)
	if err := s.Notify(context.Background(), sample()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := s.Notify(context.Background(), sample()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines want 2", len(lines))
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &line); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if line["event"] != "workflow_failure" || line["workflow_id"] != "wf-1" {
		t.Fatalf("line: %v", line)
	}
	if line["kind"] != "TRANSIENT_IO" || line["task_id"] != "dock" {
		t.Fatalf("line: %v", line)
	}
}

func TestWebhookSinkPosts(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	if err := s.Notify(context.Background(), sample()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.WorkflowID != "wf-1" || got.Kind != model.KindTransientIO {
		t.Fatalf("payload: %+v", got)
	}
}

func TestWebhookSinkNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	if err := s.Notify(context.Background(), sample()); err == nil {
		t.Fatalf("expected error for 502")
	}
}

type failingSink struct{ err error }

func (f failingSink) Notify(context.Context, Notification) error { return f.err }

func TestMultiSinkDeliversToAllDespiteFailure(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("sink down")
	m := MultiSink{failingSink{boom}, NewLogSink(&buf)}

	err := m.Notify(context.Background(), sample())
	if !errors.Is(err, boom) {
		t.Fatalf("got %v want wrapped sink error", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("second sink should still receive the notification")
	}
}
