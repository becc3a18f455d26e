package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleWorkflow() *model.WorkflowState {
	fetch := model.NewTask("fetch", "Fetch sequences", "exec.command")
	fetch.Args = map[string]any{"command": "fetch.sh", "protein": "P12345"}
	fetch.Status = model.TaskCompleted
	fetch.Result = map[string]any{"records": float64(12)}
	fetch.StartedAt = time.Now().UTC().Add(-time.Minute)
	fetch.CompletedAt = time.Now().UTC()

	align := model.NewTask("align", "Align", "exec.command")
	align.Dependencies = []string{"fetch"}
	align.RetryCount = 1
	align.Status = model.TaskRetrying
	align.Error = "TRANSIENT_IO: connection reset"
	align.ErrorKind = model.KindTransientIO

	w := model.NewWorkflowState("wf-123", "peptide-screen", []*model.Task{fetch, align})
	w.Status = model.WorkflowRunning
	w.StartedAt = time.Now().UTC().Add(-2 * time.Minute)
	w.Progress = 50
	w.Metadata = map[string]any{"protein": "P12345"}
	return w
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	w := sampleWorkflow()
	if err := s.Save(w); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load("wf-123")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatalf("Load returned nil for saved workflow")
	}
	if got.Status != model.WorkflowRunning || got.Name != "peptide-screen" {
		t.Fatalf("workflow fields: %+v", got)
	}
	if got.Progress != 50 {
		t.Fatalf("progress: got %v want 50", got.Progress)
	}

	align := got.Tasks["align"]
	if align == nil {
		t.Fatalf("align task missing")
	}
	if align.Status != model.TaskRetrying || align.RetryCount != 1 {
		t.Fatalf("align: %+v", align)
	}
	if align.ErrorKind != model.KindTransientIO {
		t.Fatalf("error kind: got %q", align.ErrorKind)
	}
	if align.Timeout != model.DefaultTaskTimeout {
		t.Fatalf("timeout: got %v want %v", align.Timeout, model.DefaultTaskTimeout)
	}
	if len(align.Dependencies) != 1 || align.Dependencies[0] != "fetch" {
		t.Fatalf("deps: %v", align.Dependencies)
	}

	fetch := got.Tasks["fetch"]
	if fetch.StartedAt.IsZero() || fetch.CompletedAt.IsZero() {
		t.Fatalf("fetch timestamps lost: %+v", fetch)
	}
}

func TestWireFormatFields(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(sampleWorkflow()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(), "wf-123.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["workflow_id"] != "wf-123" {
		t.Fatalf("workflow_id: %v", doc["workflow_id"])
	}
	if doc["status"] != "RUNNING" {
		t.Fatalf("status should be uppercase: %v", doc["status"])
	}
	tasks := doc["tasks"].(map[string]any)
	align := tasks["align"].(map[string]any)
	if align["status"] != "RETRYING" {
		t.Fatalf("task status: %v", align["status"])
	}
	if align["timeout_seconds"] != float64(3600) {
		t.Fatalf("timeout_seconds: %v", align["timeout_seconds"])
	}
	if align["error_kind"] != "TRANSIENT_IO" {
		t.Fatalf("error_kind: %v", align["error_kind"])
	}
	if _, ok := align["started_at"]; ok {
		t.Fatalf("unstarted task should omit started_at")
	}
	if _, err := time.Parse(time.RFC3339Nano, doc["created_at"].(string)); err != nil {
		t.Fatalf("created_at not RFC3339: %v", err)
	}
}

func TestLoadMissingIsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Load("nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing workflow")
	}
}

func TestLoadCorrupt(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.Dir(), "bad.json"), []byte("{trunc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := s.Load("bad")
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v want ErrCorrupt", err)
	}
}

func TestDeleteAbsentOK(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete("ghost"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"wf-b", "wf-a", "wf-c"} {
		w := model.NewWorkflowState(id, id, nil)
		if err := s.Save(w); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 3 || ids[0] != "wf-a" || ids[2] != "wf-c" {
		t.Fatalf("ids: %v", ids)
	}
}

func TestConcurrentSavesDistinctWorkflows(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("wf-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := model.NewWorkflowState(id, id, nil)
			for j := 0; j < 4; j++ {
				w.Progress = float64(j * 25)
				if err := s.Save(w); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent save: %v", err)
	}
	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 8 {
		t.Fatalf("got %d workflows want 8", len(ids))
	}
}
