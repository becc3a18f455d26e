package engine

import (
	"time"

	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

// normalizeForResume rewinds the in-flight residue a crash or pause leaves
// behind. Decided tasks stay decided; a task caught RUNNING never completed,
// so it re-runs from scratch; a task caught RETRYING goes back to PENDING
// but keeps the retries it already consumed.
func normalizeForResume(w *model.WorkflowState) {
	for _, t := range w.Tasks {
		switch t.Status {
		case model.TaskRunning:
			t.Status = model.TaskPending
			t.StartedAt = time.Time{}
		case model.TaskRetrying:
			t.Status = model.TaskPending
		}
	}
}
