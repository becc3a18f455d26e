package engine

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/peptilab/peptiflow/internal/pipeline/fsutil"
)

// progressEvent appends one ndjson event to the workflow's progress feed in
// the state directory and forwards it to the optional in-process sink.
// Progress is advisory, so write failures are swallowed.
func (o *Orchestrator) progressEvent(workflowID, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any, 3)
	}
	fields["event"] = event
	fields["workflow_id"] = workflowID
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	if data, err := json.Marshal(fields); err == nil {
		path := filepath.Join(o.store.Dir(), workflowID+".progress.ndjson")
		_ = fsutil.AppendLine(path, data)
	}
	if o.ProgressSink != nil {
		o.ProgressSink(fields)
	}
}
