// Package state persists workflow snapshots as one JSON document per
// workflow id. Writes go through a temp-file rename, so a crash mid-save
// leaves the previous snapshot intact rather than a torn file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nightlyone/lockfile"

	"github.com/peptilab/peptiflow/internal/pipeline/fsutil"
	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

// ErrCorrupt marks a state file that exists but cannot be decoded. Callers
// distinguish it from plain absence, which Load reports as (nil, nil).
var ErrCorrupt = errors.New("corrupt workflow state")

const lockName = "state.lock"

// Store owns a state directory. A process-level lockfile guards the
// directory against a second process; per-workflow mutexes serialize saves
// of the same workflow while distinct workflows save concurrently.
type Store struct {
	dir  string
	flck lockfile.Lockfile

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore opens (creating if needed) the state directory and acquires its
// lockfile. A directory already locked by a live process is an error.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir state dir: %w", err)
	}
	flck, err := lockfile.New(filepath.Join(abs, lockName))
	if err != nil {
		return nil, fmt.Errorf("init state lock: %w", err)
	}
	if err := flck.TryLock(); err != nil {
		return nil, fmt.Errorf("lock state dir %s: %w", abs, err)
	}
	return &Store{
		dir:   abs,
		flck:  flck,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the absolute state directory.
func (s *Store) Dir() string { return s.dir }

// Close releases the directory lockfile.
func (s *Store) Close() error {
	return s.flck.Unlock()
}

func (s *Store) path(workflowID string) string {
	return filepath.Join(s.dir, workflowID+".json")
}

func (s *Store) lockFor(workflowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[workflowID] = l
	}
	return l
}

// Save persists the workflow snapshot atomically. Saves of the same
// workflow are serialized; saves of different workflows are not.
func (s *Store) Save(w *model.WorkflowState) error {
	if w == nil || w.WorkflowID == "" {
		return fmt.Errorf("save: missing workflow id")
	}
	l := s.lockFor(w.WorkflowID)
	l.Lock()
	defer l.Unlock()
	return fsutil.WriteJSONAtomic(s.path(w.WorkflowID), encodeWorkflow(w))
}

// Load reads one workflow. A missing file returns (nil, nil); an unreadable
// or undecodable file returns an error wrapping ErrCorrupt.
func (s *Store) Load(workflowID string) (*model.WorkflowState, error) {
	data, err := os.ReadFile(s.path(workflowID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state for %s: %w", workflowID, err)
	}
	var doc workflowDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, workflowID, err)
	}
	w, err := decodeWorkflow(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, workflowID, err)
	}
	return w, nil
}

// Delete removes a workflow's state. Deleting an absent workflow is not an
// error.
func (s *Store) Delete(workflowID string) error {
	l := s.lockFor(workflowID)
	l.Lock()
	defer l.Unlock()
	if err := os.Remove(s.path(workflowID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete state for %s: %w", workflowID, err)
	}
	return nil
}

// List returns the ids of all persisted workflows, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list state dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
