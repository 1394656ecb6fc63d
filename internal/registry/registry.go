// Package registry persists the run id to workdir index (runs.json).
//
// Every mutation reads the whole document, applies the change and writes the
// whole document back atomically. An in-process mutex serialises goroutines
// and a file lock beside the document serialises processes.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"vidax/internal/fileutil"
	"vidax/internal/services"
)

const lockRetryDelay = 25 * time.Millisecond

// Entry is one registered run.
type Entry struct {
	RunID        string    `json:"-"`
	Workdir      string    `json:"workdir"`
	RegisteredAt time.Time `json:"registered_at,omitzero"`
}

// Registry reads and writes runs.json.
type Registry struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
	now  func() time.Time
}

// New returns a registry stored at path. The lock file sits next to it.
func New(path string) *Registry {
	lockPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".lock"
	return &Registry{
		path: path,
		lock: flock.New(lockPath),
		now:  time.Now,
	}
}

// Path returns the registry document location.
func (r *Registry) Path() string { return r.path }

// Register records (or refreshes) the workdir of runID.
func (r *Registry) Register(ctx context.Context, runID, workdir string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return services.New(services.CodeValidation, "run id is empty", nil)
	}
	return r.mutate(ctx, func(entries map[string]Entry) {
		entry := entries[runID]
		entry.Workdir = workdir
		if entry.RegisteredAt.IsZero() {
			entry.RegisteredAt = r.now().UTC()
		}
		entries[runID] = entry
	})
}

// Remove deletes runID from the registry. Missing ids are ignored.
func (r *Registry) Remove(ctx context.Context, runID string) error {
	return r.mutate(ctx, func(entries map[string]Entry) {
		delete(entries, runID)
	})
}

// Resolve returns the entry for runID.
func (r *Registry) Resolve(runID string) (Entry, bool, error) {
	entries, err := r.read()
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := entries[strings.TrimSpace(runID)]
	if ok {
		entry.RunID = runID
	}
	return entry, ok, nil
}

// List returns all entries, newest registration first.
func (r *Registry) List() ([]Entry, error) {
	entries, err := r.read()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for id, entry := range entries {
		entry.RunID = id
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.After(out[j].RegisteredAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

func (r *Registry) mutate(ctx context.Context, apply func(map[string]Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return services.Wrap(services.CodeOutputWriteFailed, "ensure state directory", err, nil)
	}
	locked, err := r.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return services.Wrap(services.CodeOutputWriteFailed, "acquire registry lock", err, map[string]any{"path": r.path})
	}
	defer func() { _ = r.lock.Unlock() }()

	entries, err := r.read()
	if err != nil {
		return err
	}
	apply(entries)
	if err := fileutil.WriteJSONAtomic(r.path, entries); err != nil {
		return services.Wrap(services.CodeOutputWriteFailed, "write run registry", err, map[string]any{"path": r.path})
	}
	return nil
}

// read loads the document. A missing, empty or corrupt file reads as empty.
func (r *Registry) read() (map[string]Entry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if fileutil.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("read run registry: %w", err)
	}
	entries := map[string]Entry{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return map[string]Entry{}, nil
	}
	return entries, nil
}
