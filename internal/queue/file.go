package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gulfara/cardsync/internal/fsutil"
)

// NewFileQueue opens the JSON snapshot queue stored at path, creating it on
// first write. Every mutation rewrites the snapshot through a synced
// temporary file and a rename, so a crash leaves either the old or the new
// snapshot on disk.
//
// Several processes may share one file: each operation holds an advisory
// lock on path+".lock" and rereads the snapshot first.
func NewFileQueue(path string, opts ...Option) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	q := newMemoryQueue(buildOptions(opts))
	q.acquire = func() (func(), error) {
		release, err := fsutil.Lock(path + ".lock")
		if err != nil {
			return nil, fmt.Errorf("queue: lock %s: %w", path, err)
		}
		if err := loadSnapshot(path, q); err != nil {
			release()
			return nil, fmt.Errorf("queue: load %s: %w", path, err)
		}
		return release, nil
	}
	q.save = func(s queueSnapshot) error {
		return saveSnapshot(path, s)
	}
	// Fail fast on an unreadable snapshot.
	release, err := q.acquire()
	if err != nil {
		return nil, err
	}
	release()
	return q, nil
}

// loadSnapshot replaces the state of q with the snapshot at path. A missing
// or empty file keeps the ID counter and clears the rest.
func loadSnapshot(path string, q *memoryQueue) error {
	var snapshot queueSnapshot
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		snapshot.NextID = q.nextID
	case err != nil:
		return err
	case len(strings.TrimSpace(string(data))) == 0:
		snapshot.NextID = q.nextID
	default:
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return err
		}
	}
	// Recompute the floor for the next ID so a hand-edited snapshot cannot
	// make IDs go backwards.
	next := snapshot.NextID
	for _, item := range snapshot.Items {
		if item.ID >= next {
			next = item.ID + 1
		}
	}
	for _, d := range snapshot.DeadLetters {
		if d.ID >= next {
			next = d.ID + 1
		}
	}
	if next < 1 {
		next = 1
	}
	q.nextID = next
	q.items = snapshot.Items
	if q.items == nil {
		q.items = []QueuedAction{}
	}
	q.dead = snapshot.DeadLetters
	if q.dead == nil {
		q.dead = []DeadLetter{}
	}
	return nil
}

func saveSnapshot(path string, s queueSnapshot) error {
	if s.Items == nil {
		s.Items = []QueuedAction{}
	}
	if s.DeadLetters == nil {
		s.DeadLetters = []DeadLetter{}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}
