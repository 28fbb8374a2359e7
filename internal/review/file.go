package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gulfara/cardsync/internal/fsutil"
	"github.com/gulfara/cardsync/internal/srs"
)

type stateFile struct {
	States []srs.ReviewState `json:"states"`
}

// NewFileStore keeps states in a JSON file at path, rewritten atomically on
// every change. Processes sharing the file serialize on path+".lock".
func NewFileStore(path string) (StateStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("review: open %s: %w", path, err)
	}
	s := newMemoryStore()
	s.acquire = func() (func(), error) {
		release, err := fsutil.Lock(path + ".lock")
		if err != nil {
			return nil, fmt.Errorf("review: lock %s: %w", path, err)
		}
		states, err := loadStateFile(path)
		if err != nil {
			release()
			return nil, fmt.Errorf("review: load %s: %w", path, err)
		}
		s.states = states
		return release, nil
	}
	s.save = func(states map[string]srs.ReviewState) error {
		return saveStateFile(path, states)
	}
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	release()
	return s, nil
}

func loadStateFile(path string) (map[string]srs.ReviewState, error) {
	out := map[string]srs.ReviewState{}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	for _, st := range f.States {
		out[stateKey(st.LearnerID, st.CardID)] = st
	}
	return out, nil
}

func saveStateFile(path string, states map[string]srs.ReviewState) error {
	f := stateFile{States: make([]srs.ReviewState, 0, len(states))}
	for _, st := range states {
		f.States = append(f.States, st)
	}
	sortStates(f.States)
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}
