package review

import (
	"context"
	"fmt"
	"sync"

	"github.com/gulfara/cardsync/internal/srs"
)

type memoryStore struct {
	mu     sync.Mutex
	states map[string]srs.ReviewState
	// save, when set, persists the full state map after each change.
	save func(map[string]srs.ReviewState) error
	// acquire, when set, wraps each call, for example to lock and reload a
	// backing file.
	acquire func() (func(), error)
}

func NewMemoryStore() StateStore {
	return newMemoryStore()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: map[string]srs.ReviewState{}}
}

func (s *memoryStore) lock() (func(), error) {
	s.mu.Lock()
	if s.acquire == nil {
		return s.mu.Unlock, nil
	}
	release, err := s.acquire()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return func() {
		release()
		s.mu.Unlock()
	}, nil
}

func (s *memoryStore) Get(ctx context.Context, learnerID, cardID string) (srs.ReviewState, error) {
	if err := ctx.Err(); err != nil {
		return srs.ReviewState{}, err
	}
	unlock, err := s.lock()
	if err != nil {
		return srs.ReviewState{}, err
	}
	defer unlock()
	st, ok := s.states[stateKey(learnerID, cardID)]
	if !ok {
		return srs.ReviewState{}, fmt.Errorf("%w: %s/%s", ErrNotFound, learnerID, cardID)
	}
	return st, nil
}

func (s *memoryStore) Put(ctx context.Context, state srs.ReviewState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(state.LearnerID, state.CardID); err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("review: put: %w", err)
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	key := stateKey(state.LearnerID, state.CardID)
	prev, existed := s.states[key]
	s.states[key] = state
	if err := s.persist(); err != nil {
		if existed {
			s.states[key] = prev
		} else {
			delete(s.states, key)
		}
		return fmt.Errorf("review: put: %w", err)
	}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, learnerID, cardID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	key := stateKey(learnerID, cardID)
	prev, existed := s.states[key]
	if !existed {
		return nil
	}
	delete(s.states, key)
	if err := s.persist(); err != nil {
		s.states[key] = prev
		return fmt.Errorf("review: delete: %w", err)
	}
	return nil
}

func (s *memoryStore) List(ctx context.Context, learnerID string) ([]srs.ReviewState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := []srs.ReviewState{}
	for _, st := range s.states {
		if st.LearnerID == learnerID {
			out = append(out, st)
		}
	}
	sortStates(out)
	return out, nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) persist() error {
	if s.save == nil {
		return nil
	}
	return s.save(s.states)
}
