package remote

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gulfara/cardsync/internal/queue"
)

// Call records one write received by a MemoryStore.
type Call struct {
	Kind           queue.Kind
	LearnerID      string
	ID             string
	IdempotencyKey string
}

// MemoryStore is an in-process Store, Reader and Pinger. Tests use SetFault
// to make chosen calls fail.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]queue.UpsertReviewState
	decks  map[string]queue.CreateDeck
	calls  []Call
	fault  func(Call) error
	down   error
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Reader = (*MemoryStore)(nil)
	_ Pinger = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: map[string]queue.UpsertReviewState{},
		decks:  map[string]queue.CreateDeck{},
	}
}

// SetFault installs fn to decide the outcome of each write before it is
// applied. A nil fn clears it.
func (s *MemoryStore) SetFault(fn func(Call) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// SetDown makes Ping and every write fail with err until called with nil.
func (s *MemoryStore) SetDown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = err
}

// UpsertReviewState stores p unless the stored record was reviewed later,
// which keeps a replayed older action from rolling state back.
func (s *MemoryStore) UpsertReviewState(ctx context.Context, p queue.UpsertReviewState, idempotencyKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(Call{Kind: queue.KindUpsertReviewState, LearnerID: p.LearnerID, ID: p.CardID, IdempotencyKey: idempotencyKey}); err != nil {
		return err
	}
	if err := validateUpsert(p); err != nil {
		return err
	}
	key := p.LearnerID + "\x00" + p.CardID
	if cur, ok := s.states[key]; ok && cur.LastReviewedAt.After(p.LastReviewedAt) {
		return nil
	}
	s.states[key] = p
	return nil
}

// CreateDeck stores p the first time a deck id is seen. Later calls for the
// same deck are acknowledged without changes.
func (s *MemoryStore) CreateDeck(ctx context.Context, p queue.CreateDeck, idempotencyKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(Call{Kind: queue.KindCreateDeck, LearnerID: p.LearnerID, ID: p.DeckID, IdempotencyKey: idempotencyKey}); err != nil {
		return err
	}
	if err := validateDeck(p); err != nil {
		return err
	}
	key := p.LearnerID + "\x00" + p.DeckID
	if _, ok := s.decks[key]; ok {
		return nil
	}
	p.CardIDs = slices.Clone(p.CardIDs)
	s.decks[key] = p
	return nil
}

func (s *MemoryStore) GetReviewState(ctx context.Context, learnerID, cardID string) (queue.UpsertReviewState, error) {
	if err := ctx.Err(); err != nil {
		return queue.UpsertReviewState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.states[learnerID+"\x00"+cardID]
	if !ok {
		return queue.UpsertReviewState{}, fmt.Errorf("%w: review state %s/%s", ErrNotFound, learnerID, cardID)
	}
	return p, nil
}

func (s *MemoryStore) GetDeck(ctx context.Context, learnerID, deckID string) (queue.CreateDeck, error) {
	if err := ctx.Err(); err != nil {
		return queue.CreateDeck{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.decks[learnerID+"\x00"+deckID]
	if !ok {
		return queue.CreateDeck{}, fmt.Errorf("%w: deck %s/%s", ErrNotFound, learnerID, deckID)
	}
	p.CardIDs = slices.Clone(p.CardIDs)
	return p, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

// Calls returns every write received so far, failed ones included.
func (s *MemoryStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// ReviewStateCount returns the number of stored review states.
func (s *MemoryStore) ReviewStateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *MemoryStore) admitLocked(c Call) error {
	s.calls = append(s.calls, c)
	if s.down != nil {
		return s.down
	}
	if s.fault != nil {
		return s.fault(c)
	}
	return nil
}
