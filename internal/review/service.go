// Package review is the local side of studying: it grades reviews, keeps the
// learner's review states and queues every change for the remote store.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gulfara/cardsync/internal/ids"
	"github.com/gulfara/cardsync/internal/metrics"
	"github.com/gulfara/cardsync/internal/queue"
	"github.com/gulfara/cardsync/internal/srs"
)

type Service struct {
	states StateStore
	queue  queue.Queue
	policy srs.QualityPolicy
	now    func() time.Time
	notify func()

	// cardLocks holds one *sync.Mutex per stateKey.
	cardLocks sync.Map
}

type Option func(*Service)

// WithPolicy replaces the elapsed-time quality policy.
func WithPolicy(p srs.QualityPolicy) Option {
	return func(s *Service) {
		if p != nil {
			s.policy = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNotify registers fn to run after every successful enqueue, typically
// a sync coordinator's Trigger.
func WithNotify(fn func()) Option {
	return func(s *Service) {
		s.notify = fn
	}
}

func NewService(states StateStore, q queue.Queue, opts ...Option) (*Service, error) {
	if states == nil {
		return nil, fmt.Errorf("review: state store is required")
	}
	if q == nil {
		return nil, fmt.Errorf("review: queue is required")
	}
	s := &Service{
		states: states,
		queue:  q,
		policy: srs.ElapsedTimePolicy{},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Record grades outcome with the service's policy and applies it to the
// learner's state for outcome.CardID, creating the state on first review.
// The new state is queued for the remote store before it is stored locally;
// if the local write fails the queued action is withdrawn and the error
// returned. Reviews of the same card are applied one at a time.
func (s *Service) Record(ctx context.Context, learnerID string, outcome srs.ReviewOutcome) (srs.ReviewState, error) {
	return s.apply(ctx, learnerID, outcome.CardID, func(st srs.ReviewState, now time.Time) (srs.ReviewState, error) {
		return srs.ProcessReview(st, outcome, s.policy, now)
	})
}

// RecordQuality applies an explicit grade, bypassing the quality policy.
func (s *Service) RecordQuality(ctx context.Context, learnerID, cardID string, q srs.Quality) (srs.ReviewState, error) {
	return s.apply(ctx, learnerID, cardID, func(st srs.ReviewState, now time.Time) (srs.ReviewState, error) {
		return srs.ComputeNextState(st, q, now)
	})
}

func (s *Service) apply(ctx context.Context, learnerID, cardID string, step func(srs.ReviewState, time.Time) (srs.ReviewState, error)) (srs.ReviewState, error) {
	if err := validateKey(learnerID, cardID); err != nil {
		return srs.ReviewState{}, err
	}
	unlock := s.lockCard(learnerID, cardID)
	defer unlock()

	now := s.now().UTC()
	prev, err := s.states.Get(ctx, learnerID, cardID)
	switch {
	case errors.Is(err, ErrNotFound):
		prev = srs.NewReviewState(learnerID, cardID, now)
	case err != nil:
		return srs.ReviewState{}, err
	}

	next, err := step(prev, now)
	if err != nil {
		return srs.ReviewState{}, err
	}
	id, err := s.queue.Enqueue(ctx, queue.NewAction(queue.NewUpsertReviewState(next)))
	if err != nil {
		return srs.ReviewState{}, fmt.Errorf("review: queue update for %s/%s: %w", learnerID, cardID, err)
	}
	if err := s.states.Put(ctx, next); err != nil {
		storeErr := fmt.Errorf("review: store %s/%s: %w", learnerID, cardID, err)
		if rmErr := s.queue.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			return srs.ReviewState{}, errors.Join(storeErr, fmt.Errorf("review: withdraw queued action %d: %w", id, rmErr))
		}
		return srs.ReviewState{}, storeErr
	}
	s.notifyEnqueued()
	return next, nil
}

// lockCard serialises read-modify-write cycles on one learner's card.
func (s *Service) lockCard(learnerID, cardID string) func() {
	v, _ := s.cardLocks.LoadOrStore(stateKey(learnerID, cardID), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateDeck queues deck for the remote store and seeds a fresh review state
// for each of its cards the learner has not seen yet. An empty DeckID is
// replaced with a new ULID.
func (s *Service) CreateDeck(ctx context.Context, deck queue.CreateDeck) (queue.CreateDeck, error) {
	deck.LearnerID = strings.TrimSpace(deck.LearnerID)
	deck.Title = strings.TrimSpace(deck.Title)
	if deck.LearnerID == "" || deck.Title == "" {
		return queue.CreateDeck{}, fmt.Errorf("%w: deck needs a learner and a title", ErrInvalidInput)
	}
	now := s.now().UTC()
	if strings.TrimSpace(deck.DeckID) == "" {
		id, err := ids.New(now)
		if err != nil {
			return queue.CreateDeck{}, fmt.Errorf("review: deck id: %w", err)
		}
		deck.DeckID = id
	}
	if deck.CreatedAt.IsZero() {
		deck.CreatedAt = now
	}
	cardIDs := make([]string, 0, len(deck.CardIDs))
	seen := map[string]struct{}{}
	for _, id := range deck.CardIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cardIDs = append(cardIDs, id)
	}
	deck.CardIDs = cardIDs

	if _, err := s.queue.Enqueue(ctx, queue.NewAction(deck)); err != nil {
		return queue.CreateDeck{}, fmt.Errorf("review: queue deck %s: %w", deck.DeckID, err)
	}
	s.notifyEnqueued()

	for _, cardID := range deck.CardIDs {
		if err := s.seedCard(ctx, deck.LearnerID, cardID, now); err != nil {
			return deck, err
		}
	}
	return deck, nil
}

// seedCard stores a fresh state unless the learner already has one.
func (s *Service) seedCard(ctx context.Context, learnerID, cardID string, now time.Time) error {
	unlock := s.lockCard(learnerID, cardID)
	defer unlock()
	_, err := s.states.Get(ctx, learnerID, cardID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := s.states.Put(ctx, srs.NewReviewState(learnerID, cardID, now)); err != nil {
		return fmt.Errorf("review: seed card %s: %w", cardID, err)
	}
	return nil
}

// Due returns the learner's due cards, most overdue first.
func (s *Service) Due(ctx context.Context, learnerID string) ([]srs.ReviewState, error) {
	states, err := s.states.List(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	return metrics.SortByOverdue(states, s.now()), nil
}

func (s *Service) Session(ctx context.Context, learnerID string) (metrics.Session, error) {
	states, err := s.states.List(ctx, learnerID)
	if err != nil {
		return metrics.Session{}, err
	}
	return metrics.SessionEstimate(states, s.now()), nil
}

func (s *Service) Stats(ctx context.Context, learnerID string) (metrics.Stats, error) {
	states, err := s.states.List(ctx, learnerID)
	if err != nil {
		return metrics.Stats{}, err
	}
	return metrics.AggregateStats(states, s.now()), nil
}

// Preview shows the state each grade would produce for a card right now.
func (s *Service) Preview(ctx context.Context, learnerID, cardID string) (map[srs.Quality]srs.ReviewState, error) {
	if err := validateKey(learnerID, cardID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	st, err := s.states.Get(ctx, learnerID, cardID)
	if errors.Is(err, ErrNotFound) {
		st = srs.NewReviewState(learnerID, cardID, now)
	} else if err != nil {
		return nil, err
	}
	return srs.Preview(st, now)
}

func (s *Service) notifyEnqueued() {
	if s.notify != nil {
		s.notify()
	}
}
