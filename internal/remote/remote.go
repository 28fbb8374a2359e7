// Package remote talks to the authoritative store that queued actions are
// applied to. Every write is an idempotent upsert keyed by the action's
// natural identity, so replaying an action after a lost acknowledgement
// leaves the store unchanged.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gulfara/cardsync/internal/queue"
)

var (
	// ErrRejected means the store refused the payload itself. Retrying the
	// same payload cannot succeed.
	ErrRejected = errors.New("remote: rejected")
	ErrNotFound = errors.New("remote: not found")
)

// Store applies queued actions.
type Store interface {
	UpsertReviewState(ctx context.Context, p queue.UpsertReviewState, idempotencyKey string) error
	CreateDeck(ctx context.Context, p queue.CreateDeck, idempotencyKey string) error
}

// Pinger checks connectivity to the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reader reads back applied state.
type Reader interface {
	GetReviewState(ctx context.Context, learnerID, cardID string) (queue.UpsertReviewState, error)
	GetDeck(ctx context.Context, learnerID, deckID string) (queue.CreateDeck, error)
}

// Apply dispatches a decoded payload to the matching Store method.
func Apply(ctx context.Context, s Store, p queue.Payload, idempotencyKey string) error {
	switch v := p.(type) {
	case queue.UpsertReviewState:
		return s.UpsertReviewState(ctx, v, idempotencyKey)
	case *queue.UpsertReviewState:
		return s.UpsertReviewState(ctx, *v, idempotencyKey)
	case queue.CreateDeck:
		return s.CreateDeck(ctx, v, idempotencyKey)
	case *queue.CreateDeck:
		return s.CreateDeck(ctx, *v, idempotencyKey)
	default:
		return fmt.Errorf("%w: %T", queue.ErrUnknownKind, p)
	}
}

// HTTPError is a non-2xx response from the HTTP store.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps client errors about the payload to ErrRejected and 404 to
// ErrNotFound. Auth failures, timeouts and throttling stay retryable.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRejected:
		switch e.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
			http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return e.StatusCode >= 400 && e.StatusCode <= 499
	}
	return false
}

func validateUpsert(p queue.UpsertReviewState) error {
	if p.LearnerID == "" || p.CardID == "" {
		return fmt.Errorf("%w: review state needs learner and card ids", ErrRejected)
	}
	if err := p.ReviewState().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

func validateDeck(p queue.CreateDeck) error {
	if p.LearnerID == "" || p.DeckID == "" {
		return fmt.Errorf("%w: deck needs learner and deck ids", ErrRejected)
	}
	if p.Title == "" {
		return fmt.Errorf("%w: deck needs a title", ErrRejected)
	}
	return nil
}
