package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gulfara/cardsync/internal/ids"
	"github.com/gulfara/cardsync/internal/srs"
)

// Kind names an action variant. The set is closed.
type Kind string

const (
	KindUpsertReviewState Kind = "upsert_review_state"
	KindCreateDeck        Kind = "create_deck"
)

// Kinds lists every action kind.
var Kinds = []Kind{KindUpsertReviewState, KindCreateDeck}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindUpsertReviewState, KindCreateDeck:
		return true
	}
	return false
}

// Payload is implemented only by the action variants in this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

// UpsertReviewState carries the full scheduling record for one
// (learner, card) pair. Applying it twice leaves the remote store unchanged.
type UpsertReviewState struct {
	LearnerID      string      `json:"learner_id"`
	CardID         string      `json:"card_id"`
	Ease           float64     `json:"ease"`
	IntervalDays   int         `json:"interval_days"`
	Repetitions    int         `json:"repetitions"`
	LastReviewedAt time.Time   `json:"last_reviewed_at"`
	NextReviewAt   time.Time   `json:"next_review_at"`
	LastQuality    srs.Quality `json:"last_quality"`
}

// NewUpsertReviewState builds the payload for s.
func NewUpsertReviewState(s srs.ReviewState) UpsertReviewState {
	return UpsertReviewState{
		LearnerID:      s.LearnerID,
		CardID:         s.CardID,
		Ease:           s.Ease,
		IntervalDays:   s.IntervalDays,
		Repetitions:    s.Repetitions,
		LastReviewedAt: s.LastReviewedAt,
		NextReviewAt:   s.NextReviewAt,
		LastQuality:    s.LastQuality,
	}
}

// ReviewState converts the payload back into a scheduling record.
func (p UpsertReviewState) ReviewState() srs.ReviewState {
	return srs.ReviewState{
		LearnerID:      p.LearnerID,
		CardID:         p.CardID,
		Ease:           p.Ease,
		IntervalDays:   p.IntervalDays,
		Repetitions:    p.Repetitions,
		LastReviewedAt: p.LastReviewedAt,
		NextReviewAt:   p.NextReviewAt,
		LastQuality:    p.LastQuality,
	}
}

func (UpsertReviewState) Kind() Kind { return KindUpsertReviewState }
func (UpsertReviewState) isPayload() {}

// CreateDeck records a new deck owned by a learner.
type CreateDeck struct {
	DeckID      string    `json:"deck_id"`
	LearnerID   string    `json:"learner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CardIDs     []string  `json:"card_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

func (CreateDeck) Kind() Kind { return KindCreateDeck }
func (CreateDeck) isPayload() {}

// Action is a unit of local change waiting to be applied remotely.
type Action struct {
	Kind    Kind
	Payload Payload
}

// NewAction wraps p with its kind.
func NewAction(p Payload) Action {
	if p == nil {
		return Action{}
	}
	return Action{Kind: p.Kind(), Payload: p}
}

// QueuedAction is an action as stored by a queue backend.
type QueuedAction struct {
	ID             int64           `json:"id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Attempts       int             `json:"attempts"`
	PoisonAttempts int             `json:"poison_attempts,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// DeadLetter is an action set aside after repeated poison failures.
type DeadLetter struct {
	QueuedAction
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// prepare validates a and renders everything but the ID.
func prepare(a Action, now time.Time) (QueuedAction, error) {
	if a.Payload == nil {
		return QueuedAction{}, fmt.Errorf("%w: missing payload", ErrInvalidAction)
	}
	if a.Kind == "" {
		a.Kind = a.Payload.Kind()
	}
	if a.Kind != a.Payload.Kind() {
		return QueuedAction{}, fmt.Errorf("%w: kind %q does not match %T", ErrInvalidAction, a.Kind, a.Payload)
	}
	if d, ok := a.Payload.(CreateDeck); ok && d.CardIDs == nil {
		d.CardIDs = []string{}
		a.Payload = d
	}
	raw, err := json.Marshal(a.Payload)
	if err != nil {
		return QueuedAction{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if err := validatePayload(a.Kind, raw); err != nil {
		return QueuedAction{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	key, err := ids.New(now)
	if err != nil {
		return QueuedAction{}, fmt.Errorf("%w: idempotency key: %v", ErrInvalidAction, err)
	}
	return QueuedAction{
		Kind:           a.Kind,
		Payload:        raw,
		EnqueuedAt:     now.UTC(),
		IdempotencyKey: key,
	}, nil
}

func cloneAction(a QueuedAction) QueuedAction {
	a.Payload = append(json.RawMessage(nil), a.Payload...)
	return a
}

func cloneDeadLetter(d DeadLetter) DeadLetter {
	d.QueuedAction = cloneAction(d.QueuedAction)
	return d
}

func normalizeReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "unspecified"
	}
	return reason
}
