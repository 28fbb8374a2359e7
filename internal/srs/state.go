package srs

import (
	"fmt"
	"math"
	"time"
)

// Ease and interval bounds.
const (
	MinEase         = 1.3
	MaxEase         = 5.0
	InitialEase     = 2.5
	MaxIntervalDays = 36500
)

// ReviewState is the scheduling record for one (learner, card) pair.
type ReviewState struct {
	LearnerID      string    `json:"learner_id"`
	CardID         string    `json:"card_id"`
	Ease           float64   `json:"ease"`
	IntervalDays   int       `json:"interval_days"`
	Repetitions    int       `json:"repetitions"`
	LastReviewedAt time.Time `json:"last_reviewed_at"`
	NextReviewAt   time.Time `json:"next_review_at"`
	LastQuality    Quality   `json:"last_quality"`
}

// NewReviewState returns the record for a card seen for the first time.
// The card is due immediately.
func NewReviewState(learnerID, cardID string, now time.Time) ReviewState {
	return ReviewState{
		LearnerID:      learnerID,
		CardID:         cardID,
		Ease:           InitialEase,
		LastReviewedAt: now,
		NextReviewAt:   now,
	}
}

// IsNew reports whether the card has no successful review since its last lapse
// or since it was introduced.
func (s ReviewState) IsNew() bool {
	return s.Repetitions == 0
}

// IsDue reports whether the card should be reviewed at now.
func (s ReviewState) IsDue(now time.Time) bool {
	return !s.NextReviewAt.After(now)
}

// Validate checks the numeric invariants of the record.
func (s ReviewState) Validate() error {
	if math.IsNaN(s.Ease) || s.Ease < MinEase || s.Ease > MaxEase {
		return fmt.Errorf("%w: ease %v outside [%v, %v]", ErrInvalidState, s.Ease, MinEase, MaxEase)
	}
	if s.IntervalDays < 0 {
		return fmt.Errorf("%w: negative interval %d", ErrInvalidState, s.IntervalDays)
	}
	if s.Repetitions < 0 {
		return fmt.Errorf("%w: negative repetitions %d", ErrInvalidState, s.Repetitions)
	}
	if !s.LastQuality.IsValid() {
		return fmt.Errorf("%w: last quality %d", ErrInvalidState, int(s.LastQuality))
	}
	return nil
}
