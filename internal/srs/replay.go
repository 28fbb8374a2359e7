package srs

import (
	"fmt"
	"time"
)

// ReviewLog records one graded review so a state can be rebuilt later.
type ReviewLog struct {
	LearnerID  string    `json:"learner_id"`
	CardID     string    `json:"card_id"`
	Quality    Quality   `json:"quality"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// Preview returns the state that each possible quality would produce,
// so a caller can show the next interval on every answer button.
func Preview(state ReviewState, now time.Time) (map[Quality]ReviewState, error) {
	out := make(map[Quality]ReviewState, len(AllQualities))
	for _, q := range AllQualities {
		next, err := ComputeNextState(state, q, now)
		if err != nil {
			return nil, err
		}
		out[q] = next
	}
	return out, nil
}

// Replay re-applies logs to state in order and returns the result.
// Every log must belong to the state's card.
func Replay(state ReviewState, logs []ReviewLog) (ReviewState, error) {
	cur := state
	for i, l := range logs {
		if l.CardID != state.CardID {
			return ReviewState{}, fmt.Errorf("%w: log %d is for %q, state is %q", ErrCardMismatch, i, l.CardID, state.CardID)
		}
		next, err := ComputeNextState(cur, l.Quality, l.ReviewedAt)
		if err != nil {
			return ReviewState{}, fmt.Errorf("srs: replay log %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}
