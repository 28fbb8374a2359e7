package srs

import (
	"fmt"
	"math"
	"time"
)

// Lapse and graduation constants of the SM-2 variant.
const (
	lapseEasePenalty   = 0.2
	firstIntervalDays  = 1
	secondIntervalDays = 6
	lapseIntervalDays  = 1
)

// ComputeNextState returns the scheduling record after a review graded with
// quality at time now. The input state is not modified.
//
// On recall (quality >= 3) the ease moves by
// 0.1 - (5-q)*(0.08 + (5-q)*0.02) and the interval steps 1, 6, then grows by
// the new ease. On a lapse the ease drops by 0.2 and the card restarts at a
// one day interval. Ease is kept within [MinEase, MaxEase].
func ComputeNextState(state ReviewState, quality Quality, now time.Time) (ReviewState, error) {
	if !quality.IsValid() {
		return ReviewState{}, fmt.Errorf("%w: %d", ErrInvalidQuality, int(quality))
	}
	if err := state.Validate(); err != nil {
		return ReviewState{}, err
	}

	next := state
	if quality.IsRecall() {
		next.Ease = clampEase(state.Ease + easeDelta(quality))
		next.IntervalDays = recallInterval(state, next.Ease)
		next.Repetitions = state.Repetitions + 1
	} else {
		next.Ease = clampEase(state.Ease - lapseEasePenalty)
		next.IntervalDays = lapseIntervalDays
		next.Repetitions = 0
	}

	next.LastReviewedAt = now
	next.NextReviewAt = now.AddDate(0, 0, next.IntervalDays)
	next.LastQuality = quality
	return next, nil
}

// easeDelta is the SM-2 ease adjustment for a successful recall.
func easeDelta(q Quality) float64 {
	miss := float64(QualityPerfect - q)
	return 0.1 - miss*(0.08+miss*0.02)
}

func recallInterval(state ReviewState, newEase float64) int {
	switch state.Repetitions {
	case 0:
		return firstIntervalDays
	case 1:
		return secondIntervalDays
	}
	ivl := math.Round(float64(state.IntervalDays) * newEase)
	switch {
	case ivl < firstIntervalDays:
		// Only reachable from imported records with a zero interval.
		return firstIntervalDays
	case ivl > MaxIntervalDays:
		return MaxIntervalDays
	}
	return int(ivl)
}

func clampEase(e float64) float64 {
	return math.Min(math.Max(e, MinEase), MaxEase)
}
