package srs

import (
	"fmt"
	"math"
	"time"
)

// ReviewOutcome is the raw result of presenting a card to a learner.
type ReviewOutcome struct {
	CardID        string `json:"card_id"`
	Correct       bool   `json:"correct"`
	ElapsedMillis int64  `json:"elapsed_millis"`
}

// Validate rejects outcomes that cannot be graded.
func (o ReviewOutcome) Validate() error {
	if o.ElapsedMillis < 0 {
		return fmt.Errorf("%w: negative elapsed time %dms", ErrInvalidOutcome, o.ElapsedMillis)
	}
	return nil
}

// QualityPolicy maps a raw review outcome to an SM-2 quality grade.
type QualityPolicy interface {
	Quality(outcome ReviewOutcome) (Quality, error)
}

// QualityPolicyFunc adapts a function to QualityPolicy.
type QualityPolicyFunc func(outcome ReviewOutcome) (Quality, error)

// Quality implements QualityPolicy.
func (f QualityPolicyFunc) Quality(outcome ReviewOutcome) (Quality, error) {
	return f(outcome)
}

// ElapsedTimePolicy grades correct answers by response time: five points
// minus one per ten seconds, floored at 1 so any correct answer still counts
// as progress. Incorrect answers always grade 0.
//
// The constants are a heuristic, not derived from learning data. Swap the
// policy rather than tuning the scheduler when a better signal exists.
type ElapsedTimePolicy struct{}

// Quality implements QualityPolicy.
func (ElapsedTimePolicy) Quality(outcome ReviewOutcome) (Quality, error) {
	if err := outcome.Validate(); err != nil {
		return 0, err
	}
	if !outcome.Correct {
		return QualityBlackout, nil
	}
	elapsedSeconds := float64(outcome.ElapsedMillis) / 1000
	score := math.Round(5 - elapsedSeconds/10)
	return Quality(math.Min(math.Max(score, 1), 5)), nil
}

// Advisor optionally refines the grade of a correct answer, for example from
// an external difficulty model. ok=false means no advice.
type Advisor interface {
	Advise(outcome ReviewOutcome, derived Quality) (advised Quality, ok bool)
}

// WithAdvisor wraps policy so an advisor can override the grade of correct
// answers. Advice outside [1, 5] is ignored and incorrect answers are never
// upgraded. A nil advisor returns policy unchanged.
func WithAdvisor(policy QualityPolicy, advisor Advisor) QualityPolicy {
	if policy == nil {
		policy = ElapsedTimePolicy{}
	}
	if advisor == nil {
		return policy
	}
	return QualityPolicyFunc(func(outcome ReviewOutcome) (Quality, error) {
		derived, err := policy.Quality(outcome)
		if err != nil {
			return 0, err
		}
		if !outcome.Correct {
			return derived, nil
		}
		advised, ok := advisor.Advise(outcome, derived)
		if !ok || advised < QualityIncorrect || advised > QualityPerfect {
			return derived, nil
		}
		return advised, nil
	})
}

// ProcessReview grades outcome with policy and applies it to state.
// A nil policy uses ElapsedTimePolicy.
func ProcessReview(state ReviewState, outcome ReviewOutcome, policy QualityPolicy, now time.Time) (ReviewState, error) {
	if outcome.CardID != "" && outcome.CardID != state.CardID {
		return ReviewState{}, fmt.Errorf("%w: state %q, outcome %q", ErrCardMismatch, state.CardID, outcome.CardID)
	}
	if policy == nil {
		policy = ElapsedTimePolicy{}
	}
	q, err := policy.Quality(outcome)
	if err != nil {
		return ReviewState{}, err
	}
	return ComputeNextState(state, q, now)
}
