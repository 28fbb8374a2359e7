// Package metrics derives read-only learning figures from review states:
// due and new card selection, per-card difficulty and mastery, session
// estimates and aggregate statistics. Nothing here mutates its inputs.
package metrics

import (
	"math"
	"slices"
	"time"

	"github.com/gulfara/cardsync/internal/srs"
)

// DefaultNewCardLimit is the number of unseen cards offered per session.
const DefaultNewCardLimit = 5

const (
	masteredRepetitions = 5
	masteredEase        = 2.5
	retentionWindow     = 7 * 24 * time.Hour
)

// DueCards returns the states whose next review is at or before now, in
// input order.
func DueCards(states []srs.ReviewState, now time.Time) []srs.ReviewState {
	var out []srs.ReviewState
	for _, s := range states {
		if s.IsDue(now) {
			out = append(out, s)
		}
	}
	return out
}

// SortByOverdue returns the due states ordered most overdue first. Ties keep
// input order.
func SortByOverdue(states []srs.ReviewState, now time.Time) []srs.ReviewState {
	due := DueCards(states, now)
	slices.SortStableFunc(due, func(a, b srs.ReviewState) int {
		return a.NextReviewAt.Compare(b.NextReviewAt)
	})
	return due
}

// NewCards returns up to limit states that have no successful repetition,
// in input order. A limit of zero or less selects nothing.
func NewCards(states []srs.ReviewState, limit int) []srs.ReviewState {
	if limit <= 0 {
		return nil
	}
	var out []srs.ReviewState
	for _, s := range states {
		if s.Repetitions != 0 {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Difficulty rates a card from 1 (easy) to 5 (hard), to one decimal place.
func Difficulty(s srs.ReviewState) float64 {
	d := 5 - (s.Ease-srs.MinEase)/(srs.MaxEase-srs.MinEase)*4
	switch {
	case s.Repetitions == 0:
		d = 2
	case s.Repetitions < 3:
		d = math.Max(1, d-0.5)
	}
	if s.IntervalDays > 30 {
		d = math.Min(5, d+0.5)
	}
	return clamp(round1(d), 1, 5)
}

// Mastery rates how well a card is known, from 0 to 100.
func Mastery(s srs.ReviewState) int {
	var m float64
	switch {
	case isMastered(s):
		m = 90 + (s.Ease-masteredEase)*4
	case s.Repetitions >= 3:
		m = 60 + (s.Ease-srs.MinEase)*20
	case s.Repetitions >= 1:
		m = 30 + float64(s.Repetitions)*15
	}
	if s.IntervalDays > 7 {
		m = math.Min(100, m+10)
	}
	return int(clamp(math.Round(m), 0, 100))
}

// Session is the recommended workload for the next study session.
type Session struct {
	NewCards         int `json:"new_cards"`
	ReviewCards      int `json:"review_cards"`
	EstimatedMinutes int `json:"estimated_minutes"`
}

// SessionEstimate counts due and new cards and estimates the session length
// from 15 seconds per card plus 5 seconds per point of average difficulty.
func SessionEstimate(states []srs.ReviewState, now time.Time) Session {
	due := DueCards(states, now)
	fresh := NewCards(states, DefaultNewCardLimit)

	avg := 3.0
	if len(states) > 0 {
		var sum float64
		for _, s := range states {
			sum += Difficulty(s)
		}
		avg = sum / float64(len(states))
	}
	perCard := 15 + (avg-1)*5
	seconds := float64(len(due)+len(fresh)) * perCard

	return Session{
		NewCards:         len(fresh),
		ReviewCards:      len(due),
		EstimatedMinutes: int(math.Round(seconds / 60)),
	}
}

// Stats summarises a learner's collection.
type Stats struct {
	TotalCards      int     `json:"total_cards"`
	MasteredCards   int     `json:"mastered_cards"`
	LearningCards   int     `json:"learning_cards"`
	NewCards        int     `json:"new_cards"`
	AverageEase     float64 `json:"average_ease"`
	AverageInterval float64 `json:"average_interval"`
	RetentionRate   int     `json:"retention_rate"`
}

// AggregateStats computes collection statistics at now.
//
// A card counts as mastered after five repetitions with ease of at least 2.5
// and as learning with one to four repetitions, so a card with five or more
// repetitions but low ease is in neither bucket. Retention is the share of
// cards reviewed in the last seven days whose last grade was a recall.
// Cards that were never reviewed are left out of retention.
func AggregateStats(states []srs.ReviewState, now time.Time) Stats {
	st := Stats{TotalCards: len(states)}
	if len(states) == 0 {
		return st
	}

	var easeSum float64
	var intervalSum, recent, recalled int
	for _, s := range states {
		switch {
		case s.Repetitions == 0:
			st.NewCards++
		case s.Repetitions < masteredRepetitions:
			st.LearningCards++
		}
		if isMastered(s) {
			st.MasteredCards++
		}
		easeSum += s.Ease
		intervalSum += s.IntervalDays

		if s.IntervalDays > 0 && now.Sub(s.LastReviewedAt) <= retentionWindow {
			recent++
			if s.LastQuality.IsRecall() {
				recalled++
			}
		}
	}

	n := float64(len(states))
	st.AverageEase = math.Round(easeSum/n*100) / 100
	st.AverageInterval = round1(float64(intervalSum) / n)
	if recent > 0 {
		st.RetentionRate = int(math.Round(float64(recalled) / float64(recent) * 100))
	}
	return st
}

func isMastered(s srs.ReviewState) bool {
	return s.Repetitions >= masteredRepetitions && s.Ease >= masteredEase
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
