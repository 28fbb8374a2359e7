// Package srs implements the SM-2 spaced repetition scheduler used to decide
// when a learner should see a flashcard again.
//
// Everything in this package is pure: no I/O, no shared mutable state. The
// same inputs always produce the same outputs, which is what lets queued
// review updates be replayed safely.
//
// Basic usage:
//
//	state := srs.NewReviewState("learner-1", "card-42", now)
//	next, err := srs.ProcessReview(state, srs.ReviewOutcome{
//	    CardID:        "card-42",
//	    Correct:       true,
//	    ElapsedMillis: 4200,
//	}, nil, now)
package srs
