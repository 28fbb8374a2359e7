package srs

import "errors"

// Sentinel errors for the srs package.
// Use errors.Is to check: errors.Is(err, srs.ErrInvalidQuality)
var (
	ErrInvalidQuality = errors.New("srs: quality out of range [0, 5]")
	ErrInvalidState   = errors.New("srs: invalid review state")
	ErrInvalidOutcome = errors.New("srs: invalid review outcome")
	ErrCardMismatch   = errors.New("srs: card ID mismatch")
)
