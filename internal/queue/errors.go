package queue

import "errors"

var (
	ErrInvalidInput     = errors.New("queue: invalid input")
	ErrInvalidAction    = errors.New("queue: invalid action")
	ErrNotFound         = errors.New("queue: action not found")
	ErrNotImplemented   = errors.New("queue: backend not implemented")
	ErrClosed           = errors.New("queue: closed")
	ErrUnknownKind      = errors.New("queue: unknown action kind")
	ErrMalformedPayload = errors.New("queue: malformed payload")
)

// IsPoison reports whether err marks an action that can never be applied
// as stored, no matter how often it is retried.
func IsPoison(err error) bool {
	return errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrMalformedPayload)
}
