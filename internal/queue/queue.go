// Package queue is the durable, ordered outbox of local changes that still
// have to reach the remote store.
//
// Actions get a strictly increasing ID on enqueue and are removed only when
// the caller confirms the remote store applied them. IDs are never reused,
// even after removal, so a removed action can never be confused with a newer
// one. Actions that fail as poison are moved to a dead-letter set where an
// operator can replay or discard them.
package queue

import (
	"context"
	"time"
)

// Queue is implemented by every backend. Mutating calls are atomic with
// respect to each other.
type Queue interface {
	// Enqueue validates a, assigns the next ID and persists it before
	// returning.
	Enqueue(ctx context.Context, a Action) (int64, error)
	// ListAll returns the pending actions ordered by ID.
	ListAll(ctx context.Context) ([]QueuedAction, error)
	// Remove deletes a pending action. Removing an unknown ID is a no-op.
	Remove(ctx context.Context, id int64) error
	// RecordFailure bumps the attempt count of a pending action. Poison
	// failures also bump PoisonAttempts, which alone decides dead-lettering.
	RecordFailure(ctx context.Context, id int64, reason string, poison bool) (QueuedAction, error)
	// DeadLetter moves a pending action to the dead-letter set.
	DeadLetter(ctx context.Context, id int64, reason string) error
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)
	// Replay moves a dead letter back to the tail of the queue under a new
	// ID and returns that ID.
	Replay(ctx context.Context, id int64) (int64, error)
	// Discard drops a dead letter. Discarding an unknown ID is a no-op.
	Discard(ctx context.Context, id int64) error
	Depth(ctx context.Context) (int, error)
	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for EnqueuedAt and
// DeadLetteredAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
