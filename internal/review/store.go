package review

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/gulfara/cardsync/internal/srs"
)

var (
	ErrNotFound     = errors.New("review: state not found")
	ErrInvalidInput = errors.New("review: invalid input")
)

// StateStore keeps the local copy of every review state. It is the source
// the scheduler reads from; the remote store only ever receives copies
// through the action queue.
type StateStore interface {
	Get(ctx context.Context, learnerID, cardID string) (srs.ReviewState, error)
	Put(ctx context.Context, state srs.ReviewState) error
	Delete(ctx context.Context, learnerID, cardID string) error
	// List returns a learner's states ordered by card ID.
	List(ctx context.Context, learnerID string) ([]srs.ReviewState, error)
	Close() error
}

// OpenStateStore builds a store from dsn:
//
//	memory://                    in-process
//	file:///var/lib/states.json  JSON file (a bare path works too)
//	sqlite:///var/lib/states.db  SQLite
func OpenStateStore(dsn string) (StateStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "", "file":
		path, err := storePath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileStore(path)
	case "sqlite", "sqlite3":
		path, err := storePath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("review: unsupported state store scheme %q", scheme)
	}
}

func storePath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return strings.TrimSpace(raw), nil
	}
	path := parsed.Path
	if host := parsed.Host; host != "" {
		path = host + path
	}
	if path == "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func stateKey(learnerID, cardID string) string {
	return learnerID + "\x00" + cardID
}

func validateKey(learnerID, cardID string) error {
	if strings.TrimSpace(learnerID) == "" || strings.TrimSpace(cardID) == "" {
		return fmt.Errorf("%w: learner and card ids are required", ErrInvalidInput)
	}
	return nil
}

func sortStates(states []srs.ReviewState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].LearnerID != states[j].LearnerID {
			return states[i].LearnerID < states[j].LearnerID
		}
		return states[i].CardID < states[j].CardID
	})
}
