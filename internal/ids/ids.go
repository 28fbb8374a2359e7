// Package ids generates sortable unique identifiers for idempotency keys,
// correlation ids and deck ids.
package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID for t. IDs generated in the same millisecond are
// strictly increasing. Times before the Unix epoch or past the ULID range
// are rejected.
func New(t time.Time) (string, error) {
	if t.Before(time.Unix(0, 0)) {
		return "", fmt.Errorf("ids: %s is before the unix epoch", t.UTC().Format(time.RFC3339))
	}
	mu.Lock()
	defer mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", fmt.Errorf("ids: %w", err)
	}
	return id.String(), nil
}

// Now returns a ULID for the current time.
func Now() (string, error) {
	return New(time.Now())
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
