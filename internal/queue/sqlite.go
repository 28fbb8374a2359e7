package queue

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = sqlDialect{
	driver: "sqlite3",
	schema: func(actions, dead string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					queue_key TEXT NOT NULL,
					kind TEXT NOT NULL,
					payload TEXT NOT NULL,
					enqueued_at TIMESTAMP NOT NULL,
					attempts INTEGER NOT NULL DEFAULT 0,
					poison_attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT '',
					idempotency_key TEXT NOT NULL
				)`, actions),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					queue_key TEXT NOT NULL,
					id INTEGER NOT NULL,
					kind TEXT NOT NULL,
					payload TEXT NOT NULL,
					enqueued_at TIMESTAMP NOT NULL,
					attempts INTEGER NOT NULL,
					poison_attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL,
					idempotency_key TEXT NOT NULL,
					reason TEXT NOT NULL,
					dead_lettered_at TIMESTAMP NOT NULL,
					PRIMARY KEY (queue_key, id)
				)`, dead),
		}
	},
	// One connection plus BEGIN IMMEDIATE serialises writers in-process and
	// across processes.
	configure: func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	},
}

// NewSQLiteQueue opens a queue in the SQLite database at path. AUTOINCREMENT
// keeps IDs from being reused after the newest row is removed.
func NewSQLiteQueue(path string, opts ...Option) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("queue: open sqlite: %w", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	q, err := newSQLQueue(dsn, defaultQueueKey, sqliteDialect, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	return q, nil
}
