package queue

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driver:   "postgres",
	numbered: true,
	schema: func(actions, dead string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					queue_key TEXT NOT NULL,
					kind TEXT NOT NULL,
					payload TEXT NOT NULL,
					enqueued_at TIMESTAMPTZ NOT NULL,
					attempts INTEGER NOT NULL DEFAULT 0,
					poison_attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT '',
					idempotency_key TEXT NOT NULL
				)`, actions),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
				quoteIdentifier(strings.Trim(actions, `"`)+"_queue_key_id_idx"), actions),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					queue_key TEXT NOT NULL,
					id BIGINT NOT NULL,
					kind TEXT NOT NULL,
					payload TEXT NOT NULL,
					enqueued_at TIMESTAMPTZ NOT NULL,
					attempts INTEGER NOT NULL,
					poison_attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL,
					idempotency_key TEXT NOT NULL,
					reason TEXT NOT NULL,
					dead_lettered_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (queue_key, id)
				)`, dead),
		}
	},
	lock: func(ctx context.Context, tx *sql.Tx, key int64) error {
		_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key)
		return err
	},
}

// NewPostgresQueue returns a queue stored in Postgres. The optional "queue"
// DSN parameter selects a named queue so learners can share one database;
// it is stripped before the DSN reaches the driver. The connection is
// opened lazily on first use.
func NewPostgresQueue(dsn string, opts ...Option) (Queue, error) {
	dsn, queueKey, err := splitQueueKey(dsn)
	if err != nil {
		return nil, err
	}
	return newSQLQueue(dsn, queueKey, postgresDialect, buildOptions(opts))
}

func splitQueueKey(dsn string) (string, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", ErrInvalidInput
	}
	if !strings.Contains(dsn, "://") {
		// key=value connection strings carry no queue name.
		return dsn, defaultQueueKey, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", "", err
	}
	values := parsed.Query()
	key := strings.TrimSpace(values.Get("queue"))
	if key == "" {
		key = defaultQueueKey
	}
	values.Del("queue")
	parsed.RawQuery = values.Encode()
	return parsed.String(), key, nil
}
