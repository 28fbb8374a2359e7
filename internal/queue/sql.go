package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultActionsTable     = "cardsync_actions"
	defaultDeadLettersTable = "cardsync_dead_letters"
	defaultQueueKey         = "default"
	sqlOperationTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	driver string
	// schema returns the DDL for the actions and dead-letter tables.
	schema func(actions, dead string) []string
	// lock serialises writers inside tx. Nil when the connection setup
	// already guarantees it.
	lock func(ctx context.Context, tx *sql.Tx, key int64) error
	// numbered placeholders ($1, $2) instead of ?.
	numbered bool
	// configure runs once after the pool is opened.
	configure func(db *sql.DB)
}

// sqlQueue stores actions in two tables keyed by queue_key, so several
// queues can share one database.
type sqlQueue struct {
	dsn      string
	queueKey string
	actions  string
	dead     string
	dialect  sqlDialect
	openDB   sqlOpenFunc
	now      func() time.Time

	// initMu guards db. A failed init leaves db nil so the next call
	// retries.
	initMu sync.Mutex
	db     *sql.DB
}

func newSQLQueue(dsn, queueKey string, dialect sqlDialect, o options) (*sqlQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = defaultQueueKey
	}
	return &sqlQueue{
		dsn:      dsn,
		queueKey: queueKey,
		actions:  defaultActionsTable,
		dead:     defaultDeadLettersTable,
		dialect:  dialect,
		openDB:   sql.Open,
		now:      o.now,
	}, nil
}

func (q *sqlQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.db != nil {
		return nil
	}
	db, err := q.openDB(q.dialect.driver, q.dsn)
	if err != nil {
		return fmt.Errorf("queue: open: %w", err)
	}
	if q.dialect.configure != nil {
		q.dialect.configure(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	for _, stmt := range q.dialect.schema(quoteIdentifier(q.actions), quoteIdentifier(q.dead)) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("queue: init schema: %w", err)
		}
	}
	q.db = db
	return nil
}

func (q *sqlQueue) Enqueue(ctx context.Context, a Action) (int64, error) {
	pending, err := prepare(a, q.now())
	if err != nil {
		return 0, err
	}
	var id int64
	err = q.inTx(ctx, func(tx *sql.Tx) error {
		query := q.rebind(fmt.Sprintf(`
			INSERT INTO %s (queue_key, kind, payload, enqueued_at, attempts, poison_attempts, last_error, idempotency_key)
			VALUES (?, ?, ?, ?, 0, 0, '', ?)
			RETURNING id`, quoteIdentifier(q.actions)))
		return tx.QueryRowContext(ctx, query, q.queueKey, string(pending.Kind), string(pending.Payload), pending.EnqueuedAt, pending.IdempotencyKey).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

func (q *sqlQueue) ListAll(ctx context.Context) ([]QueuedAction, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	query := q.rebind(fmt.Sprintf(`
		SELECT id, kind, payload, enqueued_at, attempts, poison_attempts, last_error, idempotency_key
		FROM %s
		WHERE queue_key = ?
		ORDER BY id ASC`, quoteIdentifier(q.actions)))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer rows.Close()

	items := make([]QueuedAction, 0)
	for rows.Next() {
		item, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: list: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return items, nil
}

func (q *sqlQueue) Remove(ctx context.Context, id int64) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	query := q.rebind(fmt.Sprintf("DELETE FROM %s WHERE queue_key = ? AND id = ?", quoteIdentifier(q.actions)))
	if _, err := q.db.ExecContext(ctx, query, q.queueKey, id); err != nil {
		return fmt.Errorf("queue: remove %d: %w", id, err)
	}
	return nil
}

func (q *sqlQueue) RecordFailure(ctx context.Context, id int64, reason string, poison bool) (QueuedAction, error) {
	if err := q.ensureReady(); err != nil {
		return QueuedAction{}, err
	}
	query := q.rebind(fmt.Sprintf(`
		UPDATE %s
		SET attempts = attempts + 1, poison_attempts = poison_attempts + ?, last_error = ?
		WHERE queue_key = ? AND id = ?
		RETURNING id, kind, payload, enqueued_at, attempts, poison_attempts, last_error, idempotency_key`, quoteIdentifier(q.actions)))
	bump := 0
	if poison {
		bump = 1
	}
	item, err := scanAction(q.db.QueryRowContext(ctx, query, bump, normalizeReason(reason), q.queueKey, id))
	if errors.Is(err, sql.ErrNoRows) {
		return QueuedAction{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return QueuedAction{}, fmt.Errorf("queue: record failure %d: %w", id, err)
	}
	return item, nil
}

func (q *sqlQueue) DeadLetter(ctx context.Context, id int64, reason string) error {
	err := q.inTx(ctx, func(tx *sql.Tx) error {
		selectQuery := q.rebind(fmt.Sprintf(`
			SELECT id, kind, payload, enqueued_at, attempts, poison_attempts, last_error, idempotency_key
			FROM %s
			WHERE queue_key = ? AND id = ?`, quoteIdentifier(q.actions)))
		item, err := scanAction(tx.QueryRowContext(ctx, selectQuery, q.queueKey, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		insertQuery := q.rebind(fmt.Sprintf(`
			INSERT INTO %s (queue_key, id, kind, payload, enqueued_at, attempts, poison_attempts, last_error, idempotency_key, reason, dead_lettered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, quoteIdentifier(q.dead)))
		if _, err := tx.ExecContext(ctx, insertQuery,
			q.queueKey, item.ID, string(item.Kind), string(item.Payload), item.EnqueuedAt,
			item.Attempts, item.PoisonAttempts, item.LastError, item.IdempotencyKey,
			normalizeReason(reason), q.now().UTC(),
		); err != nil {
			return err
		}
		deleteQuery := q.rebind(fmt.Sprintf("DELETE FROM %s WHERE queue_key = ? AND id = ?", quoteIdentifier(q.actions)))
		_, err = tx.ExecContext(ctx, deleteQuery, q.queueKey, id)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("queue: dead-letter %d: %w", id, err)
	}
	return err
}

func (q *sqlQueue) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	query := q.rebind(fmt.Sprintf(`
		SELECT id, kind, payload, enqueued_at, attempts, poison_attempts, last_error, idempotency_key, reason, dead_lettered_at
		FROM %s
		WHERE queue_key = ?
		ORDER BY dead_lettered_at ASC, id ASC`, quoteIdentifier(q.dead)))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]DeadLetter, 0)
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: list dead letters: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	return out, nil
}

func (q *sqlQueue) Replay(ctx context.Context, id int64) (int64, error) {
	var newID int64
	err := q.inTx(ctx, func(tx *sql.Tx) error {
		selectQuery := q.rebind(fmt.Sprintf(`
			SELECT id, kind, payload, enqueued_at, attempts, poison_attempts, last_error, idempotency_key, reason, dead_lettered_at
			FROM %s
			WHERE queue_key = ? AND id = ?`, quoteIdentifier(q.dead)))
		d, err := scanDeadLetter(tx.QueryRowContext(ctx, selectQuery, q.queueKey, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: dead letter %d", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		insertQuery := q.rebind(fmt.Sprintf(`
			INSERT INTO %s (queue_key, kind, payload, enqueued_at, attempts, poison_attempts, last_error, idempotency_key)
			VALUES (?, ?, ?, ?, 0, 0, '', ?)
			RETURNING id`, quoteIdentifier(q.actions)))
		if err := tx.QueryRowContext(ctx, insertQuery, q.queueKey, string(d.Kind), string(d.Payload), d.EnqueuedAt, d.IdempotencyKey).Scan(&newID); err != nil {
			return err
		}
		deleteQuery := q.rebind(fmt.Sprintf("DELETE FROM %s WHERE queue_key = ? AND id = ?", quoteIdentifier(q.dead)))
		_, err = tx.ExecContext(ctx, deleteQuery, q.queueKey, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("queue: replay %d: %w", id, err)
	}
	return newID, nil
}

func (q *sqlQueue) Discard(ctx context.Context, id int64) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	query := q.rebind(fmt.Sprintf("DELETE FROM %s WHERE queue_key = ? AND id = ?", quoteIdentifier(q.dead)))
	if _, err := q.db.ExecContext(ctx, query, q.queueKey, id); err != nil {
		return fmt.Errorf("queue: discard %d: %w", id, err)
	}
	return nil
}

func (q *sqlQueue) Depth(ctx context.Context) (int, error) {
	if err := q.ensureReady(); err != nil {
		return 0, err
	}
	query := q.rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = ?", quoteIdentifier(q.actions)))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return depth, nil
}

func (q *sqlQueue) Close() error {
	if q == nil {
		return nil
	}
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

// inTx runs fn in a transaction holding the queue's writer lock.
func (q *sqlQueue) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if q.dialect.lock != nil {
		if err := q.dialect.lock(ctx, tx, queueLockKey(q.actions, q.queueKey)); err != nil {
			return err
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (q *sqlQueue) rebind(query string) string {
	if !q.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (QueuedAction, error) {
	var (
		item    QueuedAction
		kind    string
		payload string
	)
	if err := row.Scan(&item.ID, &kind, &payload, timeScanner{&item.EnqueuedAt}, &item.Attempts, &item.PoisonAttempts, &item.LastError, &item.IdempotencyKey); err != nil {
		return QueuedAction{}, err
	}
	item.Kind = Kind(kind)
	item.Payload = []byte(payload)
	item.EnqueuedAt = item.EnqueuedAt.UTC()
	return item, nil
}

func scanDeadLetter(row rowScanner) (DeadLetter, error) {
	var (
		d       DeadLetter
		kind    string
		payload string
	)
	if err := row.Scan(&d.ID, &kind, &payload, timeScanner{&d.EnqueuedAt}, &d.Attempts, &d.PoisonAttempts, &d.LastError, &d.IdempotencyKey, &d.Reason, timeScanner{&d.DeadLetteredAt}); err != nil {
		return DeadLetter{}, err
	}
	d.Kind = Kind(kind)
	d.Payload = []byte(payload)
	d.EnqueuedAt = d.EnqueuedAt.UTC()
	d.DeadLetteredAt = d.DeadLetteredAt.UTC()
	return d, nil
}

// timeScanner accepts both native timestamps and the text form SQLite hands
// back for expression columns such as RETURNING.
type timeScanner struct {
	t *time.Time
}

var sqliteTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (s timeScanner) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*s.t = time.Time{}
		return nil
	case time.Time:
		*s.t = x
		return nil
	case []byte:
		return s.parse(string(x))
	case string:
		return s.parse(x)
	}
	return fmt.Errorf("queue: cannot scan %T into time", v)
}

func (s timeScanner) parse(v string) error {
	v = strings.TrimSpace(v)
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			*s.t = t
			return nil
		}
	}
	return fmt.Errorf("queue: unrecognised timestamp %q", v)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func queueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
