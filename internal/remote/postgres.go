package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/gulfara/cardsync/internal/queue"
	"github.com/gulfara/cardsync/internal/srs"
)

const (
	postgresReviewStatesTable = "cardsync_review_states"
	postgresDecksTable        = "cardsync_decks"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore applies actions directly to Postgres. Tables are created on
// first use.
type PostgresStore struct {
	dsn          string
	reviewStates string
	decks        string
	openDB       sqlOpenFunc

	// initMu guards db. A failed open leaves db nil so a store created
	// while offline connects once the database is reachable.
	initMu sync.Mutex
	db     *sql.DB
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Reader = (*PostgresStore)(nil)
	_ Pinger = (*PostgresStore)(nil)
)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("remote: empty postgres dsn")
	}
	return &PostgresStore{
		dsn:          dsn,
		reviewStates: postgresReviewStatesTable,
		decks:        postgresDecksTable,
		openDB:       sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("remote: open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				learner_id TEXT NOT NULL,
				card_id TEXT NOT NULL,
				ease DOUBLE PRECISION NOT NULL,
				interval_days INTEGER NOT NULL,
				repetitions INTEGER NOT NULL,
				last_reviewed_at TIMESTAMPTZ NOT NULL,
				next_review_at TIMESTAMPTZ NOT NULL,
				last_quality SMALLINT NOT NULL,
				idempotency_key TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (learner_id, card_id)
			)`, quoteIdentifier(s.reviewStates)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				learner_id TEXT NOT NULL,
				deck_id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				card_ids TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				idempotency_key TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (learner_id, deck_id)
			)`, quoteIdentifier(s.decks)),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("remote: init schema: %w", err)
		}
	}
	s.db = db
	return nil
}

// UpsertReviewState writes p unless the stored row was reviewed later.
func (s *PostgresStore) UpsertReviewState(ctx context.Context, p queue.UpsertReviewState, idempotencyKey string) error {
	if err := validateUpsert(p); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	table := quoteIdentifier(s.reviewStates)
	query := fmt.Sprintf(`
		INSERT INTO %s (learner_id, card_id, ease, interval_days, repetitions, last_reviewed_at, next_review_at, last_quality, idempotency_key, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (learner_id, card_id)
		DO UPDATE SET
			ease = EXCLUDED.ease,
			interval_days = EXCLUDED.interval_days,
			repetitions = EXCLUDED.repetitions,
			last_reviewed_at = EXCLUDED.last_reviewed_at,
			next_review_at = EXCLUDED.next_review_at,
			last_quality = EXCLUDED.last_quality,
			idempotency_key = EXCLUDED.idempotency_key,
			updated_at = NOW()
		WHERE %s.last_reviewed_at <= EXCLUDED.last_reviewed_at`, table, table)
	_, err := s.db.ExecContext(ctx, query,
		p.LearnerID, p.CardID, p.Ease, p.IntervalDays, p.Repetitions,
		p.LastReviewedAt, p.NextReviewAt, int(p.LastQuality), idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("remote: upsert review state: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateDeck(ctx context.Context, p queue.CreateDeck, idempotencyKey string) error {
	if err := validateDeck(p); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	cardIDs, err := json.Marshal(p.CardIDs)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (learner_id, deck_id, title, description, card_ids, created_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (learner_id, deck_id) DO NOTHING`, quoteIdentifier(s.decks))
	if _, err := s.db.ExecContext(ctx, query, p.LearnerID, p.DeckID, p.Title, p.Description, string(cardIDs), p.CreatedAt, idempotencyKey); err != nil {
		return fmt.Errorf("remote: create deck: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReviewState(ctx context.Context, learnerID, cardID string) (queue.UpsertReviewState, error) {
	if err := s.ensureReady(); err != nil {
		return queue.UpsertReviewState{}, err
	}
	query := fmt.Sprintf(`
		SELECT learner_id, card_id, ease, interval_days, repetitions, last_reviewed_at, next_review_at, last_quality
		FROM %s
		WHERE learner_id = $1 AND card_id = $2`, quoteIdentifier(s.reviewStates))
	var (
		p       queue.UpsertReviewState
		quality int
	)
	err := s.db.QueryRowContext(ctx, query, learnerID, cardID).Scan(
		&p.LearnerID, &p.CardID, &p.Ease, &p.IntervalDays, &p.Repetitions,
		&p.LastReviewedAt, &p.NextReviewAt, &quality,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.UpsertReviewState{}, fmt.Errorf("%w: review state %s/%s", ErrNotFound, learnerID, cardID)
	}
	if err != nil {
		return queue.UpsertReviewState{}, fmt.Errorf("remote: get review state: %w", err)
	}
	p.LastQuality = srs.Quality(quality)
	p.LastReviewedAt = p.LastReviewedAt.UTC()
	p.NextReviewAt = p.NextReviewAt.UTC()
	return p, nil
}

func (s *PostgresStore) GetDeck(ctx context.Context, learnerID, deckID string) (queue.CreateDeck, error) {
	if err := s.ensureReady(); err != nil {
		return queue.CreateDeck{}, err
	}
	query := fmt.Sprintf(`
		SELECT learner_id, deck_id, title, description, card_ids, created_at
		FROM %s
		WHERE learner_id = $1 AND deck_id = $2`, quoteIdentifier(s.decks))
	var (
		p       queue.CreateDeck
		cardIDs string
	)
	err := s.db.QueryRowContext(ctx, query, learnerID, deckID).Scan(&p.LearnerID, &p.DeckID, &p.Title, &p.Description, &cardIDs, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.CreateDeck{}, fmt.Errorf("%w: deck %s/%s", ErrNotFound, learnerID, deckID)
	}
	if err != nil {
		return queue.CreateDeck{}, fmt.Errorf("remote: get deck: %w", err)
	}
	if err := json.Unmarshal([]byte(cardIDs), &p.CardIDs); err != nil {
		return queue.CreateDeck{}, fmt.Errorf("remote: decode deck cards: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
