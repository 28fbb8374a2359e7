package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gulfara/cardsync/internal/srs"
)

const sqliteStatesTable = "review_states"

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the states table in the SQLite database at path,
// creating both if needed.
func NewSQLiteStore(path string) (StateStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("review: open sqlite: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("review: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + sqliteStatesTable + ` (
			learner_id TEXT NOT NULL,
			card_id TEXT NOT NULL,
			ease REAL NOT NULL,
			interval_days INTEGER NOT NULL,
			repetitions INTEGER NOT NULL,
			last_reviewed_at TEXT NOT NULL,
			next_review_at TEXT NOT NULL,
			last_quality INTEGER NOT NULL,
			PRIMARY KEY (learner_id, card_id)
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("review: init sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, learnerID, cardID string) (srs.ReviewState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT learner_id, card_id, ease, interval_days, repetitions, last_reviewed_at, next_review_at, last_quality
		FROM `+sqliteStatesTable+`
		WHERE learner_id = ? AND card_id = ?`, learnerID, cardID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return srs.ReviewState{}, fmt.Errorf("%w: %s/%s", ErrNotFound, learnerID, cardID)
	}
	if err != nil {
		return srs.ReviewState{}, fmt.Errorf("review: get: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Put(ctx context.Context, state srs.ReviewState) error {
	if err := validateKey(state.LearnerID, state.CardID); err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("review: put: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+sqliteStatesTable+` (learner_id, card_id, ease, interval_days, repetitions, last_reviewed_at, next_review_at, last_quality)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (learner_id, card_id) DO UPDATE SET
			ease = excluded.ease,
			interval_days = excluded.interval_days,
			repetitions = excluded.repetitions,
			last_reviewed_at = excluded.last_reviewed_at,
			next_review_at = excluded.next_review_at,
			last_quality = excluded.last_quality`,
		state.LearnerID, state.CardID, state.Ease, state.IntervalDays, state.Repetitions,
		formatTime(state.LastReviewedAt), formatTime(state.NextReviewAt), int(state.LastQuality),
	)
	if err != nil {
		return fmt.Errorf("review: put: %w", err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, learnerID, cardID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+sqliteStatesTable+` WHERE learner_id = ? AND card_id = ?`, learnerID, cardID)
	if err != nil {
		return fmt.Errorf("review: delete: %w", err)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context, learnerID string) ([]srs.ReviewState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT learner_id, card_id, ease, interval_days, repetitions, last_reviewed_at, next_review_at, last_quality
		FROM `+sqliteStatesTable+`
		WHERE learner_id = ?
		ORDER BY card_id`, learnerID)
	if err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	defer rows.Close()
	out := []srs.ReviewState{}
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("review: list: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (srs.ReviewState, error) {
	var (
		st               srs.ReviewState
		lastRaw, nextRaw string
		quality          int
	)
	if err := row.Scan(&st.LearnerID, &st.CardID, &st.Ease, &st.IntervalDays, &st.Repetitions, &lastRaw, &nextRaw, &quality); err != nil {
		return srs.ReviewState{}, err
	}
	var err error
	if st.LastReviewedAt, err = time.Parse(time.RFC3339Nano, lastRaw); err != nil {
		return srs.ReviewState{}, err
	}
	if st.NextReviewAt, err = time.Parse(time.RFC3339Nano, nextRaw); err != nil {
		return srs.ReviewState{}, err
	}
	st.LastQuality = srs.Quality(quality)
	return st, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
