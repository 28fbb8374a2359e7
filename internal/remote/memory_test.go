package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/gulfara/cardsync/internal/queue"
)

func TestMemoryStoreUpsertIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p := testUpsert()

	for i := 0; i < 3; i++ {
		if err := Apply(ctx, store, p, "key"); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if got := store.ReviewStateCount(); got != 1 {
		t.Fatalf("expected one stored state, got %d", got)
	}
	got, err := store.GetReviewState(ctx, p.LearnerID, p.CardID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != p {
		t.Fatalf("stored %+v, want %+v", got, p)
	}
	if n := len(store.Calls()); n != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", n)
	}
}

func TestMemoryStoreKeepsNewerReview(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	older := testUpsert()
	newer := older
	newer.LastReviewedAt = older.LastReviewedAt.AddDate(0, 0, 1)
	newer.Repetitions = 2
	newer.IntervalDays = 6

	if err := store.UpsertReviewState(ctx, newer, "k2"); err != nil {
		t.Fatalf("upsert newer: %v", err)
	}
	if err := store.UpsertReviewState(ctx, older, "k1"); err != nil {
		t.Fatalf("upsert older: %v", err)
	}
	got, _ := store.GetReviewState(ctx, older.LearnerID, older.CardID)
	if got.Repetitions != 2 {
		t.Fatalf("older replay overwrote newer state: %+v", got)
	}
}

func TestMemoryStoreCreateDeckFirstWriteWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	deck := queue.CreateDeck{DeckID: "d1", LearnerID: "l1", Title: "Verbs", CardIDs: []string{"a"}, CreatedAt: testNow}

	if err := Apply(ctx, store, &deck, "k"); err != nil {
		t.Fatalf("create: %v", err)
	}
	renamed := deck
	renamed.Title = "Nouns"
	if err := store.CreateDeck(ctx, renamed, "k"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got, err := store.GetDeck(ctx, "l1", "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Verbs" || len(got.CardIDs) != 1 {
		t.Fatalf("unexpected deck %+v", got)
	}
}

func TestMemoryStoreRejectsInvalidPayload(t *testing.T) {
	store := NewMemoryStore()
	bad := testUpsert()
	bad.Ease = 9

	err := store.UpsertReviewState(context.Background(), bad, "k")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	err = store.CreateDeck(context.Background(), queue.CreateDeck{DeckID: "d", LearnerID: "l"}, "k")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for untitled deck, got %v", err)
	}
}

func TestMemoryStoreFaultInjection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")
	store.SetFault(func(c Call) error {
		if c.Kind == queue.KindCreateDeck {
			return boom
		}
		return nil
	})

	if err := store.UpsertReviewState(ctx, testUpsert(), "k"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err := store.CreateDeck(ctx, queue.CreateDeck{DeckID: "d", LearnerID: "l", Title: "t"}, "k")
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	if _, err := store.GetDeck(ctx, "l", "d"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("faulted deck must not be stored, got %v", err)
	}

	store.SetDown(boom)
	if err := store.Ping(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected ping failure, got %v", err)
	}
	store.SetDown(nil)
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("expected ping to recover, got %v", err)
	}
}

func TestApplyNilPayload(t *testing.T) {
	var p queue.Payload
	err := Apply(context.Background(), NewMemoryStore(), p, "k")
	if !errors.Is(err, queue.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
