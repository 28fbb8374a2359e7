package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gulfara/cardsync/internal/srs"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func fixedClock() Option {
	return WithClock(func() time.Time { return t0 })
}

func reviewAction(cardID string) Action {
	s := srs.NewReviewState("learner-1", cardID, t0)
	return NewAction(NewUpsertReviewState(s))
}

func deckAction(deckID string) Action {
	return NewAction(CreateDeck{
		DeckID:    deckID,
		LearnerID: "learner-1",
		Title:     "Arabic verbs",
		CardIDs:   []string{"card-1", "card-2"},
		CreatedAt: t0,
	})
}

func mustEnqueue(t *testing.T, q Queue, a Action) int64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), a)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return id
}

func mustList(t *testing.T, q Queue) []QueuedAction {
	t.Helper()
	items, err := q.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	return items
}

func actionIDs(items []QueuedAction) []int64 {
	out := make([]int64, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// backends lists every backend that runs without external services.
func backends(t *testing.T) map[string]func(t *testing.T) Queue {
	t.Helper()
	return map[string]func(t *testing.T) Queue{
		"memory": func(t *testing.T) Queue {
			return NewMemoryQueue(fixedClock())
		},
		"file": func(t *testing.T) Queue {
			q, err := NewFileQueue(filepath.Join(t.TempDir(), "queue.json"), fixedClock())
			if err != nil {
				t.Fatalf("new file queue failed: %v", err)
			}
			return q
		},
		"sqlite": func(t *testing.T) Queue {
			q, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), fixedClock())
			if err != nil {
				t.Fatalf("new sqlite queue failed: %v", err)
			}
			return q
		},
	}
}

func TestQueueContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			runQueueContract(t, open)
		})
	}
}

func runQueueContract(t *testing.T, open func(t *testing.T) Queue) {
	t.Run("fifo and monotonic ids", func(t *testing.T) {
		q := open(t)
		defer q.Close()
		ids := []int64{
			mustEnqueue(t, q, reviewAction("card-1")),
			mustEnqueue(t, q, deckAction("deck-1")),
			mustEnqueue(t, q, reviewAction("card-2")),
		}
		for i := 1; i < len(ids); i++ {
			if ids[i] <= ids[i-1] {
				t.Fatalf("expected increasing ids, got %v", ids)
			}
		}
		items := mustList(t, q)
		if !equalIDs(actionIDs(items), ids) {
			t.Fatalf("expected list order %v, got %v", ids, actionIDs(items))
		}
		if items[1].Kind != KindCreateDeck {
			t.Fatalf("expected second action to be create_deck, got %s", items[1].Kind)
		}
		if !items[0].EnqueuedAt.Equal(t0) {
			t.Fatalf("expected enqueued_at %v, got %v", t0, items[0].EnqueuedAt)
		}
		if items[0].IdempotencyKey == "" || items[0].IdempotencyKey == items[1].IdempotencyKey {
			t.Fatalf("expected distinct idempotency keys, got %q and %q", items[0].IdempotencyKey, items[1].IdempotencyKey)
		}
	})

	t.Run("remove is idempotent and ids are not reused", func(t *testing.T) {
		q := open(t)
		defer q.Close()
		ctx := context.Background()
		first := mustEnqueue(t, q, reviewAction("card-1"))
		second := mustEnqueue(t, q, reviewAction("card-2"))
		if err := q.Remove(ctx, second); err != nil {
			t.Fatalf("remove failed: %v", err)
		}
		if err := q.Remove(ctx, second); err != nil {
			t.Fatalf("second remove should be a no-op, got %v", err)
		}
		if err := q.Remove(ctx, 999); err != nil {
			t.Fatalf("remove of unknown id should be a no-op, got %v", err)
		}
		third := mustEnqueue(t, q, reviewAction("card-3"))
		if third <= second {
			t.Fatalf("expected id after %d, got %d", second, third)
		}
		if got := actionIDs(mustList(t, q)); !equalIDs(got, []int64{first, third}) {
			t.Fatalf("expected ids [%d %d], got %v", first, third, got)
		}
		depth, err := q.Depth(ctx)
		if err != nil || depth != 2 {
			t.Fatalf("expected depth 2, got %d (err=%v)", depth, err)
		}
	})

	t.Run("record failure", func(t *testing.T) {
		q := open(t)
		defer q.Close()
		ctx := context.Background()
		id := mustEnqueue(t, q, reviewAction("card-1"))
		for i := 1; i <= 3; i++ {
			item, err := q.RecordFailure(ctx, id, "remote unavailable", false)
			if err != nil {
				t.Fatalf("record failure: %v", err)
			}
			if item.Attempts != i || item.PoisonAttempts != 0 || item.LastError != "remote unavailable" {
				t.Fatalf("expected attempts %d with last error and no poison attempts, got %+v", i, item)
			}
		}
		item, err := q.RecordFailure(ctx, id, "rejected", true)
		if err != nil {
			t.Fatalf("record poison failure: %v", err)
		}
		if item.Attempts != 4 || item.PoisonAttempts != 1 || item.LastError != "rejected" {
			t.Fatalf("expected attempts 4 and poison attempts 1, got %+v", item)
		}
		items := mustList(t, q)
		if items[0].Attempts != 4 || items[0].PoisonAttempts != 1 {
			t.Fatalf("expected stored attempts 4/1, got %+v", items[0])
		}
		if _, err := q.RecordFailure(ctx, 999, "x", false); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("dead letter replay and discard", func(t *testing.T) {
		q := open(t)
		defer q.Close()
		ctx := context.Background()
		first := mustEnqueue(t, q, reviewAction("card-1"))
		second := mustEnqueue(t, q, reviewAction("card-2"))
		if _, err := q.RecordFailure(ctx, first, "rejected", true); err != nil {
			t.Fatalf("record failure: %v", err)
		}
		if err := q.DeadLetter(ctx, first, "rejected by remote"); err != nil {
			t.Fatalf("dead letter failed: %v", err)
		}
		if err := q.DeadLetter(ctx, first, "again"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for already dead-lettered action, got %v", err)
		}
		if got := actionIDs(mustList(t, q)); !equalIDs(got, []int64{second}) {
			t.Fatalf("expected only %d pending, got %v", second, got)
		}
		dead, err := q.ListDeadLetters(ctx)
		if err != nil {
			t.Fatalf("list dead letters: %v", err)
		}
		if len(dead) != 1 || dead[0].ID != first || dead[0].Reason != "rejected by remote" || dead[0].Attempts != 1 || dead[0].PoisonAttempts != 1 {
			t.Fatalf("unexpected dead letters: %+v", dead)
		}

		replayed, err := q.Replay(ctx, first)
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		if replayed <= second {
			t.Fatalf("expected replayed id after %d, got %d", second, replayed)
		}
		items := mustList(t, q)
		if !equalIDs(actionIDs(items), []int64{second, replayed}) {
			t.Fatalf("expected replayed action at the tail, got %v", actionIDs(items))
		}
		if items[1].Attempts != 0 || items[1].PoisonAttempts != 0 || items[1].LastError != "" {
			t.Fatalf("expected replay to reset failure bookkeeping, got %+v", items[1])
		}
		if _, err := q.Replay(ctx, first); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound replaying twice, got %v", err)
		}

		if err := q.DeadLetter(ctx, second, "bad"); err != nil {
			t.Fatalf("dead letter second: %v", err)
		}
		if err := q.Discard(ctx, second); err != nil {
			t.Fatalf("discard failed: %v", err)
		}
		if err := q.Discard(ctx, second); err != nil {
			t.Fatalf("discard should be idempotent, got %v", err)
		}
		dead, _ = q.ListDeadLetters(ctx)
		if len(dead) != 0 {
			t.Fatalf("expected no dead letters, got %+v", dead)
		}
	})

	t.Run("rejects invalid actions", func(t *testing.T) {
		q := open(t)
		defer q.Close()
		ctx := context.Background()
		cases := map[string]Action{
			"missing payload": {Kind: KindCreateDeck},
			"kind mismatch":   {Kind: KindCreateDeck, Payload: NewUpsertReviewState(srs.NewReviewState("l", "c", t0))},
			"ease out of range": NewAction(UpsertReviewState{
				LearnerID: "l", CardID: "c", Ease: 0.4, LastReviewedAt: t0, NextReviewAt: t0,
			}),
			"deck without title": NewAction(CreateDeck{DeckID: "d", LearnerID: "l", CreatedAt: t0}),
		}
		for name, a := range cases {
			if _, err := q.Enqueue(ctx, a); !errors.Is(err, ErrInvalidAction) {
				t.Fatalf("%s: expected ErrInvalidAction, got %v", name, err)
			}
		}
		if depth, _ := q.Depth(ctx); depth != 0 {
			t.Fatalf("expected rejected actions to leave the queue empty, got depth %d", depth)
		}
	})

	t.Run("concurrent enqueues", func(t *testing.T) {
		q := open(t)
		defer q.Close()
		const workers, perWorker = 8, 10
		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					if _, err := q.Enqueue(context.Background(), reviewAction("card")); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent enqueue failed: %v", err)
		}
		items := mustList(t, q)
		if len(items) != workers*perWorker {
			t.Fatalf("expected %d actions, got %d", workers*perWorker, len(items))
		}
		seen := map[int64]bool{}
		for i, item := range items {
			if seen[item.ID] {
				t.Fatalf("duplicate id %d", item.ID)
			}
			seen[item.ID] = true
			if i > 0 && item.ID <= items[i-1].ID {
				t.Fatalf("ids out of order at %d: %v", i, actionIDs(items))
			}
		}
	})
}

func TestMemoryQueueListReturnsCopies(t *testing.T) {
	q := NewMemoryQueue()
	mustEnqueue(t, q, reviewAction("card-1"))
	items := mustList(t, q)
	items[0].Payload[0] = 'X'
	items[0].Attempts = 42
	again := mustList(t, q)
	if again[0].Payload[0] != '{' || again[0].Attempts != 0 {
		t.Fatalf("expected stored action to be unaffected by caller mutation, got %+v", again[0])
	}
}

func TestClosedQueueRejectsCalls(t *testing.T) {
	q := NewMemoryQueue()
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), reviewAction("card-1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Enqueue(ctx, reviewAction("card-1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEnqueueRejectsPreEpochClock(t *testing.T) {
	for name, at := range map[string]time.Time{
		"zero time": {},
		"1969":      time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC),
	} {
		t.Run(name, func(t *testing.T) {
			q := NewMemoryQueue(WithClock(func() time.Time { return at }))
			defer q.Close()
			if _, err := q.Enqueue(context.Background(), reviewAction("card-1")); !errors.Is(err, ErrInvalidAction) {
				t.Fatalf("expected ErrInvalidAction, got %v", err)
			}
			if depth, _ := q.Depth(context.Background()); depth != 0 {
				t.Fatalf("expected nothing queued, got depth %d", depth)
			}
		})
	}
}
