package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/gulfara/cardsync/internal/queue"
	"github.com/gulfara/cardsync/internal/remote"
	"github.com/gulfara/cardsync/internal/srs"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func upsertAction(cardID string) queue.Action {
	s := srs.NewReviewState("learner_1", cardID, t0)
	return queue.NewAction(queue.NewUpsertReviewState(s))
}

func enqueueCards(t *testing.T, q queue.Queue, cardIDs ...string) []int64 {
	t.Helper()
	var out []int64
	for _, id := range cardIDs {
		qid, err := q.Enqueue(context.Background(), upsertAction(id))
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		out = append(out, qid)
	}
	return out
}

func appliedCards(store *remote.MemoryStore) []string {
	var out []string
	for _, c := range store.Calls() {
		out = append(out, c.ID)
	}
	return out
}

func pendingIDs(t *testing.T, q queue.Queue) []int64 {
	t.Helper()
	items, err := q.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var out []int64
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func newCoordinator(t *testing.T, q queue.Queue, store remote.Store, opts Options) *Coordinator {
	t.Helper()
	c, err := New(q, store, opts)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func failCard(cardID string, err error) func(remote.Call) error {
	return func(c remote.Call) error {
		if c.ID == cardID {
			return err
		}
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func equalIDs[T comparable](a, b []T) bool {
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

func TestDrainOnceAppliesInOrder(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := remote.NewMemoryStore()
	enqueueCards(t, q, "a", "b", "c")
	c := newCoordinator(t, q, store, Options{})

	res, err := c.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Pending != 3 || res.Applied != 3 || res.Remaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := appliedCards(store); !equalIDs(got, []string{"a", "b", "c"}) {
		t.Fatalf("expected FIFO apply, got %v", got)
	}
	if depth, _ := q.Depth(context.Background()); depth != 0 {
		t.Fatalf("expected empty queue, got depth %d", depth)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	for _, call := range store.Calls() {
		if call.IdempotencyKey == "" {
			t.Fatalf("expected idempotency key on %+v", call)
		}
	}
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := remote.NewMemoryStore()
	ids := enqueueCards(t, q, "a", "b", "c")
	store.SetFault(failCard("b", errors.New("connection reset")))
	c := newCoordinator(t, q, store, Options{})

	res, err := c.DrainOnce(context.Background())
	if err == nil {
		t.Fatalf("expected drain to fail")
	}
	if res.Applied != 1 || res.Remaining != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := pendingIDs(t, q); !equalIDs(got, ids[1:]) {
		t.Fatalf("expected actions %v to stay queued, got %v", ids[1:], got)
	}
	if got := appliedCards(store); !equalIDs(got, []string{"a", "b"}) {
		t.Fatalf("action behind the failure must not be attempted, got %v", got)
	}
	if c.State() != Backoff {
		t.Fatalf("expected backoff, got %s", c.State())
	}
	items, _ := q.ListAll(context.Background())
	if items[0].Attempts != 1 || items[0].LastError == "" {
		t.Fatalf("expected failure to be recorded, got %+v", items[0])
	}

	store.SetFault(nil)
	if _, err := c.DrainOnce(context.Background()); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if got := appliedCards(store); !equalIDs(got, []string{"a", "b", "b", "c"}) {
		t.Fatalf("expected retry to resume in order, got %v", got)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle after recovery, got %s", c.State())
	}
}

func TestPoisonActionDeadLetteredAfterMaxAttempts(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := remote.NewMemoryStore()
	ids := enqueueCards(t, q, "bad", "good")
	store.SetFault(failCard("bad", fmt.Errorf("%w: payload", remote.ErrRejected)))
	c := newCoordinator(t, q, store, Options{MaxAttempts: 2})

	if _, err := c.DrainOnce(context.Background()); !errors.Is(err, remote.ErrRejected) {
		t.Fatalf("expected first attempt to halt with rejection, got %v", err)
	}
	if got := pendingIDs(t, q); !equalIDs(got, ids) {
		t.Fatalf("poison action must stay queued below max attempts, got %v", got)
	}

	res, err := c.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("expected drain to continue past dead letter, got %v", err)
	}
	if res.DeadLettered != 1 || res.Applied != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	dead, err := q.ListDeadLetters(context.Background())
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != ids[0] || dead[0].Attempts != 2 || dead[0].PoisonAttempts != 2 {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
	if depth, _ := q.Depth(context.Background()); depth != 0 {
		t.Fatalf("expected empty queue, got %d", depth)
	}
	if st := c.Stats(); st.DeadLettered != 1 || st.Applied != 1 || st.Drains != 2 || st.Failed != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestTransientFailuresNeverDeadLetter(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := remote.NewMemoryStore()
	enqueueCards(t, q, "a")
	store.SetDown(errors.New("dial tcp: connection refused"))
	c := newCoordinator(t, q, store, Options{MaxAttempts: 1})

	for i := 0; i < 3; i++ {
		if _, err := c.DrainOnce(context.Background()); err == nil {
			t.Fatalf("drain %d: expected failure", i)
		}
	}
	dead, _ := q.ListDeadLetters(context.Background())
	if len(dead) != 0 {
		t.Fatalf("transient failures must not dead-letter, got %+v", dead)
	}
	items, _ := q.ListAll(context.Background())
	if len(items) != 1 || items[0].Attempts != 3 || items[0].PoisonAttempts != 0 {
		t.Fatalf("expected 3 recorded transient attempts, got %+v", items)
	}
}

func TestTransientFailuresDoNotCountTowardDeadLetter(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := remote.NewMemoryStore()
	ids := enqueueCards(t, q, "a")
	store.SetDown(errors.New("dial tcp: connection refused"))
	c := newCoordinator(t, q, store, Options{MaxAttempts: 2})

	for i := 0; i < 3; i++ {
		if _, err := c.DrainOnce(context.Background()); err == nil {
			t.Fatalf("drain %d: expected failure", i)
		}
	}
	store.SetDown(nil)
	store.SetFault(failCard("a", fmt.Errorf("%w: payload", remote.ErrRejected)))

	if _, err := c.DrainOnce(context.Background()); !errors.Is(err, remote.ErrRejected) {
		t.Fatalf("expected first poison failure to halt the drain, got %v", err)
	}
	if got := pendingIDs(t, q); !equalIDs(got, ids) {
		t.Fatalf("first poison failure after transient ones must not dead-letter, got %v", got)
	}
	items, _ := q.ListAll(context.Background())
	if items[0].Attempts != 4 || items[0].PoisonAttempts != 1 {
		t.Fatalf("expected attempts 4 with one poison attempt, got %+v", items[0])
	}

	res, err := c.DrainOnce(context.Background())
	if err != nil || res.DeadLettered != 1 {
		t.Fatalf("expected second poison failure to dead-letter, got %+v (err=%v)", res, err)
	}
	dead, _ := q.ListDeadLetters(context.Background())
	if len(dead) != 1 || dead[0].PoisonAttempts != 2 || dead[0].Attempts != 5 {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
}

// corruptQueue hands out a payload that no longer matches its schema.
type corruptQueue struct {
	queue.Queue
	id int64
}

func (q corruptQueue) ListAll(ctx context.Context) ([]queue.QueuedAction, error) {
	items, err := q.Queue.ListAll(ctx)
	for i := range items {
		if items[i].ID == q.id {
			items[i].Payload = json.RawMessage(`{"learner_id":"x"}`)
		}
	}
	return items, err
}

func TestMalformedPayloadIsPoison(t *testing.T) {
	mem := queue.NewMemoryQueue()
	ids := enqueueCards(t, mem, "a", "b")
	store := remote.NewMemoryStore()
	c := newCoordinator(t, corruptQueue{Queue: mem, id: ids[0]}, store, Options{MaxAttempts: 1})

	res, err := c.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.DeadLettered != 1 || res.Applied != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	dead, _ := mem.ListDeadLetters(context.Background())
	if len(dead) != 1 || dead[0].ID != ids[0] {
		t.Fatalf("expected malformed action to be dead-lettered, got %+v", dead)
	}
	if got := appliedCards(store); !equalIDs(got, []string{"b"}) {
		t.Fatalf("malformed action must never reach the store, got %v", got)
	}
}

func TestDrainOnceOfflineStaysIdle(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := remote.NewMemoryStore()
	enqueueCards(t, q, "a")
	offline := false
	c := newCoordinator(t, q, store, Options{InitiallyOnline: &offline})

	if _, err := c.DrainOnce(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	if len(store.Calls()) != 0 {
		t.Fatalf("offline drain must not reach the store")
	}
	if depth, _ := q.Depth(context.Background()); depth != 1 {
		t.Fatalf("expected queue untouched, got depth %d", depth)
	}
}

// blockingStore parks the first write until released.
type blockingStore struct {
	*remote.MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		MemoryStore: remote.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *blockingStore) UpsertReviewState(ctx context.Context, p queue.UpsertReviewState, key string) error {
	first := false
	s.once.Do(func() {
		first = true
		close(s.entered)
	})
	if first {
		<-s.release
	}
	return s.MemoryStore.UpsertReviewState(ctx, p, key)
}

func TestConcurrentDrainIsCoalesced(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := newBlockingStore()
	enqueueCards(t, q, "a")
	c := newCoordinator(t, q, store, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.DrainOnce(context.Background())
		done <- err
	}()
	<-store.entered

	if c.State() != Draining {
		t.Fatalf("expected draining, got %s", c.State())
	}
	if _, err := c.DrainOnce(context.Background()); !errors.Is(err, ErrDrainInProgress) {
		t.Fatalf("expected ErrDrainInProgress, got %v", err)
	}
	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if got := store.ReviewStateCount(); got != 1 {
		t.Fatalf("expected exactly one apply, got %d", got)
	}
}

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time)}
}

func (f *fakeTicker) C() <-chan time.Time  { return f.ch }
func (f *fakeTicker) Reset(time.Duration) {}
func (f *fakeTicker) Stop()                { f.stopped.Store(true) }

func startRun(t *testing.T, c *Coordinator) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return cancel, done
}

func TestRunDrivenByVirtualTicker(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := queue.NewMemoryQueue()
	store := remote.NewMemoryStore()
	ticker := newFakeTicker()
	c := newCoordinator(t, q, store, Options{
		Interval:  time.Hour,
		NewTicker: func(time.Duration) Ticker { return ticker },
	})
	cancel, done := startRun(t, c)

	waitFor(t, "startup drain", func() bool { return c.Stats().Drains == 1 })
	enqueueCards(t, q, "a")
	ticker.ch <- t0
	waitFor(t, "tick drain", func() bool { return store.ReviewStateCount() == 1 })

	enqueueCards(t, q, "b")
	ticker.ch <- t0.Add(time.Hour)
	waitFor(t, "second tick drain", func() bool { return store.ReviewStateCount() == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !ticker.stopped.Load() {
		t.Fatalf("expected ticker to be stopped")
	}
}

func TestRunDrainsWhenConnectivityReturns(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := queue.NewMemoryQueue()
	store := remote.NewMemoryStore()
	enqueueCards(t, q, "a", "b")
	offline := false
	c := newCoordinator(t, q, store, Options{
		InitiallyOnline: &offline,
		NewTicker:       func(time.Duration) Ticker { return newFakeTicker() },
	})
	cancel, done := startRun(t, c)
	defer func() {
		cancel()
		<-done
	}()

	c.Trigger()
	time.Sleep(20 * time.Millisecond)
	if len(store.Calls()) != 0 {
		t.Fatalf("offline coordinator must not drain")
	}

	c.NotifyConnectivity(true)
	waitFor(t, "drain after reconnect", func() bool { return store.ReviewStateCount() == 2 })
	if !c.Online() {
		t.Fatalf("expected online")
	}
}

func TestRunIgnoresTriggerDuringBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := queue.NewMemoryQueue()
	store := remote.NewMemoryStore()
	enqueueCards(t, q, "a")
	store.SetDown(errors.New("unavailable"))
	ticker := newFakeTicker()
	c := newCoordinator(t, q, store, Options{NewTicker: func(time.Duration) Ticker { return ticker }})
	cancel, done := startRun(t, c)
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "failed startup drain", func() bool { return c.State() == Backoff })
	c.Trigger()
	ticker.ch <- t0
	waitFor(t, "tick drain", func() bool { return c.Stats().Drains >= 2 })
	time.Sleep(30 * time.Millisecond)
	if got := c.Stats().Drains; got != 2 {
		t.Fatalf("expected trigger in backoff to be ignored, got %d drains", got)
	}

	store.SetDown(nil)
	c.NotifyConnectivity(false)
	c.NotifyConnectivity(true)
	waitFor(t, "recovery drain", func() bool { return store.ReviewStateCount() == 1 })
	waitFor(t, "idle", func() bool { return c.State() == Idle })
}

func TestRunIgnoresRepeatedOnlineSignalsDuringBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := queue.NewMemoryQueue()
	store := remote.NewMemoryStore()
	enqueueCards(t, q, "a")
	store.SetFault(failCard("a", errors.New("upstream 503")))
	ticker := newFakeTicker()
	c := newCoordinator(t, q, store, Options{NewTicker: func(time.Duration) Ticker { return ticker }})
	cancel, done := startRun(t, c)
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "failed startup drain", func() bool { return c.State() == Backoff })
	for i := 0; i < 3; i++ {
		c.NotifyConnectivity(true)
	}
	time.Sleep(30 * time.Millisecond)
	if got := c.Stats().Drains; got != 1 {
		t.Fatalf("expected online reports while already online to be ignored, got %d drains", got)
	}
	if got := len(store.Calls()); got != 1 {
		t.Fatalf("expected one apply attempt, got %d", got)
	}

	ticker.ch <- t0
	waitFor(t, "tick drain", func() bool { return c.Stats().Drains == 2 })
}

func TestShutdownLetsInFlightActionFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := queue.NewMemoryQueue()
	store := newBlockingStore()
	ids := enqueueCards(t, q, "a", "b")
	c := newCoordinator(t, q, store, Options{NewTicker: func(time.Duration) Ticker { return newFakeTicker() }})
	cancel, done := startRun(t, c)

	<-store.entered
	cancel()
	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := pendingIDs(t, q); !equalIDs(got, ids[1:]) {
		t.Fatalf("expected in-flight action removed and the rest kept, got %v", got)
	}
	if got := store.ReviewStateCount(); got != 1 {
		t.Fatalf("expected only the in-flight action applied, got %d", got)
	}
	if c.State() != Idle {
		t.Fatalf("cancellation is not a failure, got %s", c.State())
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(nil, remote.NewMemoryStore(), Options{}); err == nil {
		t.Fatalf("expected error without queue")
	}
	if _, err := New(queue.NewMemoryQueue(), nil, Options{}); err == nil {
		t.Fatalf("expected error without store")
	}
	c := newCoordinator(t, queue.NewMemoryQueue(), remote.NewMemoryStore(), Options{IntervalJitter: 4})
	if c.opts.Interval != DefaultInterval || c.opts.MaxAttempts != DefaultMaxAttempts || c.opts.ActionTimeout != DefaultActionTimeout {
		t.Fatalf("unexpected defaults %+v", c.opts)
	}
	if c.opts.IntervalJitter != 1 {
		t.Fatalf("expected jitter to be clamped, got %f", c.opts.IntervalJitter)
	}
	if !c.Online() {
		t.Fatalf("expected online by default")
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{Idle: "idle", Draining: "draining", Backoff: "backoff", State(7): "State(7)"} {
		if got := state.String(); got != want {
			t.Fatalf("%d: got %q, want %q", int32(state), got, want)
		}
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := ClampJitterRatio(-0.2); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
	if got := ClampJitterRatio(0.3); got != 0.3 {
		t.Fatalf("expected 0.3, got %f", got)
	}
	if got := ClampJitterRatio(1.3); got != 1 {
		t.Fatalf("expected 1, got %f", got)
	}
}

func TestJitteredInterval(t *testing.T) {
	base := time.Minute
	if got := JitteredInterval(base, 0, 0.9); got != base {
		t.Fatalf("expected no jitter, got %s", got)
	}
	if got := JitteredInterval(base, 0.5, 0); got != 30*time.Second {
		t.Fatalf("expected lower bound 30s, got %s", got)
	}
	if got := JitteredInterval(base, 0.5, 1); got != 90*time.Second {
		t.Fatalf("expected upper bound 90s, got %s", got)
	}
	if got := JitteredInterval(base, 1, 0); got != time.Millisecond {
		t.Fatalf("expected minimum delay, got %s", got)
	}
	if got := JitteredInterval(0, 0.5, 0.5); got != 0 {
		t.Fatalf("expected zero for zero base, got %s", got)
	}
}
