package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memoryQueue keeps the queue in process memory. The file backend reuses it
// and persists a snapshot after every mutation.
type memoryQueue struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int64
	items  []QueuedAction
	dead   []DeadLetter
	closed bool

	// acquire, when set, runs under mu before every operation. It takes any
	// cross-process lock and refreshes the state from durable storage.
	acquire func() (release func(), err error)
	// save, when set, must persist the state before a mutation is reported.
	save func(queueSnapshot) error
}

type queueSnapshot struct {
	NextID      int64          `json:"nextId"`
	Items       []QueuedAction `json:"items"`
	DeadLetters []DeadLetter   `json:"deadLetters"`
}

// NewMemoryQueue returns a queue that lives only as long as the process.
func NewMemoryQueue(opts ...Option) Queue {
	return newMemoryQueue(buildOptions(opts))
}

func newMemoryQueue(o options) *memoryQueue {
	return &memoryQueue{
		now:    o.now,
		nextID: 1,
		items:  []QueuedAction{},
		dead:   []DeadLetter{},
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, a Action) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pending, err := prepare(a, q.now())
	if err != nil {
		return 0, err
	}
	unlock, err := q.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()
	before := q.snapshotLocked()
	pending.ID = q.nextID
	q.nextID++
	q.items = append(q.items, pending)
	if err := q.commitLocked(before); err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	return pending.ID, nil
}

func (q *memoryQueue) ListAll(ctx context.Context) ([]QueuedAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock, err := q.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]QueuedAction, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, cloneAction(item))
	}
	return out, nil
}

func (q *memoryQueue) Remove(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := q.lock()
	if err != nil {
		return err
	}
	defer unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return nil
	}
	before := q.snapshotLocked()
	q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
	if err := q.commitLocked(before); err != nil {
		return fmt.Errorf("queue: remove %d: %w", id, err)
	}
	return nil
}

func (q *memoryQueue) RecordFailure(ctx context.Context, id int64, reason string, poison bool) (QueuedAction, error) {
	if err := ctx.Err(); err != nil {
		return QueuedAction{}, err
	}
	unlock, err := q.lock()
	if err != nil {
		return QueuedAction{}, err
	}
	defer unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return QueuedAction{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	before := q.snapshotLocked()
	q.items[idx].Attempts++
	if poison {
		q.items[idx].PoisonAttempts++
	}
	q.items[idx].LastError = normalizeReason(reason)
	if err := q.commitLocked(before); err != nil {
		return QueuedAction{}, fmt.Errorf("queue: record failure %d: %w", id, err)
	}
	return cloneAction(q.items[idx]), nil
}

func (q *memoryQueue) DeadLetter(ctx context.Context, id int64, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := q.lock()
	if err != nil {
		return err
	}
	defer unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	before := q.snapshotLocked()
	item := q.items[idx]
	q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
	q.dead = append(q.dead, DeadLetter{
		QueuedAction:   item,
		Reason:         normalizeReason(reason),
		DeadLetteredAt: q.now().UTC(),
	})
	if err := q.commitLocked(before); err != nil {
		return fmt.Errorf("queue: dead-letter %d: %w", id, err)
	}
	return nil
}

func (q *memoryQueue) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock, err := q.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]DeadLetter, 0, len(q.dead))
	for _, d := range q.dead {
		out = append(out, cloneDeadLetter(d))
	}
	return out, nil
}

func (q *memoryQueue) Replay(ctx context.Context, id int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	unlock, err := q.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()
	idx := q.deadIndexLocked(id)
	if idx < 0 {
		return 0, fmt.Errorf("%w: dead letter %d", ErrNotFound, id)
	}
	before := q.snapshotLocked()
	d := q.dead[idx]
	q.dead = append(q.dead[:idx:idx], q.dead[idx+1:]...)
	item := d.QueuedAction
	item.ID = q.nextID
	item.Attempts = 0
	item.PoisonAttempts = 0
	item.LastError = ""
	q.nextID++
	q.items = append(q.items, item)
	if err := q.commitLocked(before); err != nil {
		return 0, fmt.Errorf("queue: replay %d: %w", id, err)
	}
	return item.ID, nil
}

func (q *memoryQueue) Discard(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := q.lock()
	if err != nil {
		return err
	}
	defer unlock()
	idx := q.deadIndexLocked(id)
	if idx < 0 {
		return nil
	}
	before := q.snapshotLocked()
	q.dead = append(q.dead[:idx:idx], q.dead[idx+1:]...)
	if err := q.commitLocked(before); err != nil {
		return fmt.Errorf("queue: discard %d: %w", id, err)
	}
	return nil
}

func (q *memoryQueue) Depth(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	unlock, err := q.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()
	return len(q.items), nil
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// lock serialises operations on q and, for durable backends, holds the
// storage lock until the returned func runs.
func (q *memoryQueue) lock() (func(), error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if q.acquire == nil {
		return q.mu.Unlock, nil
	}
	release, err := q.acquire()
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	return func() {
		release()
		q.mu.Unlock()
	}, nil
}

func (q *memoryQueue) indexLocked(id int64) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (q *memoryQueue) deadIndexLocked(id int64) int {
	for i, d := range q.dead {
		if d.ID == id {
			return i
		}
	}
	return -1
}

func (q *memoryQueue) snapshotLocked() queueSnapshot {
	return queueSnapshot{
		NextID:      q.nextID,
		Items:       append([]QueuedAction(nil), q.items...),
		DeadLetters: append([]DeadLetter(nil), q.dead...),
	}
}

// commitLocked persists the current state, restoring before when that fails.
func (q *memoryQueue) commitLocked(before queueSnapshot) error {
	if q.save == nil {
		return nil
	}
	if err := q.save(q.snapshotLocked()); err != nil {
		q.nextID = before.NextID
		q.items = before.Items
		q.dead = before.DeadLetters
		return err
	}
	return nil
}
