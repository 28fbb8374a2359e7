// Package syncer drains the action queue into the remote store.
//
// A Coordinator applies queued actions strictly in ID order, one at a time.
// The first failure stops the pass and leaves that action and everything
// behind it queued, so the remote store never sees actions out of order.
// Actions that keep failing as poison are dead-lettered after MaxAttempts so
// they cannot block the queue forever.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gulfara/cardsync/internal/queue"
	"github.com/gulfara/cardsync/internal/remote"
)

var (
	ErrOffline         = errors.New("syncer: offline")
	ErrDrainInProgress = errors.New("syncer: drain in progress")
)

const (
	DefaultInterval      = 60 * time.Second
	DefaultMaxAttempts   = 5
	DefaultActionTimeout = 15 * time.Second
)

// State is the coordinator's position in its drain cycle.
type State int32

const (
	Idle State = iota
	Draining
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Backoff:
		return "backoff"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

// Ticker delivers periodic drain triggers. Reset changes the period of the
// next tick.
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time    { return t.t.C }
func (t timeTicker) Reset(d time.Duration) { t.t.Reset(d) }
func (t timeTicker) Stop()                 { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

type Options struct {
	// Interval between timer-driven drains.
	Interval time.Duration
	// IntervalJitter spreads each interval by up to this ratio (0.0-1.0).
	IntervalJitter float64
	// MaxAttempts is the number of poison failures after which an action is
	// dead-lettered.
	MaxAttempts int
	// ActionTimeout bounds the apply and remove of a single action.
	ActionTimeout time.Duration
	// InitiallyOnline defaults to true.
	InitiallyOnline *bool
	NewTicker       func(d time.Duration) Ticker
	Logger          Logger
	Tracer          trace.Tracer
	Now             func() time.Time
	// Rand returns samples in [0, 1) for interval jitter.
	Rand func() float64
}

// DrainResult describes one pass over the queue.
type DrainResult struct {
	Pending      int
	Applied      int
	DeadLettered int
	// Remaining counts actions left queued when the pass stopped early.
	Remaining int
}

// Stats are cumulative counters for diagnostics.
type Stats struct {
	Drains       int64     `json:"drains"`
	Applied      int64     `json:"applied"`
	Failed       int64     `json:"failed"`
	DeadLettered int64     `json:"dead_lettered"`
	LastError    string    `json:"last_error,omitempty"`
	LastDrainAt  time.Time `json:"last_drain_at,omitempty"`
}

type Coordinator struct {
	queue queue.Queue
	store remote.Store
	opts  Options

	state    atomic.Int32
	online   atomic.Bool
	draining atomic.Bool

	triggerCh chan struct{}
	onlineCh  chan struct{}

	mu    sync.Mutex
	stats Stats
}

func New(q queue.Queue, store remote.Store, opts Options) (*Coordinator, error) {
	if q == nil {
		return nil, fmt.Errorf("syncer: queue is required")
	}
	if store == nil {
		return nil, fmt.Errorf("syncer: remote store is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	opts.IntervalJitter = ClampJitterRatio(opts.IntervalJitter)
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	if opts.NewTicker == nil {
		opts.NewTicker = newTimeTicker
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/gulfara/cardsync/internal/syncer")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	c := &Coordinator{
		queue:     q,
		store:     store,
		opts:      opts,
		triggerCh: make(chan struct{}, 1),
		onlineCh:  make(chan struct{}, 1),
	}
	c.online.Store(opts.InitiallyOnline == nil || *opts.InitiallyOnline)
	return c, nil
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) Online() bool {
	return c.online.Load()
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// NotifyConnectivity records the current connectivity. Only a transition
// from offline to online schedules a drain, so periodic checks reporting an
// unchanged state do not end Backoff early. It never blocks.
func (c *Coordinator) NotifyConnectivity(online bool) {
	was := c.online.Swap(online)
	if !online {
		if was {
			c.logf("sync offline; pausing drains")
		}
		return
	}
	if !was {
		c.logf("sync online; scheduling drain")
		signal(c.onlineCh)
	}
}

// Trigger asks Run for a drain soon. Triggers that arrive while a drain is
// pending are coalesced, and triggers received in Backoff are dropped until
// the next tick or connectivity change.
func (c *Coordinator) Trigger() {
	signal(c.triggerCh)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run drains once, then on every tick, trigger and connectivity signal
// until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.opts.NewTicker(c.nextInterval())
	defer ticker.Stop()

	c.drain(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			c.logf("sync stopping: %v", ctx.Err())
			return nil
		case <-ticker.C():
			c.drain(ctx, "tick")
			if c.opts.IntervalJitter > 0 {
				ticker.Reset(c.nextInterval())
			}
		case <-c.onlineCh:
			c.drain(ctx, "online")
		case <-c.triggerCh:
			if c.State() == Backoff {
				continue
			}
			c.drain(ctx, "trigger")
		}
	}
}

func (c *Coordinator) drain(ctx context.Context, reason string) {
	res, err := c.DrainOnce(ctx)
	switch {
	case err == nil:
		if res.Pending > 0 {
			c.logf("sync drain (%s) applied %d, dead-lettered %d", reason, res.Applied, res.DeadLettered)
		}
	case errors.Is(err, ErrOffline), errors.Is(err, ErrDrainInProgress):
	case ctx.Err() != nil:
	default:
		c.logf("sync drain (%s) stopped with %d queued: %v", reason, res.Remaining, err)
	}
}

// DrainOnce applies queued actions in ID order until the queue is empty or an
// action fails. Offline and concurrent calls return immediately.
func (c *Coordinator) DrainOnce(ctx context.Context) (DrainResult, error) {
	if !c.online.Load() {
		return DrainResult{}, ErrOffline
	}
	if !c.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer c.draining.Store(false)

	c.state.Store(int32(Draining))
	ctx, span := c.opts.Tracer.Start(ctx, "syncer.drain")
	defer span.End()

	res, err := c.drainLocked(ctx)
	span.SetAttributes(
		attribute.Int("queue.pending", res.Pending),
		attribute.Int("drain.applied", res.Applied),
		attribute.Int("drain.dead_lettered", res.DeadLettered),
		attribute.Int("drain.remaining", res.Remaining),
	)

	next := Idle
	if err != nil && ctx.Err() == nil {
		next = Backoff
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.state.Store(int32(next))
	c.record(res, err)
	return res, err
}

func (c *Coordinator) drainLocked(ctx context.Context) (DrainResult, error) {
	actions, err := c.queue.ListAll(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("syncer: list queue: %w", err)
	}
	res := DrainResult{Pending: len(actions)}
	for i, action := range actions {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(actions) - i
			return res, err
		}
		applyErr := c.apply(ctx, action)
		if applyErr == nil {
			res.Applied++
			continue
		}

		detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ActionTimeout)
		poison := isPoison(applyErr)
		updated, err := c.queue.RecordFailure(detached, action.ID, applyErr.Error(), poison)
		if err != nil {
			cancel()
			res.Remaining = len(actions) - i
			return res, fmt.Errorf("syncer: record failure of action %d: %w (apply: %v)", action.ID, err, applyErr)
		}
		if poison && updated.PoisonAttempts >= c.opts.MaxAttempts {
			err = c.queue.DeadLetter(detached, action.ID, applyErr.Error())
			cancel()
			if err != nil {
				res.Remaining = len(actions) - i
				return res, fmt.Errorf("syncer: dead-letter action %d: %w", action.ID, err)
			}
			res.DeadLettered++
			c.logf("sync dead-lettered action %d (%s) after %d poison attempts: %v", action.ID, action.Kind, updated.PoisonAttempts, applyErr)
			continue
		}
		cancel()
		c.logf("sync action %d (%s) failed on attempt %d: %v", action.ID, action.Kind, updated.Attempts, applyErr)
		res.Remaining = len(actions) - i
		return res, fmt.Errorf("syncer: action %d: %w", action.ID, applyErr)
	}
	return res, nil
}

// apply sends one action and removes it from the queue. Both steps run
// detached from ctx so a shutdown does not abandon an action halfway.
func (c *Coordinator) apply(ctx context.Context, action queue.QueuedAction) error {
	payload, err := queue.Decode(action)
	if err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ActionTimeout)
	defer cancel()
	if err := remote.Apply(actx, c.store, payload, action.IdempotencyKey); err != nil {
		return err
	}
	if err := c.queue.Remove(actx, action.ID); err != nil {
		return fmt.Errorf("remove applied action: %w", err)
	}
	return nil
}

func isPoison(err error) bool {
	return queue.IsPoison(err) || errors.Is(err, remote.ErrRejected)
}

func (c *Coordinator) record(res DrainResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Drains++
	c.stats.Applied += int64(res.Applied)
	c.stats.DeadLettered += int64(res.DeadLettered)
	c.stats.LastDrainAt = c.opts.Now().UTC()
	if err != nil {
		c.stats.Failed++
		c.stats.LastError = err.Error()
	} else {
		c.stats.LastError = ""
	}
}

func (c *Coordinator) nextInterval() time.Duration {
	return JitteredInterval(c.opts.Interval, c.opts.IntervalJitter, c.opts.Rand())
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.opts.Logger == nil {
		return
	}
	c.opts.Logger.Printf(format, args...)
}

// ClampJitterRatio limits value to [0, 1].
func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval scales base by a factor in [1-ratio, 1+ratio] chosen by
// sample, never returning less than a millisecond for a positive base.
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
