package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/gulfara/cardsync/internal/remote"
	"github.com/gulfara/cardsync/internal/syncer"
	"github.com/gulfara/cardsync/internal/telemetry"
)

func newSyncCmd(a *app) *cobra.Command {
	var (
		once        bool
		interval    time.Duration
		jitter      float64
		maxAttempts int
		watch       bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the action queue to the remote store",
		Long: "Runs the sync coordinator until interrupted. Actions are applied in order " +
			"on every interval, on reconnect and whenever the queue file changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			if f.Changed("interval") {
				a.cfg.Sync.Interval = interval
			}
			if f.Changed("interval-jitter") {
				a.cfg.Sync.IntervalJitter = syncer.ClampJitterRatio(jitter)
			}
			if f.Changed("max-attempts") {
				a.cfg.Sync.MaxAttempts = maxAttempts
			}
			if f.Changed("watch") {
				a.cfg.Sync.Watch = watch
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runSync(ctx, cmd, once)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&once, "once", false, "run one drain and exit")
	f.DurationVar(&interval, "interval", syncer.DefaultInterval, "interval between drains")
	f.Float64Var(&jitter, "interval-jitter", 0, "interval jitter ratio (0.0-1.0)")
	f.IntVar(&maxAttempts, "max-attempts", syncer.DefaultMaxAttempts, "poison failures before an action is dead-lettered")
	f.BoolVar(&watch, "watch", true, "drain when the queue file changes")
	return cmd
}

func (a *app) runSync(ctx context.Context, cmd *cobra.Command, once bool) error {
	cfg := a.cfg
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		UseStdout:      cfg.Telemetry.Stdout,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			a.logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	q, err := a.openQueue()
	if err != nil {
		return err
	}
	defer q.Close()
	store, closeStore, err := a.openRemote()
	if err != nil {
		return err
	}
	defer closeStore()

	coord, err := syncer.New(q, store, syncer.Options{
		Interval:       cfg.Sync.Interval,
		IntervalJitter: cfg.Sync.IntervalJitter,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		ActionTimeout:  cfg.Sync.ActionTimeout,
		Logger:         a.logger,
		Tracer:         otel.Tracer("cardsync/syncer"),
	})
	if err != nil {
		return err
	}

	if once {
		res, err := coord.DrainOnce(ctx)
		if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
			return werr
		}
		return err
	}

	if pinger, ok := store.(remote.Pinger); ok && cfg.Sync.ProbeInterval > 0 {
		go checkConnectivity(ctx, pinger, coord, cfg.Sync.ProbeInterval, cfg.Remote.Timeout)
	}
	if path := cfg.QueueFile(); path != "" && cfg.Sync.Watch {
		done, err := syncer.WatchFile(ctx, path, coord, a.logger)
		if err != nil {
			a.logger.Printf("queue watch disabled: %v", err)
		} else {
			defer func() { <-done }()
		}
	}

	a.logger.Printf("cardsync sync started (queue=%s interval=%s)", cfg.QueueDSN, cfg.Sync.Interval)
	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Printf("cardsync sync stopped: %+v", coord.Stats())
	return nil
}

// checkConnectivity pings the remote store every interval and reports the
// result to the coordinator until ctx is done.
func checkConnectivity(ctx context.Context, p remote.Pinger, coord *syncer.Coordinator, interval, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := p.Ping(pctx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			coord.NotifyConnectivity(err == nil)
		}
	}
}
