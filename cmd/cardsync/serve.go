package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gulfara/cardsync/internal/httpapi"
	"github.com/gulfara/cardsync/internal/remote"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the remote store over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Server
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			backend, closeBackend, err := openServerBackend(cfg.StoreDSN)
			if err != nil {
				return err
			}
			defer closeBackend()

			handler := httpapi.NewServerWithConfig(backend, httpapi.ServerConfig{
				JWTSecret:       cfg.JWTSecret,
				RateLimitMax:    cfg.RateLimitMax,
				RateLimitWindow: cfg.RateLimitWindow,
				MaxBodyBytes:    cfg.MaxBodyBytes,
				Logger:          a.logger,
			})
			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() {
				a.logger.Printf("cardsync listening on %s (store=%s)", cfg.Addr, redactDSN(cfg.StoreDSN))
				errCh <- srv.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func openServerBackend(dsn string) (httpapi.Backend, func(), error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "", strings.HasPrefix(dsn, "memory://"):
		return remote.NewMemoryStore(), func() {}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		store, err := remote.NewPostgresStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported server store %q", redactDSN(dsn))
	}
}

// redactDSN hides everything between the scheme and the host.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}
