package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gulfara/cardsync/internal/config"
	"github.com/gulfara/cardsync/internal/queue"
	"github.com/gulfara/cardsync/internal/remote"
	"github.com/gulfara/cardsync/internal/review"
)

var version = "dev"

func main() {
	if err := newRootCmd(log.Default()).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the resolved configuration to every subcommand.
type app struct {
	cfg    config.Config
	logger *log.Logger
	flags  rootFlags
}

type rootFlags struct {
	configPath string
	learner    string
	profile    string
	dataDir    string
	queueDSN   string
	stateDSN   string
	remoteURL  string
	token      string
	remoteDSN  string
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	a := &app{logger: logger}
	root := &cobra.Command{
		Use:           "cardsync",
		Short:         "Spaced-repetition reviews with offline-first sync",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "YAML config file (default $CARDSYNC_CONFIG)")
	pf.StringVar(&a.flags.learner, "learner", "", "learner ID")
	pf.StringVar(&a.flags.profile, "profile", "", "backend profile: durable-local, sqlite, memory, production, custom")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "directory for local queue and state files")
	pf.StringVar(&a.flags.queueDSN, "queue", "", "queue DSN")
	pf.StringVar(&a.flags.stateDSN, "states", "", "review state store DSN")
	pf.StringVar(&a.flags.remoteURL, "remote-url", "", "remote store base URL")
	pf.StringVar(&a.flags.token, "token", "", "bearer token for the remote store")
	pf.StringVar(&a.flags.remoteDSN, "remote-dsn", "", "apply actions directly to this Postgres DSN")

	root.AddCommand(
		newSyncCmd(a),
		newReviewCmd(a),
		newDeckCmd(a),
		newDueCmd(a),
		newStatsCmd(a),
		newSessionCmd(a),
		newPreviewCmd(a),
		newQueueCmd(a),
		newServeCmd(a),
	)
	return root
}

// load resolves configuration and applies root flags on top of it.
func (a *app) load(cmd *cobra.Command) error {
	f := cmd.Flags()
	cfg, err := config.Loader{
		ConfigPath:     a.flags.configPath,
		Logger:         a.logger,
		BackendProfile: a.flags.profile,
		DataDir:        a.flags.dataDir,
	}.Load()
	if err != nil {
		return err
	}
	set := func(name string, dst *string, value string) {
		if f.Changed(name) {
			*dst = strings.TrimSpace(value)
		}
	}
	set("learner", &cfg.LearnerID, a.flags.learner)
	set("queue", &cfg.QueueDSN, a.flags.queueDSN)
	set("states", &cfg.StateDSN, a.flags.stateDSN)
	set("remote-url", &cfg.Remote.URL, a.flags.remoteURL)
	set("token", &cfg.Remote.Token, a.flags.token)
	set("remote-dsn", &cfg.Remote.DSN, a.flags.remoteDSN)
	a.cfg = cfg
	return nil
}

func (a *app) requireLearner() (string, error) {
	learner := strings.TrimSpace(a.cfg.LearnerID)
	if learner == "" {
		return "", fmt.Errorf("learner is required (--learner or CARDSYNC_LEARNER)")
	}
	return learner, nil
}

func (a *app) openQueue() (queue.Queue, error) {
	q, err := queue.Open(a.cfg.QueueDSN)
	if err != nil {
		return nil, fmt.Errorf("open queue %q: %w", a.cfg.QueueDSN, err)
	}
	return q, nil
}

// openService opens the local state store and queue. The returned func
// closes both.
func (a *app) openService() (*review.Service, queue.Queue, func(), error) {
	q, err := a.openQueue()
	if err != nil {
		return nil, nil, nil, err
	}
	states, err := review.OpenStateStore(a.cfg.StateDSN)
	if err != nil {
		_ = q.Close()
		return nil, nil, nil, fmt.Errorf("open state store %q: %w", a.cfg.StateDSN, err)
	}
	closeAll := func() {
		if err := states.Close(); err != nil {
			a.logger.Printf("close state store: %v", err)
		}
		if err := q.Close(); err != nil {
			a.logger.Printf("close queue: %v", err)
		}
	}
	svc, err := review.NewService(states, q)
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	return svc, q, closeAll, nil
}

// openRemote returns the store queued actions are applied to: Postgres when
// a remote DSN is configured, the HTTP API otherwise.
func (a *app) openRemote() (remote.Store, func(), error) {
	if dsn := strings.TrimSpace(a.cfg.Remote.DSN); dsn != "" {
		store, err := remote.NewPostgresStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	client := remote.NewHTTPClient(a.cfg.Remote.URL, a.cfg.Remote.Token, &http.Client{Timeout: a.cfg.Remote.Timeout})
	return client, func() {}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
