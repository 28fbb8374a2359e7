package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gulfara/cardsync/internal/queue"
)

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect pending actions and manage dead letters",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending actions in apply order",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				q, err := a.openQueue()
				if err != nil {
					return err
				}
				defer q.Close()
				items, err := q.ListAll(cmd.Context())
				if err != nil {
					return err
				}
				if items == nil {
					items = []queue.QueuedAction{}
				}
				return writeJSON(cmd.OutOrStdout(), items)
			},
		},
		&cobra.Command{
			Use:   "dead-letters",
			Short: "List dead-lettered actions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				q, err := a.openQueue()
				if err != nil {
					return err
				}
				defer q.Close()
				dead, err := q.ListDeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				if dead == nil {
					dead = []queue.DeadLetter{}
				}
				return writeJSON(cmd.OutOrStdout(), dead)
			},
		},
		&cobra.Command{
			Use:   "replay <id>",
			Short: "Move a dead letter back to the tail of the queue",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseActionID(args[0])
				if err != nil {
					return err
				}
				q, err := a.openQueue()
				if err != nil {
					return err
				}
				defer q.Close()
				newID, err := q.Replay(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"replayed": id, "id": newID})
			},
		},
		&cobra.Command{
			Use:   "discard <id>",
			Short: "Drop a dead letter",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseActionID(args[0])
				if err != nil {
					return err
				}
				q, err := a.openQueue()
				if err != nil {
					return err
				}
				defer q.Close()
				if err := q.Discard(cmd.Context(), id); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"discarded": id})
			},
		},
	)
	return cmd
}

func parseActionID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid action id %q", raw)
	}
	return id, nil
}
