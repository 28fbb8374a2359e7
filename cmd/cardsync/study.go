package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gulfara/cardsync/internal/queue"
	"github.com/gulfara/cardsync/internal/srs"
)

func newReviewCmd(a *app) *cobra.Command {
	var (
		cardID  string
		correct bool
		elapsed time.Duration
		quality int
	)
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Record a review of one card",
		Long: "Grades the review from --correct and --elapsed, or takes an explicit " +
			"--quality (0-5), then stores the new schedule and queues it for sync.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			learner, err := a.requireLearner()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cardID) == "" {
				return fmt.Errorf("--card is required")
			}
			svc, _, closeAll, err := a.openService()
			if err != nil {
				return err
			}
			defer closeAll()

			var st srs.ReviewState
			if cmd.Flags().Changed("quality") {
				st, err = svc.RecordQuality(cmd.Context(), learner, cardID, srs.Quality(quality))
			} else {
				st, err = svc.Record(cmd.Context(), learner, srs.ReviewOutcome{
					CardID:        cardID,
					Correct:       correct,
					ElapsedMillis: elapsed.Milliseconds(),
				})
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cardID, "card", "", "card ID")
	f.BoolVar(&correct, "correct", false, "the answer was correct")
	f.DurationVar(&elapsed, "elapsed", 0, "time taken to answer")
	f.IntVar(&quality, "quality", 0, "explicit SM-2 quality grade (0-5)")
	cmd.MarkFlagsMutuallyExclusive("quality", "correct")
	cmd.MarkFlagsMutuallyExclusive("quality", "elapsed")
	return cmd
}

func newDeckCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deck",
		Short: "Manage decks",
	}

	var (
		deckID      string
		title       string
		description string
		cards       []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a deck and seed its cards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			learner, err := a.requireLearner()
			if err != nil {
				return err
			}
			svc, _, closeAll, err := a.openService()
			if err != nil {
				return err
			}
			defer closeAll()
			deck, err := svc.CreateDeck(cmd.Context(), queue.CreateDeck{
				DeckID:      deckID,
				LearnerID:   learner,
				Title:       title,
				Description: description,
				CardIDs:     cards,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), deck)
		},
	}
	f := create.Flags()
	f.StringVar(&deckID, "id", "", "deck ID (generated when empty)")
	f.StringVar(&title, "title", "", "deck title")
	f.StringVar(&description, "description", "", "deck description")
	f.StringSliceVar(&cards, "card", nil, "card IDs (repeatable or comma separated)")
	_ = create.MarkFlagRequired("title")

	cmd.AddCommand(create)
	return cmd
}

func newDueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "due",
		Short: "List due cards, most overdue first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			learner, err := a.requireLearner()
			if err != nil {
				return err
			}
			svc, _, closeAll, err := a.openService()
			if err != nil {
				return err
			}
			defer closeAll()
			due, err := svc.Due(cmd.Context(), learner)
			if err != nil {
				return err
			}
			if due == nil {
				due = []srs.ReviewState{}
			}
			return writeJSON(cmd.OutOrStdout(), due)
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate learning statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			learner, err := a.requireLearner()
			if err != nil {
				return err
			}
			svc, q, closeAll, err := a.openService()
			if err != nil {
				return err
			}
			defer closeAll()
			stats, err := svc.Stats(cmd.Context(), learner)
			if err != nil {
				return err
			}
			depth, err := q.Depth(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"stats":        stats,
				"queued_sync":  depth,
				"backend":      a.cfg.BackendProfile,
				"generated_at": time.Now().UTC().Format(time.RFC3339),
			})
		},
	}
}

func newSessionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Estimate the next study session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			learner, err := a.requireLearner()
			if err != nil {
				return err
			}
			svc, _, closeAll, err := a.openService()
			if err != nil {
				return err
			}
			defer closeAll()
			session, err := svc.Session(cmd.Context(), learner)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), session)
		},
	}
}

type previewRow struct {
	Quality      srs.Quality `json:"quality"`
	Grade        string      `json:"grade"`
	IntervalDays int         `json:"interval_days"`
	Ease         float64     `json:"ease"`
	NextReviewAt time.Time   `json:"next_review_at"`
}

func newPreviewCmd(a *app) *cobra.Command {
	var cardID string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the schedule each grade would produce for a card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			learner, err := a.requireLearner()
			if err != nil {
				return err
			}
			svc, _, closeAll, err := a.openService()
			if err != nil {
				return err
			}
			defer closeAll()
			outcomes, err := svc.Preview(cmd.Context(), learner, cardID)
			if err != nil {
				return err
			}
			rows := make([]previewRow, 0, len(outcomes))
			for _, q := range srs.AllQualities {
				st, ok := outcomes[q]
				if !ok {
					continue
				}
				rows = append(rows, previewRow{
					Quality:      q,
					Grade:        q.String(),
					IntervalDays: st.IntervalDays,
					Ease:         st.Ease,
					NextReviewAt: st.NextReviewAt,
				})
			}
			return writeJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&cardID, "card", "", "card ID")
	_ = cmd.MarkFlagRequired("card")
	return cmd
}
