package main

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/reviewmemory/internal/backfill"
	"github.com/fyrsmithlabs/reviewmemory/internal/historical"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

var (
	backfillRepo  string
	backfillLimit int
)

func init() {
	backfillCmd.Flags().StringVar(&backfillRepo, "repo", "", "repository the clone belongs to (owner/name)")
	backfillCmd.Flags().IntVar(&backfillLimit, "limit", backfill.DefaultLimit, "maximum pull requests to record")
	_ = backfillCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(backfillCmd)
}

var backfillCmd = &cobra.Command{
	Use:   "backfill <path-to-clone>",
	Short: "Seed history from merged pull requests in a local clone",
	Long: `Walk the commit log of a local git clone and record every merged pull
request (merge commits and squash merges referencing #N) with the server.

Examples:
  rmctl backfill --repo acme/api ~/src/api
  rmctl backfill --repo acme/api --limit 100 .`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepo(backfillRepo)
		if err != nil {
			return err
		}
		b, err := backfill.New(httpRecorder{}, logging.NewNop())
		if err != nil {
			return err
		}
		res, err := b.Run(cmd.Context(), args[0], repo, backfillLimit)
		if err != nil {
			return err
		}
		for _, w := range res.Warnings {
			cmd.PrintErrf("warning: %s\n", w)
		}
		cmd.Printf("Scanned %d commits, recorded %d pull requests, skipped %d\n", res.Commits, res.Stored, res.Skipped)
		return nil
	},
}

// httpRecorder stores reviews through the server API.
type httpRecorder struct{}

func (httpRecorder) StoreReview(ctx context.Context, req *models.ReviewRequest) (*historical.StoreResult, error) {
	var res historical.StoreResult
	if err := call(ctx, http.MethodPost, "/api/v1/reviews", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
