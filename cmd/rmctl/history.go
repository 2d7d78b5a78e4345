package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/reviewmemory/internal/historical"
)

var lookbackDays int

func init() {
	for _, c := range []*cobra.Command{similarCmd, contextCmd} {
		c.Flags().IntVar(&lookbackDays, "lookback-days", 0, "history window in days (server default when 0)")
	}
	hotspotsCmd.Flags().IntVar(&lookbackDays, "days", 0, "only count changes from the last N days")
	rootCmd.AddCommand(recordCmd, similarCmd, contextCmd, hotspotsCmd, cyclesCmd)
}

var recordCmd = &cobra.Command{
	Use:   "record <review.json|->",
	Short: "Store a reviewed pull request in history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		review, err := readReview(cmd, args[0])
		if err != nil {
			return err
		}
		var res historical.StoreResult
		if err := call(cmd.Context(), http.MethodPost, "/api/v1/reviews", review, &res); err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var similarCmd = &cobra.Command{
	Use:   "similar <review.json|->",
	Short: "Find past pull requests similar to a review",
	Long: `Find past pull requests similar to the given review request.

Examples:
  # Look up similar changes for a PR description on disk
  rmctl similar pr.json

  # Read the review from stdin with a 30 day window
  cat pr.json | rmctl similar --lookback-days 30 -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		review, err := readReview(cmd, args[0])
		if err != nil {
			return err
		}
		var res historical.SimilarResult
		body := map[string]any{"review": review, "lookback_days": lookbackDays}
		if err := call(cmd.Context(), http.MethodPost, "/api/v1/similar", body, &res); err != nil {
			return err
		}
		warn(cmd, res.Degraded, res.Warnings)
		if len(res.Items) == 0 {
			cmd.Println("No similar pull requests found.")
			return nil
		}
		for _, pr := range res.Items {
			cmd.Printf("%.2f  #%-6d %s\n", pr.Score, pr.Number, pr.Title)
		}
		return nil
	},
}

var contextCmd = &cobra.Command{
	Use:   "context <review.json|->",
	Short: "Build the full historical context for a review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		review, err := readReview(cmd, args[0])
		if err != nil {
			return err
		}
		var res map[string]any
		body := map[string]any{"review": review, "lookback_days": lookbackDays}
		if err := call(cmd.Context(), http.MethodPost, "/api/v1/context", body, &res); err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var hotspotsCmd = &cobra.Command{
	Use:   "hotspots <owner/repo>",
	Short: "List files with repeated bug fixes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepo(args[0])
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/api/v1/repos/%s/%s/hotspots", url.PathEscape(repo.Owner), url.PathEscape(repo.Name))
		if lookbackDays > 0 {
			path += fmt.Sprintf("?days=%d", lookbackDays)
		}
		var res historical.HotspotResult
		if err := call(cmd.Context(), http.MethodGet, path, nil, &res); err != nil {
			return err
		}
		warn(cmd, res.Degraded, res.Warnings)
		if len(res.Items) == 0 {
			cmd.Println("No hotspots.")
			return nil
		}
		for _, h := range res.Items {
			cmd.Printf("%4d  %s\n", h.Count, h.Path)
		}
		return nil
	},
}

var cyclesCmd = &cobra.Command{
	Use:   "cycles <owner/repo>",
	Short: "Report circular file dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := parseRepo(args[0])
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/api/v1/repos/%s/%s/cycles", url.PathEscape(repo.Owner), url.PathEscape(repo.Name))
		var res historical.CycleResult
		if err := call(cmd.Context(), http.MethodGet, path, nil, &res); err != nil {
			return err
		}
		warn(cmd, res.Degraded, res.Warnings)
		if len(res.Cycles) == 0 {
			cmd.Println("No cycles.")
			return nil
		}
		for _, c := range res.Cycles {
			cmd.Println(strings.Join(c, " -> "))
		}
		if res.Truncated {
			cmd.Printf("(truncated after %d nodes)\n", res.Nodes)
		}
		return nil
	},
}

// warn reports partial results on stderr.
func warn(cmd *cobra.Command, degraded bool, warnings []string) {
	if !degraded {
		return
	}
	for _, w := range warnings {
		cmd.PrintErrf("warning: %s\n", w)
	}
}
