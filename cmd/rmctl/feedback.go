package main

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/reviewmemory/internal/feedback"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

var (
	ref         feedback.Ref
	reaction    string
	replyText   string
	wasFixed    bool
	suggestions bool
	windowDays  int
	category    string
	confidence  float64
)

func init() {
	for _, c := range []*cobra.Command{reactionCmd, replyCmd, autoCmd} {
		c.Flags().StringVar(&ref.ChangeRecordID, "record", "", "change record ID (owner/repo#number)")
		c.Flags().StringVar(&ref.FindingID, "finding", "", "finding ID")
		c.Flags().StringVar(&ref.Category, "category", "", "finding category")
		c.Flags().StringVar(&ref.File, "file", "", "file the finding points at")
		c.Flags().IntVar(&ref.Line, "line", 0, "line the finding points at")
		c.Flags().StringVar(&ref.Reviewer, "reviewer", "", "who gave the feedback")
		_ = c.MarkFlagRequired("record")
	}
	reactionCmd.Flags().StringVar(&reaction, "reaction", "", "reaction content (+1, -1, heart, confused...)")
	_ = reactionCmd.MarkFlagRequired("reaction")
	replyCmd.Flags().StringVar(&replyText, "text", "", "reply text")
	_ = replyCmd.MarkFlagRequired("text")
	autoCmd.Flags().BoolVar(&wasFixed, "fixed", false, "the flagged code was changed afterwards")
	feedbackCmd.AddCommand(reactionCmd, replyCmd, autoCmd)

	patternsCmd.Flags().BoolVar(&suggestions, "suggestions", false, "include threshold suggestions")
	patternsCmd.Flags().IntVar(&windowDays, "window-days", 0, "suggestion window in days")

	adjustCmd.Flags().StringVar(&category, "category", "", "finding category")
	adjustCmd.Flags().Float64Var(&confidence, "confidence", 0, "raw confidence in [0,1]")
	_ = adjustCmd.MarkFlagRequired("category")
	_ = adjustCmd.MarkFlagRequired("confidence")

	rootCmd.AddCommand(feedbackCmd, statsCmd, patternsCmd, adjustCmd)
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record reviewer feedback on a finding",
	Long: `Record reviewer feedback on a finding.

Examples:
  rmctl feedback reaction --record acme/api#12 --category security --reaction +1
  rmctl feedback reply --record acme/api#12 --category style --text "not a bug, intentional"
  rmctl feedback auto --record acme/api#12 --category perf --fixed`,
}

var reactionCmd = &cobra.Command{
	Use:   "reaction",
	Short: "Record an emoji reaction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := struct {
			feedback.Ref
			Reaction string `json:"reaction"`
		}{ref, reaction}
		return postFeedback(cmd, "/api/v1/feedback/reaction", body)
	},
}

var replyCmd = &cobra.Command{
	Use:   "reply",
	Short: "Record a text reply",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := struct {
			feedback.Ref
			Text string `json:"text"`
		}{ref, replyText}
		return postFeedback(cmd, "/api/v1/feedback/reply", body)
	},
}

var autoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Record whether a finding was fixed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := struct {
			feedback.Ref
			WasFixed bool `json:"was_fixed"`
		}{ref, wasFixed}
		return postFeedback(cmd, "/api/v1/feedback/auto", body)
	},
}

func postFeedback(cmd *cobra.Command, path string, body any) error {
	var entry models.FeedbackEntry
	if err := call(cmd.Context(), http.MethodPost, path, body, &entry); err != nil {
		return err
	}
	cmd.Printf("Recorded %s feedback %s\n", entry.Type, entry.ID)
	return nil
}

var statsCmd = &cobra.Command{
	Use:   "stats <finding-id>",
	Short: "Show feedback counts for a finding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats models.FeedbackStats
		path := "/api/v1/feedback/" + url.PathEscape(args[0]) + "/stats"
		if err := call(cmd.Context(), http.MethodGet, path, nil, &stats); err != nil {
			return err
		}
		cmd.Printf("Finding:        %s\n", stats.FindingID)
		cmd.Printf("Total:          %d\n", stats.Total)
		cmd.Printf("Positive ratio: %.2f\n", stats.PositiveRatio)
		for _, t := range models.FeedbackTypes {
			if n := stats.Counts[t]; n > 0 {
				cmd.Printf("  %-16s %d\n", t, n)
			}
		}
		return nil
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show learned confidence multipliers per category",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if suggestions {
			q.Set("suggestions", "true")
		}
		if windowDays > 0 {
			q.Set("window_days", fmt.Sprint(windowDays))
		}
		path := "/api/v1/patterns"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var res struct {
			feedback.PatternSet
			FalsePositives []feedback.CategorySuggestion `json:"false_positive_categories"`
			FalseNegatives []feedback.CategorySuggestion `json:"false_negative_categories"`
		}
		if err := call(cmd.Context(), http.MethodGet, path, nil, &res); err != nil {
			return err
		}

		cats := make([]string, 0, len(res.Patterns))
		for c := range res.Patterns {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		for _, c := range cats {
			p := res.Patterns[c]
			trusted := ""
			if !p.Trusted {
				trusted = " (untrusted)"
			}
			cmd.Printf("%-16s x%.2f  %d samples, %.0f%% positive%s\n", c, p.Multiplier, p.Samples, p.PositiveRatio*100, trusted)
		}
		if len(cats) == 0 {
			cmd.Println("No patterns learned yet.")
		}
		for _, s := range res.FalsePositives {
			cmd.Printf("suggest lowering %s to x%.1f (%.0f%% false positives)\n", s.Category, s.SuggestedMultiplier, s.Share*100)
		}
		for _, s := range res.FalseNegatives {
			cmd.Printf("suggest raising %s to x%.1f (%.0f%% missed)\n", s.Category, s.SuggestedMultiplier, s.Share*100)
		}
		return nil
	},
}

var adjustCmd = &cobra.Command{
	Use:   "adjust",
	Short: "Apply learned patterns to a raw confidence",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"findings": []models.Finding{{Category: category, Confidence: confidence}},
		}
		var res struct {
			Findings []struct {
				Category   string  `json:"category"`
				Raw        float64 `json:"raw"`
				Adjusted   float64 `json:"adjusted"`
				Multiplier float64 `json:"multiplier"`
			} `json:"findings"`
		}
		if err := call(cmd.Context(), http.MethodPost, "/api/v1/confidence", body, &res); err != nil {
			return err
		}
		for _, f := range res.Findings {
			cmd.Printf("%s: %.2f -> %.2f (x%.2f)\n", f.Category, f.Raw, f.Adjusted, f.Multiplier)
		}
		return nil
	},
}
