package historical

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/reviewmemory/internal/graphstore"
	"github.com/fyrsmithlabs/reviewmemory/internal/historical/signal"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// Bug pattern sources and kinds.
const (
	SourceRelatedIssue = "related_issue"
	SourceHistory      = "history"

	PatternBugReport     = "bug_report"
	PatternHistoricalBug = "historical_bug"
)

const (
	issueRelevance   = 0.7
	historyRelevance = 0.6
	bugHistoryLimit  = 5
)

// BugPattern is a possible related past fix. It is a hint, not a claim of
// causation.
type BugPattern struct {
	Source       string   `json:"source"`
	Pattern      string   `json:"pattern"`
	Relevance    float64  `json:"relevance"`
	Title        string   `json:"title"`
	IssueID      string   `json:"issue_id,omitempty"`
	ChangeID     string   `json:"change_id,omitempty"`
	Number       int      `json:"number,omitempty"`
	OverlapCount int      `json:"overlap_count,omitempty"`
	Files        []string `json:"files,omitempty"`
}

// BugPatternResult lists bug patterns, issue-derived ones first.
type BugPatternResult struct {
	Items    []BugPattern `json:"items"`
	Degraded bool         `json:"degraded"`
	Warnings []string     `json:"warnings,omitempty"`
}

// FindBugPatterns reports linked bug issues and closed changes that touched
// the same files within the lookback window, ranked by overlap count.
// Linked issues are resolved through the tracker when the request carries
// none of its own.
func (a *Analyzer) FindBugPatterns(ctx context.Context, req *models.ReviewRequest, lookbackDays int) (*BugPatternResult, error) {
	if req == nil {
		return nil, models.NewValidationError("request", "review request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "historical.FindBugPatterns")
	defer span.End()
	ctx = logging.WithChangeID(logging.WithRepo(ctx, req.Repo.String()), req.ID())

	days := a.lookback(lookbackDays)
	var issues *signal.Pending[[]models.Issue]
	if len(req.RelatedIssues) == 0 && a.tracker != nil && req.Description != "" {
		issues = signal.Start(ctx, a.logger, signalIssues, a.cfg.SignalTimeout, func(ctx context.Context) ([]models.Issue, error) {
			return a.tracker.RelatedIssues(ctx, req.Repo.Owner, req.Repo.Name, req.Title+"\n"+req.Description)
		})
	}
	history := signal.Run(ctx, a.logger, signalBugHistory, a.cfg.SignalTimeout, func(ctx context.Context) ([]graphstore.RelatedChange, error) {
		return a.closedOverlapping(ctx, req, days)
	})

	res := &BugPatternResult{Items: []BugPattern{}}
	related := req.RelatedIssues
	if issues != nil {
		o := issues.Wait()
		related = o.Value
		res.Degraded = res.Degraded || o.Failed()
		res.Warnings = collectWarnings(res.Warnings, o.Warning())
	}
	for _, is := range related {
		if !isBugIssue(is) {
			continue
		}
		res.Items = append(res.Items, BugPattern{
			Source:    SourceRelatedIssue,
			Pattern:   PatternBugReport,
			Relevance: issueRelevance,
			Title:     is.Title,
			IssueID:   is.ID,
		})
	}

	res.Degraded = res.Degraded || history.Failed()
	res.Warnings = collectWarnings(res.Warnings, history.Warning())
	for _, r := range history.Value {
		res.Items = append(res.Items, BugPattern{
			Source:       SourceHistory,
			Pattern:      PatternHistoricalBug,
			Relevance:    historyRelevance,
			Title:        r.Record.Title,
			ChangeID:     r.Record.ID,
			Number:       r.Record.Number,
			OverlapCount: r.OverlapCount,
			Files:        r.Record.Files,
		})
	}

	span.SetAttributes(attribute.Int("results", len(res.Items)), attribute.Bool("degraded", res.Degraded))
	return res, nil
}

func (a *Analyzer) closedOverlapping(ctx context.Context, req *models.ReviewRequest, days int) ([]graphstore.RelatedChange, error) {
	files := req.Files()
	if len(files) == 0 {
		return nil, nil
	}
	related, err := a.graph.FindRelatedByFileOverlap(ctx, graphstore.OverlapQuery{
		Repo:       req.Repo,
		Files:      files,
		WindowDays: days,
		Limit:      bugHistoryLimit + 1,
		State:      models.StateClosed,
	})
	if err != nil {
		return nil, err
	}
	self := req.ID()
	out := related[:0]
	for _, r := range related {
		if r.Record.ID != self {
			out = append(out, r)
		}
	}
	if len(out) > bugHistoryLimit {
		out = out[:bugHistoryLimit]
	}
	return out, nil
}

func isBugIssue(is models.Issue) bool {
	for _, l := range is.Labels {
		if strings.EqualFold(l, "bug") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(is.Title), "error")
}
