// Package tracker lists recent pull requests and linked issues from the
// source host. It is the last-resort similarity signal.
package tracker

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

var tracer = otel.Tracer("reviewmemory.tracker")

// PRSummary is a lightweight pull request listing entry.
type PRSummary struct {
	Number    int                `json:"number"`
	Title     string             `json:"title"`
	Author    string             `json:"author"`
	State     models.ChangeState `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Client wraps the GitHub REST API.
type Client struct {
	gh     *github.Client
	retry  RetryConfig
	logger *logging.Logger
}

// New creates a client. An unset token makes unauthenticated requests, which
// GitHub rate-limits heavily; BaseURL selects a GitHub Enterprise host.
func New(ctx context.Context, cfg config.TrackerConfig, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var httpClient *http.Client
	if cfg.Token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	gh := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		if gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("configuring enterprise url: %w", err)
		}
	}

	retry := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	return newClient(gh, retry, logger), nil
}

func newClient(gh *github.Client, retry RetryConfig, logger *logging.Logger) *Client {
	return &Client{gh: gh, retry: retry, logger: logger.Named("tracker")}
}

// ListRecentPRs returns up to limit pull requests of any state, most
// recently updated first.
func (c *Client) ListRecentPRs(ctx context.Context, owner, repo string, limit int) ([]PRSummary, error) {
	ctx, span := tracer.Start(ctx, "tracker.ListRecentPRs")
	defer span.End()
	span.SetAttributes(attribute.String("repo", owner+"/"+repo), attribute.Int("limit", limit))

	if limit <= 0 {
		return nil, nil
	}
	perPage := limit
	if perPage > 100 {
		perPage = 100
	}
	opts := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var out []PRSummary
	for len(out) < limit {
		var (
			page []*github.PullRequest
			resp *github.Response
		)
		_, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
			var err error
			page, resp, err = c.gh.PullRequests.List(ctx, owner, repo, opts)
			return resp, err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list pull requests failed")
			return nil, &models.UpstreamError{Op: "list pull requests", Err: err}
		}
		for _, pr := range page {
			out = append(out, summarize(pr))
			if len(out) == limit {
				break
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	c.logger.Debug(ctx, "listed recent pull requests",
		zap.String("repo", owner+"/"+repo), zap.Int("count", len(out)))
	return out, nil
}

func summarize(pr *github.PullRequest) PRSummary {
	state := models.StateOpen
	switch {
	case !pr.GetMergedAt().IsZero():
		state = models.StateMerged
	case pr.GetState() == "closed":
		state = models.StateClosed
	}
	return PRSummary{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Author:    pr.GetUser().GetLogin(),
		State:     state,
		CreatedAt: pr.GetCreatedAt().Time,
		UpdatedAt: pr.GetUpdatedAt().Time,
	}
}

var issueRef = regexp.MustCompile(`#(\d+)`)

// maxIssueRefs bounds the issue lookups made for one description.
const maxIssueRefs = 5

// RelatedIssues resolves "#N" references in text to issues. References that
// do not resolve (pull requests, deleted issues) are skipped.
func (c *Client) RelatedIssues(ctx context.Context, owner, repo, text string) ([]models.Issue, error) {
	ctx, span := tracer.Start(ctx, "tracker.RelatedIssues")
	defer span.End()

	seen := make(map[int]struct{})
	var out []models.Issue
	for _, m := range issueRef.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		if len(seen) > maxIssueRefs {
			break
		}

		var issue *github.Issue
		resp, err := withRetry(ctx, c.retry, c.logger, func() (*github.Response, error) {
			var (
				r   *github.Response
				err error
			)
			issue, r, err = c.gh.Issues.Get(ctx, owner, repo, n)
			return r, err
		})
		if err != nil {
			if statusCode(resp) == http.StatusNotFound {
				continue
			}
			span.RecordError(err)
			return out, &models.UpstreamError{Op: "get issue", Err: err}
		}
		if issue.IsPullRequest() {
			continue
		}
		labels := make([]string, 0, len(issue.Labels))
		for _, l := range issue.Labels {
			labels = append(labels, l.GetName())
		}
		out = append(out, models.Issue{
			ID:     strconv.Itoa(issue.GetNumber()),
			Title:  issue.GetTitle(),
			Labels: labels,
		})
	}
	return out, nil
}
