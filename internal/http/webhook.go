package http

import (
	"context"
	"net/http"
	"regexp"
	"strconv"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/feedback"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

const maxWebhookBody = 1 << 20

var validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// handleGitHubWebhook turns replies to review comments into reply feedback.
// The parent comment ID identifies the finding.
func (s *Server) handleGitHubWebhook(c echo.Context) error {
	r := c.Request()
	ctx := r.Context()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, maxWebhookBody)

	payload, err := github.ValidatePayload(r, []byte(s.config.WebhookSecret.Value()))
	if err != nil {
		s.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}
	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		s.logger.Warn(ctx, "failed to parse webhook", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	switch e := event.(type) {
	case *github.PullRequestReviewCommentEvent:
		entry, err := s.handleReviewComment(ctx, e)
		if err != nil {
			return s.fail(c, err)
		}
		if entry != nil {
			return c.JSON(http.StatusCreated, entry)
		}
	default:
		s.logger.Debug(ctx, "ignoring webhook event", zap.String("type", github.WebHookType(r)))
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleReviewComment(ctx context.Context, e *github.PullRequestReviewCommentEvent) (*models.FeedbackEntry, error) {
	comment := e.GetComment()
	if e.GetAction() != "created" || comment.GetInReplyTo() == 0 {
		return nil, nil
	}

	owner, name := e.GetRepo().GetOwner().GetLogin(), e.GetRepo().GetName()
	if !validNameRegex.MatchString(owner) || !validNameRegex.MatchString(name) {
		return nil, models.NewValidationError("repository", "invalid owner or name")
	}

	ref := feedback.Ref{
		ChangeRecordID: models.ChangeRecordID(models.Repo{Owner: owner, Name: name}, e.GetPullRequest().GetNumber()),
		FindingID:      strconv.FormatInt(comment.GetInReplyTo(), 10),
		File:           comment.GetPath(),
		Line:           comment.GetLine(),
		Reviewer:       comment.GetUser().GetLogin(),
	}
	return s.collector.CollectFromReply(ctx, comment.GetBody(), ref)
}
