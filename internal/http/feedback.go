package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

func (s *Server) handleFeedback(c echo.Context) error {
	var entry models.FeedbackEntry
	if err := bind(c, &entry); err != nil {
		return err
	}
	stored, err := s.collector.Collect(c.Request().Context(), &entry)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleReaction(c echo.Context) error {
	var body ReactionRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	stored, err := s.collector.CollectFromReaction(c.Request().Context(), body.Reaction, body.Ref)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleReply(c echo.Context) error {
	var body ReplyRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	stored, err := s.collector.CollectFromReply(c.Request().Context(), body.Text, body.Ref)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleAutoDetected(c echo.Context) error {
	var body AutoDetectedRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	stored, err := s.collector.CollectAutoDetected(c.Request().Context(), body.Ref, body.WasFixed)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.collector.GetStats(c.Request().Context(), c.Param("finding"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// handlePatterns returns the current pattern snapshot. With
// ?suggestions=true it also reports categories dominated by false
// positives or by ignored findings.
func (s *Server) handlePatterns(c echo.Context) error {
	resp := PatternsResponse{PatternSet: s.learner.Snapshot()}
	if c.QueryParam("suggestions") != "true" {
		return c.JSON(http.StatusOK, resp)
	}

	window, err := queryInt(c, "window_days", 0)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if resp.FalsePositives, err = s.learner.FalsePositiveCategories(ctx, window); err != nil {
		return s.fail(c, err)
	}
	if resp.FalseNegatives, err = s.learner.FalseNegativeCategories(ctx, window); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleConfidence(c echo.Context) error {
	var body ConfidenceRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	set := s.learner.Snapshot()
	resp := ConfidenceResponse{Findings: make([]AdjustedFinding, 0, len(body.Findings))}
	for _, f := range body.Findings {
		if f.Confidence < 0 || f.Confidence > 1 {
			return s.fail(c, models.NewValidationError("confidence", "must be within [0,1]"))
		}
		adj := AdjustedFinding{
			ID:       f.ID,
			Category: f.Category,
			Raw:      f.Confidence,
			Adjusted: set.Adjust(f.Confidence, f.Category),
		}
		if p, ok := set.Patterns[f.Category]; ok && p.Trusted {
			adj.Multiplier = p.Multiplier
		} else {
			adj.Multiplier = 1
		}
		resp.Findings = append(resp.Findings, adj)
	}
	return c.JSON(http.StatusOK, resp)
}
