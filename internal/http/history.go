package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/reviewmemory/internal/historical"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

func (s *Server) reviewContext(c echo.Context, req *models.ReviewRequest) {
	ctx := logging.WithRepo(c.Request().Context(), req.Repo.String())
	ctx = logging.WithChangeID(ctx, req.ID())
	c.SetRequest(c.Request().WithContext(ctx))
}

func (s *Server) handleStoreReview(c echo.Context) error {
	var req models.ReviewRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	s.reviewContext(c, &req)

	res, err := s.history.StoreReview(c.Request().Context(), &req)
	if err != nil {
		return s.fail(c, err)
	}
	status := http.StatusCreated
	if !res.GraphStored && !res.VectorStored {
		status = http.StatusAccepted
	}
	return c.JSON(status, res)
}

func (s *Server) handleContext(c echo.Context) error {
	var body ContextRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	s.reviewContext(c, &body.Review)

	hc, err := s.history.BuildContext(c.Request().Context(), &body.Review, body.LookbackDays)
	if err != nil {
		return s.fail(c, err)
	}

	resp := ContextResponse{Context: hc, Evidence: historical.Evidence(hc)}
	if len(body.Findings) > 0 {
		resp.Findings = historical.EnhanceFindings(body.Findings, hc)
		if s.learner != nil {
			for i := range resp.Findings {
				f := &resp.Findings[i]
				f.Confidence = s.learner.Adjust(f.Confidence, f.Category)
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSimilar(c echo.Context) error {
	var body LookupRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	s.reviewContext(c, &body.Review)

	res, err := s.history.FindSimilar(c.Request().Context(), &body.Review, body.LookbackDays)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleBugPatterns(c echo.Context) error {
	var body LookupRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	s.reviewContext(c, &body.Review)

	res, err := s.history.FindBugPatterns(c.Request().Context(), &body.Review, body.LookbackDays)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDependencies(c echo.Context) error {
	var body DependenciesRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	edges := make([]models.DependencyEdge, 0, len(body.Edges))
	for _, e := range body.Edges {
		edges = append(edges, models.DependencyEdge{Repo: body.Repo, From: e.From, To: e.To})
	}

	res, err := s.history.AddDependencies(c.Request().Context(), body.Repo, edges)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleHotspots(c echo.Context) error {
	days, err := queryInt(c, "days", 0)
	if err != nil {
		return err
	}
	res, err := s.history.FindHotspots(c.Request().Context(), repoParam(c), days)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleCycles(c echo.Context) error {
	res, err := s.history.DetectCycles(c.Request().Context(), repoParam(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
