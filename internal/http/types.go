package http

import (
	"github.com/fyrsmithlabs/reviewmemory/internal/feedback"
	"github.com/fyrsmithlabs/reviewmemory/internal/historical"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// LookupRequest is the body of the similar and bug-pattern lookups.
type LookupRequest struct {
	Review       models.ReviewRequest `json:"review"`
	LookbackDays int                  `json:"lookback_days,omitempty"`
}

// ContextRequest is the body of POST /api/v1/context. Findings, when
// present, are returned with historical evidence and adjusted confidence.
type ContextRequest struct {
	Review       models.ReviewRequest `json:"review"`
	LookbackDays int                  `json:"lookback_days,omitempty"`
	Findings     []models.Finding     `json:"findings,omitempty"`
}

// ContextResponse is the response body for POST /api/v1/context.
type ContextResponse struct {
	Context  *historical.HistoricalContext `json:"context"`
	Evidence []string                      `json:"evidence"`
	Findings []models.Finding              `json:"findings,omitempty"`
}

// Edge is one file-level import.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DependenciesRequest is the body of POST /api/v1/dependencies.
type DependenciesRequest struct {
	Repo  models.Repo `json:"repo"`
	Edges []Edge      `json:"edges"`
}

// ReactionRequest is the body of POST /api/v1/feedback/reaction.
type ReactionRequest struct {
	feedback.Ref
	Reaction string `json:"reaction"`
}

// ReplyRequest is the body of POST /api/v1/feedback/reply.
type ReplyRequest struct {
	feedback.Ref
	Text string `json:"text"`
}

// AutoDetectedRequest is the body of POST /api/v1/feedback/auto.
type AutoDetectedRequest struct {
	feedback.Ref
	WasFixed bool `json:"was_fixed"`
}

// PatternsResponse is the response body for GET /api/v1/patterns.
type PatternsResponse struct {
	*feedback.PatternSet
	FalsePositives []feedback.CategorySuggestion `json:"false_positive_categories,omitempty"`
	FalseNegatives []feedback.CategorySuggestion `json:"false_negative_categories,omitempty"`
}

// ConfidenceRequest is the body of POST /api/v1/confidence.
type ConfidenceRequest struct {
	Findings []models.Finding `json:"findings"`
}

// AdjustedFinding is one finding's confidence before and after learning.
type AdjustedFinding struct {
	ID         string  `json:"id,omitempty"`
	Category   string  `json:"category"`
	Raw        float64 `json:"raw"`
	Adjusted   float64 `json:"adjusted"`
	Multiplier float64 `json:"multiplier"`
}

// ConfidenceResponse is the response body for POST /api/v1/confidence.
type ConfidenceResponse struct {
	Findings []AdjustedFinding `json:"findings"`
}
