package historical

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
	"github.com/fyrsmithlabs/reviewmemory/internal/teampatterns"
)

// Evidence bounds per finding.
const (
	evidenceSimilar = 3
	evidenceBugs    = 2
)

// HistoricalContext is everything the review pipeline gets back for a
// pull request.
type HistoricalContext struct {
	Similar     []SimilarPR               `json:"similar"`
	BugPatterns []BugPattern              `json:"bug_patterns"`
	Hotspots    []Hotspot                 `json:"hotspots"`
	Team        *teampatterns.TeamContext `json:"team,omitempty"`
	Degraded    bool                      `json:"degraded"`
	Fallback    bool                      `json:"fallback"`
	Warnings    []string                  `json:"warnings,omitempty"`
}

// BuildContext runs the similar, bug-pattern and hotspot lookups
// concurrently. Hotspots are folded into the team context as recent
// refactors.
func (a *Analyzer) BuildContext(ctx context.Context, req *models.ReviewRequest, lookbackDays int) (*HistoricalContext, error) {
	if req == nil {
		return nil, models.NewValidationError("request", "review request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "historical.BuildContext")
	defer span.End()

	var (
		wg       sync.WaitGroup
		similar  *SimilarResult
		bugs     *BugPatternResult
		hotspots *HotspotResult
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		similar, _ = a.FindSimilar(ctx, req, lookbackDays)
	}()
	go func() {
		defer wg.Done()
		bugs, _ = a.FindBugPatterns(ctx, req, lookbackDays)
	}()
	go func() {
		defer wg.Done()
		hotspots, _ = a.FindHotspots(ctx, req.Repo, lookbackDays)
	}()
	wg.Wait()

	// Inputs were validated above, so none of the lookups can return nil.
	hc := &HistoricalContext{
		Similar:     similar.Items,
		BugPatterns: bugs.Items,
		Hotspots:    hotspots.Items,
		Degraded:    similar.Degraded || bugs.Degraded || hotspots.Degraded,
		Fallback:    similar.Fallback,
	}
	hc.Warnings = append(hc.Warnings, similar.Warnings...)
	hc.Warnings = append(hc.Warnings, bugs.Warnings...)
	hc.Warnings = append(hc.Warnings, hotspots.Warnings...)

	if a.team != nil {
		team := a.team.Context()
		for _, h := range hotspots.Items {
			if !slices.Contains(team.RecentRefactors, h.Path) {
				team.RecentRefactors = append(team.RecentRefactors, h.Path)
			}
		}
		hc.Team = &team
	}
	return hc, nil
}

// EnhanceFindings returns copies of findings with historical evidence
// appended: the top similar pull requests and the top bug patterns. The
// input slice is not modified.
func EnhanceFindings(findings []models.Finding, hc *HistoricalContext) []models.Finding {
	out := make([]models.Finding, len(findings))
	copy(out, findings)
	if hc == nil {
		return out
	}

	evidence := Evidence(hc)
	if len(evidence) == 0 {
		return out
	}
	for i := range out {
		out[i].Evidence = append(slices.Clone(out[i].Evidence), evidence...)
	}
	return out
}

// Evidence renders the evidence lines attached to every finding.
func Evidence(hc *HistoricalContext) []string {
	var lines []string
	for _, pr := range hc.Similar[:min(len(hc.Similar), evidenceSimilar)] {
		lines = append(lines, fmt.Sprintf("Similar pattern in PR #%d (similarity: %.2f, method: %s)", pr.Number, pr.Score, pr.Method))
	}
	for _, b := range hc.BugPatterns[:min(len(hc.BugPatterns), evidenceBugs)] {
		switch b.Source {
		case SourceRelatedIssue:
			lines = append(lines, fmt.Sprintf("Related to issue #%s: %s", b.IssueID, b.Title))
		case SourceHistory:
			lines = append(lines, fmt.Sprintf("Similar files modified in PR #%d: %s", b.Number, b.Title))
		}
	}
	return lines
}
