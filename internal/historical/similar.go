package historical

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/graphstore"
	"github.com/fyrsmithlabs/reviewmemory/internal/historical/signal"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
	"github.com/fyrsmithlabs/reviewmemory/internal/vectorstore"
)

// Retrieval methods reported on each similar pull request.
const (
	MethodVector   = "vector_search"
	MethodOverlap  = "file_overlap"
	MethodCombined = "combined"
	MethodTracker  = "github_api"
)

// fallbackScore is the fixed, unranked score of tracker results.
const fallbackScore = 0.5

// SimilarPR is one fused similarity result.
type SimilarPR struct {
	ID           string             `json:"id"`
	Number       int                `json:"number"`
	Title        string             `json:"title"`
	Author       string             `json:"author,omitempty"`
	State        models.ChangeState `json:"state,omitempty"`
	Files        []string           `json:"files,omitempty"`
	Score        float64            `json:"score"`
	VectorScore  float64            `json:"vector_score,omitempty"`
	OverlapScore float64            `json:"overlap_score,omitempty"`
	Method       string             `json:"method"`
	Reason       string             `json:"reason"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// SimilarResult is the outcome of FindSimilar. Degraded is set when any
// signal failed; Fallback marks items that came from the issue tracker and
// are ordered by recency rather than similarity.
type SimilarResult struct {
	Items    []SimilarPR `json:"items"`
	Degraded bool        `json:"degraded"`
	Fallback bool        `json:"fallback"`
	Warnings []string    `json:"warnings,omitempty"`
}

// FindSimilar runs the vector and overlap signals concurrently, waits for
// both and fuses them. The issue tracker is only consulted when neither
// primary signal produced a candidate.
func (a *Analyzer) FindSimilar(ctx context.Context, req *models.ReviewRequest, lookbackDays int) (*SimilarResult, error) {
	if req == nil {
		return nil, models.NewValidationError("request", "review request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "historical.FindSimilar")
	defer span.End()
	ctx = logging.WithChangeID(logging.WithRepo(ctx, req.Repo.String()), req.ID())

	days := a.lookback(lookbackDays)
	vec := signal.Start(ctx, a.logger, signalVector, a.cfg.SignalTimeout, func(ctx context.Context) ([]vectorstore.Match, error) {
		return a.vectorSignal(ctx, req)
	})
	ovl := signal.Start(ctx, a.logger, signalOverlap, a.cfg.SignalTimeout, func(ctx context.Context) ([]overlapCandidate, error) {
		return a.overlapSignal(ctx, req, days)
	})
	v, o := vec.Wait(), ovl.Wait()

	res := &SimilarResult{
		Degraded: v.Failed() || o.Failed(),
		Warnings: collectWarnings(nil, v.Warning(), o.Warning()),
	}
	res.Items = fuse(v.Value, o.Value, a.cfg)
	if len(res.Items) > a.cfg.ResultLimit {
		res.Items = res.Items[:a.cfg.ResultLimit]
	}

	if len(res.Items) == 0 && a.tracker != nil {
		f := signal.Run(ctx, a.logger, signalFallback, a.cfg.SignalTimeout, func(ctx context.Context) ([]SimilarPR, error) {
			return a.fallbackSignal(ctx, req, days)
		})
		res.Warnings = collectWarnings(res.Warnings, f.Warning())
		if f.Failed() {
			res.Degraded = true
		} else if len(f.Value) > 0 {
			res.Items = f.Value
			res.Fallback = true
			res.Degraded = true
		}
	}
	if res.Items == nil {
		res.Items = []SimilarPR{}
	}

	span.SetAttributes(
		attribute.Int("results", len(res.Items)),
		attribute.Bool("degraded", res.Degraded),
		attribute.Bool("fallback", res.Fallback),
	)
	for _, pr := range res.Items {
		a.logger.Trace(ctx, "similar candidate",
			zap.String("id", pr.ID),
			zap.String("method", pr.Method),
			zap.Float64("score", pr.Score),
			zap.Float64("vector_score", pr.VectorScore))
	}
	a.logger.Debug(ctx, "similar pull requests found",
		zap.Int("vector", len(v.Value)),
		zap.Int("overlap", len(o.Value)),
		zap.Int("results", len(res.Items)),
		zap.Bool("fallback", res.Fallback))
	return res, nil
}

func (a *Analyzer) vectorSignal(ctx context.Context, req *models.ReviewRequest) ([]vectorstore.Match, error) {
	vec, err := a.embedder.Embed(ctx, a.prText(req))
	if err != nil {
		return nil, err
	}
	return a.vectors.SearchSimilar(ctx, vectorstore.SearchQuery{
		Vector:    vec,
		TopK:      a.cfg.ResultLimit,
		MinScore:  a.cfg.VectorMinScore,
		Repo:      req.Repo,
		ExcludeID: req.ID(),
	})
}

type overlapCandidate struct {
	record *models.ChangeRecord
	score  float64
}

func (a *Analyzer) overlapSignal(ctx context.Context, req *models.ReviewRequest, days int) ([]overlapCandidate, error) {
	files := req.LiveFiles()
	if len(files) == 0 {
		return nil, nil
	}
	related, err := a.graph.FindRelatedByFileOverlap(ctx, graphstore.OverlapQuery{
		Repo:       req.Repo,
		Files:      files,
		WindowDays: days,
		Limit:      max(5*a.cfg.ResultLimit, 50),
	})
	if err != nil {
		return nil, err
	}

	self := req.ID()
	all := req.Files()
	out := make([]overlapCandidate, 0, len(related))
	for _, r := range related {
		if r.Record.ID == self {
			continue
		}
		score := Jaccard(r.Record.Files, all)
		if score < a.cfg.MinOverlap {
			continue
		}
		out = append(out, overlapCandidate{record: r.Record, score: score})
	}
	return out, nil
}

func (a *Analyzer) fallbackSignal(ctx context.Context, req *models.ReviewRequest, days int) ([]SimilarPR, error) {
	prs, err := a.tracker.ListRecentPRs(ctx, req.Repo.Owner, req.Repo.Name, a.cfg.FallbackLimit+1)
	if err != nil {
		return nil, err
	}
	cutoff := timeNow().UTC().AddDate(0, 0, -days)

	out := make([]SimilarPR, 0, a.cfg.FallbackLimit)
	for _, pr := range prs {
		if pr.Number == req.Number {
			continue
		}
		if pr.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, SimilarPR{
			ID:        models.ChangeRecordID(req.Repo, pr.Number),
			Number:    pr.Number,
			Title:     pr.Title,
			Author:    pr.Author,
			State:     pr.State,
			Score:     fallbackScore,
			Method:    MethodTracker,
			Reason:    "Recent PRs in same repo",
			UpdatedAt: pr.UpdatedAt,
		})
		if len(out) == a.cfg.FallbackLimit {
			break
		}
	}
	return out, nil
}

// fuse merges both signals by record ID. A candidate found by both scores
// vw*v + ow*o and takes its metadata from the history record; a candidate
// found by one signal keeps that signal's weighted score.
func fuse(matches []vectorstore.Match, overlaps []overlapCandidate, cfg Config) []SimilarPR {
	byID := make(map[string]*SimilarPR, len(matches)+len(overlaps))
	order := make([]string, 0, len(matches)+len(overlaps))

	for _, m := range matches {
		p := m.Payload
		byID[m.ID] = &SimilarPR{
			ID:          m.ID,
			Number:      p.Number,
			Title:       p.Title,
			Author:      p.Author,
			Files:       p.Files,
			VectorScore: m.Score,
			Method:      MethodVector,
			UpdatedAt:   p.Timestamp(),
		}
		order = append(order, m.ID)
	}

	for _, c := range overlaps {
		rec := c.record
		pr, ok := byID[rec.ID]
		if !ok {
			pr = &SimilarPR{ID: rec.ID, Method: MethodOverlap}
			byID[rec.ID] = pr
			order = append(order, rec.ID)
		} else {
			pr.Method = MethodCombined
		}
		pr.Number = rec.Number
		pr.Title = rec.Title
		pr.Author = rec.Author
		pr.State = rec.State
		pr.Files = rec.Files
		pr.UpdatedAt = rec.UpdatedAt
		pr.OverlapScore = c.score
	}

	out := make([]SimilarPR, 0, len(order))
	for _, id := range order {
		pr := byID[id]
		pr.Score = cfg.VectorWeight*pr.VectorScore + cfg.OverlapWeight*pr.OverlapScore
		pr.Reason = reasonFor(pr)
		out = append(out, *pr)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func reasonFor(pr *SimilarPR) string {
	switch pr.Method {
	case MethodVector:
		return fmt.Sprintf("Similar description and diff (similarity %.2f)", pr.VectorScore)
	case MethodOverlap:
		return fmt.Sprintf("Modified overlapping files (overlap %.0f%%)", pr.OverlapScore*100)
	default:
		return fmt.Sprintf("Similar content (%.2f) and overlapping files (%.0f%%)", pr.VectorScore, pr.OverlapScore*100)
	}
}

// Jaccard returns |a ∩ b| / |a ∪ b| over distinct paths, or 0 when both are
// empty.
func Jaccard(a, b []string) float64 {
	set := make(map[string]struct{}, len(a))
	for _, p := range a {
		set[p] = struct{}{}
	}
	union := len(set)
	inter := 0
	seen := make(map[string]struct{}, len(b))
	for _, p := range b {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, ok := set[p]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
