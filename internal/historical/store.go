package historical

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/historical/signal"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// StoreResult reports which halves of a review write landed. The two stores
// are only eventually consistent with each other.
type StoreResult struct {
	ID           string   `json:"id"`
	GraphStored  bool     `json:"graph_stored"`
	VectorStored bool     `json:"vector_stored"`
	Dependencies int      `json:"dependencies"`
	Warnings     []string `json:"warnings,omitempty"`
}

// RecordFromRequest builds the ChangeRecord for a completed review.
func RecordFromRequest(req *models.ReviewRequest) *models.ChangeRecord {
	now := timeNow().UTC()
	rec := &models.ChangeRecord{
		ID:        req.ID(),
		Number:    req.Number,
		Title:     req.Title,
		Author:    req.Author,
		Repo:      req.Repo,
		CreatedAt: req.CreatedAt,
		UpdatedAt: req.UpdatedAt,
		State:     req.State,
		Files:     req.Files(),
	}
	if rec.State == "" {
		rec.State = models.StateOpen
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	return rec
}

// StoreReview writes a completed review to both stores concurrently. Store
// failures are logged and reported as warnings; only an invalid request is
// returned as an error.
func (a *Analyzer) StoreReview(ctx context.Context, req *models.ReviewRequest) (*StoreResult, error) {
	if req == nil {
		return nil, models.NewValidationError("request", "review request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "historical.StoreReview")
	defer span.End()
	ctx = logging.WithChangeID(logging.WithRepo(ctx, req.Repo.String()), req.ID())

	rec := RecordFromRequest(req)
	payload := models.PayloadFor(rec)
	graphRec := *rec
	graphRec.Files = append([]string(nil), rec.Files...)
	text := a.prText(req)
	deps := dependencyEdges(req)

	graphWrite := signal.Start(ctx, a.logger, signalGraphWrite, a.cfg.StoreTimeout, func(ctx context.Context) (int, error) {
		if err := a.graph.UpsertChangeRecord(ctx, &graphRec); err != nil {
			return 0, err
		}
		stored := 0
		for _, d := range deps {
			err := a.graph.UpsertDependency(ctx, req.Repo, d.From, d.To)
			switch {
			case err == nil:
				stored++
			case errors.Is(err, models.ErrValidation):
				continue
			default:
				return stored, err
			}
		}
		return stored, nil
	})

	vectorWrite := signal.Start(ctx, a.logger, signalVectorWrite, a.cfg.StoreTimeout, func(ctx context.Context) (struct{}, error) {
		vec, err := a.embedder.Embed(ctx, text)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, a.vectors.UpsertEmbedding(ctx, rec.ID, vec, payload)
	})

	g, v := graphWrite.Wait(), vectorWrite.Wait()
	res := &StoreResult{
		ID:           rec.ID,
		GraphStored:  !g.Failed(),
		VectorStored: !v.Failed(),
		Dependencies: g.Value,
		Warnings:     collectWarnings(nil, g.Warning(), v.Warning()),
	}
	span.SetAttributes(
		attribute.Bool("graph_stored", res.GraphStored),
		attribute.Bool("vector_stored", res.VectorStored),
		attribute.Int("dependencies", res.Dependencies),
	)

	if res.GraphStored != res.VectorStored {
		a.logger.Warn(ctx, "review stored partially",
			zap.Bool("graph_stored", res.GraphStored),
			zap.Bool("vector_stored", res.VectorStored))
	} else if res.GraphStored {
		a.logger.Debug(ctx, "review stored",
			zap.Int("files", len(rec.Files)),
			zap.Int("dependencies", res.Dependencies))
	}
	return res, nil
}
