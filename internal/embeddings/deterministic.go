package embeddings

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
)

// Deterministic wraps a model provider and substitutes a hashed placeholder
// whenever the model fails, so callers always receive a vector of the
// configured dimension. A nil model is allowed and always falls back.
type Deterministic struct {
	model    Provider
	fallback *HashProvider
	logger   *logging.Logger
	metrics  *Metrics
}

// NewDeterministic wraps model. dim is used when model is nil.
func NewDeterministic(model Provider, dim int, logger *logging.Logger) *Deterministic {
	if model != nil {
		dim = model.Dimension()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Deterministic{
		model:    model,
		fallback: NewHashProvider(dim),
		logger:   logger.Named("embeddings"),
		metrics:  NewMetrics(),
	}
}

// Embed never fails for a live context. Context cancellation is still
// returned so callers can tell a timeout from a placeholder.
func (d *Deterministic) Embed(ctx context.Context, text string) ([]float32, error) {
	if d.model != nil {
		vec, err := d.model.Embed(ctx, text)
		if err == nil && len(vec) == d.fallback.Dimension() {
			return vec, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err == nil {
			err = errors.New("model returned wrong dimension")
		}
		d.logger.Warn(ctx, "embedding model failed, using placeholder vector", zap.Error(err))
	}
	d.metrics.RecordFallback(ctx)
	return d.fallback.Embed(ctx, text)
}

// Degraded reports whether no model is configured.
func (d *Deterministic) Degraded() bool { return d.model == nil }

func (d *Deterministic) Dimension() int { return d.fallback.Dimension() }

func (d *Deterministic) Close() error {
	if d.model == nil {
		return nil
	}
	return d.model.Close()
}
