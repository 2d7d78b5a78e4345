// Package embeddings turns change record text into fixed-size vectors.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
)

var (
	// ErrEmptyInput indicates empty input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the model could not produce a vector.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates embeddings.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the vector length the provider produces.
	Dimension() int
	Close() error
}

// NewProvider builds the configured provider. dim is the similarity store
// dimension; model providers that disagree with it are rejected.
func NewProvider(cfg config.EmbeddingsConfig, dim int) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "hash":
		return NewHashProvider(dim), nil
	case "fastembed", "":
		cacheDir := cfg.CacheDir
		if cacheDir != "" {
			if cacheDir, err = config.ExpandPath(cacheDir); err != nil {
				return nil, err
			}
		}
		p, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cacheDir})
	case "tei":
		p, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dim,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if p.Dimension() != dim {
		_ = p.Close()
		return nil, fmt.Errorf("%w: model %q produces %d dimensions, store expects %d",
			ErrInvalidConfig, cfg.Model, p.Dimension(), dim)
	}
	return p, nil
}

// DimensionForModel returns the output size of well-known models, falling
// back to 384 (bge-small).
func DimensionForModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	switch {
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	default:
		return 384
	}
}

var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}
