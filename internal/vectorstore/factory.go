package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
)

// New opens the similarity backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.SimilarityConfig) (Store, error) {
	switch cfg.Backend {
	case "chromem", "":
		path := cfg.ChromemPath
		if path != "" {
			var err error
			if path, err = config.ExpandPath(path); err != nil {
				return nil, err
			}
		}
		return NewChromemStore(ChromemConfig{
			Path:       path,
			Compress:   cfg.ChromemCompress,
			Collection: cfg.Collection,
			Dimension:  cfg.Dimension,
		})
	case "qdrant":
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			UseTLS:     cfg.QdrantUseTLS,
			APIKey:     cfg.QdrantAPIKey.Value(),
			Collection: cfg.Collection,
			Dimension:  cfg.Dimension,
			MaxRetries: cfg.QdrantMaxRetries,
		})
	default:
		return nil, fmt.Errorf("unknown similarity backend %q", cfg.Backend)
	}
}
