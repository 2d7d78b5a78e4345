package graphstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
	"github.com/fyrsmithlabs/reviewmemory/internal/workpool"
)

// New opens the history backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.HistoryConfig, pool *workpool.Pool) (Store, error) {
	opts := Options{MaxCycleNodes: cfg.MaxCycleNodes, MaxCycles: cfg.MaxCycles, Pool: pool}

	if t := cfg.Timeout.Duration(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(opts), nil
	case "sqlite", "":
		path, err := config.ExpandPath(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(ctx, path, opts)
	case "neo4j":
		return NewNeo4jStore(ctx, Neo4jConfig{
			URI:      cfg.Neo4jURI,
			User:     cfg.Neo4jUser,
			Password: cfg.Neo4jPassword.Value(),
			Database: cfg.Neo4jDatabase,
		}, opts)
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}
