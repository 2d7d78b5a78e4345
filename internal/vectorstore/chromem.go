package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

var tracer = otel.Tracer("reviewmemory.vectorstore")

// errNoEmbedder is returned if chromem is ever asked to embed text itself.
// Every write and query here supplies its own vector.
var errNoEmbedder = errors.New("chromem: embeddings must be supplied by the caller")

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path       string
	Compress   bool
	Collection string
	Dimension  int
}

// ChromemStore is an embedded, pure Go vector store.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	dim        int
}

var _ Store = (*ChromemStore)(nil)

// NewChromemStore opens (or creates) the collection described by cfg.
func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("chromem: dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.Collection == "" {
		cfg.Collection = "pr_embeddings"
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, models.NewStoreError("chromem", "open", err)
		}
	}

	noEmbed := func(context.Context, string) ([]float32, error) { return nil, errNoEmbedder }
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, noEmbed)
	if err != nil {
		return nil, models.NewStoreError("chromem", "open", err)
	}
	return &ChromemStore{db: db, collection: col, dim: cfg.Dimension}, nil
}

func (s *ChromemStore) Dimension() int { return s.dim }

func (s *ChromemStore) UpsertEmbedding(ctx context.Context, id string, vector []float32, payload models.EmbeddingPayload) (err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.UpsertEmbedding")
	defer span.End()
	start := time.Now()
	defer func() { observe("chromem", "upsert", start, err) }()

	if err := validateUpsert(id, vector, s.dim); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	payload.ID = id

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	doc := chromem.Document{
		ID: id,
		Metadata: map[string]string{
			"repo":    payload.Repo.String(),
			"payload": string(raw),
		},
		Embedding: vector,
		Content:   payload.Title,
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.NewStoreError("chromem", "upsert", err)
	}
	return nil
}

func (s *ChromemStore) SearchSimilar(ctx context.Context, q SearchQuery) (matches []Match, err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.SearchSimilar")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", q.TopK), attribute.Float64("min_score", q.MinScore))
	start := time.Now()
	defer func() { observe("chromem", "search", start, err) }()

	if err := validateQuery(q, s.dim); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	count := s.collection.Count()
	if count == 0 {
		return []Match{}, nil
	}
	// One extra result leaves room for the excluded self match.
	n := q.TopK + 1
	if n > count {
		n = count
	}
	var where map[string]string
	if !q.Repo.IsZero() {
		where = map[string]string{"repo": q.Repo.String()}
	}

	results, err := s.collection.QueryEmbedding(ctx, q.Vector, n, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, models.NewStoreError("chromem", "search", err)
	}

	raw := make([]Match, 0, len(results))
	for _, r := range results {
		m := Match{ID: r.ID, Score: float64(r.Similarity)}
		if err := decodePayload(r.Metadata, &m.Payload); err != nil {
			return nil, err
		}
		raw = append(raw, m)
	}
	matches = rank(raw, q)
	span.SetAttributes(attribute.Int("results_count", len(matches)))
	return matches, nil
}

func (s *ChromemStore) FetchByID(ctx context.Context, id string) (*Match, error) {
	doc, err := s.collection.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("embedding %s: %w", id, models.ErrNotFound)
	}
	m := &Match{ID: doc.ID, Score: 1}
	if err := decodePayload(doc.Metadata, &m.Payload); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *ChromemStore) Ping(context.Context) error { return nil }

// Close is a no-op; persistent chromem writes through on every upsert.
func (s *ChromemStore) Close() error { return nil }

func decodePayload(meta map[string]string, p *models.EmbeddingPayload) error {
	raw, ok := meta["payload"]
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
