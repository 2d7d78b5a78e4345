package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// QdrantConfig configures the gRPC client.
type QdrantConfig struct {
	Host       string
	Port       int // gRPC port, 6334 by default
	UseTLS     bool
	APIKey     string
	Collection string
	Dimension  int

	MaxRetries              int
	RetryBackoff            time.Duration
	CircuitBreakerThreshold int
	MaxMessageSize          int
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "pr_embeddings"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// QdrantStore stores embeddings in a Qdrant collection over gRPC. Point IDs
// are derived from the change record ID so writes overwrite.
type QdrantStore struct {
	client *qdrant.Client
	cfg    QdrantConfig
	retry  *retrier
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects, health checks and ensures the collection exists
// with cosine distance and the configured dimension.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	cfg.applyDefaults()
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("qdrant: dimension must be positive, got %d", cfg.Dimension)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, models.NewStoreError("qdrant", "connect", err)
	}

	s := &QdrantStore{
		client: client,
		cfg:    cfg,
		retry:  newRetrier(cfg.MaxRetries, cfg.RetryBackoff, cfg.CircuitBreakerThreshold),
	}
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	var exists bool
	err := s.retry.do(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, s.cfg.Collection)
		return err
	})
	if err != nil {
		return models.NewStoreError("qdrant", "collection_exists", err)
	}

	if !exists {
		err = s.retry.do(ctx, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: s.cfg.Collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(s.cfg.Dimension),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			return models.NewStoreError("qdrant", "create_collection", err)
		}
		for _, field := range []string{"repo", "id"} {
			_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: s.cfg.Collection,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			})
			if err != nil {
				return models.NewStoreError("qdrant", "create_index", err)
			}
		}
		return nil
	}

	info, err := s.client.GetCollectionInfo(ctx, s.cfg.Collection)
	if err != nil {
		return models.NewStoreError("qdrant", "collection_info", err)
	}
	if size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize(); size != 0 && int(size) != s.cfg.Dimension {
		return &models.DimensionError{Expected: s.cfg.Dimension, Actual: int(size)}
	}
	return nil
}

func (s *QdrantStore) Dimension() int { return s.cfg.Dimension }

func (s *QdrantStore) UpsertEmbedding(ctx context.Context, id string, vector []float32, payload models.EmbeddingPayload) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.UpsertEmbedding")
	defer span.End()
	start := time.Now()
	defer func() { observe("qdrant", "upsert", start, err) }()

	if err := validateUpsert(id, vector, s.cfg.Dimension); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	payload.ID = id

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(id)),
		Vectors: qdrant.NewVectors(vector...),
		Payload: toQdrantPayload(payload),
	}
	err = s.retry.do(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.NewStoreError("qdrant", "upsert", err)
	}
	return nil
}

func (s *QdrantStore) SearchSimilar(ctx context.Context, q SearchQuery) (matches []Match, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.SearchSimilar")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", q.TopK), attribute.Float64("min_score", q.MinScore))
	start := time.Now()
	defer func() { observe("qdrant", "search", start, err) }()

	if err := validateQuery(q, s.cfg.Dimension); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	filter := &qdrant.Filter{}
	if !q.Repo.IsZero() {
		filter.Must = append(filter.Must, qdrant.NewMatch("repo", q.Repo.String()))
	}
	if q.ExcludeID != "" {
		filter.MustNot = append(filter.MustNot, qdrant.NewMatch("id", q.ExcludeID))
	}

	var points []*qdrant.ScoredPoint
	err = s.retry.do(ctx, "search", func() error {
		var err error
		points, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.cfg.Collection,
			Query:          qdrant.NewQuery(q.Vector...),
			Limit:          qdrant.PtrOf(uint64(q.TopK)),
			ScoreThreshold: qdrant.PtrOf(float32(q.MinScore)),
			Filter:         filter,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, models.NewStoreError("qdrant", "search", err)
	}

	raw := make([]Match, 0, len(points))
	for _, p := range points {
		payload := fromQdrantPayload(p.GetPayload())
		raw = append(raw, Match{ID: payload.ID, Score: float64(p.GetScore()), Payload: payload})
	}
	matches = rank(raw, q)
	span.SetAttributes(attribute.Int("results_count", len(matches)))
	return matches, nil
}

func (s *QdrantStore) FetchByID(ctx context.Context, id string) (*Match, error) {
	var points []*qdrant.RetrievedPoint
	err := s.retry.do(ctx, "get", func() error {
		var err error
		points, err = s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.cfg.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(PointID(id))},
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		return nil, models.NewStoreError("qdrant", "get", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("embedding %s: %w", id, models.ErrNotFound)
	}
	payload := fromQdrantPayload(points[0].GetPayload())
	return &Match{ID: id, Score: 1, Payload: payload}, nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Ping")
	defer span.End()
	if _, err := s.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.NewStoreError("qdrant", "ping", err)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func stringValue(v string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
}

func intValue(v int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: v}}
}

func toQdrantPayload(p models.EmbeddingPayload) map[string]*qdrant.Value {
	files := make([]*qdrant.Value, len(p.Files))
	for i, f := range p.Files {
		files[i] = stringValue(f)
	}
	return map[string]*qdrant.Value{
		"id":         stringValue(p.ID),
		"number":     intValue(int64(p.Number)),
		"title":      stringValue(p.Title),
		"repo":       stringValue(p.Repo.String()),
		"repo_owner": stringValue(p.Repo.Owner),
		"repo_name":  stringValue(p.Repo.Name),
		"author":     stringValue(p.Author),
		"files":      {Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: files}}},
		"created_at": intValue(p.CreatedAt.UnixNano()),
		"updated_at": intValue(p.UpdatedAt.UnixNano()),
	}
}

func fromQdrantPayload(m map[string]*qdrant.Value) models.EmbeddingPayload {
	p := models.EmbeddingPayload{
		ID:     m["id"].GetStringValue(),
		Number: int(m["number"].GetIntegerValue()),
		Title:  m["title"].GetStringValue(),
		Repo: models.Repo{
			Owner: m["repo_owner"].GetStringValue(),
			Name:  m["repo_name"].GetStringValue(),
		},
		Author: m["author"].GetStringValue(),
	}
	for _, v := range m["files"].GetListValue().GetValues() {
		p.Files = append(p.Files, v.GetStringValue())
	}
	if ns := m["created_at"].GetIntegerValue(); ns != 0 {
		p.CreatedAt = time.Unix(0, ns).UTC()
	}
	if ns := m["updated_at"].GetIntegerValue(); ns != 0 {
		p.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return p
}
