// Package vectorstore holds one embedding per change record and answers
// nearest-neighbour queries over them.
//
// Stores are configured with a fixed dimension. Writes and searches with a
// vector of any other length fail with models.ErrDimensionMismatch before
// touching the backend.
package vectorstore

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// Store is the similarity store contract.
type Store interface {
	// UpsertEmbedding writes or overwrites the embedding for id.
	UpsertEmbedding(ctx context.Context, id string, vector []float32, payload models.EmbeddingPayload) error

	// SearchSimilar returns at most q.TopK matches with score >= q.MinScore,
	// ordered by score desc, then newer payload timestamp, then ID.
	SearchSimilar(ctx context.Context, q SearchQuery) ([]Match, error)

	// FetchByID returns models.ErrNotFound for unknown IDs.
	FetchByID(ctx context.Context, id string) (*Match, error)

	Dimension() int
	Ping(ctx context.Context) error
	Close() error
}

// SearchQuery describes a nearest-neighbour lookup.
type SearchQuery struct {
	Vector   []float32
	TopK     int
	MinScore float64

	// Repo restricts matches to one repository when non-zero.
	Repo models.Repo

	// ExcludeID drops the change under review from its own results.
	ExcludeID string
}

// Match is a stored embedding and its cosine similarity to the query.
type Match struct {
	ID      string                  `json:"id"`
	Score   float64                 `json:"score"`
	Payload models.EmbeddingPayload `json:"payload"`
}

// pointNamespace seeds deterministic point IDs so upserts overwrite.
var pointNamespace = uuid.MustParse("6f1c4c1e-8a7e-4b55-9d0f-2f0f4e1f7a31")

// PointID maps a change record ID to a stable UUID.
func PointID(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

func validateQuery(q SearchQuery, dim int) error {
	if err := models.CheckDimension(q.Vector, dim); err != nil {
		return err
	}
	if q.TopK <= 0 {
		return models.NewValidationError("top_k", "must be positive")
	}
	if q.MinScore < 0 || q.MinScore > 1 {
		return models.NewValidationError("min_score", "must be within [0, 1]")
	}
	return nil
}

func validateUpsert(id string, vector []float32, dim int) error {
	if id == "" {
		return models.NewValidationError("id", "embedding id is required")
	}
	return models.CheckDimension(vector, dim)
}

// rank filters, orders and truncates raw backend matches.
func rank(matches []Match, q SearchQuery) []Match {
	out := matches[:0]
	for _, m := range matches {
		if m.ID == q.ExcludeID && q.ExcludeID != "" {
			continue
		}
		if !q.Repo.IsZero() && m.Payload.Repo != q.Repo {
			continue
		}
		if m.Score < q.MinScore {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ta, tb := a.Payload.Timestamp(), b.Payload.Timestamp()
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.ID < b.ID
	})
	if len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out
}
