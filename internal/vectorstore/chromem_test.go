package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

var (
	apiRepo = models.Repo{Owner: "acme", Name: "api"}
	webRepo = models.Repo{Owner: "acme", Name: "web"}
)

func newTestChromem(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore(ChromemConfig{Dimension: 3})
	require.NoError(t, err)
	return s
}

func payload(repo models.Repo, n int, updated time.Time) models.EmbeddingPayload {
	return models.EmbeddingPayload{
		ID:        models.ChangeRecordID(repo, n),
		Number:    n,
		Title:     "change",
		Repo:      repo,
		Files:     []string{"a.go"},
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func upsert(t *testing.T, s Store, repo models.Repo, n int, vec []float32) {
	t.Helper()
	p := payload(repo, n, time.Now().UTC())
	require.NoError(t, s.UpsertEmbedding(context.Background(), p.ID, vec, p))
}

func TestChromemStore_SearchOrdersAndFilters(t *testing.T) {
	s := newTestChromem(t)
	ctx := context.Background()

	upsert(t, s, apiRepo, 1, []float32{1, 0, 0})
	upsert(t, s, apiRepo, 2, []float32{0.9, 0.1, 0})
	upsert(t, s, apiRepo, 3, []float32{0.8, 0.6, 0})
	upsert(t, s, apiRepo, 4, []float32{0, 0, 1})
	upsert(t, s, webRepo, 5, []float32{1, 0, 0})

	matches, err := s.SearchSimilar(ctx, SearchQuery{
		Vector:    []float32{1, 0, 0},
		TopK:      10,
		MinScore:  0.6,
		Repo:      apiRepo,
		ExcludeID: "acme/api#1",
	})
	require.NoError(t, err)

	require.Len(t, matches, 2)
	assert.Equal(t, "acme/api#2", matches[0].ID)
	assert.Equal(t, "acme/api#3", matches[1].ID)
	assert.InDelta(t, 0.8, matches[1].Score, 1e-4)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Score, 0.6)
		assert.Equal(t, apiRepo, m.Payload.Repo)
	}
}

func TestChromemStore_UpsertOverwrites(t *testing.T) {
	s := newTestChromem(t)
	ctx := context.Background()

	upsert(t, s, apiRepo, 1, []float32{1, 0, 0})
	upsert(t, s, apiRepo, 1, []float32{0, 1, 0})

	matches, err := s.SearchSimilar(ctx, SearchQuery{Vector: []float32{0, 1, 0}, TopK: 5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-4)
}

func TestChromemStore_DimensionMismatch(t *testing.T) {
	s := newTestChromem(t)
	ctx := context.Background()

	p := payload(apiRepo, 1, time.Now())
	err := s.UpsertEmbedding(ctx, p.ID, []float32{1, 0}, p)
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)

	_, err = s.SearchSimilar(ctx, SearchQuery{Vector: []float32{1, 0, 0, 0}, TopK: 1})
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)

	var dimErr *models.DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 4, dimErr.Actual)
}

func TestChromemStore_EmptyCollection(t *testing.T) {
	s := newTestChromem(t)
	matches, err := s.SearchSimilar(context.Background(), SearchQuery{Vector: []float32{1, 0, 0}, TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestChromemStore_FetchByID(t *testing.T) {
	s := newTestChromem(t)
	ctx := context.Background()
	upsert(t, s, apiRepo, 7, []float32{1, 0, 0})

	m, err := s.FetchByID(ctx, "acme/api#7")
	require.NoError(t, err)
	assert.Equal(t, 7, m.Payload.Number)
	assert.Equal(t, []string{"a.go"}, m.Payload.Files)

	_, err = s.FetchByID(ctx, "acme/api#8")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestChromemStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewChromemStore(ChromemConfig{Path: dir, Dimension: 3})
	require.NoError(t, err)
	upsert(t, s, apiRepo, 1, []float32{1, 0, 0})
	require.NoError(t, s.Close())

	s, err = NewChromemStore(ChromemConfig{Path: dir, Dimension: 3})
	require.NoError(t, err)
	m, err := s.FetchByID(ctx, "acme/api#1")
	require.NoError(t, err)
	assert.Equal(t, apiRepo, m.Payload.Repo)
}

func TestSearchQuery_Validation(t *testing.T) {
	s := newTestChromem(t)
	_, err := s.SearchSimilar(context.Background(), SearchQuery{Vector: []float32{1, 0, 0}, TopK: 0})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = s.SearchSimilar(context.Background(), SearchQuery{Vector: []float32{1, 0, 0}, TopK: 1, MinScore: 2})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRank_TieBreaksByRecency(t *testing.T) {
	now := time.Now()
	older := payload(apiRepo, 1, now.Add(-time.Hour))
	newer := payload(apiRepo, 2, now)

	got := rank([]Match{
		{ID: older.ID, Score: 0.8, Payload: older},
		{ID: newer.ID, Score: 0.8, Payload: newer},
		{ID: "acme/api#3", Score: 0.9, Payload: payload(apiRepo, 3, now.Add(-48*time.Hour))},
		{ID: "acme/api#4", Score: 0.5, Payload: payload(apiRepo, 4, now)},
	}, SearchQuery{TopK: 10, MinScore: 0.6})

	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	assert.Equal(t, []string{"acme/api#3", "acme/api#2", "acme/api#1"}, ids)
	assert.Len(t, got, 3)
}

func TestPointID_Deterministic(t *testing.T) {
	assert.Equal(t, PointID("acme/api#1"), PointID("acme/api#1"))
	assert.NotEqual(t, PointID("acme/api#1"), PointID("acme/api#2"))
}

func TestQdrantPayload_KeepsFields(t *testing.T) {
	now := time.Unix(1700000000, 42).UTC()
	p := payload(apiRepo, 12, now)
	p.Author = "dev"

	assert.Equal(t, p, fromQdrantPayload(toQdrantPayload(p)))
}
