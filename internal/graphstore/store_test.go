package graphstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
	"github.com/fyrsmithlabs/reviewmemory/internal/workpool"
)

var testRepo = models.Repo{Owner: "acme", Name: "api"}

func record(n int, updated time.Time, files ...string) *models.ChangeRecord {
	return &models.ChangeRecord{
		Repo:      testRepo,
		Number:    n,
		Title:     "change",
		Author:    "dev",
		CreatedAt: updated,
		UpdatedAt: updated,
		Files:     files,
	}
}

// storeFactories lets every backend run the same behavioral suite.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(Options{Pool: workpool.New(2)})
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "history.db"), Options{Pool: workpool.New(2)})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			now := time.Now().UTC()

			for i := 0; i < 2; i++ {
				require.NoError(t, s.UpsertChangeRecord(ctx, record(7, now, "a.go", "b.go", "a.go")))
			}

			got, err := s.GetChangeRecord(ctx, "acme/api#7")
			require.NoError(t, err)
			assert.Equal(t, []string{"a.go", "b.go"}, got.Files)
			assert.Equal(t, models.StateOpen, got.State)
			assert.Equal(t, 7, got.Number)
			assert.True(t, got.UpdatedAt.Equal(now))
		})
	}
}

func TestStore_UpsertMergesFiles(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			t0 := time.Now().UTC().Add(-time.Hour)

			require.NoError(t, s.UpsertChangeRecord(ctx, record(1, t0, "a.go", "b.go")))
			second := record(1, t0.Add(30*time.Minute), "c.go")
			second.State = models.StateMerged
			require.NoError(t, s.UpsertChangeRecord(ctx, second))

			got, err := s.GetChangeRecord(ctx, "acme/api#1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a.go", "b.go", "c.go"}, got.Files, "edges are merged, never retracted")
			assert.Equal(t, models.StateMerged, got.State)
			assert.True(t, got.UpdatedAt.Equal(t0.Add(30*time.Minute)))
		})
	}
}

func TestStore_GetUnknownRecord(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			_, err := newStore(t).GetChangeRecord(context.Background(), "acme/api#404")
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestStore_UpsertValidates(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			err := s.UpsertChangeRecord(context.Background(), &models.ChangeRecord{Title: "no id"})
			assert.ErrorIs(t, err, models.ErrValidation)

			err = s.UpsertDependency(context.Background(), testRepo, "", "b.go")
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestStore_FindRelatedByFileOverlap(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			now := time.Now().UTC()

			require.NoError(t, s.UpsertChangeRecord(ctx, record(1, now.Add(-3*time.Hour), "a.go", "b.go")))
			require.NoError(t, s.UpsertChangeRecord(ctx, record(2, now.Add(-2*time.Hour), "a.go")))
			require.NoError(t, s.UpsertChangeRecord(ctx, record(3, now.Add(-1*time.Hour), "a.go")))
			require.NoError(t, s.UpsertChangeRecord(ctx, record(4, now, "z.go")))
			old := record(5, now.AddDate(0, 0, -90), "a.go", "b.go")
			require.NoError(t, s.UpsertChangeRecord(ctx, old))
			other := record(6, now, "a.go")
			other.Repo = models.Repo{Owner: "acme", Name: "web"}
			require.NoError(t, s.UpsertChangeRecord(ctx, other))

			related, err := s.FindRelatedByFileOverlap(ctx, OverlapQuery{
				Repo: testRepo, Files: []string{"a.go", "b.go"}, WindowDays: 30,
			})
			require.NoError(t, err)

			ids := make([]string, len(related))
			for i, r := range related {
				ids[i] = r.Record.ID
			}
			assert.Equal(t, []string{"acme/api#1", "acme/api#3", "acme/api#2"}, ids)
			assert.Equal(t, 2, related[0].OverlapCount)
			assert.Equal(t, []string{"a.go", "b.go"}, related[0].Record.Files)

			limited, err := s.FindRelatedByFileOverlap(ctx, OverlapQuery{
				Repo: testRepo, Files: []string{"a.go"}, Limit: 2,
			})
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			none, err := s.FindRelatedByFileOverlap(ctx, OverlapQuery{Repo: testRepo})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_FindRelatedFiltersState(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			now := time.Now().UTC()

			closed := record(1, now, "a.go")
			closed.State = models.StateClosed
			require.NoError(t, s.UpsertChangeRecord(ctx, closed))
			require.NoError(t, s.UpsertChangeRecord(ctx, record(2, now, "a.go")))

			related, err := s.FindRelatedByFileOverlap(ctx, OverlapQuery{
				Repo: testRepo, Files: []string{"a.go"}, State: models.StateClosed,
			})
			require.NoError(t, err)
			require.Len(t, related, 1)
			assert.Equal(t, "acme/api#1", related[0].Record.ID)
		})
	}
}

func TestStore_FileFrequencies(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			now := time.Now().UTC()

			require.NoError(t, s.UpsertChangeRecord(ctx, record(1, now, "hot.go", "b.go")))
			require.NoError(t, s.UpsertChangeRecord(ctx, record(2, now, "hot.go")))
			require.NoError(t, s.UpsertChangeRecord(ctx, record(3, now, "hot.go", "a.go")))
			require.NoError(t, s.UpsertChangeRecord(ctx, record(4, now.AddDate(0, 0, -60), "a.go")))

			freqs, err := s.FileFrequencies(ctx, testRepo, 30)
			require.NoError(t, err)
			assert.Equal(t, []FileFrequency{
				{Path: "hot.go", Count: 3},
				{Path: "a.go", Count: 1},
				{Path: "b.go", Count: 1},
			}, freqs)

			all, err := s.FileFrequencies(ctx, testRepo, 0)
			require.NoError(t, err)
			assert.Equal(t, FileFrequency{Path: "hot.go", Count: 3}, all[0])
			assert.Equal(t, FileFrequency{Path: "a.go", Count: 2}, all[1])
		})
	}
}

func TestStore_DetectCycles(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			require.NoError(t, s.UpsertDependency(ctx, testRepo, "a.py", "b.py"))
			require.NoError(t, s.UpsertDependency(ctx, testRepo, "b.py", "c.py"))
			require.NoError(t, s.UpsertDependency(ctx, testRepo, "c.py", "a.py"))
			require.NoError(t, s.UpsertDependency(ctx, testRepo, "c.py", "a.py"))
			require.NoError(t, s.UpsertDependency(ctx, testRepo, "c.py", "d.py"))

			report, err := s.DetectCycles(ctx, testRepo)
			require.NoError(t, err)
			assert.Equal(t, [][]string{{"a.py", "b.py", "c.py"}}, report.Cycles)
			assert.False(t, report.Truncated)
			assert.Equal(t, 4, report.Nodes)

			empty, err := s.DetectCycles(ctx, models.Repo{Owner: "acme", Name: "other"})
			require.NoError(t, err)
			assert.Empty(t, empty.Cycles)
		})
	}
}

func TestStore_Feedback(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			now := time.Now().UTC()
			require.NoError(t, s.UpsertChangeRecord(ctx, record(1, now, "a.go")))

			entry := func(id, finding string, typ models.FeedbackType, ts time.Time) *models.FeedbackEntry {
				return &models.FeedbackEntry{
					ID: id, ChangeRecordID: "acme/api#1", FindingID: finding,
					Type: typ, Source: models.SourceReaction, Reviewer: "r", Category: "security",
					File: "a.go", Line: 12, Timestamp: ts,
				}
			}
			require.NoError(t, s.StoreFeedback(ctx, entry("f2", "x", models.FeedbackNegative, now)))
			require.NoError(t, s.StoreFeedback(ctx, entry("f1", "x", models.FeedbackPositive, now.Add(-time.Hour))))
			require.NoError(t, s.StoreFeedback(ctx, entry("f3", "y", models.FeedbackNeutral, now.AddDate(0, 0, -40))))

			got, err := s.ReadFeedback(ctx, "x")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "f1", got[0].ID, "oldest first")
			assert.Equal(t, 12, got[0].Line)
			assert.Equal(t, "security", got[0].Category)

			recent, err := s.ListFeedback(ctx, now.AddDate(0, 0, -30))
			require.NoError(t, err)
			assert.Len(t, recent, 2)

			missing := entry("f4", "x", models.FeedbackPositive, now)
			missing.ChangeRecordID = "acme/api#999"
			assert.ErrorIs(t, s.StoreFeedback(ctx, missing), models.ErrNotFound)

			err = s.StoreFeedback(ctx, entry("f1", "x", models.FeedbackNegative, now))
			assert.ErrorIs(t, err, models.ErrConflict)
			assert.False(t, models.IsStoreUnavailable(err), "duplicate id is not an outage")
		})
	}
}

func TestMemoryStore_NoDuplicateEdges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Options{})
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertChangeRecord(ctx, record(9, now, "a.go", "b.go")))
	}
	assert.Equal(t, 1, s.RecordCount())
	assert.Equal(t, 2, s.EdgeCount("acme/api#9"))
}

func TestMemoryStore_ClosedIsUnavailable(t *testing.T) {
	s := NewMemoryStore(Options{})
	require.NoError(t, s.Close())

	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.True(t, models.IsStoreUnavailable(err))
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	s, err := NewSQLiteStore(ctx, path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.UpsertChangeRecord(ctx, record(3, time.Now(), "a.go")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path, Options{})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetChangeRecord(ctx, "acme/api#3")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, got.Files)
	require.NoError(t, s.Ping(ctx))
}

func TestSQLiteStore_ClosedIsUnavailable(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "h.db"), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.FileFrequencies(context.Background(), testRepo, 0)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}
