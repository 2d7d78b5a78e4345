package historical

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/reviewmemory/internal/embeddings"
	"github.com/fyrsmithlabs/reviewmemory/internal/graphstore"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
	"github.com/fyrsmithlabs/reviewmemory/internal/teampatterns"
	"github.com/fyrsmithlabs/reviewmemory/internal/tracker"
	"github.com/fyrsmithlabs/reviewmemory/internal/vectorstore"
	"github.com/fyrsmithlabs/reviewmemory/internal/workpool"
)

const testDim = 64

var testRepo = models.Repo{Owner: "acme", Name: "api"}

type fakeVectors struct {
	mu      sync.Mutex
	matches []vectorstore.Match
	err     error
	queries []vectorstore.SearchQuery
	upserts []string
}

func (f *fakeVectors) UpsertEmbedding(_ context.Context, id string, _ []float32, _ models.EmbeddingPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, id)
	return nil
}

func (f *fakeVectors) SearchSimilar(_ context.Context, q vectorstore.SearchQuery) ([]vectorstore.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.matches, f.err
}

func (f *fakeVectors) FetchByID(context.Context, string) (*vectorstore.Match, error) {
	return nil, models.ErrNotFound
}

func (f *fakeVectors) Dimension() int             { return testDim }
func (f *fakeVectors) Ping(context.Context) error { return f.err }
func (f *fakeVectors) Close() error               { return nil }

type fakeTracker struct {
	mu     sync.Mutex
	prs    []tracker.PRSummary
	issues []models.Issue
	err    error
	calls  int
}

func (f *fakeTracker) ListRecentPRs(_ context.Context, _, _ string, limit int) ([]tracker.PRSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.prs) > limit {
		return f.prs[:limit], nil
	}
	return f.prs, nil
}

func (f *fakeTracker) RelatedIssues(context.Context, string, string, string) ([]models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.issues, f.err
}

type staticTeam struct{ tc teampatterns.TeamContext }

func (s staticTeam) Context() teampatterns.TeamContext {
	tc := s.tc
	tc.RecentRefactors = append([]string(nil), s.tc.RecentRefactors...)
	return tc
}

func unavailable() error {
	return models.NewStoreError("test", "op", errors.New("connection refused"))
}

func closedGraph(t *testing.T) graphstore.Store {
	t.Helper()
	g := graphstore.NewMemoryStore(graphstore.Options{})
	require.NoError(t, g.Close())
	return g
}

func chromemStore(t *testing.T) vectorstore.Store {
	t.Helper()
	s, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Dimension: testDim})
	require.NoError(t, err)
	return s
}

func newAnalyzer(t *testing.T, g graphstore.Store, v vectorstore.Store, opts ...Option) *Analyzer {
	t.Helper()
	opts = append([]Option{WithPool(workpool.New(2))}, opts...)
	a, err := New(g, v, embeddings.NewHashProvider(testDim), opts...)
	require.NoError(t, err)
	return a
}

func review(n int, title string, files ...string) *models.ReviewRequest {
	req := &models.ReviewRequest{
		Repo:      testRepo,
		Number:    n,
		Title:     title,
		Author:    "dev",
		UpdatedAt: time.Now().Add(-time.Hour),
	}
	for _, f := range files {
		req.Diff = append(req.Diff, models.FileDiff{Path: f, Status: "modified"})
	}
	return req
}

func TestNew_RequiresCollaborators(t *testing.T) {
	g := graphstore.NewMemoryStore(graphstore.Options{})
	v := &fakeVectors{}
	e := embeddings.NewHashProvider(testDim)

	_, err := New(nil, v, e)
	assert.Error(t, err)
	_, err = New(g, nil, e)
	assert.Error(t, err)
	_, err = New(g, v, nil)
	assert.Error(t, err)
}

func TestWithConfig_KeepsDefaultsForZeroFields(t *testing.T) {
	a := newAnalyzer(t, graphstore.NewMemoryStore(graphstore.Options{}), &fakeVectors{},
		WithConfig(Config{ResultLimit: 3}))
	assert.Equal(t, 3, a.cfg.ResultLimit)
	assert.Equal(t, 30, a.cfg.LookbackDays)
	assert.Equal(t, 0.6, a.cfg.VectorWeight)
	assert.Equal(t, 0.4, a.cfg.OverlapWeight)
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"partial", []string{"x", "y"}, []string{"y", "z"}, 1.0 / 3},
		{"identical", []string{"a", "b"}, []string{"b", "a"}, 1},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"duplicates ignored", []string{"x", "x", "y"}, []string{"y", "y", "z"}, 1.0 / 3},
		{"both empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

// Vector 0.9/0.7 and overlap 0.8/0.5 weighted 0.6/0.4 give #3 0.6*0.7+0.4*0.5
// = 0.62, #1 0.6*0.9 = 0.54 and #2 0.4*0.8 = 0.32. A record found by both
// signals outranks the single best vector hit, so #3 leads rather than #1.
func TestFuse_WeightedOrdering(t *testing.T) {
	now := time.Now()
	rec := func(n int) *models.ChangeRecord {
		return &models.ChangeRecord{ID: models.ChangeRecordID(testRepo, n), Number: n, Repo: testRepo, UpdatedAt: now}
	}
	match := func(n int, score float64) vectorstore.Match {
		return vectorstore.Match{
			ID:      models.ChangeRecordID(testRepo, n),
			Score:   score,
			Payload: models.EmbeddingPayload{Number: n, Repo: testRepo, UpdatedAt: now},
		}
	}

	items := fuse(
		[]vectorstore.Match{match(1, 0.9), match(3, 0.7)},
		[]overlapCandidate{{record: rec(2), score: 0.8}, {record: rec(3), score: 0.5}},
		DefaultConfig(),
	)
	require.Len(t, items, 3)

	assert.Equal(t, 3, items[0].Number)
	assert.InDelta(t, 0.62, items[0].Score, 1e-9)
	assert.Equal(t, MethodCombined, items[0].Method)

	assert.Equal(t, 1, items[1].Number)
	assert.InDelta(t, 0.54, items[1].Score, 1e-9)
	assert.Equal(t, MethodVector, items[1].Method)

	assert.Equal(t, 2, items[2].Number)
	assert.InDelta(t, 0.32, items[2].Score, 1e-9)
	assert.Equal(t, MethodOverlap, items[2].Method)
}

func TestFuse_TieBreaksOnRecencyThenID(t *testing.T) {
	now := time.Now()
	overlaps := []overlapCandidate{
		{record: &models.ChangeRecord{ID: "acme/api#2", Number: 2, UpdatedAt: now.Add(-time.Hour)}, score: 0.5},
		{record: &models.ChangeRecord{ID: "acme/api#3", Number: 3, UpdatedAt: now}, score: 0.5},
		{record: &models.ChangeRecord{ID: "acme/api#1", Number: 1, UpdatedAt: now}, score: 0.5},
	}
	items := fuse(nil, overlaps, DefaultConfig())
	require.Len(t, items, 3)
	assert.Equal(t, []int{1, 3, 2}, []int{items[0].Number, items[1].Number, items[2].Number})
}

func TestStoreReviewThenFindSimilar(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryStore(graphstore.Options{})
	a := newAnalyzer(t, g, chromemStore(t))

	prior := review(1, "Add retry to webhook sender", "webhook/sender.go", "webhook/retry.go")
	unrelated := review(2, "Update readme badges", "README.md")
	current := review(3, "Add retry to webhook sender", "webhook/sender.go", "webhook/retry.go")

	for _, req := range []*models.ReviewRequest{prior, unrelated, current} {
		res, err := a.StoreReview(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.GraphStored)
		assert.True(t, res.VectorStored)
		assert.Empty(t, res.Warnings)
	}

	res, err := a.FindSimilar(ctx, current, 0)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.False(t, res.Fallback)
	require.NotEmpty(t, res.Items)

	top := res.Items[0]
	assert.Equal(t, 1, top.Number)
	assert.Equal(t, MethodCombined, top.Method)
	assert.InDelta(t, 1.0, top.OverlapScore, 1e-9)
	assert.InDelta(t, 1.0, top.VectorScore, 1e-4)
	for _, item := range res.Items {
		assert.NotEqual(t, current.ID(), item.ID, "the change under review is never its own match")
	}
}

func TestFindSimilar_VectorQuery(t *testing.T) {
	v := &fakeVectors{}
	a := newAnalyzer(t, graphstore.NewMemoryStore(graphstore.Options{}), v)
	req := review(5, "Tighten auth checks", "auth/check.go")

	_, err := a.FindSimilar(context.Background(), req, 0)
	require.NoError(t, err)

	require.Len(t, v.queries, 1)
	q := v.queries[0]
	assert.Equal(t, 0.6, q.MinScore)
	assert.Equal(t, 10, q.TopK)
	assert.Equal(t, testRepo, q.Repo)
	assert.Equal(t, req.ID(), q.ExcludeID)
	assert.Len(t, q.Vector, testDim)
}

func TestFindSimilar_OverlapBelowMinimumDropped(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryStore(graphstore.Options{})
	files := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		files = append(files, fmt.Sprintf("pkg/f%02d.go", i))
	}
	require.NoError(t, g.UpsertChangeRecord(ctx, &models.ChangeRecord{
		Repo: testRepo, Number: 1, Title: "wide", UpdatedAt: time.Now(), Files: files,
	}))
	a := newAnalyzer(t, g, &fakeVectors{})

	// 1 shared of 12 total files: 1/12 < 0.1
	res, err := a.FindSimilar(ctx, review(2, "narrow", "pkg/f00.go"), 0)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestFindSimilar_FallbackChain(t *testing.T) {
	now := time.Now()
	tr := &fakeTracker{prs: []tracker.PRSummary{
		{Number: 3, Title: "self", UpdatedAt: now},
		{Number: 7, Title: "recent", UpdatedAt: now.Add(-48 * time.Hour)},
		{Number: 8, Title: "ancient", UpdatedAt: now.AddDate(0, 0, -90)},
	}}
	a := newAnalyzer(t, closedGraph(t), &fakeVectors{err: unavailable()}, WithTracker(tr))

	res, err := a.FindSimilar(context.Background(), review(3, "Fix flaky test", "ci/test.go"), 30)
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.True(t, res.Fallback)
	require.Len(t, res.Items, 1)
	assert.Equal(t, 7, res.Items[0].Number)
	assert.Equal(t, 0.5, res.Items[0].Score)
	assert.Equal(t, MethodTracker, res.Items[0].Method)
	assert.Equal(t, "Recent PRs in same repo", res.Items[0].Reason)
	assert.Len(t, res.Warnings, 2)
	for _, w := range res.Warnings {
		assert.Contains(t, w, "store unavailable")
	}
}

func TestFindSimilar_AllSignalsFail(t *testing.T) {
	tr := &fakeTracker{err: &models.UpstreamError{Op: "list pull requests", Err: errors.New("502")}}
	a := newAnalyzer(t, closedGraph(t), &fakeVectors{err: unavailable()}, WithTracker(tr))

	res, err := a.FindSimilar(context.Background(), review(3, "x", "a.go"), 0)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.NotNil(t, res.Items)
	assert.True(t, res.Degraded)
	assert.False(t, res.Fallback)
	assert.Len(t, res.Warnings, 3)
	assert.Contains(t, res.Warnings[2], "issue tracker unavailable")
}

func TestFindSimilar_FallbackSkippedWhenPrimaryHasResults(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryStore(graphstore.Options{})
	require.NoError(t, g.UpsertChangeRecord(ctx, &models.ChangeRecord{
		Repo: testRepo, Number: 1, Title: "prior", UpdatedAt: time.Now(), Files: []string{"a.go"},
	}))
	tr := &fakeTracker{}
	a := newAnalyzer(t, g, &fakeVectors{err: unavailable()}, WithTracker(tr))

	res, err := a.FindSimilar(ctx, review(2, "next", "a.go"), 0)
	require.NoError(t, err)
	assert.True(t, res.Degraded, "vector signal failed")
	assert.False(t, res.Fallback)
	require.Len(t, res.Items, 1)
	assert.InDelta(t, 0.4, res.Items[0].Score, 1e-9, "overlap-only candidates keep the weighted score")
	assert.Zero(t, tr.calls)
}

func TestFindSimilar_SlowSignalTimesOut(t *testing.T) {
	v := &blockingVectors{fakeVectors: fakeVectors{}, release: make(chan struct{})}
	defer close(v.release)
	a := newAnalyzer(t, graphstore.NewMemoryStore(graphstore.Options{}), v,
		WithConfig(Config{SignalTimeout: 20 * time.Millisecond}))

	start := time.Now()
	res, err := a.FindSimilar(context.Background(), review(2, "x", "a.go"), 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Degraded)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "vector: timed out")
}

type blockingVectors struct {
	fakeVectors
	release chan struct{}
}

func (b *blockingVectors) SearchSimilar(context.Context, vectorstore.SearchQuery) ([]vectorstore.Match, error) {
	<-b.release
	return nil, nil
}

func TestFindSimilar_Validation(t *testing.T) {
	a := newAnalyzer(t, graphstore.NewMemoryStore(graphstore.Options{}), &fakeVectors{})

	_, err := a.FindSimilar(context.Background(), nil, 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = a.FindSimilar(context.Background(), &models.ReviewRequest{Number: 1}, 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStoreReview_PartialFailure(t *testing.T) {
	tl := logging.NewTestLogger()
	v := &fakeVectors{}
	a := newAnalyzer(t, closedGraph(t), v, WithLogger(tl.Logger))

	res, err := a.StoreReview(context.Background(), review(9, "Bump deps", "go.mod"))
	require.NoError(t, err)
	assert.False(t, res.GraphStored)
	assert.True(t, res.VectorStored)
	assert.Equal(t, []string{"acme/api#9"}, v.upserts)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "graph_write")
	tl.AssertLogged(t, zapcore.WarnLevel, "review stored partially")
}

func TestStoreReview_DependenciesAndCycles(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryStore(graphstore.Options{})
	a := newAnalyzer(t, g, &fakeVectors{})

	req := review(4, "Split helpers")
	req.Diff = []models.FileDiff{
		{Path: "pkg/a.py", Status: "modified", Patch: "@@ -1 +1,2 @@\n+from pkg.b import helper\n x = 1"},
		{Path: "pkg/b.py", Status: "added", Patch: "+import pkg.a\n+import os"},
		{Path: "pkg/old.py", Status: "removed", Patch: "-import pkg.a"},
	}
	res, err := a.StoreReview(ctx, req)
	require.NoError(t, err)
	// os is not a file of the change, so only a<->b is recorded.
	assert.Equal(t, 2, res.Dependencies)

	cycles, err := a.DetectCycles(ctx, testRepo)
	require.NoError(t, err)
	assert.False(t, cycles.Degraded)
	require.Len(t, cycles.Cycles, 1)
	assert.ElementsMatch(t, []string{"pkg/a.py", "pkg/b.py"}, cycles.Cycles[0])
}

func TestStoreReview_MutualImportCycles(t *testing.T) {
	tests := []struct {
		name  string
		diff  []models.FileDiff
		cycle []string
	}{
		{
			name: "javascript",
			diff: []models.FileDiff{
				{Path: "src/a.js", Status: "modified", Patch: "+import { b } from './b'\n+import React from 'react'"},
				{Path: "src/b.js", Status: "modified", Patch: "+import { a } from './a'"},
			},
			cycle: []string{"src/a.js", "src/b.js"},
		},
		{
			name: "typescript index",
			diff: []models.FileDiff{
				{Path: "web/app.ts", Status: "modified", Patch: "+import { store } from './store'"},
				{Path: "web/store/index.ts", Status: "added", Patch: "+import { App } from '../app'"},
			},
			cycle: []string{"web/app.ts", "web/store/index.ts"},
		},
		{
			name: "go",
			diff: []models.FileDiff{
				{Path: "internal/a/a.go", Status: "modified", Patch: "+import (\n+\t\"fmt\"\n+\t\"example.com/m/internal/b\"\n+)"},
				{Path: "internal/b/b.go", Status: "modified", Patch: "+import \"example.com/m/internal/a\""},
			},
			cycle: []string{"internal/a/a.go", "internal/b/b.go"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			g := graphstore.NewMemoryStore(graphstore.Options{})
			a := newAnalyzer(t, g, &fakeVectors{})

			req := review(5, "Wire modules")
			req.Diff = tt.diff
			res, err := a.StoreReview(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, 2, res.Dependencies)

			cycles, err := a.DetectCycles(ctx, testRepo)
			require.NoError(t, err)
			require.Len(t, cycles.Cycles, 1)
			assert.ElementsMatch(t, tt.cycle, cycles.Cycles[0])
		})
	}
}

func TestResolveDependency(t *testing.T) {
	files := map[string]struct{}{
		"src/b.tsx":              {},
		"src/lib/index.js":       {},
		"app/pkg/util.py":        {},
		"svc/models/__init__.py": {},
		"internal/b/b.go":        {},
		"internal/b/b_test.go":   {},
		"README.md":              {},
	}
	tests := []struct {
		lang, target string
		want         []string
	}{
		{"javascript", "src/b", []string{"src/b.tsx"}},
		{"javascript", "src/lib", []string{"src/lib/index.js"}},
		{"javascript", "src/missing", nil},
		{"python", "pkg/util.py", []string{"app/pkg/util.py"}},
		{"python", "svc/models.py", []string{"svc/models/__init__.py"}},
		{"python", "os.py", nil},
		{"go", "example.com/m/internal/b", []string{"internal/b/b.go", "internal/b/b_test.go"}},
		{"go", "fmt", nil},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveDependency(tt.lang, tt.target, files))
		})
	}
}

func TestStoreReview_Validation(t *testing.T) {
	a := newAnalyzer(t, graphstore.NewMemoryStore(graphstore.Options{}), &fakeVectors{})
	_, err := a.StoreReview(context.Background(), &models.ReviewRequest{Repo: testRepo})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestExtractDependencies(t *testing.T) {
	tests := []struct {
		name string
		diff models.FileDiff
		want []string
	}{
		{
			name: "python",
			diff: models.FileDiff{Path: "svc/api.py", Patch: "+from svc.db import conn\n+import json\n+from .local import x"},
			want: []string{"svc/db.py", "json.py"},
		},
		{
			name: "go import block",
			diff: models.FileDiff{Path: "cmd/main.go", Patch: "+import (\n+\t\"fmt\"\n+\tlog \"github.com/acme/api/internal/log\"\n+)"},
			want: []string{"fmt", "github.com/acme/api/internal/log"},
		},
		{
			name: "go single import",
			diff: models.FileDiff{Path: "x.go", Patch: "+import \"net/http\""},
			want: []string{"net/http"},
		},
		{
			name: "javascript relative only",
			diff: models.FileDiff{Path: "web/src/app.js", Patch: "+import React from 'react'\n+import { api } from './api'\n+const u = require('../util/strings')"},
			want: []string{"web/src/api", "web/util/strings"},
		},
		{
			name: "removed lines ignored",
			diff: models.FileDiff{Path: "a.py", Patch: "-import gone\n+import kept"},
			want: []string{"kept.py"},
		},
		{
			name: "unknown language",
			diff: models.FileDiff{Path: "Makefile", Patch: "+import foo"},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractDependencies(tt.diff))
		})
	}
}

func TestExtractDependencies_Bounded(t *testing.T) {
	patch := ""
	for i := 0; i < 25; i++ {
		patch += fmt.Sprintf("+import mod%d\n", i)
	}
	deps := ExtractDependencies(models.FileDiff{Path: "big.py", Patch: patch})
	assert.Len(t, deps, 10)
}

func TestAddDependencies(t *testing.T) {
	ctx := context.Background()
	a := newAnalyzer(t, graphstore.NewMemoryStore(graphstore.Options{}), &fakeVectors{})

	res, err := a.AddDependencies(ctx, testRepo, []models.DependencyEdge{
		{From: "a.go", To: "b.go"},
		{From: "b.go", To: "a.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)

	_, err = a.AddDependencies(ctx, testRepo, []models.DependencyEdge{{From: "a.go"}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFindBugPatterns(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryStore(graphstore.Options{})
	now := time.Now()
	require.NoError(t, g.UpsertChangeRecord(ctx, &models.ChangeRecord{
		Repo: testRepo, Number: 10, Title: "Fix token refresh", State: models.StateClosed,
		UpdatedAt: now.Add(-time.Hour), Files: []string{"auth/token.go", "auth/refresh.go"},
	}))
	require.NoError(t, g.UpsertChangeRecord(ctx, &models.ChangeRecord{
		Repo: testRepo, Number: 11, Title: "Still open", State: models.StateOpen,
		UpdatedAt: now, Files: []string{"auth/token.go"},
	}))
	a := newAnalyzer(t, g, &fakeVectors{})

	req := review(12, "Rework auth", "auth/token.go", "auth/refresh.go")
	req.RelatedIssues = []models.Issue{
		{ID: "40", Title: "Login fails", Labels: []string{"Bug"}},
		{ID: "41", Title: "Timeout error on refresh"},
		{ID: "42", Title: "Add dark mode", Labels: []string{"enhancement"}},
	}

	res, err := a.FindBugPatterns(ctx, req, 0)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.Len(t, res.Items, 3)

	assert.Equal(t, SourceRelatedIssue, res.Items[0].Source)
	assert.Equal(t, "40", res.Items[0].IssueID)
	assert.Equal(t, 0.7, res.Items[0].Relevance)
	assert.Equal(t, "41", res.Items[1].IssueID)

	hist := res.Items[2]
	assert.Equal(t, SourceHistory, hist.Source)
	assert.Equal(t, PatternHistoricalBug, hist.Pattern)
	assert.Equal(t, 10, hist.Number)
	assert.Equal(t, 2, hist.OverlapCount)
	assert.Equal(t, 0.6, hist.Relevance)
}

func TestFindBugPatterns_ResolvesIssuesThroughTracker(t *testing.T) {
	tr := &fakeTracker{issues: []models.Issue{{ID: "7", Title: "Crash on save", Labels: []string{"bug"}}}}
	a := newAnalyzer(t, graphstore.NewMemoryStore(graphstore.Options{}), &fakeVectors{}, WithTracker(tr))

	req := review(3, "Guard nil document", "doc/save.go")
	req.Description = "Fixes #7"
	res, err := a.FindBugPatterns(context.Background(), req, 0)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "7", res.Items[0].IssueID)
	assert.Equal(t, PatternBugReport, res.Items[0].Pattern)
}

func TestFindBugPatterns_StoreDown(t *testing.T) {
	a := newAnalyzer(t, closedGraph(t), &fakeVectors{})
	req := review(3, "x", "a.go")
	req.RelatedIssues = []models.Issue{{ID: "1", Title: "error in parser"}}

	res, err := a.FindBugPatterns(context.Background(), req, 0)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Items, 1, "issue patterns survive a store outage")
	assert.Len(t, res.Warnings, 1)
}

func TestFindHotspots(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryStore(graphstore.Options{})
	now := time.Now()
	for i := 1; i <= 5; i++ {
		files := []string{"billing/invoice.go"}
		if i <= 2 {
			files = append(files, "billing/tax.go")
		}
		require.NoError(t, g.UpsertChangeRecord(ctx, &models.ChangeRecord{
			Repo: testRepo, Number: i, UpdatedAt: now.Add(-time.Duration(i) * time.Hour), Files: files,
		}))
	}
	a := newAnalyzer(t, g, &fakeVectors{})

	res, err := a.FindHotspots(ctx, testRepo, 0)
	require.NoError(t, err)
	assert.Equal(t, []Hotspot{{Path: "billing/invoice.go", Count: 5}}, res.Items)

	_, err = a.FindHotspots(ctx, models.Repo{}, 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSelectHotspots(t *testing.T) {
	freqs := []graphstore.FileFrequency{
		{Path: "b.go", Count: 4},
		{Path: "c.go", Count: 9},
		{Path: "a.go", Count: 4},
		{Path: "d.go", Count: 1},
	}
	assert.Equal(t, []Hotspot{{"c.go", 9}, {"a.go", 4}, {"b.go", 4}}, selectHotspots(freqs, 4, 10))
	assert.Equal(t, []Hotspot{{"c.go", 9}}, selectHotspots(freqs, 1, 1))
	assert.Empty(t, selectHotspots(freqs, 10, 10))
}

func TestDetectCycles_Degrades(t *testing.T) {
	a := newAnalyzer(t, closedGraph(t), &fakeVectors{})
	res, err := a.DetectCycles(context.Background(), testRepo)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Cycles)
	assert.NotNil(t, res.Cycles)
}

func TestBuildContextAndEnhance(t *testing.T) {
	ctx := context.Background()
	g := graphstore.NewMemoryStore(graphstore.Options{})
	now := time.Now()
	for i := 1; i <= 4; i++ {
		require.NoError(t, g.UpsertChangeRecord(ctx, &models.ChangeRecord{
			Repo: testRepo, Number: i, Title: fmt.Sprintf("Change %d", i), State: models.StateClosed,
			UpdatedAt: now.Add(-time.Duration(i) * time.Hour), Files: []string{"core/engine.go"},
		}))
	}
	team := staticTeam{tc: teampatterns.TeamContext{Name: "platform", RecentRefactors: []string{"legacy/api.go"}}}
	a := newAnalyzer(t, g, &fakeVectors{}, WithTeamSource(team))

	req := review(5, "Speed up engine", "core/engine.go")
	req.RelatedIssues = []models.Issue{{ID: "99", Title: "engine error on boot"}}

	hc, err := a.BuildContext(ctx, req, 0)
	require.NoError(t, err)
	assert.False(t, hc.Degraded)
	require.Len(t, hc.Similar, 4)
	require.Len(t, hc.BugPatterns, 5)
	assert.Equal(t, []Hotspot{{"core/engine.go", 4}}, hc.Hotspots)
	require.NotNil(t, hc.Team)
	assert.Equal(t, []string{"legacy/api.go", "core/engine.go"}, hc.Team.RecentRefactors)

	findings := []models.Finding{{ID: "f1", Category: "performance", Confidence: 0.8, Evidence: []string{"hot loop"}}}
	enhanced := EnhanceFindings(findings, hc)
	require.Len(t, enhanced, 1)
	assert.Equal(t, []string{"hot loop"}, findings[0].Evidence, "input untouched")

	ev := enhanced[0].Evidence
	require.Len(t, ev, 6)
	assert.Equal(t, "hot loop", ev[0])
	assert.Equal(t, "Similar pattern in PR #1 (similarity: 0.40, method: file_overlap)", ev[1])
	assert.Equal(t, "Related to issue #99: engine error on boot", ev[4])
	assert.Equal(t, "Similar files modified in PR #1: Change 1", ev[5])
}

func TestEnhanceFindings_NoContext(t *testing.T) {
	findings := []models.Finding{{ID: "f1"}}
	assert.Equal(t, findings, EnhanceFindings(findings, nil))
	assert.Equal(t, findings, EnhanceFindings(findings, &HistoricalContext{}))
}
