package backfill

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewmemory/internal/historical"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

var testRepo = models.Repo{Owner: "acme", Name: "api"}

type recorder struct {
	reqs []*models.ReviewRequest
}

func (r *recorder) StoreReview(_ context.Context, req *models.ReviewRequest) (*historical.StoreResult, error) {
	r.reqs = append(r.reqs, req)
	return &historical.StoreResult{ID: req.ID(), GraphStored: true, VectorStored: true}, nil
}

type fixture struct {
	t    *testing.T
	dir  string
	repo *git.Repository
	when time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &fixture{t: t, dir: dir, repo: repo, when: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fixture) write(path, content string) {
	full := filepath.Join(f.dir, path)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(f.t, os.WriteFile(full, []byte(content), 0o644))
}

func (f *fixture) commit(msg string) {
	wt, err := f.repo.Worktree()
	require.NoError(f.t, err)
	require.NoError(f.t, wt.AddWithOptions(&git.AddOptions{All: true}))
	f.when = f.when.Add(time.Hour)
	sig := &object.Signature{Name: "Dev", Email: "dev@example.com", When: f.when}
	_, err = wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(f.t, err)
}

func (f *fixture) remove(path string) {
	wt, err := f.repo.Worktree()
	require.NoError(f.t, err)
	_, err = wt.Remove(path)
	require.NoError(f.t, err)
}

func TestPullRequestOf(t *testing.T) {
	tests := []struct {
		msg    string
		number int
		title  string
	}{
		{"Fix token refresh (#42)", 42, "Fix token refresh"},
		{"Merge pull request #7 from acme/feature\n\nAdd rate limiting", 7, "Add rate limiting"},
		{"Merge pull request #8 from acme/empty", 8, "Merge pull request #8 from acme/empty"},
		{"Refactor (#12) helpers", 0, ""},
		{"Initial commit", 0, ""},
	}
	for _, tt := range tests {
		n, title := pullRequestOf(tt.msg)
		assert.Equal(t, tt.number, n, tt.msg)
		assert.Equal(t, tt.title, title, tt.msg)
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	f.write("README.md", "hello\n")
	f.write("auth/token.go", "package auth\n")
	f.commit("Initial import")

	f.write("auth/token.go", "package auth\n\nimport \"example.com/api/auth/session\"\n")
	f.write("auth/session.go", "package auth\n")
	f.commit("Add session refresh (#12)\n\nRefreshes expired sessions.")

	f.write("auth/token.go", "package auth\n\n// fixed\n")
	f.remove("README.md")
	f.commit("Fix token expiry bug (#13)")

	rec := &recorder{}
	b, err := New(rec, nil)
	require.NoError(t, err)

	res, err := b.Run(context.Background(), f.dir, testRepo, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Commits)
	assert.Equal(t, 2, res.Stored)
	assert.Equal(t, 1, res.Skipped)

	require.Len(t, rec.reqs, 2)
	newest := rec.reqs[0]
	assert.Equal(t, 13, newest.Number)
	assert.Equal(t, "Fix token expiry bug", newest.Title)
	assert.Equal(t, models.StateMerged, newest.State)
	assert.Equal(t, "Dev", newest.Author)

	statuses := map[string]string{}
	for _, d := range newest.Diff {
		statuses[d.Path] = d.Status
	}
	assert.Equal(t, map[string]string{"auth/token.go": "modified", "README.md": "removed"}, statuses)

	older := rec.reqs[1]
	assert.Equal(t, 12, older.Number)
	assert.Equal(t, "Refreshes expired sessions.", older.Description)
	assert.ElementsMatch(t, []string{"auth/token.go", "auth/session.go"}, older.Files())
	for _, d := range older.Diff {
		if d.Path == "auth/token.go" {
			assert.Contains(t, d.Patch, `+import "example.com/api/auth/session"`)
		}
	}
	assert.True(t, older.UpdatedAt.Before(newest.UpdatedAt))
}

func TestRun_Limit(t *testing.T) {
	f := newFixture(t)
	for i, name := range []string{"a.go", "b.go", "c.go"} {
		f.write(name, "package x\n")
		f.commit("Add " + name + " (#" + string(rune('1'+i)) + ")")
	}

	rec := &recorder{}
	b, err := New(rec, nil)
	require.NoError(t, err)
	res, err := b.Run(context.Background(), f.dir, testRepo, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	require.Len(t, rec.reqs, 2)
	assert.Equal(t, 3, rec.reqs[0].Number)

	assert.Equal(t, 2, rec.reqs[1].Number)
}

func TestRun_Errors(t *testing.T) {
	b, err := New(&recorder{}, nil)
	require.NoError(t, err)

	_, err = b.Run(context.Background(), t.TempDir(), testRepo, 0)
	assert.Error(t, err, "not a repository")

	_, err = b.Run(context.Background(), t.TempDir(), models.Repo{}, 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = New(nil, nil)
	assert.Error(t, err)
}

func TestRootCommitListsTree(t *testing.T) {
	f := newFixture(t)
	f.write("main.go", "package main\n")
	f.write("pkg/util.go", "package pkg\n")
	f.commit("Bootstrap (#1)")

	rec := &recorder{}
	b, err := New(rec, nil)
	require.NoError(t, err)
	_, err = b.Run(context.Background(), f.dir, testRepo, 0)
	require.NoError(t, err)
	require.Len(t, rec.reqs, 1)
	assert.ElementsMatch(t, []string{"main.go", "pkg/util.go"}, rec.reqs[0].Files())
	for _, d := range rec.reqs[0].Diff {
		assert.Equal(t, "added", d.Status)
	}
}
