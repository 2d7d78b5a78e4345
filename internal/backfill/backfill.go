// Package backfill seeds the history stores from a local git clone so a new
// deployment has something to compare its first reviews against.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/historical"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

const (
	DefaultLimit = 500
	maxPatch     = 4096
)

var (
	// "Merge pull request #12 from org/branch"
	mergeRe = regexp.MustCompile(`^Merge pull request #(\d+)`)
	// "Fix the thing (#12)", GitHub's squash-merge subject.
	squashRe = regexp.MustCompile(`\(#(\d+)\)\s*$`)
)

// Recorder stores one reconstructed review.
type Recorder interface {
	StoreReview(ctx context.Context, req *models.ReviewRequest) (*historical.StoreResult, error)
}

// Result summarizes a backfill run.
type Result struct {
	Commits  int      `json:"commits"`
	Stored   int      `json:"stored"`
	Skipped  int      `json:"skipped"`
	Warnings []string `json:"warnings,omitempty"`
}

// Backfiller walks commit history and records merged pull requests.
type Backfiller struct {
	recorder Recorder
	logger   *logging.Logger
}

// New creates a Backfiller.
func New(recorder Recorder, logger *logging.Logger) (*Backfiller, error) {
	if recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Backfiller{recorder: recorder, logger: logger.Named("backfill")}, nil
}

// Run walks HEAD's history in repoPath, newest first, and stores up to
// limit pull requests as merged ChangeRecords. Commits whose subject names
// no pull request number are skipped.
func (b *Backfiller) Run(ctx context.Context, repoPath string, repo models.Repo, limit int) (*Result, error) {
	if repo.IsZero() {
		return nil, models.NewValidationError("repo", "owner and name are required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx = logging.WithRepo(ctx, repo.String())

	r, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", repoPath, err)
	}
	head, err := r.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	iter, err := r.Log(&git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	res := &Result{}
	seen := make(map[int]struct{})
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Commits++

		number, title := pullRequestOf(c.Message)
		if number == 0 {
			res.Skipped++
			return nil
		}
		if _, dup := seen[number]; dup {
			res.Skipped++
			return nil
		}
		seen[number] = struct{}{}

		req, err := reviewFromCommit(ctx, c, repo, number, title)
		if err != nil {
			res.Skipped++
			res.Warnings = append(res.Warnings, fmt.Sprintf("#%d: %v", number, err))
			return nil
		}
		stored, err := b.recorder.StoreReview(ctx, req)
		if err != nil {
			return fmt.Errorf("storing #%d: %w", number, err)
		}
		res.Stored++
		res.Warnings = append(res.Warnings, stored.Warnings...)

		if res.Stored >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	b.logger.Info(ctx, "backfill complete",
		zap.Int("commits", res.Commits),
		zap.Int("stored", res.Stored),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// pullRequestOf extracts the pull request number and title from a commit
// message. For merge commits the title is the first body line.
func pullRequestOf(msg string) (int, string) {
	lines := strings.Split(strings.TrimSpace(msg), "\n")
	subject := strings.TrimSpace(lines[0])

	if m := mergeRe.FindStringSubmatch(subject); m != nil {
		n, _ := strconv.Atoi(m[1])
		title := subject
		for _, l := range lines[1:] {
			if l = strings.TrimSpace(l); l != "" {
				title = l
				break
			}
		}
		return n, title
	}
	if m := squashRe.FindStringSubmatch(subject); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, strings.TrimSpace(strings.TrimSuffix(subject, m[0]))
	}
	return 0, ""
}

func reviewFromCommit(ctx context.Context, c *object.Commit, repo models.Repo, number int, title string) (*models.ReviewRequest, error) {
	files, err := changedFiles(ctx, c)
	if err != nil {
		return nil, err
	}
	return &models.ReviewRequest{
		Repo:        repo,
		Number:      number,
		Title:       title,
		Description: commitBody(c.Message),
		Author:      c.Author.Name,
		State:       models.StateMerged,
		CreatedAt:   c.Author.When.UTC(),
		UpdatedAt:   c.Committer.When.UTC(),
		Diff:        files,
	}, nil
}

func commitBody(msg string) string {
	_, body, _ := strings.Cut(strings.TrimSpace(msg), "\n")
	return strings.TrimSpace(body)
}

// changedFiles diffs c against its first parent. A root commit adds every
// file in its tree.
func changedFiles(ctx context.Context, c *object.Commit) ([]models.FileDiff, error) {
	if c.NumParents() == 0 {
		iter, err := c.Files()
		if err != nil {
			return nil, err
		}
		var out []models.FileDiff
		err = iter.ForEach(func(f *object.File) error {
			out = append(out, models.FileDiff{Path: f.Name, Status: "added"})
			return nil
		})
		return out, err
	}

	parent, err := c.Parent(0)
	if err != nil {
		return nil, err
	}
	patch, err := parent.PatchContext(ctx, c)
	if err != nil {
		return nil, err
	}

	var out []models.FileDiff
	for _, fp := range patch.FilePatches() {
		from, to := fp.Files()
		d := models.FileDiff{Status: "modified"}
		switch {
		case from == nil && to == nil:
			continue
		case from == nil:
			d.Path, d.Status = to.Path(), "added"
		case to == nil:
			d.Path, d.Status = from.Path(), "removed"
		default:
			d.Path = to.Path()
			if from.Path() != to.Path() {
				d.Status = "renamed"
			}
		}
		if !fp.IsBinary() {
			d.Patch = renderPatch(fp.Chunks())
		}
		out = append(out, d)
	}
	return out, nil
}

// renderPatch writes added and removed lines in unified-diff style,
// bounded to maxPatch bytes.
func renderPatch(chunks []diff.Chunk) string {
	var b strings.Builder
	for _, ch := range chunks {
		var prefix string
		switch ch.Type() {
		case diff.Add:
			prefix = "+"
		case diff.Delete:
			prefix = "-"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(ch.Content(), "\n") {
			if line == "" {
				continue
			}
			if b.Len()+len(line)+1 > maxPatch {
				return b.String()
			}
			b.WriteString(prefix)
			b.WriteString(line)
		}
	}
	return b.String()
}
