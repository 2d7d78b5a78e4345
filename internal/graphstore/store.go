// Package graphstore persists the graph-shaped review history: change
// records, the files they modify, file dependencies and feedback.
//
// Every backend merges rather than replaces: MODIFIES and DEPENDS_ON edges are
// only ever added, so re-reviewing a PR never retracts a file it once touched.
// Connectivity failures surface as models.ErrStoreUnavailable.
package graphstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
	"github.com/fyrsmithlabs/reviewmemory/internal/workpool"
)

// timeNow is swapped in tests.
var timeNow = time.Now

// Store is the history store contract.
type Store interface {
	// UpsertChangeRecord creates or refreshes a record by ID and merges its
	// MODIFIES edges. Calling it twice with the same input is a no-op.
	UpsertChangeRecord(ctx context.Context, rec *models.ChangeRecord) error

	// GetChangeRecord returns models.ErrNotFound for unknown IDs.
	GetChangeRecord(ctx context.Context, id string) (*models.ChangeRecord, error)

	// UpsertDependency adds a DEPENDS_ON edge, creating both file nodes.
	UpsertDependency(ctx context.Context, repo models.Repo, from, to string) error

	// FindRelatedByFileOverlap returns records sharing at least one file with
	// q.Files, ordered by overlap count then most recent UpdatedAt.
	FindRelatedByFileOverlap(ctx context.Context, q OverlapQuery) ([]RelatedChange, error)

	// FileFrequencies counts records per file within the window.
	FileFrequencies(ctx context.Context, repo models.Repo, windowDays int) ([]FileFrequency, error)

	// DetectCycles enumerates elementary DEPENDS_ON cycles for repo.
	DetectCycles(ctx context.Context, repo models.Repo) (*CycleReport, error)

	// StoreFeedback appends entry. The referenced record must exist.
	StoreFeedback(ctx context.Context, entry *models.FeedbackEntry) error

	// ReadFeedback returns entries for a finding, oldest first.
	ReadFeedback(ctx context.Context, findingID string) ([]*models.FeedbackEntry, error)

	// ListFeedback returns entries with Timestamp >= since, oldest first.
	ListFeedback(ctx context.Context, since time.Time) ([]*models.FeedbackEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// OverlapQuery selects records by shared files.
type OverlapQuery struct {
	Repo       models.Repo
	Files      []string
	WindowDays int // <= 0 means unbounded
	Limit      int // <= 0 means unbounded
	State      models.ChangeState
}

// RelatedChange is a record annotated with how many files it shares.
type RelatedChange struct {
	Record       *models.ChangeRecord `json:"record"`
	OverlapCount int                  `json:"overlap_count"`
}

// FileFrequency is the number of records that modified Path.
type FileFrequency struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// CycleReport lists elementary cycles. Truncated is set when the node or cycle
// bound cut enumeration short.
type CycleReport struct {
	Cycles    [][]string `json:"cycles"`
	Truncated bool       `json:"truncated"`
	Nodes     int        `json:"nodes"`
}

// Options are shared by every backend.
type Options struct {
	MaxCycleNodes int
	MaxCycles     int
	Pool          *workpool.Pool
}

func (o Options) withDefaults() Options {
	if o.MaxCycleNodes <= 0 {
		o.MaxCycleNodes = 2000
	}
	if o.MaxCycles <= 0 {
		o.MaxCycles = 500
	}
	if o.Pool == nil {
		o.Pool = workpool.New(0)
	}
	return o
}

// normalizeRecord fills derived fields and validates rec in place.
func normalizeRecord(rec *models.ChangeRecord) error {
	if rec == nil {
		return models.NewValidationError("record", "nil change record")
	}
	if rec.ID == "" {
		if rec.Repo.IsZero() || rec.Number <= 0 {
			return models.NewValidationError("id", "record needs an id or repo and number")
		}
		rec.ID = models.ChangeRecordID(rec.Repo, rec.Number)
	}
	if rec.Repo.IsZero() {
		repo, n, err := models.ParseChangeRecordID(rec.ID)
		if err != nil {
			return models.NewValidationError("id", err.Error())
		}
		rec.Repo, rec.Number = repo, n
	}
	if rec.State == "" {
		rec.State = models.StateOpen
	}
	if !rec.State.Valid() {
		return models.NewValidationError("state", fmt.Sprintf("unknown state %q", rec.State))
	}
	now := timeNow().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.Files = models.UniqueFiles(rec.Files)
	return nil
}

func validateDependency(repo models.Repo, from, to string) error {
	if repo.IsZero() {
		return models.NewValidationError("repo", "owner and name are required")
	}
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return models.NewValidationError("file", "dependency endpoints must be non-empty")
	}
	return nil
}

func validateFeedback(entry *models.FeedbackEntry) error {
	if entry == nil || entry.ID == "" || entry.ChangeRecordID == "" {
		return models.NewValidationError("feedback", "entry needs an id and a change record reference")
	}
	return nil
}

// windowStart returns the oldest UpdatedAt admitted by windowDays, or the
// zero time for an unbounded window.
func windowStart(windowDays int) time.Time {
	if windowDays <= 0 {
		return time.Time{}
	}
	return timeNow().UTC().AddDate(0, 0, -windowDays)
}

// sortRelated orders by overlap desc, UpdatedAt desc, ID asc and applies limit.
func sortRelated(related []RelatedChange, limit int) []RelatedChange {
	sort.SliceStable(related, func(i, j int) bool {
		a, b := related[i], related[j]
		if a.OverlapCount != b.OverlapCount {
			return a.OverlapCount > b.OverlapCount
		}
		if !a.Record.UpdatedAt.Equal(b.Record.UpdatedAt) {
			return a.Record.UpdatedAt.After(b.Record.UpdatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
	if limit > 0 && len(related) > limit {
		related = related[:limit]
	}
	return related
}

func sortFrequencies(freqs []FileFrequency) []FileFrequency {
	sort.Slice(freqs, func(i, j int) bool {
		if freqs[i].Count != freqs[j].Count {
			return freqs[i].Count > freqs[j].Count
		}
		return freqs[i].Path < freqs[j].Path
	})
	return freqs
}

func sortFeedback(entries []*models.FeedbackEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
