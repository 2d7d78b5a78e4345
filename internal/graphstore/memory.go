package graphstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// MemoryStore keeps the history graph in process memory. It is used in tests
// and for throwaway deployments.
type MemoryStore struct {
	opts Options

	mu       sync.RWMutex
	records  map[string]*models.ChangeRecord
	fileSets map[string]map[string]struct{}            // record ID -> files
	deps     map[string]map[string]map[string]struct{} // repo -> from -> to
	feedback []*models.FeedbackEntry
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:     opts.withDefaults(),
		records:  make(map[string]*models.ChangeRecord),
		fileSets: make(map[string]map[string]struct{}),
		deps:     make(map[string]map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) checkOpen(op string) error {
	if s.closed {
		return models.NewStoreError("memory", op, fmt.Errorf("store closed"))
	}
	return nil
}

func (s *MemoryStore) UpsertChangeRecord(ctx context.Context, rec *models.ChangeRecord) error {
	if err := normalizeRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("upsert_change_record"); err != nil {
		return err
	}

	existing, ok := s.records[rec.ID]
	if !ok {
		stored := *rec
		stored.Files = nil
		existing = &stored
		s.records[rec.ID] = existing
		s.fileSets[rec.ID] = make(map[string]struct{})
	} else {
		existing.State = rec.State
		if rec.UpdatedAt.After(existing.UpdatedAt) {
			existing.UpdatedAt = rec.UpdatedAt
		}
	}

	set := s.fileSets[rec.ID]
	for _, f := range rec.Files {
		if _, dup := set[f]; dup {
			continue
		}
		set[f] = struct{}{}
		existing.Files = append(existing.Files, f)
	}
	return nil
}

func (s *MemoryStore) GetChangeRecord(ctx context.Context, id string) (*models.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("get_change_record"); err != nil {
		return nil, err
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("change record %s: %w", id, models.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) UpsertDependency(ctx context.Context, repo models.Repo, from, to string) error {
	if err := validateDependency(repo, from, to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("upsert_dependency"); err != nil {
		return err
	}

	byFrom, ok := s.deps[repo.String()]
	if !ok {
		byFrom = make(map[string]map[string]struct{})
		s.deps[repo.String()] = byFrom
	}
	tos, ok := byFrom[from]
	if !ok {
		tos = make(map[string]struct{})
		byFrom[from] = tos
	}
	tos[to] = struct{}{}
	return nil
}

func (s *MemoryStore) FindRelatedByFileOverlap(ctx context.Context, q OverlapQuery) ([]RelatedChange, error) {
	wanted := make(map[string]struct{}, len(q.Files))
	for _, f := range models.UniqueFiles(q.Files) {
		wanted[f] = struct{}{}
	}
	if len(wanted) == 0 {
		return nil, nil
	}
	since := windowStart(q.WindowDays)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("find_related"); err != nil {
		return nil, err
	}

	var related []RelatedChange
	for id, rec := range s.records {
		if rec.Repo != q.Repo {
			continue
		}
		if q.State != "" && rec.State != q.State {
			continue
		}
		if !since.IsZero() && rec.UpdatedAt.Before(since) {
			continue
		}
		overlap := 0
		for f := range s.fileSets[id] {
			if _, ok := wanted[f]; ok {
				overlap++
			}
		}
		if overlap > 0 {
			related = append(related, RelatedChange{Record: cloneRecord(rec), OverlapCount: overlap})
		}
	}
	return sortRelated(related, q.Limit), nil
}

func (s *MemoryStore) FileFrequencies(ctx context.Context, repo models.Repo, windowDays int) ([]FileFrequency, error) {
	since := windowStart(windowDays)

	s.mu.RLock()
	counts := make(map[string]int)
	err := s.checkOpen("file_frequencies")
	if err == nil {
		for id, rec := range s.records {
			if rec.Repo != repo || (!since.IsZero() && rec.UpdatedAt.Before(since)) {
				continue
			}
			for f := range s.fileSets[id] {
				counts[f]++
			}
		}
	}
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	freqs := make([]FileFrequency, 0, len(counts))
	for path, n := range counts {
		freqs = append(freqs, FileFrequency{Path: path, Count: n})
	}
	return sortFrequencies(freqs), nil
}

func (s *MemoryStore) DetectCycles(ctx context.Context, repo models.Repo) (*CycleReport, error) {
	s.mu.RLock()
	if err := s.checkOpen("detect_cycles"); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	adj := make(map[string][]string)
	for from, tos := range s.deps[repo.String()] {
		for to := range tos {
			adj[from] = append(adj[from], to)
		}
	}
	s.mu.RUnlock()

	return detectCycles(ctx, s.opts.Pool, adj, s.opts)
}

func (s *MemoryStore) StoreFeedback(ctx context.Context, entry *models.FeedbackEntry) error {
	if err := validateFeedback(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("store_feedback"); err != nil {
		return err
	}
	if _, ok := s.records[entry.ChangeRecordID]; !ok {
		return fmt.Errorf("change record %s: %w", entry.ChangeRecordID, models.ErrNotFound)
	}
	for _, e := range s.feedback {
		if e.ID == entry.ID {
			return fmt.Errorf("feedback %s: %w", entry.ID, models.ErrConflict)
		}
	}
	stored := *entry
	s.feedback = append(s.feedback, &stored)
	return nil
}

func (s *MemoryStore) ReadFeedback(ctx context.Context, findingID string) ([]*models.FeedbackEntry, error) {
	return s.filterFeedback("read_feedback", func(e *models.FeedbackEntry) bool {
		return e.FindingID == findingID
	})
}

func (s *MemoryStore) ListFeedback(ctx context.Context, since time.Time) ([]*models.FeedbackEntry, error) {
	return s.filterFeedback("list_feedback", func(e *models.FeedbackEntry) bool {
		return !e.Timestamp.Before(since)
	})
}

func (s *MemoryStore) filterFeedback(op string, keep func(*models.FeedbackEntry) bool) ([]*models.FeedbackEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	var out []*models.FeedbackEntry
	for _, e := range s.feedback {
		if keep(e) {
			c := *e
			out = append(out, &c)
		}
	}
	sortFeedback(out)
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen("ping")
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// EdgeCount returns the number of MODIFIES edges held for id.
func (s *MemoryStore) EdgeCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fileSets[id])
}

// RecordCount returns the number of stored change records.
func (s *MemoryStore) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneRecord(rec *models.ChangeRecord) *models.ChangeRecord {
	c := *rec
	c.Files = append([]string(nil), rec.Files...)
	return &c
}
