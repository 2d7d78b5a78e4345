// Package feedback collects reviewer feedback on findings and turns it into
// per-category confidence multipliers.
//
// The history store is the source of truth. The cache is a best-effort
// accelerator for per-finding stats and may be stale in either direction.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

var tracer = otel.Tracer("reviewmemory.feedback")

// timeNow is swapped in tests.
var timeNow = time.Now

// SystemReviewer is the reviewer recorded on auto-detected feedback.
const SystemReviewer = "system"

var (
	collectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewmemory_feedback_collected_total",
		Help: "Feedback entries durably stored, by type and source.",
	}, []string{"type", "source"})

	cacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewmemory_feedback_cache_total",
		Help: "Feedback cache operations, by operation and result.",
	}, []string{"op", "result"})
)

// Store is the slice of the history store feedback needs.
type Store interface {
	GetChangeRecord(ctx context.Context, id string) (*models.ChangeRecord, error)
	StoreFeedback(ctx context.Context, entry *models.FeedbackEntry) error
	ReadFeedback(ctx context.Context, findingID string) ([]*models.FeedbackEntry, error)
	ListFeedback(ctx context.Context, since time.Time) ([]*models.FeedbackEntry, error)
}

// Ref identifies the finding a piece of feedback is about.
type Ref struct {
	ChangeRecordID string `json:"change_record_id"`
	FindingID      string `json:"finding_id,omitempty"`
	Category       string `json:"category"`
	File           string `json:"file,omitempty"`
	Line           int    `json:"line,omitempty"`
	Reviewer       string `json:"reviewer,omitempty"`
}

func (r Ref) entry(t models.FeedbackType, src models.FeedbackSource) *models.FeedbackEntry {
	return &models.FeedbackEntry{
		ChangeRecordID: r.ChangeRecordID,
		FindingID:      r.FindingID,
		Type:           t,
		Source:         src,
		Reviewer:       r.Reviewer,
		Category:       r.Category,
		File:           r.File,
		Line:           r.Line,
	}
}

// Collector validates and stores feedback.
type Collector struct {
	store  Store
	cache  Cache
	logger *logging.Logger
}

// NewCollector creates a collector. cache may be nil.
func NewCollector(store Store, cache Cache, logger *logging.Logger) (*Collector, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Collector{store: store, cache: cache, logger: logger.Named("feedback")}, nil
}

// Collect validates entry, assigns an ID and timestamp when missing and
// writes it durably. The entry is rejected whole on any validation failure.
// Cache errors are logged and otherwise ignored.
func (c *Collector) Collect(ctx context.Context, entry *models.FeedbackEntry) (*models.FeedbackEntry, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "feedback.Collect")
	defer span.End()
	ctx = logging.WithChangeID(ctx, entry.ChangeRecordID)

	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = timeNow().UTC()
	}
	if stored.Source == models.SourceAutoDetected && stored.Reviewer == "" {
		stored.Reviewer = SystemReviewer
	}

	if _, err := c.store.GetChangeRecord(ctx, stored.ChangeRecordID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewValidationError("change_record_id", fmt.Sprintf("unknown change record %q", stored.ChangeRecordID))
		}
		return nil, fmt.Errorf("checking change record: %w", err)
	}
	if err := c.store.StoreFeedback(ctx, &stored); err != nil {
		return nil, fmt.Errorf("storing feedback: %w", err)
	}
	collectedTotal.WithLabelValues(string(stored.Type), string(stored.Source)).Inc()

	if c.cache != nil {
		if err := c.cache.Append(ctx, &stored); err != nil {
			cacheTotal.WithLabelValues("append", "error").Inc()
			c.logger.Warn(ctx, "feedback cache append failed", zap.String("finding_id", stored.FindingID), zap.Error(err))
		} else {
			cacheTotal.WithLabelValues("append", "ok").Inc()
		}
	}

	c.logger.Debug(ctx, "feedback collected",
		zap.String("feedback_id", stored.ID),
		zap.String("type", string(stored.Type)),
		zap.String("source", string(stored.Source)),
		zap.String("category", stored.Category))
	return &stored, nil
}

// CollectFromReaction records a reaction on a posted finding.
func (c *Collector) CollectFromReaction(ctx context.Context, reaction string, ref Ref) (*models.FeedbackEntry, error) {
	if strings.TrimSpace(reaction) == "" {
		return nil, models.NewValidationError("reaction", "reaction is required")
	}
	e := ref.entry(ClassifyReaction(reaction), models.SourceReaction)
	e.Comment = reaction
	return c.Collect(ctx, e)
}

// CollectFromReply records a comment reply, classified by ClassifyReply.
func (c *Collector) CollectFromReply(ctx context.Context, text string, ref Ref) (*models.FeedbackEntry, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.NewValidationError("text", "reply text is required")
	}
	t, correction := ClassifyReply(text)
	e := ref.entry(t, models.SourceReply)
	e.Comment = text
	e.Correction = correction
	return c.Collect(ctx, e)
}

// CollectAutoDetected records whether a finding was fixed by a follow-up
// commit: fixed counts as positive, unfixed as negative.
func (c *Collector) CollectAutoDetected(ctx context.Context, ref Ref, wasFixed bool) (*models.FeedbackEntry, error) {
	t := models.FeedbackNegative
	if wasFixed {
		t = models.FeedbackPositive
	}
	ref.Reviewer = SystemReviewer
	return c.Collect(ctx, ref.entry(t, models.SourceAutoDetected))
}

// GetStats returns per-finding stats from the cache, falling back to the
// history store and repopulating the cache on a miss.
func (c *Collector) GetStats(ctx context.Context, findingID string) (*models.FeedbackStats, error) {
	if strings.TrimSpace(findingID) == "" {
		return nil, models.NewValidationError("finding_id", "finding id is required")
	}

	if c.cache != nil {
		stats, ok, err := c.cache.Stats(ctx, findingID)
		switch {
		case err != nil:
			cacheTotal.WithLabelValues("stats", "error").Inc()
			c.logger.Warn(ctx, "feedback cache read failed", zap.String("finding_id", findingID), zap.Error(err))
		case ok:
			cacheTotal.WithLabelValues("stats", "hit").Inc()
			return stats, nil
		default:
			cacheTotal.WithLabelValues("stats", "miss").Inc()
		}
	}

	entries, err := c.store.ReadFeedback(ctx, findingID)
	if err != nil {
		return nil, fmt.Errorf("reading feedback: %w", err)
	}
	stats := models.StatsFromEntries(findingID, entries)

	if c.cache != nil && stats.Total > 0 {
		if err := c.cache.PutStats(ctx, stats); err != nil {
			c.logger.Warn(ctx, "feedback cache write failed", zap.String("finding_id", findingID), zap.Error(err))
		}
	}
	return stats, nil
}

func validateEntry(e *models.FeedbackEntry) error {
	if e == nil {
		return models.NewValidationError("feedback", "entry is required")
	}
	if !e.Type.Valid() {
		return models.NewValidationError("type", fmt.Sprintf("unknown feedback type %q", e.Type))
	}
	if !e.Source.Valid() {
		return models.NewValidationError("source", fmt.Sprintf("unknown feedback source %q", e.Source))
	}
	if strings.TrimSpace(e.ChangeRecordID) == "" {
		return models.NewValidationError("change_record_id", "change record reference is required")
	}
	if _, _, err := models.ParseChangeRecordID(e.ChangeRecordID); err != nil {
		return models.NewValidationError("change_record_id", err.Error())
	}
	if e.Line < 0 {
		return models.NewValidationError("line", "must not be negative")
	}
	return nil
}
