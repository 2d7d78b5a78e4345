package feedback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// Learning defaults.
const (
	DefaultMinSamples = 5
	DefaultWindowDays = 30

	minMultiplier = 0.5
	maxMultiplier = 1.5

	// Suggested multipliers for categories dominated by false positives or
	// by ignored findings.
	falsePositiveMultiplier = 0.7
	falseNegativeMultiplier = 1.2
	suggestionMinSamples    = 5
)

// PatternSet is an immutable set of learning patterns.
type PatternSet struct {
	Patterns   map[string]models.LearningPattern `json:"patterns"`
	WindowDays int                               `json:"window_days"`
	ComputedAt time.Time                         `json:"computed_at"`
}

// Adjust applies the set to one raw confidence.
func (p *PatternSet) Adjust(raw float64, category string) float64 {
	if p == nil {
		return raw
	}
	return AdjustConfidence(raw, category, p.Patterns)
}

// CategorySuggestion flags a category whose feedback is dominated by one
// kind of outcome.
type CategorySuggestion struct {
	Category            string  `json:"category"`
	Samples             int     `json:"samples"`
	Share               float64 `json:"share"`
	SuggestedMultiplier float64 `json:"suggested_multiplier"`
}

// Analyzer aggregates feedback into LearningPatterns and keeps the latest
// set available without store round-trips.
type Analyzer struct {
	store      Store
	minSamples int
	windowDays int
	logger     *logging.Logger
	current    atomic.Pointer[PatternSet]
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithMinSamples sets the trust threshold.
func WithMinSamples(n int) AnalyzerOption {
	return func(a *Analyzer) {
		if n > 0 {
			a.minSamples = n
		}
	}
}

// WithWindowDays sets the window used by Refresh.
func WithWindowDays(days int) AnalyzerOption {
	return func(a *Analyzer) {
		if days > 0 {
			a.windowDays = days
		}
	}
}

// WithAnalyzerLogger sets the logger.
func WithAnalyzerLogger(l *logging.Logger) AnalyzerOption {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAnalyzer creates an analyzer with an empty snapshot.
func NewAnalyzer(store Store, opts ...AnalyzerOption) (*Analyzer, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	a := &Analyzer{
		store:      store,
		minSamples: DefaultMinSamples,
		windowDays: DefaultWindowDays,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("learning")
	a.current.Store(&PatternSet{Patterns: map[string]models.LearningPattern{}, WindowDays: a.windowDays})
	return a, nil
}

// MinSamples returns the trust threshold.
func (a *Analyzer) MinSamples() int { return a.minSamples }

// AnalyzePatterns aggregates feedback from the last windowDays by category.
// Categories without positive or negative feedback are omitted.
func (a *Analyzer) AnalyzePatterns(ctx context.Context, windowDays int) (map[string]models.LearningPattern, error) {
	if windowDays <= 0 {
		windowDays = a.windowDays
	}
	ctx, span := tracer.Start(ctx, "feedback.AnalyzePatterns")
	defer span.End()

	entries, err := a.window(ctx, windowDays)
	if err != nil {
		return nil, err
	}

	now := timeNow().UTC()
	counts := countByCategory(entries)
	patterns := make(map[string]models.LearningPattern, len(counts))
	for category, c := range counts {
		pos, neg := c[models.FeedbackPositive], c[models.FeedbackNegative]
		if pos+neg == 0 {
			continue
		}
		ratio := float64(pos) / float64(pos+neg)
		patterns[category] = models.LearningPattern{
			Category:      category,
			Samples:       pos + neg,
			Positive:      pos,
			Negative:      neg,
			PositiveRatio: ratio,
			Multiplier:    clamp(minMultiplier+ratio, minMultiplier, maxMultiplier),
			Trusted:       pos+neg >= a.minSamples,
			ComputedAt:    now,
		}
	}
	span.SetAttributes(attribute.Int("entries", len(entries)), attribute.Int("patterns", len(patterns)))
	return patterns, nil
}

// AdjustConfidence scales raw by the category multiplier when a trusted
// pattern exists and returns raw unchanged otherwise. patterns is not
// modified.
func AdjustConfidence(raw float64, category string, patterns map[string]models.LearningPattern) float64 {
	p, ok := patterns[category]
	if !ok || !p.Trusted {
		return raw
	}
	return clamp(raw*p.Multiplier, 0, 1)
}

// Refresh recomputes the pattern set and swaps it in. On error the previous
// set stays current.
func (a *Analyzer) Refresh(ctx context.Context) (*PatternSet, error) {
	patterns, err := a.AnalyzePatterns(ctx, a.windowDays)
	if err != nil {
		a.logger.Warn(ctx, "pattern refresh failed, keeping previous set", zap.Error(err))
		return a.Snapshot(), err
	}
	set := &PatternSet{Patterns: patterns, WindowDays: a.windowDays, ComputedAt: timeNow().UTC()}
	a.current.Store(set)

	trusted := 0
	for _, p := range patterns {
		if p.Trusted {
			trusted++
		}
	}
	a.logger.Info(ctx, "learning patterns refreshed",
		zap.Int("categories", len(patterns)),
		zap.Int("trusted", trusted))
	return set, nil
}

// Snapshot returns the current pattern set. It is never nil.
func (a *Analyzer) Snapshot() *PatternSet {
	return a.current.Load()
}

// Adjust scales raw with the current snapshot.
func (a *Analyzer) Adjust(raw float64, category string) float64 {
	return a.Snapshot().Adjust(raw, category)
}

// FalsePositiveCategories lists categories with enough samples where more
// than half of all feedback is negative.
func (a *Analyzer) FalsePositiveCategories(ctx context.Context, windowDays int) ([]CategorySuggestion, error) {
	return a.dominated(ctx, windowDays, models.FeedbackNegative, falsePositiveMultiplier)
}

// FalseNegativeCategories lists categories with enough samples where more
// than half of all feedback is ignored.
func (a *Analyzer) FalseNegativeCategories(ctx context.Context, windowDays int) ([]CategorySuggestion, error) {
	return a.dominated(ctx, windowDays, models.FeedbackIgnored, falseNegativeMultiplier)
}

func (a *Analyzer) dominated(ctx context.Context, windowDays int, t models.FeedbackType, mult float64) ([]CategorySuggestion, error) {
	if windowDays <= 0 {
		windowDays = a.windowDays
	}
	entries, err := a.window(ctx, windowDays)
	if err != nil {
		return nil, err
	}

	var out []CategorySuggestion
	for category, c := range countByCategory(entries) {
		total := 0
		for _, n := range c {
			total += n
		}
		if total < suggestionMinSamples {
			continue
		}
		share := float64(c[t]) / float64(total)
		if share <= 0.5 {
			continue
		}
		out = append(out, CategorySuggestion{
			Category:            category,
			Samples:             total,
			Share:               share,
			SuggestedMultiplier: mult,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Share != out[j].Share {
			return out[i].Share > out[j].Share
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

func (a *Analyzer) window(ctx context.Context, windowDays int) ([]*models.FeedbackEntry, error) {
	since := timeNow().UTC().AddDate(0, 0, -windowDays)
	entries, err := a.store.ListFeedback(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("listing feedback: %w", err)
	}
	return entries, nil
}

func countByCategory(entries []*models.FeedbackEntry) map[string]map[models.FeedbackType]int {
	counts := make(map[string]map[models.FeedbackType]int)
	for _, e := range entries {
		if e.Category == "" {
			continue
		}
		c, ok := counts[e.Category]
		if !ok {
			c = make(map[models.FeedbackType]int)
			counts[e.Category] = c
		}
		c[e.Type]++
	}
	return counts
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
