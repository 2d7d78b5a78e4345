// Package historical stores reviewed pull requests across the history and
// similarity stores and retrieves related history for new reviews: similar
// pull requests, past bug fixes on the same files and refactoring hotspots.
//
// Nothing here aborts a review. Every store or tracker call runs as a
// signal.Run step with its own timeout; failures become warnings on an
// otherwise successful, possibly empty, result. Only malformed requests are
// returned as errors.
package historical

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
	"github.com/fyrsmithlabs/reviewmemory/internal/embeddings"
	"github.com/fyrsmithlabs/reviewmemory/internal/graphstore"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
	"github.com/fyrsmithlabs/reviewmemory/internal/teampatterns"
	"github.com/fyrsmithlabs/reviewmemory/internal/tracker"
	"github.com/fyrsmithlabs/reviewmemory/internal/vectorstore"
	"github.com/fyrsmithlabs/reviewmemory/internal/workpool"
)

var tracer = otel.Tracer("reviewmemory.historical")

// timeNow is swapped in tests.
var timeNow = time.Now

// Signal names, also used as metric labels.
const (
	signalGraphWrite  = "graph_write"
	signalVectorWrite = "vector_write"
	signalVector      = "vector"
	signalOverlap     = "overlap"
	signalFallback    = "tracker"
	signalIssues      = "related_issues"
	signalBugHistory  = "bug_history"
	signalHotspots    = "hotspots"
	signalCycles      = "cycles"
)

// Tracker is the issue-tracker fallback.
type Tracker interface {
	ListRecentPRs(ctx context.Context, owner, repo string, limit int) ([]tracker.PRSummary, error)
	RelatedIssues(ctx context.Context, owner, repo, text string) ([]models.Issue, error)
}

// TeamSource supplies the configured team conventions.
type TeamSource interface {
	Context() teampatterns.TeamContext
}

// Config tunes retrieval and fusion.
type Config struct {
	LookbackDays    int
	ResultLimit     int
	SignalTimeout   time.Duration
	StoreTimeout    time.Duration
	VectorMinScore  float64
	MinOverlap      float64
	VectorWeight    float64
	OverlapWeight   float64
	FallbackLimit   int
	HotspotMinCount int
	HotspotTopN     int
}

// DefaultConfig matches the config package defaults.
func DefaultConfig() Config {
	return Config{
		LookbackDays:    30,
		ResultLimit:     10,
		SignalTimeout:   3 * time.Second,
		StoreTimeout:    5 * time.Second,
		VectorMinScore:  0.6,
		MinOverlap:      0.1,
		VectorWeight:    0.6,
		OverlapWeight:   0.4,
		FallbackLimit:   5,
		HotspotMinCount: 4,
		HotspotTopN:     10,
	}
}

// ConfigFrom converts the analyzer config section.
func ConfigFrom(c config.AnalyzerConfig) Config {
	return Config{
		LookbackDays:    c.LookbackDays,
		ResultLimit:     c.ResultLimit,
		SignalTimeout:   c.SignalTimeout.Duration(),
		StoreTimeout:    c.StoreTimeout.Duration(),
		VectorMinScore:  c.VectorMinScore,
		MinOverlap:      c.MinOverlap,
		VectorWeight:    c.VectorWeight,
		OverlapWeight:   c.OverlapWeight,
		FallbackLimit:   c.FallbackLimit,
		HotspotMinCount: c.HotspotMinCount,
		HotspotTopN:     c.HotspotTopN,
	}
}

// Analyzer orchestrates the history and similarity stores.
type Analyzer struct {
	graph    graphstore.Store
	vectors  vectorstore.Store
	embedder embeddings.Provider
	tracker  Tracker
	team     TeamSource
	scrub    func(string) string
	pool     *workpool.Pool
	cfg      Config
	logger   *logging.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithTracker enables the issue-tracker fallback.
func WithTracker(t Tracker) Option {
	return func(a *Analyzer) { a.tracker = t }
}

// WithTeamSource attaches team conventions to BuildContext.
func WithTeamSource(t TeamSource) Option {
	return func(a *Analyzer) { a.team = t }
}

// WithScrubber filters diff excerpts before they are embedded.
func WithScrubber(fn func(string) string) Option {
	return func(a *Analyzer) { a.scrub = fn }
}

// WithPool sets the CPU worker pool used for hotspot aggregation.
func WithPool(p *workpool.Pool) Option {
	return func(a *Analyzer) { a.pool = p }
}

// WithConfig overrides DefaultConfig. Zero fields keep their defaults.
func WithConfig(c Config) Option {
	return func(a *Analyzer) { a.cfg = mergeConfig(a.cfg, c) }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Analyzer over the two stores and an embedder.
func New(graph graphstore.Store, vectors vectorstore.Store, embedder embeddings.Provider, opts ...Option) (*Analyzer, error) {
	if graph == nil {
		return nil, errors.New("history store cannot be nil")
	}
	if vectors == nil {
		return nil, errors.New("similarity store cannot be nil")
	}
	if embedder == nil {
		return nil, errors.New("embedder cannot be nil")
	}

	a := &Analyzer{
		graph:    graph,
		vectors:  vectors,
		embedder: embedder,
		cfg:      DefaultConfig(),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.pool == nil {
		a.pool = workpool.New(0)
	}
	a.logger = a.logger.Named("historical")
	return a, nil
}

func mergeConfig(base, over Config) Config {
	if over.LookbackDays > 0 {
		base.LookbackDays = over.LookbackDays
	}
	if over.ResultLimit > 0 {
		base.ResultLimit = over.ResultLimit
	}
	if over.SignalTimeout > 0 {
		base.SignalTimeout = over.SignalTimeout
	}
	if over.StoreTimeout > 0 {
		base.StoreTimeout = over.StoreTimeout
	}
	if over.VectorMinScore > 0 {
		base.VectorMinScore = over.VectorMinScore
	}
	if over.MinOverlap > 0 {
		base.MinOverlap = over.MinOverlap
	}
	if over.VectorWeight > 0 || over.OverlapWeight > 0 {
		base.VectorWeight, base.OverlapWeight = over.VectorWeight, over.OverlapWeight
	}
	if over.FallbackLimit > 0 {
		base.FallbackLimit = over.FallbackLimit
	}
	if over.HotspotMinCount > 0 {
		base.HotspotMinCount = over.HotspotMinCount
	}
	if over.HotspotTopN > 0 {
		base.HotspotTopN = over.HotspotTopN
	}
	return base
}

func (a *Analyzer) lookback(days int) int {
	if days > 0 {
		return days
	}
	return a.cfg.LookbackDays
}

func (a *Analyzer) prText(req *models.ReviewRequest) string {
	return embeddings.PRText(req, a.scrub)
}

// collectWarnings appends non-empty warnings.
func collectWarnings(dst []string, ws ...string) []string {
	for _, w := range ws {
		if w != "" {
			dst = append(dst, w)
		}
	}
	return dst
}
