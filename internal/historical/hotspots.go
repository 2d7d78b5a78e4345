package historical

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/reviewmemory/internal/graphstore"
	"github.com/fyrsmithlabs/reviewmemory/internal/historical/signal"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
	"github.com/fyrsmithlabs/reviewmemory/internal/workpool"
)

// Hotspot is a file modified unusually often within the window.
type Hotspot struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// HotspotResult lists hotspots by count desc.
type HotspotResult struct {
	Items    []Hotspot `json:"items"`
	Degraded bool      `json:"degraded"`
	Warnings []string  `json:"warnings,omitempty"`
}

// CycleResult wraps a cycle report with degradation info.
type CycleResult struct {
	Cycles    [][]string `json:"cycles"`
	Truncated bool       `json:"truncated"`
	Nodes     int        `json:"nodes"`
	Degraded  bool       `json:"degraded"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// FindHotspots counts change records per file in the window and keeps files
// modified at least HotspotMinCount times, at most HotspotTopN of them.
func (a *Analyzer) FindHotspots(ctx context.Context, repo models.Repo, lookbackDays int) (*HotspotResult, error) {
	if repo.IsZero() {
		return nil, models.NewValidationError("repo", "owner and name are required")
	}

	ctx, span := tracer.Start(ctx, "historical.FindHotspots")
	defer span.End()
	ctx = logging.WithRepo(ctx, repo.String())

	days := a.lookback(lookbackDays)
	out := signal.Run(ctx, a.logger, signalHotspots, a.cfg.SignalTimeout, func(ctx context.Context) ([]Hotspot, error) {
		freqs, err := a.graph.FileFrequencies(ctx, repo, days)
		if err != nil {
			return nil, err
		}
		return workpool.Do(ctx, a.pool, func(context.Context) ([]Hotspot, error) {
			return selectHotspots(freqs, a.cfg.HotspotMinCount, a.cfg.HotspotTopN), nil
		})
	})

	res := &HotspotResult{
		Items:    out.Value,
		Degraded: out.Failed(),
		Warnings: collectWarnings(nil, out.Warning()),
	}
	if res.Items == nil {
		res.Items = []Hotspot{}
	}
	span.SetAttributes(attribute.Int("results", len(res.Items)))
	return res, nil
}

// selectHotspots orders by count desc, path asc before applying the bounds.
func selectHotspots(freqs []graphstore.FileFrequency, minCount, topN int) []Hotspot {
	sorted := slices.Clone(freqs)
	slices.SortFunc(sorted, func(a, b graphstore.FileFrequency) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})

	out := make([]Hotspot, 0, min(len(sorted), max(topN, 0)))
	for _, f := range sorted {
		if f.Count < minCount {
			break
		}
		if topN > 0 && len(out) == topN {
			break
		}
		out = append(out, Hotspot{Path: f.Path, Count: f.Count})
	}
	return out
}

// DetectCycles lists DEPENDS_ON cycles for repo. A store failure degrades to
// an empty report.
func (a *Analyzer) DetectCycles(ctx context.Context, repo models.Repo) (*CycleResult, error) {
	if repo.IsZero() {
		return nil, models.NewValidationError("repo", "owner and name are required")
	}
	ctx = logging.WithRepo(ctx, repo.String())

	out := signal.Run(ctx, a.logger, signalCycles, a.cfg.StoreTimeout, func(ctx context.Context) (*graphstore.CycleReport, error) {
		return a.graph.DetectCycles(ctx, repo)
	})
	res := &CycleResult{
		Cycles:   [][]string{},
		Degraded: out.Failed(),
		Warnings: collectWarnings(nil, out.Warning()),
	}
	if out.Value != nil {
		if out.Value.Cycles != nil {
			res.Cycles = out.Value.Cycles
		}
		res.Truncated = out.Value.Truncated
		res.Nodes = out.Value.Nodes
	}
	return res, nil
}
