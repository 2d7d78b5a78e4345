package models

import (
	"fmt"
	"time"
)

// FeedbackType classifies a reviewer's reaction to a finding.
type FeedbackType string

const (
	FeedbackPositive   FeedbackType = "positive"
	FeedbackNegative   FeedbackType = "negative"
	FeedbackNeutral    FeedbackType = "neutral"
	FeedbackCorrection FeedbackType = "correction"
	FeedbackIgnored    FeedbackType = "ignored"
)

// FeedbackTypes lists every known feedback type in a stable order.
var FeedbackTypes = []FeedbackType{
	FeedbackPositive,
	FeedbackNegative,
	FeedbackNeutral,
	FeedbackCorrection,
	FeedbackIgnored,
}

// Valid reports whether t is a known feedback type.
func (t FeedbackType) Valid() bool {
	for _, known := range FeedbackTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseFeedbackType converts s into a FeedbackType.
func ParseFeedbackType(s string) (FeedbackType, error) {
	t := FeedbackType(s)
	if !t.Valid() {
		return "", NewValidationError("type", fmt.Sprintf("unknown feedback type %q", s))
	}
	return t, nil
}

// FeedbackSource is where a feedback entry came from.
type FeedbackSource string

const (
	SourceReaction     FeedbackSource = "reaction"
	SourceReply        FeedbackSource = "reply"
	SourceManual       FeedbackSource = "manual"
	SourceAutoDetected FeedbackSource = "auto_detected"
)

// FeedbackSources lists every known feedback source.
var FeedbackSources = []FeedbackSource{
	SourceReaction,
	SourceReply,
	SourceManual,
	SourceAutoDetected,
}

// Valid reports whether s is a known source.
func (s FeedbackSource) Valid() bool {
	for _, known := range FeedbackSources {
		if s == known {
			return true
		}
	}
	return false
}

// ParseFeedbackSource converts s into a FeedbackSource.
func ParseFeedbackSource(s string) (FeedbackSource, error) {
	src := FeedbackSource(s)
	if !src.Valid() {
		return "", NewValidationError("source", fmt.Sprintf("unknown feedback source %q", s))
	}
	return src, nil
}

// FeedbackEntry is one immutable piece of reviewer feedback on a change and,
// optionally, on one finding within it.
type FeedbackEntry struct {
	ID             string         `json:"id"`
	ChangeRecordID string         `json:"change_record_id"`
	FindingID      string         `json:"finding_id,omitempty"`
	Type           FeedbackType   `json:"type"`
	Source         FeedbackSource `json:"source"`
	Reviewer       string         `json:"reviewer"`
	Category       string         `json:"category"`
	File           string         `json:"file,omitempty"`
	Line           int            `json:"line,omitempty"`
	Comment        string         `json:"comment,omitempty"`
	Correction     string         `json:"correction,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// FeedbackStats aggregates feedback for a single finding.
type FeedbackStats struct {
	FindingID     string               `json:"finding_id"`
	Counts        map[FeedbackType]int `json:"counts"`
	Total         int                  `json:"total"`
	PositiveRatio float64              `json:"positive_ratio"`
}

// NewFeedbackStats returns zeroed stats for findingID.
func NewFeedbackStats(findingID string) *FeedbackStats {
	counts := make(map[FeedbackType]int, len(FeedbackTypes))
	for _, t := range FeedbackTypes {
		counts[t] = 0
	}
	return &FeedbackStats{FindingID: findingID, Counts: counts}
}

// Add counts one entry of type t.
func (s *FeedbackStats) Add(t FeedbackType) {
	s.Counts[t]++
	s.Total++
	s.Recompute()
}

// Recompute refreshes PositiveRatio from the counts. Ratio is positive over
// positive plus negative and zero when neither has been seen.
func (s *FeedbackStats) Recompute() {
	pos, neg := s.Counts[FeedbackPositive], s.Counts[FeedbackNegative]
	if pos+neg == 0 {
		s.PositiveRatio = 0
		return
	}
	s.PositiveRatio = float64(pos) / float64(pos+neg)
}

// StatsFromEntries aggregates entries for findingID.
func StatsFromEntries(findingID string, entries []*FeedbackEntry) *FeedbackStats {
	stats := NewFeedbackStats(findingID)
	for _, e := range entries {
		stats.Counts[e.Type]++
		stats.Total++
	}
	stats.Recompute()
	return stats
}

// LearningPattern is the derived per-category confidence adjustment.
type LearningPattern struct {
	Category      string    `json:"category"`
	Samples       int       `json:"samples"`
	Positive      int       `json:"positive"`
	Negative      int       `json:"negative"`
	PositiveRatio float64   `json:"positive_ratio"`
	Multiplier    float64   `json:"multiplier"`
	Trusted       bool      `json:"trusted"`
	ComputedAt    time.Time `json:"computed_at"`
}
