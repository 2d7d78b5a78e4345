package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
)

// Finding is one detected secret. The secret value itself is not retained.
type Finding struct {
	RuleID string
	Line   int
	Length int
}

// Scrubber replaces secrets with [REDACTED:rule-id] markers.
type Scrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds a scrubber from cfg. A disabled config returns nil, and a nil
// *Scrubber passes text through unchanged.
func New(cfg config.RedactionConfig) (*Scrubber, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	al, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	return NewWithAllowlist(al)
}

// NewWithAllowlist builds a scrubber on the default gitleaks rules.
func NewWithAllowlist(al *Allowlist) (*Scrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}
	if al != nil && (len(al.Paths) > 0 || len(al.Regexes) > 0) {
		if err := applyAllowlist(&detector.Config, al); err != nil {
			return nil, err
		}
	}
	return &Scrubber{detector: detector}, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, al *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "reviewmemory allowlist"}
	for _, p := range al.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, p := range al.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}

// Detect returns the secrets found in text.
func (s *Scrubber) Detect(text string) []Finding {
	if s == nil || text == "" {
		return nil
	}
	s.mu.Lock()
	raw := s.detector.DetectString(text)
	s.mu.Unlock()

	out := make([]Finding, 0, len(raw))
	for _, f := range raw {
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Length: len(f.Secret)})
	}
	return out
}

// Scrub returns text with every detected secret replaced. Longer secrets are
// replaced first so a secret containing another is not left half-masked.
func (s *Scrubber) Scrub(text string) string {
	if s == nil || text == "" {
		return text
	}
	s.mu.Lock()
	raw := s.detector.DetectString(text)
	s.mu.Unlock()
	if len(raw) == 0 {
		return text
	}

	sort.SliceStable(raw, func(i, j int) bool { return len(raw[i].Secret) > len(raw[j].Secret) })
	for _, f := range raw {
		if f.Secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return text
}
