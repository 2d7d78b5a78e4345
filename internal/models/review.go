package models

import "time"

// FileDiff is one file of a pull request diff.
type FileDiff struct {
	Path     string `json:"path"`
	Status   string `json:"status"` // added, modified, removed, renamed
	Language string `json:"language,omitempty"`
	Patch    string `json:"patch,omitempty"`
}

// Issue is an issue linked to a pull request.
type Issue struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Labels []string `json:"labels,omitempty"`
}

// ReviewRequest is what the review pipeline submits for a pull request.
type ReviewRequest struct {
	Repo          Repo        `json:"repo"`
	Number        int         `json:"number"`
	Title         string      `json:"title"`
	Description   string      `json:"description,omitempty"`
	Author        string      `json:"author"`
	State         ChangeState `json:"state,omitempty"`
	CreatedAt     time.Time   `json:"created_at,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at,omitempty"`
	Diff          []FileDiff  `json:"diff"`
	RelatedIssues []Issue     `json:"related_issues,omitempty"`
}

// ID returns the ChangeRecord identifier of the request.
func (r *ReviewRequest) ID() string {
	return ChangeRecordID(r.Repo, r.Number)
}

// Files returns the distinct paths touched by the request.
func (r *ReviewRequest) Files() []string {
	paths := make([]string, 0, len(r.Diff))
	for _, d := range r.Diff {
		paths = append(paths, d.Path)
	}
	return UniqueFiles(paths)
}

// LiveFiles returns the distinct paths that still exist after the change.
func (r *ReviewRequest) LiveFiles() []string {
	paths := make([]string, 0, len(r.Diff))
	for _, d := range r.Diff {
		if d.Status == "removed" {
			continue
		}
		paths = append(paths, d.Path)
	}
	return UniqueFiles(paths)
}

// Validate checks the fields every history operation relies on.
func (r *ReviewRequest) Validate() error {
	if r.Repo.IsZero() {
		return NewValidationError("repo", "owner and name are required")
	}
	if r.Number <= 0 {
		return NewValidationError("number", "must be positive")
	}
	if r.State != "" && !r.State.Valid() {
		return NewValidationError("state", "unknown state "+string(r.State))
	}
	return nil
}

// Finding is a raw finding produced by an analyzer.
type Finding struct {
	ID         string   `json:"id"`
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Message    string   `json:"message,omitempty"`
	File       string   `json:"file,omitempty"`
	Line       int      `json:"line,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
}
