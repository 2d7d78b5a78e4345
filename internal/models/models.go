// Package models defines the persisted shapes shared by the history, similarity
// and feedback components.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChangeState is the lifecycle state of a reviewed change.
type ChangeState string

const (
	StateOpen   ChangeState = "open"
	StateClosed ChangeState = "closed"
	StateMerged ChangeState = "merged"
)

// Valid reports whether s is a known state.
func (s ChangeState) Valid() bool {
	switch s {
	case StateOpen, StateClosed, StateMerged:
		return true
	}
	return false
}

// Repo identifies a repository on the source host.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// String returns "owner/name".
func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// IsZero reports whether the repository coordinates are unset.
func (r Repo) IsZero() bool {
	return r.Owner == "" || r.Name == ""
}

// ChangeRecordID builds the globally unique identifier for a pull request.
func ChangeRecordID(repo Repo, number int) string {
	return fmt.Sprintf("%s/%s#%d", repo.Owner, repo.Name, number)
}

// ParseChangeRecordID splits an "owner/repo#number" identifier.
func ParseChangeRecordID(id string) (Repo, int, error) {
	hash := strings.LastIndex(id, "#")
	slash := strings.Index(id, "/")
	if hash < 0 || slash < 0 || slash > hash {
		return Repo{}, 0, fmt.Errorf("malformed change record id %q", id)
	}
	suffix := id[hash+1:]
	n, err := strconv.Atoi(suffix)
	if err != nil || n <= 0 || suffix[0] == '+' {
		return Repo{}, 0, fmt.Errorf("malformed change record number in %q", id)
	}
	return Repo{Owner: id[:slash], Name: id[slash+1 : hash]}, n, nil
}

// ChangeRecord is a reviewed pull request. Records are append-only; only State
// and UpdatedAt change on re-review.
type ChangeRecord struct {
	ID        string      `json:"id"`
	Number    int         `json:"number"`
	Title     string      `json:"title"`
	Author    string      `json:"author"`
	Repo      Repo        `json:"repo"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	State     ChangeState `json:"state"`
	Files     []string    `json:"files"`
}

// FileNode is a repository-scoped file path.
type FileNode struct {
	Repo Repo   `json:"repo"`
	Path string `json:"path"`
}

// DependencyEdge is a DEPENDS_ON relation between two files of one repository.
type DependencyEdge struct {
	Repo Repo   `json:"repo"`
	From string `json:"from"`
	To   string `json:"to"`
}

// EmbeddingPayload mirrors the key fields of a ChangeRecord next to its vector.
type EmbeddingPayload struct {
	ID        string    `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Repo      Repo      `json:"repo"`
	Author    string    `json:"author"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PayloadFor builds the embedding payload mirror of rec.
func PayloadFor(rec *ChangeRecord) EmbeddingPayload {
	return EmbeddingPayload{
		ID:        rec.ID,
		Number:    rec.Number,
		Title:     rec.Title,
		Repo:      rec.Repo,
		Author:    rec.Author,
		Files:     append([]string(nil), rec.Files...),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// Timestamp is the recency key used for tie-breaking similarity results.
func (p EmbeddingPayload) Timestamp() time.Time {
	if p.UpdatedAt.After(p.CreatedAt) {
		return p.UpdatedAt
	}
	return p.CreatedAt
}

// UniqueFiles returns paths with duplicates and blanks removed, keeping first
// occurrence order.
func UniqueFiles(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
