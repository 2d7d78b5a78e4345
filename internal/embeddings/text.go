package embeddings

import (
	"strings"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// Excerpt limits, in runes.
const (
	maxDescription = 500
	maxPaths       = 20
	maxPatches     = 5
	maxPatch       = 200
	maxText        = 4000
)

// PRText builds the bounded text embedded for a pull request: title,
// description excerpt, changed paths and the first few patch excerpts.
// scrub, when non-nil, is applied to patch excerpts before they are included.
func PRText(req *models.ReviewRequest, scrub func(string) string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Title))

	if desc := truncateRunes(strings.TrimSpace(req.Description), maxDescription); desc != "" {
		b.WriteString("\n\n")
		b.WriteString(desc)
	}

	files := req.Files()
	if len(files) > maxPaths {
		files = files[:maxPaths]
	}
	if len(files) > 0 {
		b.WriteString("\n\nFiles: ")
		b.WriteString(strings.Join(files, ", "))
	}

	patches := 0
	for _, d := range req.Diff {
		if patches == maxPatches {
			break
		}
		patch := strings.TrimSpace(d.Patch)
		if patch == "" {
			continue
		}
		if scrub != nil {
			patch = scrub(patch)
		}
		b.WriteString("\n\n")
		b.WriteString(d.Path)
		b.WriteString(":\n")
		b.WriteString(truncateRunes(patch, maxPatch))
		patches++
	}

	return truncateRunes(b.String(), maxText)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
