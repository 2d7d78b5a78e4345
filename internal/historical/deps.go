package historical

import (
	"context"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/reviewmemory/internal/historical/signal"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

// maxDependencies bounds the edges extracted from one file.
const maxDependencies = 10

var (
	pyFromImport = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
	pyImport     = regexp.MustCompile(`^\s*import\s+([\w.]+)`)
	goImportLine = regexp.MustCompile(`^\s*import\s+(?:[\w.]+\s+)?"([^"]+)"`)
	goImportSpec = regexp.MustCompile(`^\s*(?:[\w.]+\s+)?"([^"]+)"\s*$`)
	jsImportFrom = regexp.MustCompile(`\bfrom\s+['"]([^'"]+)['"]`)
	jsRequire    = regexp.MustCompile(`\b(?:require|import)\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	jsBareImport = regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`)
)

// languageOf prefers the declared language and falls back to the extension.
func languageOf(d models.FileDiff) string {
	if d.Language != "" {
		return strings.ToLower(d.Language)
	}
	switch path.Ext(d.Path) {
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	}
	return ""
}

// ExtractDependencies returns up to 10 import targets from the diff's added
// and context lines. Python modules map to module/path.py, Go imports are
// kept as import paths and relative JS/TS specifiers are joined to the
// file's directory without an extension. Third-party JS packages are
// skipped. The results are candidates; resolveDependency maps them onto
// real file paths.
func ExtractDependencies(d models.FileDiff) []string {
	lang := languageOf(d)
	if lang == "" || d.Patch == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(dep string) {
		if dep == "" || dep == d.Path {
			return
		}
		if _, ok := seen[dep]; ok {
			return
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}

	inGoBlock := false
	for _, line := range strings.Split(d.Patch, "\n") {
		if len(out) >= maxDependencies {
			break
		}
		line, ok := codeLine(line)
		if !ok {
			continue
		}

		switch lang {
		case "python":
			if m := pyFromImport.FindStringSubmatch(line); m != nil {
				add(pythonPath(m[1]))
			} else if m := pyImport.FindStringSubmatch(line); m != nil {
				add(pythonPath(m[1]))
			}

		case "go":
			trimmed := strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(trimmed, "import ("):
				inGoBlock = true
			case inGoBlock && trimmed == ")":
				inGoBlock = false
			case inGoBlock:
				if m := goImportSpec.FindStringSubmatch(trimmed); m != nil {
					add(m[1])
				}
			default:
				if m := goImportLine.FindStringSubmatch(line); m != nil {
					add(m[1])
				}
			}

		case "javascript", "typescript":
			for _, re := range []*regexp.Regexp{jsImportFrom, jsRequire, jsBareImport} {
				for _, m := range re.FindAllStringSubmatch(line, -1) {
					add(jsPath(d.Path, m[1]))
				}
			}
		}
	}
	if len(out) > maxDependencies {
		out = out[:maxDependencies]
	}
	return out
}

// codeLine strips the unified diff prefix. Removed lines and hunk headers
// are dropped.
func codeLine(line string) (string, bool) {
	switch {
	case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
		return "", false
	case strings.HasPrefix(line, "-"):
		return "", false
	case strings.HasPrefix(line, "+"), strings.HasPrefix(line, " "):
		return line[1:], true
	}
	return line, true
}

func pythonPath(module string) string {
	if module == "" || strings.HasPrefix(module, ".") {
		return ""
	}
	return strings.ReplaceAll(module, ".", "/") + ".py"
}

func jsPath(from, spec string) string {
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
		return ""
	}
	return path.Clean(path.Join(path.Dir(from), spec))
}

var jsExtensions = []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"}

// resolveDependency maps an extracted import target onto the paths in
// files. Go import paths expand to every .go file of the matching package
// directory. Targets that match nothing yield no paths.
func resolveDependency(lang, target string, files map[string]struct{}) []string {
	has := func(p string) bool {
		_, ok := files[p]
		return ok
	}
	switch lang {
	case "python":
		if has(target) {
			return []string{target}
		}
		pkg := strings.TrimSuffix(target, ".py") + "/__init__.py"
		if has(pkg) {
			return []string{pkg}
		}
		var matches []string
		for f := range files {
			if strings.HasSuffix(f, "/"+target) {
				matches = append(matches, f)
			}
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches[:1]
		}

	case "go":
		var out []string
		for f := range files {
			if path.Ext(f) != ".go" {
				continue
			}
			dir := path.Dir(f)
			if dir == "." {
				continue
			}
			if target == dir || strings.HasSuffix(target, "/"+dir) {
				out = append(out, f)
			}
		}
		sort.Strings(out)
		return out

	case "javascript", "typescript":
		if has(target) {
			return []string{target}
		}
		for _, ext := range jsExtensions {
			if has(target + ext) {
				return []string{target + ext}
			}
		}
		for _, ext := range jsExtensions {
			if idx := target + "/index" + ext; has(idx) {
				return []string{idx}
			}
		}
	}
	return nil
}

// dependencyEdges collects DEPENDS_ON edges between files of the change.
// Removed files neither import nor get imported.
func dependencyEdges(req *models.ReviewRequest) []models.DependencyEdge {
	files := make(map[string]struct{}, len(req.Diff))
	for _, d := range req.Diff {
		if d.Status != "removed" {
			files[d.Path] = struct{}{}
		}
	}

	var edges []models.DependencyEdge
	for _, d := range req.Diff {
		if d.Status == "removed" {
			continue
		}
		lang := languageOf(d)
		seen := make(map[string]struct{})
		for _, target := range ExtractDependencies(d) {
			for _, to := range resolveDependency(lang, target, files) {
				if to == d.Path || len(seen) >= maxDependencies {
					continue
				}
				if _, ok := seen[to]; ok {
					continue
				}
				seen[to] = struct{}{}
				edges = append(edges, models.DependencyEdge{Repo: req.Repo, From: d.Path, To: to})
			}
		}
	}
	return edges
}

// DependencyResult reports how many edges were written.
type DependencyResult struct {
	Stored   int      `json:"stored"`
	Degraded bool     `json:"degraded"`
	Warnings []string `json:"warnings,omitempty"`
}

// AddDependencies records explicit DEPENDS_ON edges, for callers that
// resolve imports more precisely than the diff heuristics.
func (a *Analyzer) AddDependencies(ctx context.Context, repo models.Repo, edges []models.DependencyEdge) (*DependencyResult, error) {
	if repo.IsZero() {
		return nil, models.NewValidationError("repo", "owner and name are required")
	}
	for _, e := range edges {
		if strings.TrimSpace(e.From) == "" || strings.TrimSpace(e.To) == "" {
			return nil, models.NewValidationError("dependencies", "edge endpoints must be non-empty")
		}
	}
	ctx = logging.WithRepo(ctx, repo.String())

	out := signal.Run(ctx, a.logger, signalGraphWrite, a.cfg.StoreTimeout, func(ctx context.Context) (int, error) {
		stored := 0
		for _, e := range edges {
			if err := a.graph.UpsertDependency(ctx, repo, e.From, e.To); err != nil {
				return stored, err
			}
			stored++
		}
		return stored, nil
	})
	return &DependencyResult{
		Stored:   out.Value,
		Degraded: out.Failed(),
		Warnings: collectWarnings(nil, out.Warning()),
	}, nil
}
