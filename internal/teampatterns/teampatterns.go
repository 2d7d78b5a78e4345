// Package teampatterns loads a team's coding conventions, known patterns and
// anti-patterns, layered over built-in defaults, and reloads them when the
// file changes.
package teampatterns

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
)

//go:embed defaults.yaml
var defaultPatterns []byte

const maxFileSize = 256 * 1024

// ErrUnsupportedFormat is returned for extensions other than yaml, yml, json
// and toml.
var ErrUnsupportedFormat = errors.New("unsupported team patterns format")

// TeamContext is what reviewers are told about the team's conventions.
type TeamContext struct {
	Name              string         `koanf:"name" json:"name,omitempty"`
	CodingConventions map[string]any `koanf:"coding_conventions" json:"coding_conventions"`
	KnownPatterns     []string       `koanf:"known_patterns" json:"known_patterns"`
	AntiPatterns      []string       `koanf:"anti_patterns" json:"anti_patterns"`
	RecentRefactors   []string       `koanf:"recent_refactors" json:"recent_refactors"`
	TeamMembers       []string       `koanf:"team_members" json:"team_members"`
}

// Loader holds the current TeamContext.
type Loader struct {
	path   string
	logger *logging.Logger

	mu      sync.RWMutex
	current TeamContext

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewLoader loads the defaults and, when path is set and exists, the file on
// top of them. Keys in the file replace the defaults; nested maps merge.
func NewLoader(path string, logger *logging.Logger) (*Loader, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	l := &Loader{path: path, logger: logger.Named("teampatterns")}
	tc, err := load(path)
	if err != nil {
		return nil, err
	}
	l.current = tc
	return l, nil
}

func load(path string) (TeamContext, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultPatterns), yaml.Parser()); err != nil {
		return TeamContext{}, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return TeamContext{}, err
		}
		if content != nil {
			parser, err := parserFor(path)
			if err != nil {
				return TeamContext{}, err
			}
			if err := k.Load(rawbytes.Provider(content), parser); err != nil {
				return TeamContext{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	var tc TeamContext
	if err := k.Unmarshal("", &tc); err != nil {
		return TeamContext{}, fmt.Errorf("decoding team patterns: %w", err)
	}
	return tc, nil
}

// readFile returns nil content for a missing file.
func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, maxFileSize)
	}
	return os.ReadFile(path)
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		// JSON is a subset of YAML.
		return yaml.Parser(), nil
	case ".toml":
		return tomlParser{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// tomlParser adapts BurntSushi/toml to koanf.
type tomlParser struct{}

func (tomlParser) Unmarshal(b []byte) (map[string]any, error) {
	out := make(map[string]any)
	if _, err := toml.Decode(string(b), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(m map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Context returns a copy of the current team context.
func (l *Loader) Context() TeamContext {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tc := l.current
	tc.KnownPatterns = append([]string(nil), tc.KnownPatterns...)
	tc.AntiPatterns = append([]string(nil), tc.AntiPatterns...)
	tc.RecentRefactors = append([]string(nil), tc.RecentRefactors...)
	tc.TeamMembers = append([]string(nil), tc.TeamMembers...)
	return tc
}

// Reload re-reads the file. On error the previous context is kept.
func (l *Loader) Reload() error {
	tc, err := load(l.path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.current = tc
	l.mu.Unlock()
	return nil
}

// Watch reloads the file whenever it is written, created or renamed into
// place. The parent directory is watched so editor save-by-rename works.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w
	l.stop = make(chan struct{})

	l.wg.Add(1)
	go l.watchLoop(ctx)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context) {
	defer l.wg.Done()
	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Warn(ctx, "team patterns reload failed, keeping previous", zap.Error(err))
				continue
			}
			l.logger.Info(ctx, "team patterns reloaded", zap.String("path", l.path))
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn(ctx, "team patterns watcher error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	select {
	case <-l.stop:
		return nil
	default:
		close(l.stop)
	}
	err := l.watcher.Close()
	l.wg.Wait()
	return err
}
