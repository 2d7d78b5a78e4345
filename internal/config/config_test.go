package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.History.Backend)
	assert.Equal(t, "chromem", cfg.Similarity.Backend)
	assert.Equal(t, 30, cfg.Analyzer.LookbackDays)
	assert.Equal(t, 10, cfg.Analyzer.ResultLimit)
	assert.InDelta(t, 0.6, cfg.Analyzer.VectorMinScore, 1e-9)
	assert.InDelta(t, 0.6, cfg.Analyzer.VectorWeight, 1e-9)
	assert.InDelta(t, 0.4, cfg.Analyzer.OverlapWeight, 1e-9)
	assert.Equal(t, 30*24*time.Hour, cfg.Feedback.CacheTTL.Duration())
	assert.True(t, cfg.Redaction.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"bad history backend", func(c *Config) { c.History.Backend = "mongo" }, "unknown history backend"},
		{"bad similarity backend", func(c *Config) { c.Similarity.Backend = "faiss" }, "unknown similarity backend"},
		{"bad min score", func(c *Config) { c.Analyzer.VectorMinScore = 1.5 }, "vector_min_score"},
		{"bad cache", func(c *Config) { c.Feedback.CacheBackend = "memcached" }, "unknown feedback cache backend"},
		{"bad provider", func(c *Config) { c.Embeddings.Provider = "openai" }, "unknown embeddings provider"},
		{"zero dimension", func(c *Config) { c.Similarity.Dimension = -1 }, "dimension must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWithFile_FileAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "reviewmemory")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 8081
history:
  backend: memory
feedback:
  min_samples: 3
  cache_ttl: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	t.Setenv("REVIEWMEMORY_FEEDBACK_MIN_SAMPLES", "4")
	t.Setenv("REVIEWMEMORY_SIMILARITY_QDRANT_API_KEY", "qd-secret")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.History.Backend)
	assert.Equal(t, 4, cfg.Feedback.MinSamples, "env overrides file")
	assert.Equal(t, time.Hour, cfg.Feedback.CacheTTL.Duration())
	assert.Equal(t, "qd-secret", cfg.Similarity.QdrantAPIKey.Value())
	assert.True(t, cfg.Redaction.Enabled, "defaults survive partial files")
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "reviewmemory")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 8081\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := LoadWithFile(filepath.Join(t.TempDir(), "config.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_port", envKey("REVIEWMEMORY_SERVER_HTTP_PORT"))
	assert.Equal(t, "history.neo4j_password", envKey("REVIEWMEMORY_HISTORY_NEO4J_PASSWORD"))
	assert.Equal(t, "debug", envKey("REVIEWMEMORY_DEBUG"))
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))

	out, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.Equal(t, "hunter2", s.Value())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	require.NoError(t, d.UnmarshalText([]byte("30d")))
	assert.Equal(t, 30*24*time.Hour, d.Duration())
	assert.Equal(t, "30d", d.String())
	assert.Error(t, d.UnmarshalText([]byte("-2d")))
	assert.Error(t, d.UnmarshalText([]byte("xd")))

	out, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/data/x.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "x.db"), got)

	got, err = ExpandPath("/abs/x.db")
	require.NoError(t, err)
	assert.Equal(t, "/abs/x.db", got)
}
