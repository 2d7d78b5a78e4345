// Package config provides configuration loading for reviewmemory.
//
// Configuration is read from an optional YAML file and overridden by
// REVIEWMEMORY_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete reviewmemory configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	History      HistoryConfig      `koanf:"history"`
	Similarity   SimilarityConfig   `koanf:"similarity"`
	Embeddings   EmbeddingsConfig   `koanf:"embeddings"`
	Tracker      TrackerConfig      `koanf:"tracker"`
	Analyzer     AnalyzerConfig     `koanf:"analyzer"`
	Feedback     FeedbackConfig     `koanf:"feedback"`
	NATS         NATSConfig         `koanf:"nats"`
	TeamPatterns TeamPatternsConfig `koanf:"teampatterns"`
	Redaction    RedactionConfig    `koanf:"redaction"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	FeedbackRPS     float64  `koanf:"feedback_rps"`
	FeedbackBurst   int      `koanf:"feedback_burst"`
	WebhookSecret   Secret   `koanf:"webhook_secret"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// HistoryConfig selects and configures the graph-shaped history store.
type HistoryConfig struct {
	Backend       string   `koanf:"backend"` // memory, sqlite, neo4j
	SQLitePath    string   `koanf:"sqlite_path"`
	Neo4jURI      string   `koanf:"neo4j_uri"`
	Neo4jUser     string   `koanf:"neo4j_user"`
	Neo4jPassword Secret   `koanf:"neo4j_password"`
	Neo4jDatabase string   `koanf:"neo4j_database"`
	MaxCycleNodes int      `koanf:"max_cycle_nodes"`
	MaxCycles     int      `koanf:"max_cycles"`
	Timeout       Duration `koanf:"timeout"`
}

// SimilarityConfig selects and configures the vector store.
type SimilarityConfig struct {
	Backend          string `koanf:"backend"` // chromem, qdrant
	Dimension        int    `koanf:"dimension"`
	Collection       string `koanf:"collection"`
	ChromemPath      string `koanf:"chromem_path"`
	ChromemCompress  bool   `koanf:"chromem_compress"`
	QdrantHost       string `koanf:"qdrant_host"`
	QdrantPort       int    `koanf:"qdrant_port"`
	QdrantUseTLS     bool   `koanf:"qdrant_use_tls"`
	QdrantAPIKey     Secret `koanf:"qdrant_api_key"`
	QdrantMaxRetries int    `koanf:"qdrant_max_retries"`
}

// EmbeddingsConfig configures the embedding generator.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // fastembed, tei, hash
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// TrackerConfig configures the issue tracker fallback.
type TrackerConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Token      Secret `koanf:"token"`
	BaseURL    string `koanf:"base_url"`
	MaxRetries int    `koanf:"max_retries"`
}

// AnalyzerConfig tunes retrieval and fusion.
type AnalyzerConfig struct {
	LookbackDays    int      `koanf:"lookback_days"`
	ResultLimit     int      `koanf:"result_limit"`
	SignalTimeout   Duration `koanf:"signal_timeout"`
	StoreTimeout    Duration `koanf:"store_timeout"`
	VectorMinScore  float64  `koanf:"vector_min_score"`
	MinOverlap      float64  `koanf:"min_overlap"`
	VectorWeight    float64  `koanf:"vector_weight"`
	OverlapWeight   float64  `koanf:"overlap_weight"`
	FallbackLimit   int      `koanf:"fallback_limit"`
	HotspotMinCount int      `koanf:"hotspot_min_count"`
	HotspotTopN     int      `koanf:"hotspot_top_n"`
	Workers         int      `koanf:"workers"`
}

// FeedbackConfig configures collection, caching and learning.
type FeedbackConfig struct {
	MinSamples      int      `koanf:"min_samples"`
	WindowDays      int      `koanf:"window_days"`
	CacheBackend    string   `koanf:"cache_backend"` // memory, redis
	CacheTTL        Duration `koanf:"cache_ttl"`
	CacheMaxEntries int      `koanf:"cache_max_entries"`
	RedisAddr       string   `koanf:"redis_addr"`
	RedisPassword   Secret   `koanf:"redis_password"`
	RedisDB         int      `koanf:"redis_db"`
	RefreshInterval Duration `koanf:"refresh_interval"`
}

// NATSConfig configures event ingestion.
type NATSConfig struct {
	Enabled         bool   `koanf:"enabled"`
	URL             string `koanf:"url"`
	FeedbackSubject string `koanf:"feedback_subject"`
	PatternsSubject string `koanf:"patterns_subject"`
}

// TeamPatternsConfig points at an optional team conventions file.
type TeamPatternsConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

// RedactionConfig controls secret scrubbing of diff excerpts.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Redaction: RedactionConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.FeedbackRPS == 0 {
		cfg.Server.FeedbackRPS = 20
	}
	if cfg.Server.FeedbackBurst == 0 {
		cfg.Server.FeedbackBurst = 40
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "reviewmemory"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.History.Backend == "" {
		cfg.History.Backend = "sqlite"
	}
	if cfg.History.SQLitePath == "" {
		cfg.History.SQLitePath = "~/.local/share/reviewmemory/history.db"
	}
	if cfg.History.Neo4jURI == "" {
		cfg.History.Neo4jURI = "neo4j://localhost:7687"
	}
	if cfg.History.Neo4jUser == "" {
		cfg.History.Neo4jUser = "neo4j"
	}
	if cfg.History.MaxCycleNodes == 0 {
		cfg.History.MaxCycleNodes = 2000
	}
	if cfg.History.MaxCycles == 0 {
		cfg.History.MaxCycles = 500
	}
	if cfg.History.Timeout == 0 {
		cfg.History.Timeout = Duration(5 * time.Second)
	}

	if cfg.Similarity.Backend == "" {
		cfg.Similarity.Backend = "chromem"
	}
	if cfg.Similarity.Dimension == 0 {
		cfg.Similarity.Dimension = 384 // bge-small-en-v1.5
	}
	if cfg.Similarity.Collection == "" {
		cfg.Similarity.Collection = "pr_embeddings"
	}
	if cfg.Similarity.ChromemPath == "" {
		cfg.Similarity.ChromemPath = "~/.local/share/reviewmemory/vectors"
	}
	if cfg.Similarity.QdrantHost == "" {
		cfg.Similarity.QdrantHost = "localhost"
	}
	if cfg.Similarity.QdrantPort == 0 {
		cfg.Similarity.QdrantPort = 6334
	}
	if cfg.Similarity.QdrantMaxRetries == 0 {
		cfg.Similarity.QdrantMaxRetries = 3
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}

	if cfg.Tracker.MaxRetries == 0 {
		cfg.Tracker.MaxRetries = 3
	}

	if cfg.Analyzer.LookbackDays == 0 {
		cfg.Analyzer.LookbackDays = 30
	}
	if cfg.Analyzer.ResultLimit == 0 {
		cfg.Analyzer.ResultLimit = 10
	}
	if cfg.Analyzer.SignalTimeout == 0 {
		cfg.Analyzer.SignalTimeout = Duration(3 * time.Second)
	}
	if cfg.Analyzer.StoreTimeout == 0 {
		cfg.Analyzer.StoreTimeout = Duration(5 * time.Second)
	}
	if cfg.Analyzer.VectorMinScore == 0 {
		cfg.Analyzer.VectorMinScore = 0.6
	}
	if cfg.Analyzer.MinOverlap == 0 {
		cfg.Analyzer.MinOverlap = 0.1
	}
	if cfg.Analyzer.VectorWeight == 0 && cfg.Analyzer.OverlapWeight == 0 {
		cfg.Analyzer.VectorWeight = 0.6
		cfg.Analyzer.OverlapWeight = 0.4
	}
	if cfg.Analyzer.FallbackLimit == 0 {
		cfg.Analyzer.FallbackLimit = 5
	}
	if cfg.Analyzer.HotspotMinCount == 0 {
		cfg.Analyzer.HotspotMinCount = 4
	}
	if cfg.Analyzer.HotspotTopN == 0 {
		cfg.Analyzer.HotspotTopN = 10
	}
	if cfg.Analyzer.Workers == 0 {
		cfg.Analyzer.Workers = 4
	}

	if cfg.Feedback.MinSamples == 0 {
		cfg.Feedback.MinSamples = 5
	}
	if cfg.Feedback.WindowDays == 0 {
		cfg.Feedback.WindowDays = 30
	}
	if cfg.Feedback.CacheBackend == "" {
		cfg.Feedback.CacheBackend = "memory"
	}
	if cfg.Feedback.CacheTTL == 0 {
		cfg.Feedback.CacheTTL = Duration(30 * 24 * time.Hour)
	}
	if cfg.Feedback.CacheMaxEntries == 0 {
		cfg.Feedback.CacheMaxEntries = 10000
	}
	if cfg.Feedback.RedisAddr == "" {
		cfg.Feedback.RedisAddr = "localhost:6379"
	}
	if cfg.Feedback.RefreshInterval == 0 {
		cfg.Feedback.RefreshInterval = Duration(15 * time.Minute)
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.FeedbackSubject == "" {
		cfg.NATS.FeedbackSubject = "reviewmemory.feedback"
	}
	if cfg.NATS.PatternsSubject == "" {
		cfg.NATS.PatternsSubject = "reviewmemory.patterns"
	}
}

// Validate validates the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Server.FeedbackRPS < 0 || c.Server.FeedbackBurst < 0 {
		errs = append(errs, errors.New("feedback rate limit must not be negative"))
	}

	switch c.History.Backend {
	case "memory", "sqlite", "neo4j":
	default:
		errs = append(errs, fmt.Errorf("unknown history backend %q", c.History.Backend))
	}
	if c.History.MaxCycleNodes < 1 || c.History.MaxCycles < 1 {
		errs = append(errs, errors.New("history cycle bounds must be positive"))
	}

	switch c.Similarity.Backend {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("unknown similarity backend %q", c.Similarity.Backend))
	}
	if c.Similarity.Dimension < 1 {
		errs = append(errs, fmt.Errorf("similarity dimension must be positive, got %d", c.Similarity.Dimension))
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei", "hash":
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider))
	}

	a := c.Analyzer
	if a.VectorMinScore < 0 || a.VectorMinScore > 1 {
		errs = append(errs, fmt.Errorf("analyzer.vector_min_score must be within [0,1], got %f", a.VectorMinScore))
	}
	if a.MinOverlap < 0 || a.MinOverlap > 1 {
		errs = append(errs, fmt.Errorf("analyzer.min_overlap must be within [0,1], got %f", a.MinOverlap))
	}
	if a.VectorWeight < 0 || a.OverlapWeight < 0 {
		errs = append(errs, errors.New("analyzer fusion weights must not be negative"))
	}
	if a.ResultLimit < 1 || a.LookbackDays < 1 || a.Workers < 1 {
		errs = append(errs, errors.New("analyzer result_limit, lookback_days and workers must be positive"))
	}
	if a.SignalTimeout.Duration() <= 0 || a.StoreTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("analyzer timeouts must be positive"))
	}

	if c.Feedback.MinSamples < 3 || c.Feedback.MinSamples > 5 {
		errs = append(errs, fmt.Errorf("feedback.min_samples must be between 3 and 5, got %d", c.Feedback.MinSamples))
	}
	switch c.Feedback.CacheBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown feedback cache backend %q", c.Feedback.CacheBackend))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			errs = append(errs, errors.New("service name required when telemetry is enabled"))
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
		}
	}

	return errors.Join(errs...)
}
