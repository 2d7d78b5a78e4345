// Reviewmemory serves historical pull-request context and reviewer feedback
// learning to code review pipelines over HTTP and NATS.
//
// Configuration is read from ~/.config/reviewmemory/config.yaml (or -config)
// and REVIEWMEMORY_* environment variables.
//
// Usage:
//
//	reviewmemory                    Start the server
//	reviewmemory -config cfg.yaml   Start with an explicit config file
//	reviewmemory version            Show version information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
	"github.com/fyrsmithlabs/reviewmemory/internal/embeddings"
	"github.com/fyrsmithlabs/reviewmemory/internal/events"
	"github.com/fyrsmithlabs/reviewmemory/internal/feedback"
	"github.com/fyrsmithlabs/reviewmemory/internal/graphstore"
	"github.com/fyrsmithlabs/reviewmemory/internal/historical"
	httpserver "github.com/fyrsmithlabs/reviewmemory/internal/http"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/redact"
	"github.com/fyrsmithlabs/reviewmemory/internal/teampatterns"
	"github.com/fyrsmithlabs/reviewmemory/internal/telemetry"
	"github.com/fyrsmithlabs/reviewmemory/internal/tracker"
	"github.com/fyrsmithlabs/reviewmemory/internal/vectorstore"
	"github.com/fyrsmithlabs/reviewmemory/internal/workpool"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  reviewmemory           Start the server\n")
			fmt.Fprintf(os.Stderr, "  reviewmemory version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("reviewmemory by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires config, logging, telemetry, stores and services, then serves
// until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if degraded, reason := tel.Degraded(); degraded && cfg.Telemetry.Enabled {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}
	logger.Info(ctx, "starting reviewmemory",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("history_backend", cfg.History.Backend),
		zap.String("similarity_backend", cfg.Similarity.Backend),
		zap.String("embeddings", cfg.Embeddings.Provider),
		logging.Secret("webhook_secret", cfg.Server.WebhookSecret.IsSet()),
	)

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn(context.Background(), "closing dependencies", zap.Error(err))
		}
	}()

	svc, err := initServices(ctx, cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}
	defer svc.Close()

	srv, err := httpserver.NewServer(httpserver.Services{
		History:   svc.history,
		Collector: svc.collector,
		Learner:   svc.learner,
	}, logger, httpserver.ConfigFrom(cfg.Server))
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if err := svc.scheduler.Start(); err != nil {
		return fmt.Errorf("starting pattern scheduler: %w", err)
	}

	err = srv.Start(ctx)
	logger.Info(context.Background(), "server shutdown complete")
	return err
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Fields = map[string]string{"service": cfg.Telemetry.ServiceName}
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// dependencies holds the stores and external clients.
type dependencies struct {
	pool     *workpool.Pool
	graph    graphstore.Store
	vectors  vectorstore.Store
	embedder embeddings.Provider
	tracker  *tracker.Client
	scrubber *redact.Scrubber
	team     *teampatterns.Loader
	nc       *nats.Conn
}

// Close releases every dependency that was opened.
func (d *dependencies) Close() error {
	var errs []error
	if d.team != nil {
		errs = append(errs, d.team.Close())
	}
	if d.nc != nil {
		d.nc.Close()
	}
	if d.embedder != nil {
		errs = append(errs, d.embedder.Close())
	}
	if d.vectors != nil {
		errs = append(errs, d.vectors.Close())
	}
	if d.graph != nil {
		errs = append(errs, d.graph.Close())
	}
	return errors.Join(errs...)
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *dependencies, err error) {
	d := &dependencies{pool: workpool.New(cfg.Analyzer.Workers)}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	// Store outages degrade lookups instead of failing startup, so only
	// misconfiguration is fatal here.
	if d.graph, err = graphstore.New(ctx, cfg.History, d.pool); err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	if err := d.graph.Ping(ctx); err != nil {
		logger.Warn(ctx, "history store unreachable, lookups will degrade", zap.Error(err))
	}

	if d.vectors, err = vectorstore.New(ctx, cfg.Similarity); err != nil {
		return nil, fmt.Errorf("similarity store: %w", err)
	}
	if err := d.vectors.Ping(ctx); err != nil {
		logger.Warn(ctx, "similarity store unreachable, lookups will degrade", zap.Error(err))
	}

	model, err := embeddings.NewProvider(cfg.Embeddings, d.vectors.Dimension())
	if err != nil {
		logger.Warn(ctx, "embedding model unavailable, using placeholder vectors", zap.Error(err))
		model = nil
	}
	d.embedder = embeddings.NewDeterministic(model, d.vectors.Dimension(), logger)

	if cfg.Tracker.Enabled {
		if d.tracker, err = tracker.New(ctx, cfg.Tracker, logger); err != nil {
			return nil, fmt.Errorf("issue tracker: %w", err)
		}
	}

	if d.scrubber, err = redact.New(cfg.Redaction); err != nil {
		return nil, fmt.Errorf("redaction: %w", err)
	}

	if cfg.TeamPatterns.Path != "" {
		if d.team, err = teampatterns.NewLoader(cfg.TeamPatterns.Path, logger); err != nil {
			return nil, fmt.Errorf("team patterns: %w", err)
		}
		if cfg.TeamPatterns.Watch {
			if err := d.team.Watch(ctx); err != nil {
				logger.Warn(ctx, "team patterns watch disabled", zap.Error(err))
			}
		}
	}

	if cfg.NATS.Enabled {
		if d.nc, err = events.Connect(cfg.NATS, logger); err != nil {
			return nil, err
		}
		logger.Info(ctx, "connected to nats", zap.String("url", cfg.NATS.URL))
	}
	return d, nil
}

// services holds the business components.
type services struct {
	history   *historical.Analyzer
	collector *feedback.Collector
	learner   *feedback.Analyzer
	scheduler *feedback.Scheduler
	cache     feedback.Cache
	bridge    *events.Bridge
}

func (s *services) Close() {
	if s.scheduler != nil {
		_ = s.scheduler.Stop()
	}
	if s.bridge != nil {
		_ = s.bridge.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

func initServices(ctx context.Context, cfg *config.Config, d *dependencies, logger *logging.Logger) (_ *services, err error) {
	s := &services{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	opts := []historical.Option{
		historical.WithConfig(historical.ConfigFrom(cfg.Analyzer)),
		historical.WithPool(d.pool),
		historical.WithLogger(logger),
		historical.WithScrubber(d.scrubber.Scrub),
	}
	if d.tracker != nil {
		opts = append(opts, historical.WithTracker(d.tracker))
	}
	if d.team != nil {
		opts = append(opts, historical.WithTeamSource(d.team))
	}
	if s.history, err = historical.New(d.graph, d.vectors, d.embedder, opts...); err != nil {
		return nil, err
	}

	if s.cache, err = feedback.NewCache(ctx, cfg.Feedback); err != nil {
		logger.Warn(ctx, "feedback cache unavailable, falling back to memory", zap.Error(err))
		s.cache = feedback.NewMemoryCache(cfg.Feedback.CacheTTL.Duration(), cfg.Feedback.CacheMaxEntries)
	}
	if s.collector, err = feedback.NewCollector(d.graph, s.cache, logger); err != nil {
		return nil, err
	}
	if s.learner, err = feedback.NewAnalyzer(d.graph,
		feedback.WithMinSamples(cfg.Feedback.MinSamples),
		feedback.WithWindowDays(cfg.Feedback.WindowDays),
		feedback.WithAnalyzerLogger(logger),
	); err != nil {
		return nil, err
	}

	schedOpts := []feedback.SchedulerOption{feedback.WithInterval(cfg.Feedback.RefreshInterval.Duration())}
	if d.nc != nil {
		if s.bridge, err = events.NewBridge(d.nc, s.collector, cfg.NATS, logger); err != nil {
			return nil, err
		}
		if err := s.bridge.Start(); err != nil {
			return nil, err
		}
		schedOpts = append(schedOpts, feedback.OnRefresh(s.bridge.PublishPatterns))
	}
	if s.scheduler, err = feedback.NewScheduler(s.learner, logger, schedOpts...); err != nil {
		return nil, err
	}
	return s, nil
}
