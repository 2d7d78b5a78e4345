package feedback

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
)

// RefreshFunc is called after every successful refresh.
type RefreshFunc func(ctx context.Context, set *PatternSet)

// Scheduler refreshes an Analyzer's patterns on a fixed interval. The first
// refresh runs immediately on Start.
type Scheduler struct {
	analyzer  *Analyzer
	interval  time.Duration
	timeout   time.Duration
	onRefresh []RefreshFunc
	logger    *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the refresh interval. Defaults to 15 minutes.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRefreshTimeout bounds each refresh. Defaults to one minute.
func WithRefreshTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// OnRefresh registers fn to receive each new pattern set.
func OnRefresh(fn RefreshFunc) SchedulerOption {
	return func(s *Scheduler) { s.onRefresh = append(s.onRefresh, fn) }
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(analyzer *Analyzer, logger *logging.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if analyzer == nil {
		return nil, errors.New("analyzer cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	s := &Scheduler{
		analyzer: analyzer,
		interval: 15 * time.Minute,
		timeout:  time.Minute,
		logger:   logger.Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the refresh loop. It fails if already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	s.logger.Info(context.Background(), "pattern scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop ends the loop and waits for an in-flight refresh. Stopping a stopped
// scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info(context.Background(), "pattern scheduler stopped")
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.safeRefresh(stop)
	for {
		select {
		case <-ticker.C:
			s.safeRefresh(stop)
		case <-stop:
			return
		}
	}
}

// safeRefresh runs one refresh; a panic is logged and the loop continues.
func (s *Scheduler) safeRefresh(stop <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "pattern refresh panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	set, err := s.analyzer.Refresh(ctx)
	if err != nil {
		return
	}
	for _, fn := range s.onRefresh {
		fn(ctx, set)
	}
}
