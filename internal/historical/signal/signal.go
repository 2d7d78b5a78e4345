// Package signal runs one enrichment step with its own timeout and turns
// every failure into a recorded, degraded outcome instead of an error that
// aborts the review.
package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

var tracer = otel.Tracer("reviewmemory.signal")

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reviewmemory",
		Subsystem: "signal",
		Name:      "runs_total",
		Help:      "Signal runs by outcome.",
	}, []string{"signal", "result"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reviewmemory",
		Subsystem: "signal",
		Name:      "duration_seconds",
		Help:      "Signal run latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"signal"})
)

// Result labels.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
	ResultPanic   = "panic"
)

// ErrPanic marks an outcome whose function panicked.
var ErrPanic = errors.New("signal panicked")

// Outcome is the result of one signal.
type Outcome[T any] struct {
	Signal  string
	Value   T
	Err     error
	Elapsed time.Duration
}

// Failed reports whether the signal produced no usable value.
func (o Outcome[T]) Failed() bool { return o.Err != nil }

// Warning describes a failed outcome for API callers, or "" on success.
func (o Outcome[T]) Warning() string {
	switch {
	case o.Err == nil:
		return ""
	case errors.Is(o.Err, context.DeadlineExceeded):
		return fmt.Sprintf("%s: timed out after %s", o.Signal, o.Elapsed.Round(time.Millisecond))
	case errors.Is(o.Err, models.ErrStoreUnavailable):
		return fmt.Sprintf("%s: store unavailable", o.Signal)
	case errors.Is(o.Err, models.ErrDimensionMismatch):
		return fmt.Sprintf("%s: embedding dimension mismatch", o.Signal)
	case errors.Is(o.Err, models.ErrUpstreamAPI):
		return fmt.Sprintf("%s: issue tracker unavailable", o.Signal)
	default:
		return fmt.Sprintf("%s: %v", o.Signal, o.Err)
	}
}

// Run calls fn with a context bounded by timeout (no bound when timeout <= 0)
// and returns once fn returns or the timeout elapses, whichever is first.
// Errors and panics are captured in the outcome, logged and counted. The
// derived context is private to this run, so a timeout here never cancels a
// sibling signal.
func Run[T any](ctx context.Context, logger *logging.Logger, name string, timeout time.Duration, fn func(context.Context) (T, error)) Outcome[T] {
	if logger == nil {
		logger = logging.NewNop()
	}

	ctx, span := tracer.Start(ctx, "signal."+name)
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type ret struct {
		val T
		err error
	}
	done := make(chan ret, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ret{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := fn(ctx)
		done <- ret{val: v, err: err}
	}()

	out := Outcome[T]{Signal: name}
	select {
	case r := <-done:
		out.Value, out.Err = r.val, r.err
	case <-ctx.Done():
		out.Err = ctx.Err()
	}
	out.Elapsed = time.Since(start)

	result := ResultOK
	switch {
	case out.Err == nil:
	case errors.Is(out.Err, ErrPanic):
		result = ResultPanic
	case errors.Is(out.Err, context.DeadlineExceeded):
		result = ResultTimeout
	default:
		result = ResultError
	}
	runsTotal.WithLabelValues(name, result).Inc()
	runDuration.WithLabelValues(name).Observe(out.Elapsed.Seconds())
	span.SetAttributes(attribute.String("signal.result", result))

	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, result)
		fields := []zap.Field{
			zap.String("signal", name),
			zap.String("result", result),
			zap.Duration("elapsed", out.Elapsed),
			zap.Error(out.Err),
		}
		if errors.Is(out.Err, models.ErrDimensionMismatch) {
			logger.Error(ctx, "signal failed: embedding dimension does not match the similarity store", fields...)
		} else {
			logger.Warn(ctx, "signal degraded", fields...)
		}
	}
	return out
}

// Pending is a signal running in the background.
type Pending[T any] struct {
	done chan struct{}
	out  Outcome[T]
}

// Start runs the signal on a new goroutine.
func Start[T any](ctx context.Context, logger *logging.Logger, name string, timeout time.Duration, fn func(context.Context) (T, error)) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.out = Run(ctx, logger, name, timeout, fn)
	}()
	return p
}

// Wait blocks until the signal finishes or times out.
func (p *Pending[T]) Wait() Outcome[T] {
	<-p.done
	return p.out
}
