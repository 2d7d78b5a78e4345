package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// IsTransientError reports whether a gRPC failure is worth retrying:
// unavailable, deadline exceeded, aborted or resource exhausted.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// retrier retries transient failures with exponential backoff and trips a
// breaker after threshold consecutive failures. The breaker half-opens after
// cooldown.
type retrier struct {
	maxRetries int
	backoff    time.Duration
	threshold  int
	cooldown   time.Duration
	transient  func(error) bool

	mu       sync.Mutex
	failures int
	lastFail time.Time
}

func newRetrier(maxRetries int, backoff time.Duration, threshold int) *retrier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	if threshold <= 0 {
		threshold = 5
	}
	return &retrier{
		maxRetries: maxRetries,
		backoff:    backoff,
		threshold:  threshold,
		cooldown:   30 * time.Second,
		transient:  IsTransientError,
	}
}

func (r *retrier) do(ctx context.Context, op string, fn func() error) error {
	if r.open() {
		return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
	}

	backoff := r.backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			r.reset()
			return nil
		}
		if !r.transient(err) {
			return fmt.Errorf("%s failed (permanent): %w", op, err)
		}
		r.fail()
		if r.open() {
			return fmt.Errorf("%s: %w: %w", op, ErrCircuitOpen, err)
		}
		if attempt >= r.maxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, r.maxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (r *retrier) fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.lastFail = time.Now()
	if r.failures >= r.threshold {
		CircuitOpen.Set(1)
	}
}

func (r *retrier) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
	CircuitOpen.Set(0)
}

func (r *retrier) open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures < r.threshold {
		return false
	}
	if time.Since(r.lastFail) > r.cooldown {
		r.failures = r.threshold - 1
		CircuitOpen.Set(0)
		return false
	}
	return true
}
