package agent

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/dshills/agentflow-go/agent/model"
)

// CallStats are the per-key counters tracked by a RateLimiter.
type CallStats struct {
	TotalRequests  uint64 `json:"total_requests"`
	Retries        uint64 `json:"retries"`
	RateLimitHits  uint64 `json:"rate_limit_hits"`
	FailedRequests uint64 `json:"failed_requests"`
}

// RateLimiter retries calls to external services on rate-limit errors and
// empty responses, applying the same exponential backoff as node retries.
//
// Nodes that talk to an LLM or external API call through WithRetry; the
// executor itself never does.
type RateLimiter struct {
	policy     RetryPolicy
	maxRetries int

	mu    sync.Mutex
	stats map[string]*CallStats
	rng   *rand.Rand
}

// NewRateLimiter creates a limiter with the given backoff policy and retry
// budget per call.
func NewRateLimiter(policy RetryPolicy, maxRetries int) *RateLimiter {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RateLimiter{
		policy:     policy.normalized(),
		maxRetries: maxRetries,
		stats:      make(map[string]*CallStats),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Stats returns a copy of the counters for key.
func (l *RateLimiter) Stats(key string) CallStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.stats[key]; ok {
		return *s
	}
	return CallStats{}
}

func (l *RateLimiter) bump(key string, f func(*CallStats)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stats[key]
	if !ok {
		s = &CallStats{}
		l.stats[key] = s
	}
	f(s)
}

func (l *RateLimiter) delay(ctx context.Context, attempt int) {
	l.mu.Lock()
	d := l.policy.Delay(attempt, l.rng)
	l.mu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// CallOptions tune classification for one WithRetry call. Zero values use
// the defaults: rate limits are model.ErrRateLimited, nothing is empty.
type CallOptions[T any] struct {
	// IsRateLimitError classifies retryable rate-limit errors.
	IsRateLimitError func(error) bool

	// IsEmptyResponse classifies a successful result as empty, which also
	// triggers a retry.
	IsEmptyResponse func(T) bool
}

// WithRetry runs fn under the limiter's retry policy, recording counters
// under modelKey. Rate-limit errors and empty responses retry with backoff;
// other errors return immediately.
func WithRetry[T any](ctx context.Context, l *RateLimiter, modelKey string, fn func(context.Context) (T, error), opts CallOptions[T]) (T, error) {
	isRL := opts.IsRateLimitError
	if isRL == nil {
		isRL = func(err error) bool { return errors.Is(err, model.ErrRateLimited) }
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		l.bump(modelKey, func(s *CallStats) { s.TotalRequests++ })

		v, err := fn(ctx)
		if err == nil {
			if opts.IsEmptyResponse != nil && opts.IsEmptyResponse(v) && attempt < l.maxRetries {
				l.bump(modelKey, func(s *CallStats) { s.Retries++ })
				l.delay(ctx, attempt+1)
				continue
			}
			return v, nil
		}

		lastErr = err
		if !isRL(err) {
			l.bump(modelKey, func(s *CallStats) { s.FailedRequests++ })
			return zero, err
		}
		l.bump(modelKey, func(s *CallStats) { s.RateLimitHits++ })
		if attempt < l.maxRetries {
			l.bump(modelKey, func(s *CallStats) { s.Retries++ })
			l.delay(ctx, attempt+1)
		}
	}
	l.bump(modelKey, func(s *CallStats) { s.FailedRequests++ })
	return zero, lastErr
}
