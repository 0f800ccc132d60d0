package sigmatrade

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a minimal interface implemented by rate limiters.
type Limiter interface {
	Wait(ctx context.Context) error
}

// IntervalLimiter enforces a minimum delay between consecutive calls across
// every caller sharing it. The slot is reserved before the caller sleeps, so
// queued callers space off the intended dispatch times rather than off
// response latency.
type IntervalLimiter struct {
	limiter *rate.Limiter

	mu           sync.Mutex
	lastDispatch time.Time
}

// NewIntervalLimiter constructs a limiter allowing one call per minInterval.
// A non-positive interval disables throttling.
func NewIntervalLimiter(minInterval time.Duration) *IntervalLimiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &IntervalLimiter{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the caller's reserved slot arrives or ctx is cancelled.
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reservation := l.limiter.Reserve()
	if !reservation.OK() {
		return errors.New("interval limiter: reservation refused")
	}
	if delay := reservation.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			reservation.Cancel()
			return ctx.Err()
		case <-timer.C:
		}
	}
	l.mu.Lock()
	l.lastDispatch = time.Now()
	l.mu.Unlock()
	return nil
}

// LastDispatch returns when the most recent caller was released.
func (l *IntervalLimiter) LastDispatch() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastDispatch
}

// TokenBucketLimiter implements a simple token bucket rate limiter.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

// NewTokenBucketLimiter constructs a limiter that issues up to rate tokens per second
// with the provided burst capacity.
func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		panic("rate must be positive")
	}
	if burst <= 0 {
		panic("burst must be positive")
	}
	return &TokenBucketLimiter{
		rate:     rate,
		capacity: float64(burst),
		tokens:   float64(burst),
		last:     time.Now(),
	}
}

// Wait blocks until a single token is available or the context is cancelled.
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := time.Now()
		l.refill(now)

		if l.tokens >= 1 {
			l.tokens--
			return nil
		}

		needed := (1 - l.tokens) / l.rate
		waitDuration := time.Duration(needed * float64(time.Second))
		if waitDuration <= 0 {
			waitDuration = time.Millisecond
		}

		timer := time.NewTimer(waitDuration)
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			timer.Stop()
			l.mu.Lock()
			return ctx.Err()
		case <-timer.C:
		}
		l.mu.Lock()
	}
}

func (l *TokenBucketLimiter) refill(now time.Time) {
	elapsed := now.Sub(l.last)
	if elapsed <= 0 {
		return
	}
	l.tokens += l.rate * elapsed.Seconds()
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.last = now
}

// RateLimitedTransport wraps a RoundTripper with a limiter.
type RateLimitedTransport struct {
	Limiter Limiter
	Base    http.RoundTripper
}

// RoundTrip waits for the limiter before delegating to the base transport.
func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return t.base().RoundTrip(req)
}

func (t *RateLimitedTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

var defaultLimiterRegistry = newLimiterRegistry()

type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]Limiter
}

func newLimiterRegistry() *limiterRegistry {
	return &limiterRegistry{
		limiters: make(map[string]Limiter),
	}
}

func (r *limiterRegistry) get(key string, factory func() Limiter) Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.limiters[key]; ok {
		return limiter
	}
	limiter := factory()
	if limiter != nil {
		r.limiters[key] = limiter
	}
	return limiter
}

// limiterForEndpoint returns the token bucket shared by every client talking
// to the endpoint's host.
func limiterForEndpoint(endpoint string, ratePerSecond float64, burst int) Limiter {
	host := hostFromEndpoint(endpoint)
	if host == "" || ratePerSecond <= 0 || burst <= 0 {
		return nil
	}
	return defaultLimiterRegistry.get(host, func() Limiter {
		return NewTokenBucketLimiter(ratePerSecond, burst)
	})
}

func hostFromEndpoint(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
