package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/MrWong99/chatstream/internal/observe"
	"github.com/MrWong99/chatstream/pkg/chat"
)

// ErrAllFailed is returned by [FailoverFetcher.Fetch] when no endpoint could
// be reached.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

// drainLimit caps how much of a discarded error body is read before closing.
const drainLimit = 4 << 10

// FailoverFetcher is a [chat.Fetcher] that sends each request to the
// request's own URL first and then to the fallback endpoints in order.
//
// A fetch error or a 5xx status counts as an endpoint failure; any other
// response is returned as is. Each endpoint has its own [CircuitBreaker], and
// endpoints with an open breaker are skipped. Only connection establishment
// is covered: once a response is returned its stream is never retried.
//
// When every endpoint fails, the last 5xx response is returned so that its
// status and body reach the caller; without one, the joined fetch errors are
// returned wrapped in [ErrAllFailed].
type FailoverFetcher struct {
	next      chat.Fetcher
	fallbacks chat.Value[[]string]
	breaker   BreakerConfig
	metrics   *observe.Metrics
	log       *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker // key: endpoint URL
}

var _ chat.Fetcher = (*FailoverFetcher)(nil)

// FailoverOption configures a [FailoverFetcher].
type FailoverOption func(*FailoverFetcher)

// WithFallbacks sets the endpoints tried after the request URL. The value is
// resolved on every request.
func WithFallbacks(v chat.Value[[]string]) FailoverOption {
	return func(f *FailoverFetcher) { f.fallbacks = v }
}

// WithBreakerConfig sets the template for the per-endpoint breakers. Name is
// replaced by the endpoint URL.
func WithBreakerConfig(cfg BreakerConfig) FailoverOption {
	return func(f *FailoverFetcher) { f.breaker = cfg }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) FailoverOption {
	return func(f *FailoverFetcher) { f.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) FailoverOption {
	return func(f *FailoverFetcher) { f.log = l }
}

// NewFailoverFetcher returns a FailoverFetcher that sends requests through
// next, or through [chat.HTTPFetcher] when next is nil.
func NewFailoverFetcher(next chat.Fetcher, opts ...FailoverOption) *FailoverFetcher {
	if next == nil {
		next = chat.HTTPFetcher{}
	}
	f := &FailoverFetcher{
		next:     next,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	if f.breaker.Logger == nil {
		f.breaker.Logger = f.log
	}
	return f
}

// Breaker returns the circuit breaker tracking endpoint, creating it on first
// use.
func (f *FailoverFetcher) Breaker(endpoint string) *CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[endpoint]
	if !ok {
		cfg := f.breaker
		cfg.Name = endpoint
		cb = NewCircuitBreaker(cfg)
		f.breakers[endpoint] = cb
	}
	return cb
}

// Ready returns an error when primary and every current fallback have open
// circuits, so no request could be attempted.
func (f *FailoverFetcher) Ready(ctx context.Context, primary string) error {
	fallbacks, err := f.fallbacks.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resilience: resolve fallbacks: %w", err)
	}
	for _, ep := range append([]string{primary}, fallbacks...) {
		if ep != "" && f.Breaker(ep).State() != StateOpen {
			return nil
		}
	}
	return ErrCircuitOpen
}

// Fetch implements [chat.Fetcher].
func (f *FailoverFetcher) Fetch(ctx context.Context, req *chat.FetchRequest) (*http.Response, error) {
	fallbacks, err := f.fallbacks.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resilience: resolve fallbacks: %w", err)
	}
	endpoints := []string{req.URL}
	for _, ep := range fallbacks {
		if ep != "" && !slices.Contains(endpoints, ep) {
			endpoints = append(endpoints, ep)
		}
	}

	log := observe.LoggerFrom(ctx, f.log)
	var (
		errs      []error
		unhealthy *http.Response // most recent 5xx response, kept open
	)
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			discard(unhealthy)
			return nil, err
		}
		cb := f.Breaker(ep)
		if err := cb.Allow(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			f.metrics.RecordFailover(ctx, "circuit_open")
			log.Debug("skipping endpoint with open circuit", "endpoint", ep)
			continue
		}

		attempt := *req
		attempt.URL = ep
		resp, err := f.next.Fetch(ctx, &attempt)
		switch {
		case err != nil && ctx.Err() != nil:
			cb.Abandon()
			discard(unhealthy)
			return nil, err

		case err != nil:
			cb.Record(false)
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			f.metrics.RecordFailover(ctx, "error")
			log.Warn("endpoint failed, trying next", "endpoint", ep, "err", err)

		case resp != nil && resp.StatusCode >= 500:
			cb.Record(false)
			discard(unhealthy)
			unhealthy = resp
			f.metrics.RecordFailover(ctx, "status")
			log.Warn("endpoint unhealthy, trying next", "endpoint", ep, "status", resp.StatusCode)

		default:
			cb.Record(true)
			discard(unhealthy)
			return resp, nil
		}
	}

	if unhealthy != nil {
		return unhealthy, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// discard drains a little of resp's body and closes it.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, drainLimit)
	_ = resp.Body.Close()
}
