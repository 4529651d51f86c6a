package fetch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kioskd/kioskd/pkg/telemetry"
)

// FetchFunc performs one upstream fetch and returns a JSON-shaped value.
type FetchFunc func(ctx context.Context) (any, error)

// Result is the outcome of a guarded fetch. Degraded is set whenever the
// value did not come from a successful live fetch or fresh cache: the caller
// must surface that explicitly rather than pretend success.
type Result struct {
	Value    json.RawMessage
	Degraded bool
}

// Fetcher combines a cache store and a backoff controller into the fetch
// contract every plugin should use when calling an unreliable upstream.
type Fetcher struct {
	plugin  string
	cache   *Store
	backoff *Controller
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithLogger sets the logger used for fetch diagnostics.
func WithLogger(log *telemetry.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.log = log
	}
}

// WithMetrics sets the metrics collector. A nil collector is fine.
func WithMetrics(m *telemetry.Metrics) FetcherOption {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// WithTracer sets the tracer. Upstream fetch attempts get their own span.
func WithTracer(t *telemetry.Tracer) FetcherOption {
	return func(f *Fetcher) {
		f.tracer = t
	}
}

// NewFetcher creates a fetcher for one plugin. The cache store and backoff
// controller are expected to be rooted at that plugin's own data directory.
func NewFetcher(plugin string, cache *Store, backoff *Controller, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		plugin:  plugin,
		cache:   cache,
		backoff: backoff,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Do returns the value for key, fetching from upstream only when the cache
// has no fresh entry and the backoff controller permits an attempt.
//
// Outcomes:
//   - fresh cache: value, not degraded
//   - backoff window open: last known value, degraded; ErrSkipped if none exists
//   - live fetch succeeded: value cached with ttl, not degraded
//   - live fetch failed: last known value, degraded; the fetch error if none exists
func (f *Fetcher) Do(ctx context.Context, key string, ttl time.Duration, fn FetchFunc) (Result, error) {
	if value, ok := f.cache.Get(key); ok {
		f.metrics.RecordCacheHit(f.plugin)
		return Result{Value: value}, nil
	}
	f.metrics.RecordCacheMiss(f.plugin)

	if f.backoff.ShouldSkip(key) {
		f.metrics.RecordBackoffSkip(f.plugin)
		if last, ok := f.cache.Last(key); ok {
			f.logDebugf("serving stale %s: backoff window open", key)
			return Result{Value: last, Degraded: true}, nil
		}
		return Result{Degraded: true}, ErrSkipped
	}

	fetchCtx := ctx
	var span telemetry.Span
	if f.tracer != nil {
		fetchCtx, span = f.tracer.StartFetchSpan(ctx, f.plugin, key)
	}

	value, err := fn(fetchCtx)
	if err != nil {
		kind := ClassifyKind(err)
		f.backoff.RecordFailure(key, kind)
		f.metrics.RecordUpstreamCall(f.plugin, kind)
		if span != nil {
			telemetry.RecordError(span, err)
			span.SetAttributes(telemetry.AttrDegraded.Bool(true))
			span.End()
		}
		if f.log != nil {
			f.log.WithError(err).Warnf("upstream fetch %s failed (%s)", key, kind)
		}
		if last, ok := f.cache.Last(key); ok {
			return Result{Value: last, Degraded: true}, nil
		}
		return Result{Degraded: true}, err
	}

	f.backoff.RecordSuccess(key)
	f.metrics.RecordUpstreamCall(f.plugin, "ok")
	if span != nil {
		telemetry.RecordSuccess(span)
		span.SetAttributes(telemetry.AttrDegraded.Bool(false))
		span.End()
	}

	raw, merr := json.Marshal(value)
	if merr != nil {
		return Result{Degraded: true}, merr
	}
	if perr := f.cache.Put(key, value, ttl); perr != nil {
		// A failed cache write costs one extra fetch later, nothing more.
		f.logDebugf("cache write for %s failed: %v", key, perr)
	}
	return Result{Value: raw}, nil
}

func (f *Fetcher) logDebugf(format string, args ...any) {
	if f.log != nil {
		f.log.Debugf(format, args...)
	}
}
