package script

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.starlark.net/starlark"

	"github.com/kioskd/kioskd/pkg/fetch"
	"github.com/kioskd/kioskd/pkg/telemetry"
)

// ctxLocalKey is the thread-local slot the host uses to hand the request
// context to built-ins.
const ctxLocalKey = "kioskd.ctx"

// pluginEnv is the per-plugin host environment the built-ins close over.
// The cache store and backoff controller are internally synchronized, so a
// single env serves concurrent endpoint calls.
type pluginEnv struct {
	name    string
	cache   *fetch.Store
	backoff *fetch.Controller
	fetcher *fetch.Fetcher
	client  *http.Client
	log     *telemetry.Logger
	now     func() time.Time
}

// predeclared builds the built-in environment exposed to a plugin script.
func (e *pluginEnv) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"cache_get":      starlark.NewBuiltin("cache_get", e.builtinCacheGet),
		"cache_put":      starlark.NewBuiltin("cache_put", e.builtinCachePut),
		"should_skip":    starlark.NewBuiltin("should_skip", e.builtinShouldSkip),
		"record_success": starlark.NewBuiltin("record_success", e.builtinRecordSuccess),
		"record_failure": starlark.NewBuiltin("record_failure", e.builtinRecordFailure),
		"fetch_json":     starlark.NewBuiltin("fetch_json", e.builtinFetchJSON),
		"cached_fetch":   starlark.NewBuiltin("cached_fetch", e.builtinCachedFetch),
		"log":            starlark.NewBuiltin("log", e.builtinLog),
		"now":            starlark.NewBuiltin("now", e.builtinNow),
	}
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxLocalKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// builtinCacheGet implements cache_get(key): the cached value if still
// fresh, else None.
func (e *pluginEnv) builtinCacheGet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}

	raw, ok := e.cache.Get(key)
	if !ok {
		return starlark.None, nil
	}
	return toStarlarkValue(raw)
}

// builtinCachePut implements cache_put(key, value, ttl).
func (e *pluginEnv) builtinCachePut(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value starlark.Value
	var ttl int64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value, "ttl", &ttl); err != nil {
		return nil, err
	}

	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Put(key, goVal, time.Duration(ttl)*time.Second); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// builtinShouldSkip implements should_skip(key): True while the key is
// inside its backoff window.
func (e *pluginEnv) builtinShouldSkip(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}
	return starlark.Bool(e.backoff.ShouldSkip(key)), nil
}

// builtinRecordSuccess implements record_success(key).
func (e *pluginEnv) builtinRecordSuccess(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}
	e.backoff.RecordSuccess(key)
	return starlark.None, nil
}

// builtinRecordFailure implements record_failure(key, kind="error").
func (e *pluginEnv) builtinRecordFailure(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	kind := "error"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "kind?", &kind); err != nil {
		return nil, err
	}
	e.backoff.RecordFailure(key, kind)
	return starlark.None, nil
}

// builtinFetchJSON implements fetch_json(url): a raw upstream GET with JSON
// decoding. A 429 surfaces as a quota error so callers can record the right
// failure kind.
func (e *pluginEnv) builtinFetchJSON(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url); err != nil {
		return nil, err
	}

	raw, err := e.getJSON(threadContext(thread), url)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(raw)
}

// builtinCachedFetch implements cached_fetch(key, url, ttl): the full
// cache-then-backoff-then-fetch contract in one call. Returns a dict with
// "data" and "degraded"; "data" is None when nothing is available at all.
func (e *pluginEnv) builtinCachedFetch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, url string
	var ttl int64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "url", &url, "ttl", &ttl); err != nil {
		return nil, err
	}

	ctx := threadContext(thread)
	result, err := e.fetcher.Do(ctx, key, time.Duration(ttl)*time.Second, func(ctx context.Context) (any, error) {
		return e.getJSON(ctx, url)
	})
	if err != nil {
		return nil, err
	}

	data, err := toStarlarkValue(result.Value)
	if err != nil {
		return nil, err
	}
	out := starlark.NewDict(2)
	_ = out.SetKey(starlark.String("data"), data)
	_ = out.SetKey(starlark.String("degraded"), starlark.Bool(result.Degraded))
	return out, nil
}

// builtinLog implements log(level, msg) routed through the host logger.
func (e *pluginEnv) builtinLog(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var level, msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "level", &level, "msg", &msg); err != nil {
		return nil, err
	}

	if e.log != nil {
		log := e.log.WithPlugin(e.name)
		switch level {
		case "debug":
			log.Debug(msg)
		case "warn", "warning":
			log.Warn(msg)
		case "error":
			log.Error(msg)
		default:
			log.Info(msg)
		}
	}
	return starlark.None, nil
}

// builtinNow implements now(): seconds since the Unix epoch.
func (e *pluginEnv) builtinNow(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.MakeInt64(e.now().Unix()), nil
}

// getJSON performs the upstream GET shared by fetch_json and cached_fetch.
func (e *pluginEnv) getJSON(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &fetch.QuotaError{StatusCode: resp.StatusCode, Message: "upstream quota exceeded"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("upstream returned invalid JSON")
	}
	return json.RawMessage(body), nil
}

// maxResponseBytes caps upstream response bodies.
const maxResponseBytes = 8 << 20
