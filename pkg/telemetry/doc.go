// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the kioskd plugin runtime.
//
// The Logger wraps zerolog and supports per-component child loggers so each
// part of the runtime (loader, dispatcher, fetch) logs with its own context.
// Metrics cover dispatch outcomes, cache effectiveness, backoff skips, and
// plugin lifecycle states. Tracing produces spans for dispatch calls and
// upstream fetches, exported to stdout or an OTLP collector.
package telemetry
