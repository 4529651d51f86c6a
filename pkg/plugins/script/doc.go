// Package script executes plugin entry files written in Starlark. Each
// plugin directory carries a main.star; the host runs it exactly once at
// discovery, probes the exported lifecycle hooks and api_* endpoint
// functions, and exposes cache, backoff, and HTTP fetch built-ins to the
// script.
package script
