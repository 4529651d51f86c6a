// Package fetch implements the resilient data-fetch contract shared by all
// kioskd plugins: a durable cache with per-entry TTL and an exponential
// backoff controller for failing upstream services.
//
// Both components persist to plain JSON files under a plugin-owned data
// directory, so state survives a process restart and can be deleted to force
// a cold reset. Keys are namespaced per plugin by construction (each plugin
// gets its own Store and Controller rooted at its own directory), so one
// plugin's upstream outage can never throttle another's.
//
// Fetcher ties the two together: it serves fresh cache when available,
// refuses to hammer an upstream that is inside its backoff window, and
// degrades to the last known good value instead of failing when it can.
package fetch
