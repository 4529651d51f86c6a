// Package server exposes the kiosk HTTP API: plugin endpoint dispatch,
// the system status report, and a liveness probe.
package server
