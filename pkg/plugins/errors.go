package plugins

import (
	"fmt"
)

// DiscoveryError means a plugin directory is malformed or missing its entry
// unit. The plugin is excluded and the process continues.
type DiscoveryError struct {
	Plugin string
	Reason string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("plugin %s: %s", e.Plugin, e.Reason)
}

// ConfigError means a per-plugin config file was present but unparsable.
// The plugin falls back to an empty config; the error is recorded as a
// warning, never as a load failure.
type ConfigError struct {
	Plugin string
	Path   string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("plugin %s: config %s unparsable: %v", e.Plugin, e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// SetupError means a plugin's one-time setup hook failed. The plugin moves
// to Failed, is excluded from routing, and is never retried automatically.
type SetupError struct {
	Plugin string
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("plugin %s: setup failed: %v", e.Plugin, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// UpstreamError means a handler itself failed while serving a request. It is
// caught at the dispatcher boundary and reported in the response body.
type UpstreamError struct {
	Plugin   string
	Endpoint string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("plugin %s endpoint %s: %v", e.Plugin, e.Endpoint, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
