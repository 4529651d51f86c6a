// Package config loads and validates the kioskd runtime configuration. The
// main document is a JSON file; a handful of KIOSKD_* environment variables
// override it for containerized deployments.
package config
