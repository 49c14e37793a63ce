// Package config loads, normalizes, and validates bifrost configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and applies BIFROST_* environment overrides.
// The Config type centralizes the engine binaries, predictor weights, stage
// defaults and retry policy the CLI needs so commands can be wired in one
// pass. Command-line flags override whatever is loaded here.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
