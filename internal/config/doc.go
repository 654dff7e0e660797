// Package config loads, normalizes, and validates alps configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// ALPS_REDIS_URL and ALPS_API_TOKEN. The Config type centralizes every knob
// the daemon and CLI need, from tool binaries to region-of-interest geometry.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
