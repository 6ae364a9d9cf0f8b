// Package config loads, normalizes, and validates renderq configuration
// from TOML files.
package config
