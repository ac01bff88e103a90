// Package config loads and validates the bridge's TOML configuration.
package config
