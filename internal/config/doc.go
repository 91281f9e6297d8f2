// Package config loads and validates relay configuration. Layering is
// defaults, then an optional JSON file, then a .env file, then RELAY_*
// environment variables; later layers win.
package config
