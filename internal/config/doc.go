// Package config loads engine configuration from defaults, a YAML file,
// CIPP_* environment variables and command-line overrides, in that order.
package config
