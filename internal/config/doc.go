// Package config provides configuration loading and validation for the stream session service.
// It handles YAML-based configuration layered over built-in defaults, with per-section
// validation and typed duration accessors.
package config
