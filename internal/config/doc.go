// Package config handles configuration loading for hearth-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from HEARTH_CONFIG environment variable
//  2. ./hearth.yaml
//
// Duration fields ("700ms", "2m") are parsed from strings after unmarshaling.
package config
