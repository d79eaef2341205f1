// Package config loads worker settings from defaults, an optional YAML file
// and the environment, then validates them before anything else starts.
package config
