// Package config provides configuration loading and validation for the utterance relay.
// It reads YAML on top of built-in defaults and validates every section before use.
package config
