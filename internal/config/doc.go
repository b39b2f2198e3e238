// Package config loads and validates the service configuration from a
// YAML file. Field-level constraints are declared as struct tags and
// checked with go-playground/validator; cross-field rules live in the
// per-section Validate methods.
package config
