// Package config provides configuration loading, validation, and typed access
// utilities used across the listener runtime's components.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dmlistener.evalgo.org/common"
)

// EnvConfig provides utilities for loading configuration from environment variables.
type EnvConfig struct {
	prefix string // Optional prefix for all environment variables
}

// NewEnvConfig creates a new environment configuration loader.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{
		prefix: prefix,
	}
}

// GetString retrieves a string value from environment with optional default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	return common.GetEnv(ec.buildKey(key), defaultValue)
}

// MustGetString retrieves a required string value from environment or panics.
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from environment with optional default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	return common.GetEnvInt(ec.buildKey(key), defaultValue)
}

// GetBool retrieves a boolean value from environment with optional default.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	return common.GetEnvBool(ec.buildKey(key), defaultValue)
}

// GetDuration retrieves a duration value from environment with optional default.
// The value is interpreted as a count of the given unit (e.g. seconds) when it
// parses as a plain integer, falling back to time.ParseDuration syntax otherwise.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration, unit time.Duration) time.Duration {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		return defaultValue
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(n) * unit
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment.
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// buildKey builds the full environment variable key with optional prefix.
func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// Values wraps a JSON-shaped configuration map (string keys, scalar or nested
// values) with typed, error-returning accessors. It is the runtime
// representation a consumer's init(config) receives: callers build it either
// from a literal map, from environment variables via EnvConfig, or by
// unmarshaling JSON into map[string]interface{}.
type Values map[string]interface{}

// MissingKeyError reports that a required configuration key was not present.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing required configuration key %q", e.Key)
}

// TypeError reports that a configuration value could not be coerced to the
// type an accessor expected.
type TypeError struct {
	Key   string
	Want  string
	Value interface{}
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("configuration key %q is not %s: %v", e.Key, e.Want, e.Value)
}

// String returns a string value, or defaultValue if the key is absent.
func (v Values) String(key, defaultValue string) string {
	raw, ok := v[key]
	if !ok {
		return defaultValue
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", raw)
}

// RequireString returns a required string value, or an error.
func (v Values) RequireString(key string) (string, error) {
	raw, ok := v[key]
	if !ok {
		return "", &MissingKeyError{Key: key}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &TypeError{Key: key, Want: "a string", Value: raw}
	}
	if s == "" {
		return "", &MissingKeyError{Key: key}
	}
	return s, nil
}

// Int returns an integer value, coercing from JSON numbers (float64) and
// numeric strings, or an error describing why the value could not be read.
func (v Values) Int(key string, defaultValue int) (int, error) {
	raw, ok := v[key]
	if !ok {
		return defaultValue, nil
	}
	switch n := raw.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, &TypeError{Key: key, Want: "an integer", Value: raw}
		}
		return parsed, nil
	default:
		return 0, &TypeError{Key: key, Want: "an integer", Value: raw}
	}
}

// Bool returns a boolean value, or an error describing why it could not be read.
func (v Values) Bool(key string, defaultValue bool) (bool, error) {
	raw, ok := v[key]
	if !ok {
		return defaultValue, nil
	}
	switch b := raw.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, &TypeError{Key: key, Want: "a boolean", Value: raw}
		}
		return parsed, nil
	default:
		return false, &TypeError{Key: key, Want: "a boolean", Value: raw}
	}
}

// Duration returns a duration value expressed in the given unit (an integer
// count of seconds, milliseconds, and so on per the caller's declared unit).
func (v Values) Duration(key string, defaultValue time.Duration, unit time.Duration) (time.Duration, error) {
	n, err := v.Int(key, -1)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return defaultValue, nil
	}
	return time.Duration(n) * unit, nil
}

// Has reports whether key is present in the map.
func (v Values) Has(key string) bool {
	_, ok := v[key]
	return ok
}

// Validator accumulates configuration validation errors so callers can report
// every problem at once rather than failing on the first one.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]string, 0)}
}

// RequireString validates that a string field is not empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequireInt validates that an integer field is within range.
func (v *Validator) RequireInt(field string, value, min, max int) {
	if value < min || value > max {
		v.errors = append(v.errors, fmt.Sprintf("%s must be between %d and %d", field, min, max))
	}
}

// RequirePositiveInt validates that an integer field is positive.
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options.
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// Errorf records a validation error built from a format string, for checks
// that don't fit the Require* helpers above.
func (v *Validator) Errorf(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

// IsValid returns true if there are no validation errors.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []string {
	return v.errors
}

// ErrorString returns all validation errors as a single string.
func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

// Validate runs validation and returns an error if invalid.
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}
