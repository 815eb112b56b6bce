// Package config loads event-dispatch settings from YAML or JSON files with
// environment overrides.
//
// Config is a loosely typed view over a decoded document; every accessor takes
// a default that is returned when the key is missing or has the wrong type.
// Settings is the typed result the rest of the module consumes.
package config

import (
	"time"
)

// Config wraps a decoded document for type-safe value extraction.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map. A nil map yields an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// String returns the string value for key, or defaultVal.
func (c Config) String(key, defaultVal string) string {
	if s, ok := c.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal.
func (c Config) Bool(key string, defaultVal bool) bool {
	if b, ok := c.data[key].(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal. Floats convert only
// when they have no fractional part.
func (c Config) Int(key string, defaultVal int) int {
	switch val := c.data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return defaultVal
}

// Duration returns the duration value for key, or defaultVal.
// Strings go through time.ParseDuration; bare numbers are milliseconds.
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	v, ok := c.data[key]
	if !ok {
		return defaultVal
	}
	if d, ok := toDuration(v); ok {
		return d
	}
	return defaultVal
}

// DurationSlice returns a list of durations for key, or defaultVal if the key is
// missing or any element is invalid.
func (c Config) DurationSlice(key string, defaultVal []time.Duration) []time.Duration {
	items, ok := c.data[key].([]any)
	if !ok {
		return defaultVal
	}
	out := make([]time.Duration, 0, len(items))
	for _, item := range items {
		d, ok := toDuration(item)
		if !ok {
			return defaultVal
		}
		out = append(out, d)
	}
	return out
}

func toDuration(v any) (time.Duration, bool) {
	switch val := v.(type) {
	case string:
		d, err := time.ParseDuration(val)
		return d, err == nil
	case int:
		return time.Duration(val) * time.Millisecond, true
	case int64:
		return time.Duration(val) * time.Millisecond, true
	case float64:
		return time.Duration(val * float64(time.Millisecond)), true
	case time.Duration:
		return val, true
	}
	return 0, false
}

// StringSlice returns the string slice for key, or defaultVal.
func (c Config) StringSlice(key string, defaultVal []string) []string {
	switch val := c.data[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out = append(out, s)
		}
		return out
	}
	return defaultVal
}

// Section returns the nested mapping under key as a Config. A missing or
// non-mapping key yields an empty Config.
func (c Config) Section(key string) Config {
	if m, ok := c.data[key].(map[string]any); ok {
		return New(m)
	}
	return New(nil)
}

// Has returns true if the key exists.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Raw returns the underlying map. It must not be modified.
func (c Config) Raw() map[string]any {
	return c.data
}
