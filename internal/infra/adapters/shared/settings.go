// Package shared holds plumbing common to exchange adapters.
package shared

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StringSetting returns a trimmed, non-empty string value.
func StringSetting(cfg map[string]any, key string) (string, bool) {
	if cfg == nil {
		return "", false
	}
	raw, ok := cfg[key]
	if !ok {
		return "", false
	}
	if value, ok := raw.(string); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	}
	return "", false
}

// IntSetting accepts integers, floats and numeric strings.
func IntSetting(cfg map[string]any, key string) (int, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		var parsed int
		if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// FloatSetting accepts numbers and numeric strings.
func FloatSetting(cfg map[string]any, key string) (float64, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// DurationSetting accepts Go duration strings; bare numbers are seconds.
func DurationSetting(cfg map[string]any, key string) (time.Duration, bool) {
	raw, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		d, err := time.ParseDuration(trimmed)
		if err != nil {
			return 0, false
		}
		return d, true
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	case float64:
		return time.Duration(v * float64(time.Second)), true
	}
	return 0, false
}

// MapSetting returns a nested map.
func MapSetting(cfg map[string]any, key string) (map[string]any, bool) {
	raw, ok := cfg[key]
	if !ok {
		return nil, false
	}
	out, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	return out, true
}
