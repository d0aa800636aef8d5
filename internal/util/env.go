// Package util provides environment value parsing helpers shared across components.
package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ParseBool parses a boolean setting. Accepts true/1/yes/on and false/0/no/off
// (case-insensitive). Empty or invalid values return the default; ok is false only for
// invalid values.
func ParseBool(val string, defaultValue bool) (v bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "":
		return defaultValue, true
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	default:
		return defaultValue, false
	}
}

// ParseBoolEnv parses a boolean environment variable with a default value.
// Invalid values log a warning and return the default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	v, ok := ParseBool(val, defaultValue)
	if !ok {
		slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
	}
	return v
}

// ParseFloat parses a non-negative decimal setting; empty returns the default.
func ParseFloat(val string, defaultValue float64) (float64, error) {
	val = strings.TrimSpace(val)
	if val == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, strconv.ErrRange
	}
	return f, nil
}

// ParseInt parses a non-negative integer setting; empty returns the default.
func ParseInt(val string, defaultValue int) (int, error) {
	val = strings.TrimSpace(val)
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
