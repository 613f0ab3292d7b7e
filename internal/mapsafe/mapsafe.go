package mapsafe

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Get retrieves a typed value from a map[string]string of backend parameters.
// If the key is missing or the value cannot be parsed as T, it returns the
// default value.
func Get[T any](m map[string]string, key string, defaultValue T) T {
	raw, ok := m[key]
	if !ok {
		return defaultValue
	}
	raw = strings.TrimSpace(raw)

	switch any(defaultValue).(type) {
	case int:
		if v, err := strconv.Atoi(raw); err == nil {
			return any(v).(T)
		}
	case float64:
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return any(v).(T)
		}
	case bool:
		if v, err := strconv.ParseBool(raw); err == nil {
			return any(v).(T)
		}
	case string:
		return any(raw).(T)
	}

	return defaultValue
}

// Stringify converts loosely typed values (as decoded from YAML, JSON or
// TOML) into backend parameter strings.
func Stringify(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = x
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			out[k] = fmt.Sprint(x)
		}
	}

	return out
}

// Keys returns the keys of m in sorted order.
func Keys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
