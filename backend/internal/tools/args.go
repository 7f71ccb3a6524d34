package tools

import (
	"fmt"
	"strings"
)

// Argument helpers. Decoded JSON arguments arrive as map[string]interface{}
// with numbers as float64 and arrays as []interface{}; these normalize the
// shapes the adapters care about.

func stringArg(args map[string]interface{}, key string) (string, bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", true, fmt.Errorf("%s must be a string", key)
	}
	return strings.TrimSpace(s), true, nil
}

func intArg(args map[string]interface{}, key string) (int, bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, true, fmt.Errorf("%s must be a whole number", key)
		}
		return int(v), true, nil
	case int:
		return v, true, nil
	default:
		return 0, true, fmt.Errorf("%s must be a number", key)
	}
}

func stringSliceArg(args map[string]interface{}, key string) ([]string, bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, false, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, true, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, true, fmt.Errorf("%s must be an array of strings", key)
			}
			out = append(out, s)
		}
		return out, true, nil
	case string:
		// models occasionally send a single value where an array belongs
		return []string{v}, true, nil
	default:
		return nil, true, fmt.Errorf("%s must be an array of strings", key)
	}
}
