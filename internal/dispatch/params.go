// ABOUTME: Lenient readers for JSON-decoded command params
// ABOUTME: Numbers may arrive as float64, json.Number or numeric strings

package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func boolParam(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// int64Param returns nil when key is absent or null.
func int64Param(params map[string]any, key string) (*int64, error) {
	var n int64
	switch v := params[key].(type) {
	case nil:
		return nil, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("%s must be an integer", key)
		}
		n = int64(v)
	case int:
		n = int64(v)
	case int64:
		n = v
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer", key)
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer", key)
		}
		n = parsed
	default:
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	return &n, nil
}

func uuidParam(params map[string]any, key string) (string, error) {
	raw := stringParam(params, key)
	if raw == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%s must be a UUID", key)
	}
	return id.String(), nil
}
