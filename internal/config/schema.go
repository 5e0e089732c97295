// ABOUTME: JSON Schema of the config document derived from the yaml struct tags
// ABOUTME: Served by the config.schema command

package config

import (
	"reflect"
	"strings"
)

var durationFields = map[string]bool{
	"revocation_prune_interval": true,
	"heartbeat_interval":        true,
	"handshake_timeout":         true,
	"poll_interval":             true,
	"ttl":                       true,
}

// Schema describes the config file format.
func Schema() map[string]any {
	s := schemaFor(reflect.TypeFor[Config]())
	s["$schema"] = "https://json-schema.org/draft/2020-12/schema"
	s["title"] = "agent-gateway configuration"
	return s
}

func schemaFor(t reflect.Type) map[string]any {
	switch t.Kind() {
	case reflect.Struct:
		props := map[string]any{}
		for i := range t.NumField() {
			f := t.Field(i)
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "" || name == "-" || !f.IsExported() {
				continue
			}
			prop := schemaFor(f.Type)
			if durationFields[name] {
				prop["format"] = "duration"
			}
			props[name] = prop
		}
		return map[string]any{"type": "object", "properties": props, "additionalProperties": false}
	case reflect.Slice:
		return map[string]any{"type": "array", "items": schemaFor(t.Elem())}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int32, reflect.Int64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	default:
		return map[string]any{"type": "string"}
	}
}
