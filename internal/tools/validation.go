package tools

import (
	"fmt"
	"math"
	"reflect"
	"sort"
)

// checkSchema verifies the subset of JSON Schema the registry understands.
func checkSchema(schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if t, ok := schema["type"]; ok && t != "object" {
		return fmt.Errorf("%w: top-level type must be \"object\"", ErrInvalidSchema)
	}
	if _, err := requiredFields(schema["required"]); err != nil {
		return err
	}
	if _, err := additionalAllowed(schema["additionalProperties"]); err != nil {
		return err
	}
	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		if _, _, err := propertyType(raw); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
	}
	return nil
}

func validateArguments(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	required, err := requiredFields(schema["required"])
	if err != nil {
		return err
	}
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return &ValidationError{Argument: field, Reason: "required"}
		}
	}

	props, hasProps := schema["properties"].(map[string]any)
	allowExtra, err := additionalAllowed(schema["additionalProperties"])
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw, known := props[key]
		if !known {
			if hasProps && !allowExtra {
				return &ValidationError{Argument: key, Reason: "unknown argument"}
			}
			continue
		}
		expected, hasType, err := propertyType(raw)
		if err != nil {
			return err
		}
		if hasType && !matchesType(expected, args[key]) {
			return &ValidationError{Argument: key, Reason: "must be " + expected}
		}
	}
	return nil
}

func requiredFields(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: \"required\" entries must be strings", ErrInvalidSchema)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: \"required\" must be an array", ErrInvalidSchema)
	}
}

func additionalAllowed(raw any) (bool, error) {
	switch v := raw.(type) {
	case nil:
		return true, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("%w: \"additionalProperties\" must be a bool", ErrInvalidSchema)
	}
}

func propertyType(raw any) (string, bool, error) {
	prop, ok := raw.(map[string]any)
	if !ok {
		return "", false, fmt.Errorf("%w: properties must be objects", ErrInvalidSchema)
	}
	t, ok := prop["type"]
	if !ok {
		return "", false, nil
	}
	name, ok := t.(string)
	if !ok {
		return "", false, fmt.Errorf("%w: property \"type\" must be a string", ErrInvalidSchema)
	}
	return name, true, nil
}

func matchesType(expected string, value any) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		return isNumber(value)
	case "integer":
		return isInteger(value)
	case "object":
		if value == nil {
			return false
		}
		return reflect.TypeOf(value).Kind() == reflect.Map
	case "array":
		if value == nil {
			return false
		}
		kind := reflect.TypeOf(value).Kind()
		return kind == reflect.Slice || kind == reflect.Array
	default:
		return true
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// isInteger accepts integral floats because decoded JSON numbers are float64.
func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return v == math.Trunc(v) && !math.IsInf(v, 0)
	case float32:
		return float64(v) == math.Trunc(float64(v))
	default:
		return false
	}
}
