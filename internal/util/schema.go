package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// ValidationError represents input validation errors with detailed information.
type ValidationError struct {
	Field   string `json:"field"`   // Dotted path of the field that failed validation
	Value   any    `json:"value"`   // Value that was provided
	Message string `json:"message"` // Human-readable error message
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// CreateSchema creates a JSON schema from a Go struct using reflection.
func CreateSchema(structType any) map[string]any {
	t := reflect.TypeOf(structType)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t == nil || t.Kind() != reflect.Struct {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}

	properties := make(map[string]any)
	required := make([]string, 0)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		fieldName := field.Name
		if name, _, _ := strings.Cut(jsonTag, ","); name != "" {
			fieldName = name
		}

		fieldSchema := map[string]any{"type": jsonType(field.Type)}
		if description := field.Tag.Get("description"); description != "" {
			fieldSchema["description"] = description
		}
		properties[fieldName] = fieldSchema

		if !hasOmitEmpty(jsonTag) && field.Type.Kind() != reflect.Ptr {
			required = append(required, fieldName)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

// CheckObjectSchema verifies that schema describes a JSON object. A nil
// schema is accepted and means "any object".
func CheckObjectSchema(schema map[string]any) error {
	if schema == nil {
		return nil
	}
	if t, ok := schema["type"]; ok && t != "object" {
		return fmt.Errorf("schema type must be \"object\", got %v", t)
	}
	if props, ok := schema["properties"]; ok {
		if _, isMap := props.(map[string]any); !isMap {
			return fmt.Errorf("schema properties must be an object, got %T", props)
		}
	}
	if _, err := requiredFields(schema); err != nil {
		return err
	}
	return nil
}

// ValidateInput decodes raw JSON and validates it against an object schema.
func ValidateInput(raw json.RawMessage, schema map[string]any) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Message: "input must be a JSON object: " + err.Error()}
	}
	if params == nil {
		params = map[string]any{}
	}

	if err := validateObject("", params, schema); err != nil {
		return nil, err
	}

	return params, nil
}

func validateObject(path string, params map[string]any, schema map[string]any) error {
	if schema == nil {
		return nil
	}

	required, err := requiredFields(schema)
	if err != nil {
		return err
	}
	for _, name := range required {
		if _, exists := params[name]; !exists {
			return &ValidationError{Field: join(path, name), Message: "required field is missing"}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for name, value := range params {
		propMap, ok := properties[name].(map[string]any)
		if !ok {
			continue // extra fields are allowed
		}
		if err := validateValue(join(path, name), value, propMap); err != nil {
			return err
		}
	}

	return nil
}

func validateValue(path string, value any, schema map[string]any) error {
	expected, _ := schema["type"].(string)
	if !isValidType(value, expected) {
		return &ValidationError{
			Field:   path,
			Value:   value,
			Message: fmt.Sprintf("expected type %s, got %T", expected, value),
		}
	}

	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		if !slices.ContainsFunc(enum, func(e any) bool { return reflect.DeepEqual(e, value) }) {
			return &ValidationError{Field: path, Value: value, Message: fmt.Sprintf("value not in enum %v", enum)}
		}
	}

	switch v := value.(type) {
	case map[string]any:
		if expected == "object" {
			return validateObject(path, v, schema)
		}
	case []any:
		if items, ok := schema["items"].(map[string]any); ok {
			for i, item := range v {
				if err := validateValue(fmt.Sprintf("%s[%d]", path, i), item, items); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// requiredFields accepts both []string (Go literals) and []any (decoded JSON).
func requiredFields(schema map[string]any) ([]string, error) {
	switch req := schema["required"].(type) {
	case nil:
		return nil, nil
	case []string:
		return req, nil
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			s, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("schema required entries must be strings, got %T", r)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("schema required must be a list, got %T", req)
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// jsonType returns the JSON schema type for a given Go type.
func jsonType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Ptr:
		return jsonType(t.Elem())
	default:
		return "string"
	}
}

func hasOmitEmpty(tag string) bool {
	parts := strings.Split(tag, ",")
	for _, part := range parts[1:] {
		if p := strings.TrimSpace(part); p == "omitempty" || p == "omitzero" {
			return true
		}
	}
	return false
}

// isValidType checks if a decoded JSON value matches the expected schema type.
func isValidType(value any, expectedType string) bool {
	if value == nil {
		return expectedType == "" || expectedType == "null"
	}

	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
			float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
